package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
)

// Writer materializes CSV report artifacts on local disk so they can ride
// along as email attachments. Files are built in pooled buffers and written
// in one syscall.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	return &Writer{dir: dir}
}

// WriteCSV renders header plus rows and returns the artifact path. The
// caller owns deletion; email jobs carry the path with a cleanup flag.
func (w *Writer) WriteCSV(name string, header []string, rows [][]string) (string, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	cw := csv.NewWriter(buf)
	if err := cw.Write(header); err != nil {
		return "", crerr.Wrapf(err, "write csv header for %s", name)
	}
	if err := cw.WriteAll(rows); err != nil {
		return "", crerr.Wrapf(err, "write csv rows for %s", name)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", crerr.Wrapf(err, "flush csv for %s", name)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", crerr.Wrapf(err, "create artifact dir %s", w.dir)
	}

	filename := name + "-" + time.Now().UTC().Format("20060102") + "-" + uuid.NewString()[:8] + ".csv"
	path := filepath.Join(w.dir, filename)
	if err := os.WriteFile(path, buf.B, 0o644); err != nil {
		return "", crerr.Wrapf(err, "write csv artifact %s", path)
	}
	return path, nil
}
