package campaign

import (
	"strings"
	"time"

	crerr "github.com/cockroachdb/errors"
)

const DefaultPriority = 1.0

// Contact is a single dial target.
type Contact struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// CallMeta carries enqueue provenance. It is a closed structure on purpose:
// workers rely on these fields and an open metadata bag hides typos.
type CallMeta struct {
	Source     string    `json:"source,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
	BatchIndex int       `json:"batch_index,omitempty"`
}

// CallJob is one contact-dial request flowing through the call queue.
type CallJob struct {
	TenantID    string   `json:"tenant_id"`
	AssistantID string   `json:"assistant_id"`
	Contact     Contact  `json:"contact"`
	Priority    float64  `json:"priority"`
	Delay       int64    `json:"delay_ms,omitempty"`
	Meta        CallMeta `json:"meta,omitempty"`
}

// Normalize trims contact fields and applies the default priority. It
// returns an error for jobs that must never reach a queue.
func (j *CallJob) Normalize() error {
	j.TenantID = strings.TrimSpace(j.TenantID)
	j.AssistantID = strings.TrimSpace(j.AssistantID)
	j.Contact.Name = strings.TrimSpace(j.Contact.Name)
	j.Contact.Number = strings.TrimSpace(j.Contact.Number)

	if j.TenantID == "" {
		return crerr.New("tenant id is required")
	}
	if j.AssistantID == "" {
		return crerr.New("assistant id is required")
	}
	if j.Contact.Name == "" {
		return crerr.New("contact name is required")
	}
	if j.Contact.Number == "" {
		return crerr.New("contact number is required")
	}
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	return nil
}
