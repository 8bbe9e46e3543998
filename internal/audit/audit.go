package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"fintrail.org/internal/ids"
)

// Outcome records whether the audited action was permitted.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
)

// Entry is a single append-only audit record. Entries are never updated or
// deleted regardless of role; tamper-evidence is the whole point of the trail.
type Entry struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter narrows List results.
type Filter struct {
	ActorID  string
	Resource string
	Outcome  Outcome
	Limit    int
}

// Recorder is the write side of the trail.
type Recorder interface {
	Append(ctx context.Context, entry *Entry) error
}

// Trail is the full append-only log: write plus bounded read. There is
// deliberately no update or delete operation.
type Trail interface {
	Recorder
	List(ctx context.Context, f Filter) ([]Entry, error)
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

// Validate checks the minimal shape of an entry before it is appended.
func Validate(entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	if strings.TrimSpace(entry.ActorID) == "" ||
		strings.TrimSpace(entry.Action) == "" ||
		strings.TrimSpace(entry.Resource) == "" {
		return ErrInvalidEntry
	}
	if entry.Outcome != OutcomeAllowed && entry.Outcome != OutcomeDenied {
		return ErrInvalidEntry
	}
	return nil
}

// InMemory keeps the trail in process memory. Suitable for tests and for
// running without a configured database.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (t *InMemory) Append(ctx context.Context, entry *Entry) error {
	if err := Validate(entry); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, *entry)
	return nil
}

func (t *InMemory) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var res []Entry
	for _, e := range t.entries {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Resource != "" && e.Resource != f.Resource {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		res = append(res, e)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}
