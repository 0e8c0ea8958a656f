package auth

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/scada/internal/core"
)

// AuditPersister receives every audit entry; implemented by the historian.
type AuditPersister interface {
	RecordAudit(entry core.AuditEntry)
}

const auditMemoryCap = 10000

// Trail is the append-only audit log. Recent entries are kept in memory
// for the API; the full history lives in the historian.
type Trail struct {
	mu      sync.RWMutex
	entries []core.AuditEntry
	persist AuditPersister
	logger  *log.Logger
}

// NewTrail creates the audit trail. persist may be nil in tests.
func NewTrail(persist AuditPersister) *Trail {
	return &Trail{
		persist: persist,
		logger:  log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// SetPersister wires the historian after construction.
func (t *Trail) SetPersister(p AuditPersister) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persist = p
}

// Record appends one entry, assigning id and timestamp if unset.
func (t *Trail) Record(entry core.AuditEntry) {
	if entry.LogID == "" {
		entry.LogID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	if len(t.entries) > auditMemoryCap {
		t.entries = t.entries[len(t.entries)-auditMemoryCap:]
	}
	persist := t.persist
	t.mu.Unlock()

	t.logger.Printf("%s %s %s result=%s", entry.OperatorID, entry.Action, entry.Resource, entry.Result)
	if persist != nil {
		persist.RecordAudit(entry)
	}
}

// Recent returns up to limit entries, newest first.
func (t *Trail) Recent(limit int) []core.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.entries) {
		limit = len(t.entries)
	}
	out := make([]core.AuditEntry, 0, limit)
	for i := len(t.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.entries[i])
	}
	return out
}
