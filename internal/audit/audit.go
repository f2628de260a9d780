package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/xid"
)

type Writer interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// Recorder writes audit entries best-effort: a failed write is logged and
// never returned to the caller.
type Recorder struct {
	writer Writer
	logger zerolog.Logger
	now    func() time.Time
}

func NewRecorder(writer Writer, logger zerolog.Logger) *Recorder {
	return &Recorder{writer: writer, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recorder) Record(ctx context.Context, entry domain.AuditLog) {
	if r == nil || r.writer == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	// Use a detached context so a cancelled request still leaves its audit trail.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := r.writer.CreateAuditLog(writeCtx, entry); err != nil {
		r.logger.Warn().
			Err(err).
			Str("event_type", string(entry.EventType)).
			Str("store_id", entry.StoreID).
			Str("employment_id", entry.EmploymentID).
			Msg("audit log write failed")
	}
}
