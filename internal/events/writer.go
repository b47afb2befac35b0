package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"astrodb/internal/db"
)

const (
	ProposalSubmitted     = "proposal.submitted"
	ProposalStatusChanged = "proposal.status_changed"
	ProposalRemoved       = "proposal.removed"
	ImageStored           = "image.stored"
	StoreCleaned          = "store.cleaned"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the
// mutation it describes. pid 0 means the event is not tied to a proposal.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, pid int64, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var pidArg any
	if pid > 0 {
		pidArg = pid
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO event(ts,type,proposal_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, pidArg, entityKind, nullable(entityID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

// EntityID formats a numeric id for the entity_id column.
func EntityID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
