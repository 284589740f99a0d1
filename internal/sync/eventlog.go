package syncx

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Event types written by the application.
const (
	TypeSessionStarted        = "SessionStarted"
	TypeSessionSubmitted      = "SessionSubmitted"
	TypeCorrectionRunFinished = "CorrectionRunFinished"
	TypeCorrectionBatchFailed = "CorrectionBatchFailed"
	TypeExplanationRegen      = "ExplanationRegenerated"
	TypeAuthPrefix            = "Auth." // followed by the auth event kind
)

type Event struct {
	Seq       int64  `json:"seq"`
	SiteID    string `json:"site_id"`
	Type      string `json:"type"`
	Key       string `json:"key"`
	DataJSON  string `json:"data"`
	CreatedAt int64  `json:"created_at"`
}

// Appender is what producers need; EventRepo implements it.
type Appender interface {
	Append(ctx context.Context, e Event) error
}

type EventRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db, now: time.Now} }

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	if e.SiteID == "" {
		e.SiteID = "local"
	}
	if e.DataJSON == "" {
		e.DataJSON = "{}"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		e.SiteID, e.Type, e.Key, e.DataJSON, r.now().Unix())
	return err
}

// List returns events for key in append order; empty key lists everything.
func (r *EventRepo) List(ctx context.Context, key string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT seq, site_id, typ, key, data, created_at FROM event_log`
	args := []any{}
	if key != "" {
		q += ` WHERE key=$1 ORDER BY seq LIMIT $2`
		args = append(args, key, limit)
	} else {
		q += ` ORDER BY seq LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.SiteID, &e.Type, &e.Key, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// NewEvent marshals data into an event; a marshal failure degrades to "{}".
func NewEvent(typ, key string, data any) Event {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte("{}")
	}
	return Event{Type: typ, Key: key, DataJSON: string(b)}
}
