package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"otad/pkg/db"
)

// Entry is one row of the OTA audit trail.
type Entry struct {
	ID      int64          `db:"id" json:"id"`
	Actor   string         `db:"actor" json:"actor"`
	Action  string         `db:"action" json:"action"`
	Obj     string         `db:"obj" json:"obj"`
	Details map[string]any `db:"details" json:"details"`
	At      time.Time      `db:"at" json:"at"`
}

// Recorder appends to and reads from the ota_audit table.
type Recorder struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewRecorder constructs a Recorder. Writes go through orm, reads through pool.
func NewRecorder(orm *gorm.DB, pool *pgxpool.Pool) (*Recorder, error) {
	if orm == nil {
		return nil, errors.New("gorm db is required")
	}
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Recorder{orm: orm, pool: pool}, nil
}

// Record appends a single audit entry.
func (r *Recorder) Record(ctx context.Context, actor, action, obj string, details map[string]any) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	model, err := newModel(actor, action, obj, details)
	if err != nil {
		return err
	}

	return db.WithTimeout(ctx, db.DefaultTimeout, func(ctx context.Context) error {
		return r.orm.WithContext(ctx).Create(&model).Error
	})
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("nil recorder")
	}
	if limit <= 0 {
		return []Entry{}, nil
	}

	var entries []Entry
	err := db.Select(ctx, r.pool, &entries, `
SELECT id, actor, action, obj, COALESCE(details, '{}'::jsonb) AS details, at
FROM ota_audit
ORDER BY at DESC, id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func newModel(actor, action, obj string, details map[string]any) (auditModel, error) {
	actor = strings.TrimSpace(actor)
	action = strings.TrimSpace(action)
	if actor == "" {
		return auditModel{}, errors.New("actor is required")
	}
	if action == "" {
		return auditModel{}, errors.New("action is required")
	}
	return auditModel{
		Actor:   actor,
		Action:  action,
		Obj:     obj,
		Details: toJSONMap(details),
	}, nil
}
