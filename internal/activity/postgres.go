package activity

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresSink appends entries to the activity_log table.
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(db *sqlx.DB) *PostgresSink { return &PostgresSink{db: db} }

func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	const q = `INSERT INTO activity_log (id, actor_id, action, details, source_address, created_at)
VALUES (:id, :actor_id, :action, :details, :source_address, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, e); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

