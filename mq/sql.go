package mq

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultPollInterval = time.Second

// SQLQueue is a Queue persisted in the same SQLite/PostgreSQL database as
// the KV store. Messages survive restarts; a single polling consumer claims
// due rows and fans them out to the handler concurrently.
type SQLQueue struct {
	db       *sql.DB
	driver   string
	poll     time.Duration
	maxInFly int
}

// SQLQueueOption configures a SQLQueue.
type SQLQueueOption func(*SQLQueue)

// WithPollInterval sets how often the consumer checks for due messages.
func WithPollInterval(d time.Duration) SQLQueueOption {
	return func(q *SQLQueue) { q.poll = d }
}

// WithMaxInFlight bounds concurrent handler invocations.
func WithMaxInFlight(n int) SQLQueueOption {
	return func(q *SQLQueue) { q.maxInFly = n }
}

// NewSQLQueue returns a queue over an open database connection. The driver
// name must be "sqlite" or "postgres" (matching kv.SQLStore.DB).
func NewSQLQueue(db *sql.DB, driver string, opts ...SQLQueueOption) (*SQLQueue, error) {
	q := &SQLQueue{db: db, driver: driver, poll: defaultPollInterval, maxInFly: 10}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.migrate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) migrate() error {
	bodyType := "BLOB"
	if q.driver == "postgres" {
		bodyType = "BYTEA"
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue (
			id         TEXT PRIMARY KEY,
			body       %s NOT NULL,
			deliver_at BIGINT NOT NULL
		)`, bodyType),
		`CREATE INDEX IF NOT EXISTS queue_deliver_at ON queue(deliver_at)`,
	}
	for _, m := range ddl {
		if _, err := q.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("queue migration failed: %w", err)
		}
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, body []byte, opts ...EnqueueOption) error {
	o := applyOptions(opts)
	deliverAt := time.Now().Add(o.Delay).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO queue (id, body, deliver_at) VALUES (%s, %s, %s)`,
			q.ph(1), q.ph(2), q.ph(3)),
		uuid.NewString(), body, deliverAt)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Listen polls for due messages and dispatches them until ctx is cancelled.
// A claimed row is deleted before the handler runs; if the process dies
// mid-handling the message is lost from the queue but the outbox's own
// retry bookkeeping covers redelivery on the next attempt cycle.
func (q *SQLQueue) Listen(ctx context.Context, handler Handler) error {
	sem := make(chan struct{}, q.maxInFly)
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		bodies, err := q.claimDue(ctx)
		if err != nil {
			slog.Warn("queue poll failed", "error", err)
			continue
		}
		for _, body := range bodies {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Shutting down with a claimed message: put it back so it
				// is redelivered after restart.
				if err := q.Enqueue(context.Background(), body); err != nil {
					slog.Error("failed to flush in-flight message back to queue", "error", err)
				}
				return ctx.Err()
			}
			go func(body []byte) {
				defer func() { <-sem }()
				if err := handler(ctx, body); err != nil {
					slog.Warn("queue handler failed", "error", err)
				}
			}(body)
		}
	}
}

func (q *SQLQueue) claimDue(ctx context.Context) ([][]byte, error) {
	now := time.Now().UnixMilli()
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, body FROM queue WHERE deliver_at <= `+q.ph(1)+` ORDER BY deliver_at LIMIT 50`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type row struct {
		id   string
		body []byte
	}
	var claimed []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.body); err != nil {
			return nil, err
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var bodies [][]byte
	for _, r := range claimed {
		res, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE id = `+q.ph(1), r.id)
		if err != nil {
			return bodies, err
		}
		// Another consumer may have claimed the row between SELECT and
		// DELETE; only dispatch rows this consumer actually removed.
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			bodies = append(bodies, r.body)
		}
	}
	return bodies, nil
}

func (q *SQLQueue) ph(n int) string {
	if q.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
