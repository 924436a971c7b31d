package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/vai-dialog/pkg/core/transcript"
)

var ErrEmptyDSN = errors.New("store: database url is required")

// Postgres persists finalized transcript entries.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrEmptyDSN
	}
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

const insertEntry = `
INSERT INTO transcript_entries
    (id, session_id, role, text, item_id, media_ref, is_final, started_at, finalized_at, emitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// AppendTranscript stores one transcript event.
func (p *Postgres) AppendTranscript(ctx context.Context, ev transcript.Event) error {
	_, err := p.pool.Exec(ctx, insertEntry,
		uuid.New(),
		ev.SessionID,
		string(ev.Role),
		ev.Text,
		nullString(ev.ItemID),
		nullString(ev.MediaRef),
		ev.IsFinal,
		nullTime(ev.StartedAt),
		nullTime(ev.FinalizedAt),
		nullTime(ev.EmittedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

const selectEntries = `
SELECT session_id, role, text, item_id, media_ref, is_final, started_at, finalized_at, emitted_at
FROM (
    SELECT *, COALESCE(started_at, finalized_at, emitted_at, created_at) AS ordering_at
    FROM transcript_entries
    WHERE session_id = $1
    ORDER BY ordering_at DESC, created_at DESC
    LIMIT $2
) newest
ORDER BY ordering_at ASC, created_at ASC`

type entryRow struct {
	SessionID   string     `db:"session_id"`
	Role        string     `db:"role"`
	Text        string     `db:"text"`
	ItemID      *string    `db:"item_id"`
	MediaRef    *string    `db:"media_ref"`
	IsFinal     bool       `db:"is_final"`
	StartedAt   *time.Time `db:"started_at"`
	FinalizedAt *time.Time `db:"finalized_at"`
	EmittedAt   *time.Time `db:"emitted_at"`
}

// LoadTranscript returns the newest limit entries of sessionID in ordering
// time order.
func (p *Postgres) LoadTranscript(ctx context.Context, sessionID string, limit int) ([]transcript.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := p.pool.Query(ctx, selectEntries, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcript entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[entryRow])
	if err != nil {
		return nil, fmt.Errorf("scan transcript entries: %w", err)
	}

	out := make([]transcript.Event, 0, len(entries))
	for _, row := range entries {
		role, ok := transcript.ParseRole(row.Role)
		if !ok {
			p.logger.Warn("skipping stored entry with unknown role", "session_id", sessionID, "role", row.Role)
			continue
		}
		out = append(out, transcript.Event{
			SessionID:   row.SessionID,
			Role:        role,
			Text:        row.Text,
			IsFinal:     row.IsFinal,
			StartedAt:   derefTime(row.StartedAt),
			FinalizedAt: derefTime(row.FinalizedAt),
			EmittedAt:   derefTime(row.EmittedAt),
			ItemID:      derefString(row.ItemID),
			MediaRef:    derefString(row.MediaRef),
			Provenance:  transcript.ProvenanceReplay,
		})
	}
	return out, nil
}

func nullString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
