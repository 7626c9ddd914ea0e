package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/porticodev/portico/internal/audit"
	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

var ErrNotFound = errors.New("not found")

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Store persists the target-to-bastion affinity hints and the audit trail.
// Nothing here is authoritative for routing: hints are re-validated on every
// resolution, and tunnel state itself is never persisted.
type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

const schema = `
create table if not exists bastion_affinity (
  target_id  text primary key,
  host_id    text not null,
  updated_at timestamptz not null default now()
);

create table if not exists audit_events (
  id          uuid primary key,
  occurred_at timestamptz not null,
  target_id   text not null,
  transport   text not null default '',
  host_id     text not null default '',
  outcome     text not null,
  detail      text not null default ''
);

create index if not exists audit_events_occurred_at_idx on audit_events (occurred_at desc);
`

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) RecordAffinity(ctx context.Context, targetID, hostID string) error {
	const q = `
insert into bastion_affinity (target_id, host_id, updated_at)
values ($1, $2, now())
on conflict (target_id) do update set host_id = excluded.host_id, updated_at = now()`

	if _, err := s.db.Exec(ctx, q, targetID, hostID); err != nil {
		return fmt.Errorf("record affinity: %w", err)
	}
	return nil
}

func (s *Store) PreferredHost(ctx context.Context, targetID string) (string, error) {
	const q = `select host_id from bastion_affinity where target_id = $1`

	var hostID string
	err := s.db.QueryRow(ctx, q, targetID).Scan(&hostID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("preferred host: %w", err)
	}
	return hostID, nil
}

func (s *Store) CleanupStaleAffinity(ctx context.Context, ttl time.Duration) error {
	const q = `delete from bastion_affinity where updated_at < $1`

	if _, err := s.db.Exec(ctx, q, time.Now().UTC().Add(-ttl)); err != nil {
		return fmt.Errorf("cleanup stale affinity: %w", err)
	}
	return nil
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev audit.Event) error {
	const q = `
insert into audit_events (id, occurred_at, target_id, transport, host_id, outcome, detail)
values ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, q, uuid.New(), ev.Time.UTC(), ev.TargetID, string(ev.Transport), ev.HostID, ev.Outcome, ev.Detail)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) RecentAuditEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	const q = `
select occurred_at, target_id, transport, host_id, outcome, detail
from audit_events
order by occurred_at desc
limit $1`

	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		var transport string
		if err := rows.Scan(&ev.Time, &ev.TargetID, &transport, &ev.HostID, &ev.Outcome, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Transport = model.Transport(transport)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AuditSink writes audit events to Postgres. A write failure is logged and
// counted, never propagated; the connection outcome stands on its own.
type AuditSink struct {
	store *Store
}

func NewAuditSink(s *Store) *AuditSink {
	return &AuditSink{store: s}
}

func (a *AuditSink) Record(ctx context.Context, ev audit.Event) {
	if err := a.store.InsertAuditEvent(ctx, ev); err != nil {
		log.Printf("event=audit_sink_failed target_id=%s outcome=%s err=%q", ev.TargetID, ev.Outcome, err.Error())
		metrics.Default().IncCounter("portico_audit_events_total", map[string]string{"sink": "postgres", "status": "error"})
		return
	}
	metrics.Default().IncCounter("portico_audit_events_total", map[string]string{"sink": "postgres", "status": "ok"})
}
