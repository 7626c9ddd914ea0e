package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/porticodev/portico/internal/audit"
	"github.com/porticodev/portico/internal/model"
)

func TestRecordAffinityUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("insert into bastion_affinity")).
		WithArgs("i-target", "i-bastion").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	if err := s.RecordAffinity(context.Background(), "i-target", "i-bastion"); err != nil {
		t.Fatalf("RecordAffinity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPreferredHost(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select host_id from bastion_affinity")).
		WithArgs("i-target").
		WillReturnRows(pgxmock.NewRows([]string{"host_id"}).AddRow("i-bastion"))

	s := New(mock)
	got, err := s.PreferredHost(context.Background(), "i-target")
	if err != nil {
		t.Fatalf("PreferredHost: %v", err)
	}
	if got != "i-bastion" {
		t.Fatalf("got %s, want i-bastion", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPreferredHostNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select host_id from bastion_affinity")).
		WithArgs("i-unknown").
		WillReturnRows(pgxmock.NewRows([]string{"host_id"}))

	s := New(mock)
	_, err = s.PreferredHost(context.Background(), "i-unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertAuditEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	ev := audit.Event{
		Time:      time.Now().UTC(),
		TargetID:  "i-target",
		Transport: model.TransportMediated,
		HostID:    "i-bastion",
		Outcome:   "mediated",
		Detail:    "127.0.0.1:52345",
	}

	mock.ExpectExec(regexp.QuoteMeta("insert into audit_events")).
		WithArgs(pgxmock.AnyArg(), ev.Time, ev.TargetID, string(ev.Transport), ev.HostID, ev.Outcome, ev.Detail).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	if err := s.InsertAuditEvent(context.Background(), ev); err != nil {
		t.Fatalf("InsertAuditEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecentAuditEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	newest := time.Now().UTC()
	older := newest.Add(-time.Hour)
	rows := pgxmock.NewRows([]string{"occurred_at", "target_id", "transport", "host_id", "outcome", "detail"}).
		AddRow(newest, "i-target", "mediated", "i-bastion", "tunnel_open", "127.0.0.1:52345").
		AddRow(older, "i-other", "direct", "", "direct", "203.0.113.9:22")

	mock.ExpectQuery(regexp.QuoteMeta("select occurred_at, target_id, transport, host_id, outcome, detail")).
		WithArgs(2).
		WillReturnRows(rows)

	s := New(mock)
	got, err := s.RecentAuditEvents(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentAuditEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].TargetID != "i-target" || got[0].Transport != model.TransportMediated {
		t.Fatalf("newest event: got %+v", got[0])
	}
	if got[1].Transport != model.TransportDirect || got[1].HostID != "" {
		t.Fatalf("older event: got %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCleanupStaleAffinity(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("delete from bastion_affinity where updated_at < $1")).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	s := New(mock)
	if err := s.CleanupStaleAffinity(context.Background(), 30*24*time.Hour); err != nil {
		t.Fatalf("CleanupStaleAffinity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
