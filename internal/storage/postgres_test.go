package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder collects the driver-level events a pgRequests call produces, in
// order, so tests can assert transaction boundaries.
type recorder struct {
	mu       sync.Mutex
	events   []string
	affected map[string]int64
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeConnector struct{ rec *recorder }

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{rec: c.rec}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return nil }

type fakeConn struct{ rec *recorder }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	c.rec.add("begin")
	return &fakeTx{rec: c.rec}, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	switch {
	case strings.Contains(query, "UPDATE ride_requests"):
		c.rec.add("exec ride_requests")
		if n, ok := c.rec.affected["ride_requests"]; ok {
			return driver.RowsAffected(n), nil
		}
		return driver.RowsAffected(1), nil
	case strings.Contains(query, "offer_attempts"):
		c.rec.add("exec offer_attempts")
		return driver.RowsAffected(1), nil
	default:
		return driver.RowsAffected(1), nil
	}
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	switch {
	case strings.Contains(query, "SELECT 1"):
		c.rec.add("query exists")
		return &fakeRows{
			cols: []string{"one"},
			rows: [][]driver.Value{{int64(1)}},
		}, nil
	case strings.Contains(query, "FROM offer_attempts"):
		c.rec.add("query attempts")
		now := time.Now()
		return &fakeRows{
			cols: []string{"rider_id", "offered_at", "response", "responded_at"},
			rows: [][]driver.Value{{"r1", now, "accepted", now}},
		}, nil
	default:
		c.rec.add("query request")
		now := time.Now()
		return &fakeRows{
			cols: []string{
				"request_id", "booth_id", "destination_id",
				"source_lat", "source_lon", "dest_lat", "dest_lon",
				"status", "assigned_rider", "current_offer_rider", "offer_expires_at",
				"created_at", "accepted_at", "picked_up_at", "completed_at", "cancelled_at",
			},
			rows: [][]driver.Value{{
				"REQ-1", "booth-a", "dest-1",
				12.97, 77.59, 12.99, 77.62,
				"accepted", "r1", nil, nil,
				now, now, nil, nil, nil,
			}},
		}, nil
	}
}

type fakeTx struct{ rec *recorder }

func (t *fakeTx) Commit() error {
	t.rec.add("commit")
	return nil
}

func (t *fakeTx) Rollback() error {
	t.rec.add("rollback")
	return nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func newFakeRequests(affected map[string]int64) (*pgRequests, *recorder) {
	rec := &recorder{affected: affected}
	db := sql.OpenDB(&fakeConnector{rec: rec})
	return &pgRequests{db: db}, rec
}

func TestAcceptOfferClosesAttemptInSameTransaction(t *testing.T) {
	s, rec := newFakeRequests(nil)
	defer s.db.Close()

	r, err := s.AcceptOffer(context.Background(), "REQ-1", "r1", time.Now())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.RequestID != "REQ-1" {
		t.Fatalf("got request %q", r.RequestID)
	}

	events := rec.snapshot()
	want := []string{"begin", "exec ride_requests", "exec offer_attempts", "commit"}
	if len(events) < len(want) {
		t.Fatalf("events = %v", events)
	}
	for i, ev := range want {
		if events[i] != ev {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, events[i], ev, events)
		}
	}
	for _, ev := range events {
		if ev == "rollback" {
			t.Fatalf("unexpected rollback in %v", events)
		}
	}
}

func TestAcceptOfferGuardMissRollsBack(t *testing.T) {
	s, rec := newFakeRequests(map[string]int64{"ride_requests": 0})
	defer s.db.Close()

	_, err := s.AcceptOffer(context.Background(), "REQ-1", "r2", time.Now())
	if !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("err = %v, want ErrGuardFailed", err)
	}

	events := rec.snapshot()
	sawRollback := false
	for _, ev := range events {
		switch ev {
		case "commit":
			t.Fatalf("guard miss committed: %v", events)
		case "exec offer_attempts":
			t.Fatalf("guard miss touched offer_attempts: %v", events)
		case "rollback":
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Fatalf("no rollback after guard miss: %v", events)
	}
}

func TestReleaseOfferClosesAttemptInSameTransaction(t *testing.T) {
	s, rec := newFakeRequests(nil)
	defer s.db.Close()

	if _, err := s.ReleaseOffer(context.Background(), "REQ-1", "r1", "rejected"); err != nil {
		t.Fatalf("release: %v", err)
	}

	events := rec.snapshot()
	want := []string{"begin", "exec ride_requests", "exec offer_attempts", "commit"}
	for i, ev := range want {
		if i >= len(events) || events[i] != ev {
			t.Fatalf("events = %v, want prefix %v", events, want)
		}
	}
}
