package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/booth-dispatch/internal/models"
)

func newRequest(t *testing.T, m *MemoryStore, id string) *models.RideRequest {
	t.Helper()
	r := &models.RideRequest{
		RequestID: id,
		BoothID:   "BOOTH-01",
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := m.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBeginOfferGuard(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "r1")

	exp := time.Now().Add(30 * time.Second)
	req, err := m.BeginOffer(ctx, "r1", "rider-a", exp)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusOffering || req.CurrentOfferRider != "rider-a" {
		t.Fatalf("bad state: %+v", req)
	}
	if len(req.OfferAttempts) != 1 || req.OfferAttempts[0].Response != "" {
		t.Fatalf("expected one open attempt, got %+v", req.OfferAttempts)
	}

	// already offering: guard must reject a second entry
	if _, err := m.BeginOffer(ctx, "r1", "rider-b", exp); !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("expected guard failure, got %v", err)
	}
}

func TestAcceptOfferGuards(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "r1")
	exp := time.Now().Add(30 * time.Second)
	if _, err := m.BeginOffer(ctx, "r1", "rider-a", exp); err != nil {
		t.Fatal(err)
	}

	// wrong rider
	if _, err := m.AcceptOffer(ctx, "r1", "rider-b", time.Now()); !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("expected guard failure for wrong rider, got %v", err)
	}
	// expired clock
	if _, err := m.AcceptOffer(ctx, "r1", "rider-a", exp.Add(time.Second)); !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("expected guard failure for expired offer, got %v", err)
	}

	req, err := m.AcceptOffer(ctx, "r1", "rider-a", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusAccepted || req.AssignedRider != "rider-a" {
		t.Fatalf("bad state: %+v", req)
	}
	if req.CurrentOfferRider != "" || req.OfferExpiresAt != nil {
		t.Fatalf("offer fields not cleared: %+v", req)
	}
	if req.OfferAttempts[0].Response != models.ResponseAccepted {
		t.Fatalf("attempt not closed: %+v", req.OfferAttempts[0])
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "r1")
	if _, err := m.BeginOffer(ctx, "r1", "rider-a", time.Now().Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.AcceptOffer(ctx, "r1", "rider-a", time.Now())
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrGuardFailed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestReleaseOfferBackToPending(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "r1")
	if _, err := m.BeginOffer(ctx, "r1", "rider-a", time.Now().Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}

	req, err := m.ReleaseOffer(ctx, "r1", "rider-a", models.ResponseRejected)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusPending || req.CurrentOfferRider != "" || req.OfferExpiresAt != nil {
		t.Fatalf("bad state: %+v", req)
	}
	if req.OfferAttempts[0].Response != models.ResponseRejected {
		t.Fatalf("attempt not marked rejected: %+v", req.OfferAttempts[0])
	}

	// release racing a prior release loses
	if _, err := m.ReleaseOffer(ctx, "r1", "rider-a", models.ResponseExpired); !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("expected guard failure, got %v", err)
	}
}

func TestCancelOnlyFromPendingOrOffering(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "r1")
	if _, err := m.Cancel(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	req, _ := m.Get(ctx, "r1")
	if req.Status != models.StatusCancelled || req.CancelledAt == nil {
		t.Fatalf("bad state: %+v", req)
	}

	newRequest(t, m, "r2")
	if _, err := m.BeginOffer(ctx, "r2", "rider-a", time.Now().Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcceptOffer(ctx, "r2", "rider-a", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Cancel(ctx, "r2"); !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("accepted request must not cancel, got %v", err)
	}
}

func TestPickupAndCompleteGuards(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "r1")
	if _, err := m.BeginOffer(ctx, "r1", "rider-a", time.Now().Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcceptOffer(ctx, "r1", "rider-a", time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := m.MarkCompleted(ctx, "r1", "rider-a"); !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("complete before pickup must fail, got %v", err)
	}
	if _, err := m.MarkPickedUp(ctx, "r1", "rider-b"); !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("pickup by wrong rider must fail, got %v", err)
	}
	if _, err := m.MarkPickedUp(ctx, "r1", "rider-a"); err != nil {
		t.Fatal(err)
	}
	req, err := m.MarkCompleted(ctx, "r1", "rider-a")
	if err != nil {
		t.Fatal(err)
	}
	if req.PickedUpAt == nil || req.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", req)
	}
}

func TestAtMostOneOpenAttempt(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "r1")
	for i, rider := range []string{"a", "b", "c"} {
		if _, err := m.BeginOffer(ctx, "r1", rider, time.Now().Add(30*time.Second)); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
		req, _ := m.Get(ctx, "r1")
		open := 0
		for _, a := range req.OfferAttempts {
			if a.Response == "" {
				open++
			}
		}
		if open != 1 {
			t.Fatalf("expected exactly one open attempt, got %d", open)
		}
		if _, err := m.ReleaseOffer(ctx, "r1", rider, models.ResponseExpired); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExpiredAndStaleListing(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRequest(t, m, "fresh")
	newRequest(t, m, "expiring")
	if _, err := m.BeginOffer(ctx, "expiring", "rider-a", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	expired, err := m.ExpiredOffers(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].RequestID != "expiring" {
		t.Fatalf("bad expired list: %+v", expired)
	}

	old := &models.RideRequest{RequestID: "old", Status: models.StatusPending, CreatedAt: time.Now().Add(-3 * time.Minute)}
	if err := m.Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	stale, err := m.StaleRequests(ctx, time.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].RequestID != "old" {
		t.Fatalf("bad stale list: %+v", stale)
	}
}
