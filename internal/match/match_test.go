package match

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/example/booth-dispatch/internal/geo"
	"github.com/example/booth-dispatch/internal/models"
	"github.com/example/booth-dispatch/internal/storage"
)

type fakeNotifier struct {
	mu        sync.Mutex
	delivered map[string][]models.Event
	booth     map[string][]models.BoothStatus
	broadcast []models.Event
	missing   map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		delivered: make(map[string][]models.Event),
		booth:     make(map[string][]models.BoothStatus),
		missing:   make(map[string]bool),
	}
}

func (f *fakeNotifier) Deliver(riderID string, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[riderID] {
		return errors.New("no session")
	}
	f.delivered[riderID] = append(f.delivered[riderID], ev)
	return nil
}

func (f *fakeNotifier) BoothStatus(boothID string, st models.BoothStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.booth[boothID] = append(f.booth[boothID], st)
}

func (f *fakeNotifier) Broadcast(ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, ev)
}

func (f *fakeNotifier) lastBoothStatus(boothID string) (models.BoothStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sts := f.booth[boothID]
	if len(sts) == 0 {
		return models.BoothStatus{}, false
	}
	return sts[len(sts)-1], true
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *geo.Index, *fakeNotifier) {
	t.Helper()
	mem := storage.NewMemoryStore()
	idx := geo.NewIndex()
	notify := newFakeNotifier()
	svc := NewService(idx, mem, storage.Riders{MemoryStore: mem}, storage.Booths{MemoryStore: mem}, notify, nil)

	ctx := context.Background()
	for _, b := range []models.Booth{
		{BoothID: "booth-a", Name: "Station A", Loc: models.Coord{Lat: 12.9716, Lon: 77.5946}, Active: true},
		{BoothID: "booth-b", Name: "Station B", Loc: models.Coord{Lat: 12.9750, Lon: 77.6000}, Active: true},
	} {
		booth := b
		if err := mem.PutBooth(ctx, &booth); err != nil {
			t.Fatalf("seed booth: %v", err)
		}
	}
	return svc, mem, idx, notify
}

func addRider(t *testing.T, mem *storage.MemoryStore, idx *geo.Index, r models.Rider) {
	t.Helper()
	ctx := context.Background()
	if err := mem.PutRider(ctx, &r); err != nil {
		t.Fatalf("seed rider: %v", err)
	}
	if err := idx.Upsert(ctx, r); err != nil {
		t.Fatalf("index rider: %v", err)
	}
}

func TestCreateRequestRequiresKnownBooths(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateRequest(ctx, "", "booth-b"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty booth id: got %v, want ErrInvalidInput", err)
	}
	if _, err := svc.CreateRequest(ctx, "booth-a", "booth-nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown destination: got %v, want ErrNotFound", err)
	}
}

func TestAssignOffersNearestIdleRider(t *testing.T) {
	svc, mem, idx, notify := newTestService(t)
	ctx := context.Background()

	addRider(t, mem, idx, models.Rider{
		RiderID: "near", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9717, Lon: 77.5947},
	})
	addRider(t, mem, idx, models.Rider{
		RiderID: "far", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 13.05, Lon: 77.70},
	})

	req, err := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	got, err := mem.Get(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusOffering || got.CurrentOfferRider != "near" {
		t.Fatalf("got status=%s rider=%s, want offering/near", got.Status, got.CurrentOfferRider)
	}
	if got.OfferExpiresAt == nil || !got.OfferExpiresAt.After(time.Now()) {
		t.Fatalf("offer expiry not set in the future: %v", got.OfferExpiresAt)
	}

	evs := notify.delivered["near"]
	if len(evs) != 1 || evs[0].Type != models.EventOffer {
		t.Fatalf("rider events = %+v, want one %s", evs, models.EventOffer)
	}
	offer, ok := evs[0].Payload.(models.Offer)
	if !ok {
		t.Fatalf("offer payload type %T", evs[0].Payload)
	}
	if offer.RequestID != req.RequestID || offer.BoothName != "Station A" || offer.TimeoutSeconds != 30 {
		t.Fatalf("unexpected offer payload: %+v", offer)
	}

	st, ok := notify.lastBoothStatus("booth-a")
	if !ok || st.LEDColor != models.LEDYellow || st.RiderID != "near" {
		t.Fatalf("booth status = %+v, want yellow waiting on near", st)
	}
}

func TestAssignNoRidersCancels(t *testing.T) {
	svc, mem, _, notify := newTestService(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	got, _ := mem.Get(ctx, req.RequestID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if len(got.OfferAttempts) != 0 {
		t.Fatalf("attempts = %d, want 0", len(got.OfferAttempts))
	}
	st, ok := notify.lastBoothStatus("booth-a")
	if !ok || st.LEDColor != models.LEDRed || st.Message != "No riders available" {
		t.Fatalf("booth status = %+v, want red no riders", st)
	}
}

func TestRejectMovesToNextCandidate(t *testing.T) {
	svc, mem, idx, notify := newTestService(t)
	ctx := context.Background()

	addRider(t, mem, idx, models.Rider{
		RiderID: "first", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9717, Lon: 77.5947},
	})
	addRider(t, mem, idx, models.Rider{
		RiderID: "second", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9800, Lon: 77.6050},
	})

	req, _ := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := svc.Reject(ctx, req.RequestID, "first"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("second Assign: %v", err)
	}

	got, _ := mem.Get(ctx, req.RequestID)
	if got.Status != models.StatusOffering || got.CurrentOfferRider != "second" {
		t.Fatalf("got status=%s rider=%s, want offering/second", got.Status, got.CurrentOfferRider)
	}
	if len(got.OfferAttempts) != 2 || got.OfferAttempts[0].Response != models.ResponseRejected {
		t.Fatalf("attempts = %+v, want rejected first then open second", got.OfferAttempts)
	}

	rider, _ := mem.GetRider(ctx, "first")
	if rider.RejectedOffers != 1 {
		t.Fatalf("rejected offers = %d, want 1", rider.RejectedOffers)
	}
	cancels := notify.delivered["first"]
	if len(cancels) != 2 || cancels[1].Type != models.EventOfferCancelled {
		t.Fatalf("first rider events = %+v, want offer then cancellation", cancels)
	}
}

func TestExhaustedPoolCancels(t *testing.T) {
	svc, mem, idx, notify := newTestService(t)
	ctx := context.Background()

	addRider(t, mem, idx, models.Rider{
		RiderID: "only", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9717, Lon: 77.5947},
	})

	req, _ := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := svc.Reject(ctx, req.RequestID, "only"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("second Assign: %v", err)
	}

	got, _ := mem.Get(ctx, req.RequestID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	st, _ := notify.lastBoothStatus("booth-a")
	if st.Message != "All riders rejected" {
		t.Fatalf("booth message = %q, want all riders rejected", st.Message)
	}
}

func TestMaxDistanceExcludesFarRiders(t *testing.T) {
	svc, mem, idx, _ := newTestService(t)
	svc.MaxDistanceMeters = 500
	ctx := context.Background()

	// ~9km from booth-a
	addRider(t, mem, idx, models.Rider{
		RiderID: "too-far", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 13.05, Lon: 77.60},
	})

	req, _ := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	got, _ := mem.Get(ctx, req.RequestID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled past distance cap", got.Status)
	}
}

func TestAcceptWinnerAndLoser(t *testing.T) {
	svc, mem, idx, notify := newTestService(t)
	ctx := context.Background()

	addRider(t, mem, idx, models.Rider{
		RiderID: "winner", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9717, Lon: 77.5947},
	})

	req, _ := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	updated, err := svc.Accept(ctx, req.RequestID, "winner")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if updated.Status != models.StatusAccepted || updated.AssignedRider != "winner" {
		t.Fatalf("got %+v, want accepted by winner", updated)
	}
	if _, err := svc.Accept(ctx, req.RequestID, "winner"); !errors.Is(err, ErrOfferNoLongerValid) {
		t.Fatalf("second accept: got %v, want ErrOfferNoLongerValid", err)
	}
	if _, err := svc.Reject(ctx, req.RequestID, "winner"); !errors.Is(err, ErrOfferNoLongerValid) {
		t.Fatalf("reject after accept: got %v, want ErrOfferNoLongerValid", err)
	}

	rider, _ := mem.GetRider(ctx, "winner")
	if rider.Status != models.RiderOnRide || rider.AcceptedRides != 1 {
		t.Fatalf("rider = %+v, want onride with 1 accepted", rider)
	}
	st, _ := notify.lastBoothStatus("booth-a")
	if st.LEDColor != models.LEDGreen {
		t.Fatalf("booth LED = %s, want green", st.LEDColor)
	}
}

func TestExpireReleasesAndRetries(t *testing.T) {
	svc, mem, idx, notify := newTestService(t)
	ctx := context.Background()

	addRider(t, mem, idx, models.Rider{
		RiderID: "slow", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9717, Lon: 77.5947},
	})
	addRider(t, mem, idx, models.Rider{
		RiderID: "backup", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9800, Lon: 77.6050},
	})

	req, _ := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := svc.Expire(ctx, req.RequestID, "slow"); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	// expiring again is a no-op, the guard already moved the request
	if err := svc.Expire(ctx, req.RequestID, "slow"); err != nil {
		t.Fatalf("repeat Expire: %v", err)
	}
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("retry Assign: %v", err)
	}

	got, _ := mem.Get(ctx, req.RequestID)
	if got.CurrentOfferRider != "backup" {
		t.Fatalf("current offer rider = %s, want backup", got.CurrentOfferRider)
	}
	if got.OfferAttempts[0].Response != models.ResponseExpired {
		t.Fatalf("first attempt response = %q, want expired", got.OfferAttempts[0].Response)
	}
	evs := notify.delivered["slow"]
	if len(evs) != 2 || evs[1].Type != models.EventOfferCancelled {
		t.Fatalf("slow rider events = %+v, want offer then cancellation", evs)
	}
}

func TestOfferDeliveryFailureStillCommits(t *testing.T) {
	svc, mem, idx, notify := newTestService(t)
	ctx := context.Background()

	addRider(t, mem, idx, models.Rider{
		RiderID: "ghost", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9717, Lon: 77.5947},
	})
	notify.missing["ghost"] = true

	req, _ := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	got, _ := mem.Get(ctx, req.RequestID)
	if got.Status != models.StatusOffering || got.CurrentOfferRider != "ghost" {
		t.Fatalf("got status=%s rider=%s, want offering/ghost despite delivery miss", got.Status, got.CurrentOfferRider)
	}
}

func TestCancelTimedOutSkipsAcceptedRequests(t *testing.T) {
	svc, mem, idx, _ := newTestService(t)
	ctx := context.Background()

	addRider(t, mem, idx, models.Rider{
		RiderID: "r1", Status: models.RiderOnline,
		Loc: models.Coord{Lat: 12.9717, Lon: 77.5947},
	})

	req, _ := svc.CreateRequest(ctx, "booth-a", "booth-b")
	if err := svc.Assign(ctx, req.RequestID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := svc.Accept(ctx, req.RequestID, "r1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := svc.CancelTimedOut(ctx, req.RequestID); err != nil {
		t.Fatalf("CancelTimedOut on accepted: %v", err)
	}

	got, _ := mem.Get(ctx, req.RequestID)
	if got.Status != models.StatusAccepted {
		t.Fatalf("status = %s, accepted request must survive the ceiling sweep", got.Status)
	}
}

func TestEnqueueFallbackStopsWithWorker(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	// saturate the queue so every Enqueue takes the fallback path
	for i := 0; i < cap(svc.queue); i++ {
		svc.queue <- "full"
	}
	base := runtime.NumGoroutine()
	for i := 0; i < 8; i++ {
		svc.Enqueue("overflow")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > base && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > base {
		t.Fatalf("%d fallback goroutines still parked after shutdown", n-base)
	}
}

func TestDisconnectedKeepsOnRideRider(t *testing.T) {
	svc, mem, _, _ := newTestService(t)
	ctx := context.Background()

	r := models.Rider{RiderID: "busy", Status: models.RiderOnRide}
	if err := mem.PutRider(ctx, &r); err != nil {
		t.Fatal(err)
	}
	if err := svc.Disconnected(ctx, "busy"); err != nil {
		t.Fatalf("Disconnected: %v", err)
	}
	got, _ := mem.GetRider(ctx, "busy")
	if got.Status != models.RiderOnRide {
		t.Fatalf("status = %s, want onride preserved across disconnect", got.Status)
	}

	idle := models.Rider{RiderID: "idle", Status: models.RiderOffline}
	if err := mem.PutRider(ctx, &idle); err != nil {
		t.Fatal(err)
	}
	if err := svc.Connected(ctx, "idle"); err != nil {
		t.Fatalf("Connected: %v", err)
	}
	got, _ = mem.GetRider(ctx, "idle")
	if got.Status != models.RiderOnline {
		t.Fatalf("status = %s, want online after connect", got.Status)
	}
}
