package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/booth-dispatch/internal/models"
)

// MemoryStore keeps everything in maps and serializes guard-check-then-patch
// under one mutex, which gives the same atomic compare-and-set semantics a
// single-document transaction would.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
	riders   map[string]*models.Rider
	booths   map[string]*models.Booth
	logs     []*models.RideLog
	reviews  []*models.PointPendingReview
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.RideRequest),
		riders:   make(map[string]*models.Rider),
		booths:   make(map[string]*models.Booth),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.RequestID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, requestID string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) BeginOffer(ctx context.Context, requestID, riderID string, expiresAt time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return nil, ErrGuardFailed
	}
	r.Status = models.StatusOffering
	r.CurrentOfferRider = riderID
	exp := expiresAt
	r.OfferExpiresAt = &exp
	r.OfferAttempts = append(r.OfferAttempts, models.OfferAttempt{
		RiderID:   riderID,
		OfferedAt: time.Now(),
	})
	return cloneRequest(r), nil
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, requestID, riderID string, now time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusOffering || r.CurrentOfferRider != riderID ||
		r.OfferExpiresAt == nil || !r.OfferExpiresAt.After(now) {
		return nil, ErrGuardFailed
	}
	r.Status = models.StatusAccepted
	r.AssignedRider = riderID
	r.CurrentOfferRider = ""
	r.OfferExpiresAt = nil
	t := now
	r.AcceptedAt = &t
	closeAttempt(r, riderID, models.ResponseAccepted, now)
	return cloneRequest(r), nil
}

func (m *MemoryStore) ReleaseOffer(ctx context.Context, requestID, riderID, response string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusOffering || r.CurrentOfferRider != riderID {
		return nil, ErrGuardFailed
	}
	r.Status = models.StatusPending
	r.CurrentOfferRider = ""
	r.OfferExpiresAt = nil
	closeAttempt(r, riderID, response, time.Now())
	return cloneRequest(r), nil
}

func (m *MemoryStore) Cancel(ctx context.Context, requestID string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending && r.Status != models.StatusOffering {
		return nil, ErrGuardFailed
	}
	now := time.Now()
	if r.Status == models.StatusOffering && r.CurrentOfferRider != "" {
		closeAttempt(r, r.CurrentOfferRider, models.ResponseExpired, now)
	}
	r.Status = models.StatusCancelled
	r.CurrentOfferRider = ""
	r.OfferExpiresAt = nil
	r.CancelledAt = &now
	return cloneRequest(r), nil
}

func (m *MemoryStore) MarkPickedUp(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusAccepted || r.AssignedRider != riderID {
		return nil, ErrGuardFailed
	}
	now := time.Now()
	r.Status = models.StatusPickedUp
	r.PickedUpAt = &now
	return cloneRequest(r), nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPickedUp || r.AssignedRider != riderID {
		return nil, ErrGuardFailed
	}
	now := time.Now()
	r.Status = models.StatusCompleted
	r.CompletedAt = &now
	return cloneRequest(r), nil
}

func (m *MemoryStore) ExpiredOffers(ctx context.Context, now time.Time) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.requests {
		if r.Status == models.StatusOffering && r.OfferExpiresAt != nil && !r.OfferExpiresAt.After(now) {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) StaleRequests(ctx context.Context, cutoff time.Time) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.requests {
		if (r.Status == models.StatusPending || r.Status == models.StatusOffering) && !r.CreatedAt.After(cutoff) {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestForBooth(ctx context.Context, boothID string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.RideRequest
	for _, r := range m.requests {
		if r.BoothID != boothID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneRequest(latest), nil
}

// rider store

func (m *MemoryStore) GetRider(ctx context.Context, riderID string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[riderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutRider(ctx context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.riders[r.RiderID] = &cp
	return nil
}

func (m *MemoryStore) SetRiderStatus(ctx context.Context, riderID string, status models.RiderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *MemoryStore) UpdateRiderLocation(ctx context.Context, riderID string, loc models.Coord, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return ErrNotFound
	}
	r.Loc = loc
	r.LastSeen = seen
	return nil
}

func (m *MemoryStore) RecordRiderAcceptance(ctx context.Context, riderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return ErrNotFound
	}
	r.Status = models.RiderOnRide
	r.AcceptedRides++
	return nil
}

func (m *MemoryStore) RecordRiderRejection(ctx context.Context, riderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return ErrNotFound
	}
	r.RejectedOffers++
	return nil
}

func (m *MemoryStore) CreditRiderPoints(ctx context.Context, riderID string, pts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[riderID]
	if !ok {
		return ErrNotFound
	}
	r.PointsBalance += pts
	r.CompletedRides++
	return nil
}

// booth store

func (m *MemoryStore) GetBooth(ctx context.Context, boothID string) (*models.Booth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.booths[boothID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) PutBooth(ctx context.Context, b *models.Booth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.booths[b.BoothID] = &cp
	return nil
}

// log store

func (m *MemoryStore) SaveLog(ctx context.Context, l *models.RideLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) CreatePendingReview(ctx context.Context, p *models.PointPendingReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.reviews = append(m.reviews, &cp)
	return nil
}

// Logs returns a snapshot of saved ride logs, for tests.
func (m *MemoryStore) Logs() []*models.RideLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideLog, len(m.logs))
	copy(out, m.logs)
	return out
}

// PendingReviews returns a snapshot of created reviews, for tests.
func (m *MemoryStore) PendingReviews() []*models.PointPendingReview {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.PointPendingReview, len(m.reviews))
	copy(out, m.reviews)
	return out
}

func closeAttempt(r *models.RideRequest, riderID, response string, at time.Time) {
	for i := len(r.OfferAttempts) - 1; i >= 0; i-- {
		if r.OfferAttempts[i].RiderID == riderID && r.OfferAttempts[i].Response == "" {
			t := at
			r.OfferAttempts[i].Response = response
			r.OfferAttempts[i].RespondedAt = &t
			return
		}
	}
}

func cloneRequest(r *models.RideRequest) *models.RideRequest {
	cp := *r
	if r.OfferExpiresAt != nil {
		t := *r.OfferExpiresAt
		cp.OfferExpiresAt = &t
	}
	cp.OfferAttempts = append([]models.OfferAttempt(nil), r.OfferAttempts...)
	return &cp
}

// Riders is a RiderStore view over the memory store.
type Riders struct{ *MemoryStore }

func (r Riders) Get(ctx context.Context, id string) (*models.Rider, error) {
	return r.GetRider(ctx, id)
}
func (r Riders) Put(ctx context.Context, d *models.Rider) error { return r.PutRider(ctx, d) }
func (r Riders) SetStatus(ctx context.Context, id string, s models.RiderStatus) error {
	return r.SetRiderStatus(ctx, id, s)
}
func (r Riders) UpdateLocation(ctx context.Context, id string, loc models.Coord, seen time.Time) error {
	return r.UpdateRiderLocation(ctx, id, loc, seen)
}
func (r Riders) RecordAcceptance(ctx context.Context, id string) error {
	return r.RecordRiderAcceptance(ctx, id)
}
func (r Riders) RecordRejection(ctx context.Context, id string) error {
	return r.RecordRiderRejection(ctx, id)
}
func (r Riders) CreditPoints(ctx context.Context, id string, pts float64) error {
	return r.CreditRiderPoints(ctx, id, pts)
}

// Booths is a BoothStore view over the memory store.
type Booths struct{ *MemoryStore }

func (b Booths) Get(ctx context.Context, id string) (*models.Booth, error) {
	return b.GetBooth(ctx, id)
}
func (b Booths) Put(ctx context.Context, booth *models.Booth) error { return b.PutBooth(ctx, booth) }
