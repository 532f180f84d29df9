// Package match drives the assignment loop: pick the next untried candidate
// for a pending request, commit the offer, and apply accept/reject responses
// through the store's conditional updates.
package match

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/booth-dispatch/internal/geo"
	"github.com/example/booth-dispatch/internal/models"
	"github.com/example/booth-dispatch/internal/observability"
	"github.com/example/booth-dispatch/internal/storage"
)

var (
	// ErrOfferNoLongerValid is returned to a rider whose accept or reject
	// lost the race: the offer expired, was answered elsewhere, or was never
	// theirs. This is the expected outcome of legitimate races, not a fault.
	ErrOfferNoLongerValid = errors.New("offer no longer valid")

	// ErrInvalidInput flags missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
)

// Notifier is the slice of the notification gateway the match loop needs.
type Notifier interface {
	Deliver(riderID string, ev models.Event) error
	BoothStatus(boothID string, st models.BoothStatus)
	Broadcast(ev models.Event)
}

type Service struct {
	Geo      geo.Geo
	Requests storage.RequestStore
	Riders   storage.RiderStore
	Booths   storage.BoothStore
	Notify   Notifier
	Logger   *slog.Logger

	OfferTimeout time.Duration
	// MaxDistanceMeters caps candidate distance; 0 means unbounded, so any
	// online rider globally is eligible.
	MaxDistanceMeters float64
	// TopN bounds how many geo results are pulled per pass; 0 means all.
	TopN int

	queue   chan string
	stopped chan struct{}
}

func NewService(g geo.Geo, requests storage.RequestStore, riders storage.RiderStore,
	booths storage.BoothStore, notify Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Geo:          g,
		Requests:     requests,
		Riders:       riders,
		Booths:       booths,
		Notify:       notify,
		Logger:       logger,
		OfferTimeout: 30 * time.Second,
		queue:        make(chan string, 256),
		stopped:      make(chan struct{}),
	}
}

// Run drains the assignment queue until ctx is cancelled. Retry-to-next-
// candidate is an explicit work item, never a recursive call, so the retry
// loop stays bounded and observable.
func (s *Service) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			if err := s.Assign(ctx, id); err != nil {
				s.Logger.Error("assignment pass failed", "request_id", id, "error", err)
			}
		}
	}
}

// Enqueue schedules an assignment pass for the request.
func (s *Service) Enqueue(requestID string) {
	select {
	case s.queue <- requestID:
	default:
		// queue saturated; hand off without blocking the caller, but give up
		// once the worker is gone so the handoff cannot outlive it
		go func() {
			select {
			case s.queue <- requestID:
			case <-s.stopped:
			}
		}()
	}
}

// CreateRequest validates the booth pair, persists the request in pending
// state and schedules the first assignment pass. The caller gets the pending
// request back immediately; matching continues asynchronously.
func (s *Service) CreateRequest(ctx context.Context, boothID, destinationID string) (*models.RideRequest, error) {
	if boothID == "" || destinationID == "" {
		return nil, fmt.Errorf("%w: boothId and destinationId are required", ErrInvalidInput)
	}
	source, err := s.Booths.Get(ctx, boothID)
	if err != nil {
		return nil, fmt.Errorf("source booth %s: %w", boothID, err)
	}
	dest, err := s.Booths.Get(ctx, destinationID)
	if err != nil {
		return nil, fmt.Errorf("destination booth %s: %w", destinationID, err)
	}

	req := &models.RideRequest{
		RequestID:     newRequestID(),
		BoothID:       boothID,
		DestinationID: destinationID,
		Source:        source.Loc,
		Destination:   dest.Loc,
		Status:        models.StatusPending,
		CreatedAt:     time.Now(),
	}
	if err := s.Requests.Create(ctx, req); err != nil {
		return nil, err
	}
	observability.RequestsCreated.Inc()
	s.Logger.Info("ride request created", "request_id", req.RequestID, "booth_id", boothID, "destination_id", destinationID)

	s.Notify.Broadcast(models.Event{Type: "request:created", Payload: req})
	s.Notify.BoothStatus(boothID, models.BoothStatus{
		RequestID: req.RequestID,
		Status:    string(models.StatusPending),
		LEDColor:  models.LEDYellow,
		Message:   "Searching for riders...",
	})

	s.Enqueue(req.RequestID)
	return req, nil
}

// Assign runs one selector pass: find the nearest untried candidate and
// commit an offer to them, or cancel the request when the pool is exhausted.
func (s *Service) Assign(ctx context.Context, requestID string) error {
	req, err := s.Requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.StatusPending {
		// a concurrent actor owns this request now
		return nil
	}

	limit := 0
	if s.TopN > 0 {
		limit = s.TopN + len(req.OfferAttempts)
	}
	cands, err := s.Geo.Nearby(ctx, req.Source.Lat, req.Source.Lon, limit)
	if err != nil {
		return err
	}

	next, reason := s.selectCandidate(req, cands)
	if next == nil {
		s.cancel(ctx, req, reason)
		return nil
	}
	return s.offerTo(ctx, req, next.Rider.RiderID)
}

// selectCandidate filters the ordered geo results down to the first rider
// not yet in the attempt history. The returned reason describes why there is
// no candidate when the result is nil.
func (s *Service) selectCandidate(req *models.RideRequest, cands []geo.Candidate) (*geo.Candidate, string) {
	if len(cands) == 0 {
		return nil, "no_riders"
	}
	for i := range cands {
		c := &cands[i]
		if s.MaxDistanceMeters > 0 && c.Distance > s.MaxDistanceMeters {
			// results are distance-ordered; everything after is too far
			break
		}
		if req.Attempted(c.Rider.RiderID) {
			continue
		}
		return c, ""
	}
	return nil, "exhausted"
}

func (s *Service) offerTo(ctx context.Context, req *models.RideRequest, riderID string) error {
	expiresAt := time.Now().Add(s.OfferTimeout)
	updated, err := s.Requests.BeginOffer(ctx, req.RequestID, riderID, expiresAt)
	if errors.Is(err, storage.ErrGuardFailed) {
		// someone else moved the request; they own the transition
		return nil
	}
	if err != nil {
		return err
	}
	observability.OffersTotal.Inc()
	s.Logger.Info("offer committed", "request_id", req.RequestID, "rider_id", riderID, "expires_at", expiresAt)

	offer := models.Offer{
		RequestID:           req.RequestID,
		RiderID:             riderID,
		BoothID:             req.BoothID,
		DestinationID:       req.DestinationID,
		PickupLocation:      req.Source,
		DestinationLocation: req.Destination,
		ExpiresAt:           expiresAt,
		TimeoutSeconds:      int(s.OfferTimeout / time.Second),
	}
	if b, err := s.Booths.Get(ctx, req.BoothID); err == nil {
		offer.BoothName = b.Name
	}
	if b, err := s.Booths.Get(ctx, req.DestinationID); err == nil {
		offer.DestinationName = b.Name
	}

	// fire-and-forget relative to the committed transition: the expiry clock
	// runs whether or not the rider ever sees the offer
	if err := s.Notify.Deliver(riderID, models.Event{Type: models.EventOffer, Payload: offer}); err != nil {
		s.Logger.Warn("offer not delivered", "request_id", req.RequestID, "rider_id", riderID, "error", err)
	}

	s.Notify.Broadcast(models.Event{Type: models.EventRequestUpdated, Payload: updated})
	s.Notify.BoothStatus(req.BoothID, models.BoothStatus{
		RequestID: req.RequestID,
		Status:    string(models.StatusOffering),
		LEDColor:  models.LEDYellow,
		Message:   fmt.Sprintf("Waiting for rider %s response...", riderID),
		RiderID:   riderID,
	})
	return nil
}

// Accept applies a rider's accept. Exactly one accept can win the conditional
// update; every loser gets ErrOfferNoLongerValid.
func (s *Service) Accept(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	if requestID == "" || riderID == "" {
		return nil, fmt.Errorf("%w: requestId and riderId are required", ErrInvalidInput)
	}
	updated, err := s.Requests.AcceptOffer(ctx, requestID, riderID, time.Now())
	if errors.Is(err, storage.ErrGuardFailed) {
		return nil, ErrOfferNoLongerValid
	}
	if err != nil {
		return nil, err
	}

	if err := s.Riders.RecordAcceptance(ctx, riderID); err != nil {
		s.Logger.Error("rider acceptance counters not updated", "rider_id", riderID, "error", err)
	}
	observability.AcceptsTotal.Inc()
	s.Logger.Info("offer accepted", "request_id", requestID, "rider_id", riderID)

	s.Notify.Broadcast(models.Event{Type: models.EventRequestUpdated, Payload: updated})
	s.Notify.BoothStatus(updated.BoothID, models.BoothStatus{
		RequestID: requestID,
		Status:    string(models.StatusAccepted),
		LEDColor:  models.LEDGreen,
		Message:   fmt.Sprintf("Rider %s is on the way", riderID),
		RiderID:   riderID,
	})
	return updated, nil
}

// Reject applies a rider's reject and schedules the next candidate pass.
func (s *Service) Reject(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	if requestID == "" || riderID == "" {
		return nil, fmt.Errorf("%w: requestId and riderId are required", ErrInvalidInput)
	}
	updated, err := s.Requests.ReleaseOffer(ctx, requestID, riderID, models.ResponseRejected)
	if errors.Is(err, storage.ErrGuardFailed) {
		return nil, ErrOfferNoLongerValid
	}
	if err != nil {
		return nil, err
	}

	if err := s.Riders.RecordRejection(ctx, riderID); err != nil {
		s.Logger.Error("rider rejection counter not updated", "rider_id", riderID, "error", err)
	}
	observability.RejectsTotal.Inc()
	s.Logger.Info("offer rejected", "request_id", requestID, "rider_id", riderID)

	_ = s.Notify.Deliver(riderID, models.Event{Type: models.EventOfferCancelled, Payload: map[string]string{
		"request_id": requestID,
		"reason":     "rejected",
	}})
	s.Notify.Broadcast(models.Event{Type: models.EventRequestUpdated, Payload: updated})

	s.Enqueue(requestID)
	return updated, nil
}

// Expire releases a timed-out offer and schedules a retry. Losing the guard
// is fine: the rider's accept beat the sweep.
func (s *Service) Expire(ctx context.Context, requestID, riderID string) error {
	_, err := s.Requests.ReleaseOffer(ctx, requestID, riderID, models.ResponseExpired)
	if errors.Is(err, storage.ErrGuardFailed) {
		return nil
	}
	if err != nil {
		return err
	}
	observability.OfferExpiries.Inc()
	s.Logger.Info("offer expired", "request_id", requestID, "rider_id", riderID)

	_ = s.Notify.Deliver(riderID, models.Event{Type: models.EventOfferCancelled, Payload: map[string]string{
		"request_id": requestID,
		"reason":     "expired",
	}})

	s.Enqueue(requestID)
	return nil
}

// CancelTimedOut terminalizes a request that crossed the overall ceiling.
func (s *Service) CancelTimedOut(ctx context.Context, requestID string) error {
	req, err := s.Requests.Cancel(ctx, requestID)
	if errors.Is(err, storage.ErrGuardFailed) {
		// accepted (or already cancelled) in the meantime; the other side won
		return nil
	}
	if err != nil {
		return err
	}
	observability.CancellationsTotal.WithLabelValues("timeout").Inc()
	s.Logger.Info("request cancelled on overall timeout", "request_id", requestID)

	s.Notify.Broadcast(models.Event{Type: models.EventRequestUpdated, Payload: req})
	s.Notify.BoothStatus(req.BoothID, models.BoothStatus{
		RequestID: requestID,
		Status:    string(models.StatusCancelled),
		LEDColor:  models.LEDRed,
		Message:   "No rider accepted - timeout",
	})
	return nil
}

// AdminCancel is the external cancellation path; unlike the sweeper's it
// reports a guard miss to the caller.
func (s *Service) AdminCancel(ctx context.Context, requestID string) (*models.RideRequest, error) {
	req, err := s.Requests.Cancel(ctx, requestID)
	if errors.Is(err, storage.ErrGuardFailed) {
		return nil, ErrOfferNoLongerValid
	}
	if err != nil {
		return nil, err
	}
	observability.CancellationsTotal.WithLabelValues("admin").Inc()

	s.Notify.Broadcast(models.Event{Type: models.EventRequestUpdated, Payload: req})
	s.Notify.BoothStatus(req.BoothID, models.BoothStatus{
		RequestID: requestID,
		Status:    string(models.StatusCancelled),
		LEDColor:  models.LEDRed,
		Message:   "Request cancelled",
	})
	return req, nil
}

func (s *Service) cancel(ctx context.Context, req *models.RideRequest, reason string) {
	if _, err := s.Requests.Cancel(ctx, req.RequestID); err != nil {
		if !errors.Is(err, storage.ErrGuardFailed) {
			s.Logger.Error("cancel failed", "request_id", req.RequestID, "error", err)
		}
		return
	}
	observability.CancellationsTotal.WithLabelValues(reason).Inc()
	s.Logger.Info("request cancelled", "request_id", req.RequestID, "reason", reason)

	msg := "No riders available"
	if reason == "exhausted" {
		msg = "All riders rejected"
	}
	s.Notify.BoothStatus(req.BoothID, models.BoothStatus{
		RequestID: req.RequestID,
		Status:    string(models.StatusCancelled),
		LEDColor:  models.LEDRed,
		Message:   msg,
	})
}

// Connected marks a rider online when their transport attaches.
func (s *Service) Connected(ctx context.Context, riderID string) error {
	r, err := s.Riders.Get(ctx, riderID)
	if err != nil {
		return err
	}
	if r.Status == models.RiderOnRide {
		return nil
	}
	return s.Riders.SetStatus(ctx, riderID, models.RiderOnline)
}

// Disconnected marks a rider offline unless they are mid-ride; an active
// assignment outlives its transport.
func (s *Service) Disconnected(ctx context.Context, riderID string) error {
	r, err := s.Riders.Get(ctx, riderID)
	if err != nil {
		return err
	}
	if r.Status == models.RiderOnRide {
		return nil
	}
	return s.Riders.SetStatus(ctx, riderID, models.RiderOffline)
}

func newRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("REQ-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
