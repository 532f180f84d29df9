// Package storage defines the persistence contracts the dispatch core
// depends on. Every state transition is a conditional update: the store
// applies the patch only when the guard predicate matches the current row,
// atomically, and reports a guard miss as ErrGuardFailed. That property is
// what makes concurrent accept/reject/expiry races safe; an in-process lock
// cannot substitute for it because multiple service instances may share a store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/booth-dispatch/internal/models"
)

var (
	// ErrNotFound means the referenced booth/request/rider does not exist.
	ErrNotFound = errors.New("not found")
	// ErrGuardFailed means the conditional update's predicate did not match;
	// a concurrent actor won the transition.
	ErrGuardFailed = errors.New("guard failed")
)

// RequestStore persists ride requests and their attempt history.
// All mutators return the updated request on success.
type RequestStore interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, requestID string) (*models.RideRequest, error)

	// BeginOffer moves pending → offering, sets the current offer rider and
	// absolute expiry, and appends an open OfferAttempt.
	// Guard: status = pending.
	BeginOffer(ctx context.Context, requestID, riderID string, expiresAt time.Time) (*models.RideRequest, error)

	// AcceptOffer moves offering → accepted, clears the offer fields, sets
	// the assigned rider and marks the open attempt accepted.
	// Guard: status = offering AND currentOfferRider = riderID AND
	// offerExpiresAt > now.
	AcceptOffer(ctx context.Context, requestID, riderID string, now time.Time) (*models.RideRequest, error)

	// ReleaseOffer moves offering → pending, clears the offer fields and
	// marks the open attempt with the given response (rejected or expired).
	// Guard: status = offering AND currentOfferRider = riderID.
	ReleaseOffer(ctx context.Context, requestID, riderID, response string) (*models.RideRequest, error)

	// Cancel terminalizes the request. Guard: status ∈ {pending, offering}.
	Cancel(ctx context.Context, requestID string) (*models.RideRequest, error)

	// MarkPickedUp. Guard: status = accepted AND assignedRider = riderID.
	MarkPickedUp(ctx context.Context, requestID, riderID string) (*models.RideRequest, error)

	// MarkCompleted. Guard: status = picked_up AND assignedRider = riderID.
	MarkCompleted(ctx context.Context, requestID, riderID string) (*models.RideRequest, error)

	// ExpiredOffers lists requests in offering whose offer expiry is at or
	// before now.
	ExpiredOffers(ctx context.Context, now time.Time) ([]*models.RideRequest, error)

	// StaleRequests lists requests in pending/offering created at or before
	// the cutoff.
	StaleRequests(ctx context.Context, cutoff time.Time) ([]*models.RideRequest, error)

	// LatestForBooth returns the most recently created request for a booth.
	LatestForBooth(ctx context.Context, boothID string) (*models.RideRequest, error)
}

// RiderStore mutates rider documents through targeted field-level updates so
// concurrent writers touching disjoint fields never lose updates.
type RiderStore interface {
	Get(ctx context.Context, riderID string) (*models.Rider, error)
	Put(ctx context.Context, r *models.Rider) error
	SetStatus(ctx context.Context, riderID string, status models.RiderStatus) error
	UpdateLocation(ctx context.Context, riderID string, loc models.Coord, seen time.Time) error
	// RecordAcceptance sets status onride and increments acceptedRides.
	RecordAcceptance(ctx context.Context, riderID string) error
	// RecordRejection increments rejectedOffers.
	RecordRejection(ctx context.Context, riderID string) error
	// CreditPoints adds to the balance and increments completedRides.
	CreditPoints(ctx context.Context, riderID string, pts float64) error
}

// BoothStore resolves booth ids to locations.
type BoothStore interface {
	Get(ctx context.Context, boothID string) (*models.Booth, error)
	Put(ctx context.Context, b *models.Booth) error
}

// LogStore owns the write-once completion records.
type LogStore interface {
	SaveLog(ctx context.Context, l *models.RideLog) error
	CreatePendingReview(ctx context.Context, p *models.PointPendingReview) error
}
