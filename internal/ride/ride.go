// Package ride handles the in-ride half of the lifecycle: pickup, dropoff,
// distance and point settlement, and the review-threshold routing.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/booth-dispatch/internal/geo"
	"github.com/example/booth-dispatch/internal/models"
	"github.com/example/booth-dispatch/internal/observability"
	"github.com/example/booth-dispatch/internal/points"
	"github.com/example/booth-dispatch/internal/storage"
)

// ErrNotAssigned is returned when the pickup/dropoff guard does not match:
// wrong rider, wrong state, or both.
var ErrNotAssigned = errors.New("request not assigned to rider in that state")

// ErrInvalidInput flags missing request fields.
var ErrInvalidInput = errors.New("invalid input")

// Notifier is the slice of the notification gateway the lifecycle needs.
type Notifier interface {
	BoothStatus(boothID string, st models.BoothStatus)
	Broadcast(ev models.Event)
}

// DropoffResult is the settlement summary returned to the rider.
type DropoffResult struct {
	Distance      float64 `json:"distance"`
	Points        float64 `json:"points"`
	PendingReview bool    `json:"pending_review"`
}

type Service struct {
	Requests storage.RequestStore
	Riders   storage.RiderStore
	Logs     storage.LogStore
	Notify   Notifier
	Logger   *slog.Logger

	// ReviewThresholdMeters separates auto-approved points from manually
	// reviewed ones.
	ReviewThresholdMeters float64
}

func NewService(requests storage.RequestStore, riders storage.RiderStore, logs storage.LogStore,
	notify Notifier, logger *slog.Logger, reviewThresholdMeters float64) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Requests:              requests,
		Riders:                riders,
		Logs:                  logs,
		Notify:                notify,
		Logger:                logger,
		ReviewThresholdMeters: reviewThresholdMeters,
	}
}

// Pickup moves accepted → picked_up for the assigned rider.
func (s *Service) Pickup(ctx context.Context, requestID, riderID string) (*models.RideRequest, error) {
	if requestID == "" || riderID == "" {
		return nil, fmt.Errorf("%w: requestId and riderId are required", ErrInvalidInput)
	}
	req, err := s.Requests.MarkPickedUp(ctx, requestID, riderID)
	if errors.Is(err, storage.ErrGuardFailed) {
		return nil, ErrNotAssigned
	}
	if err != nil {
		return nil, err
	}
	s.Logger.Info("passenger picked up", "request_id", requestID, "rider_id", riderID)
	s.Notify.Broadcast(models.Event{Type: models.EventRequestUpdated, Payload: req})
	return req, nil
}

// Dropoff moves picked_up → completed, computes distance and points, writes
// the ride log unconditionally and either credits the rider or routes the
// points to manual review. The rider's slot is freed in both branches.
func (s *Service) Dropoff(ctx context.Context, requestID, riderID string) (*models.RideRequest, *DropoffResult, error) {
	if requestID == "" || riderID == "" {
		return nil, nil, fmt.Errorf("%w: requestId and riderId are required", ErrInvalidInput)
	}
	req, err := s.Requests.MarkCompleted(ctx, requestID, riderID)
	if errors.Is(err, storage.ErrGuardFailed) {
		return nil, nil, ErrNotAssigned
	}
	if err != nil {
		return nil, nil, err
	}

	distance := geo.Haversine(req.Source.Lat, req.Source.Lon, req.Destination.Lat, req.Destination.Lon)
	pts := points.Calculate(distance)
	pending := points.NeedsReview(distance, s.ReviewThresholdMeters)

	log := &models.RideLog{
		RequestID:      requestID,
		RiderID:        riderID,
		BoothID:        req.BoothID,
		DestinationID:  req.DestinationID,
		DistanceMeters: distance,
		PointsEarned:   pts,
	}
	if req.PickedUpAt != nil && req.CompletedAt != nil {
		log.PickupTime = *req.PickedUpAt
		log.DropoffTime = *req.CompletedAt
		log.DurationSec = int64(req.CompletedAt.Sub(*req.PickedUpAt) / time.Second)
	}
	if err := s.Logs.SaveLog(ctx, log); err != nil {
		s.Logger.Error("ride log not written", "request_id", requestID, "error", err)
	}

	if pending {
		review := &models.PointPendingReview{
			RequestID:      requestID,
			RiderID:        riderID,
			DistanceMeters: distance,
			PointsProposed: pts,
			Status:         "pending",
			CreatedAt:      time.Now(),
		}
		if err := s.Logs.CreatePendingReview(ctx, review); err != nil {
			s.Logger.Error("pending review not created", "request_id", requestID, "error", err)
		}
		observability.PointsPending.Inc()
		s.Logger.Info("points routed to review", "request_id", requestID, "rider_id", riderID, "distance_m", distance, "points", pts)
	} else {
		if err := s.Riders.CreditPoints(ctx, riderID, pts); err != nil {
			s.Logger.Error("points not credited", "rider_id", riderID, "error", err)
		}
		s.Logger.Info("points auto-approved", "request_id", requestID, "rider_id", riderID, "points", pts)
	}

	// ride slot freed regardless of review branch
	if err := s.Riders.SetStatus(ctx, riderID, models.RiderOnline); err != nil {
		s.Logger.Error("rider not freed", "rider_id", riderID, "error", err)
	}
	observability.RidesCompleted.Inc()

	s.Notify.Broadcast(models.Event{Type: models.EventRequestUpdated, Payload: req})
	s.Notify.Broadcast(models.Event{Type: models.EventRideCompleted, Payload: map[string]any{
		"request_id": requestID,
		"rider_id":   riderID,
		"distance":   distance,
		"points":     pts,
	}})
	s.Notify.BoothStatus(req.BoothID, models.BoothStatus{
		RequestID: requestID,
		Status:    string(models.StatusCompleted),
		LEDColor:  models.LEDGreen,
		Message:   "Ride completed",
		RiderID:   riderID,
	})

	return req, &DropoffResult{Distance: distance, Points: pts, PendingReview: pending}, nil
}
