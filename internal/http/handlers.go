package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/booth-dispatch/internal/dispatch"
	"github.com/example/booth-dispatch/internal/geo"
	"github.com/example/booth-dispatch/internal/ingest"
	"github.com/example/booth-dispatch/internal/match"
	"github.com/example/booth-dispatch/internal/models"
	"github.com/example/booth-dispatch/internal/ride"
	"github.com/example/booth-dispatch/internal/storage"
)

type Server struct {
	Match    *match.Service
	Ride     *ride.Service
	Requests storage.RequestStore
	Riders   storage.RiderStore
	Geo      geo.Geo
	Registry *dispatch.Registry
	Kafka    *ingest.Producer // optional

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(m *match.Service, r *ride.Service, requests storage.RequestStore,
	riders storage.RiderStore, g geo.Geo, reg *dispatch.Registry,
	kafka *ingest.Producer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Match:    m,
		Ride:     r,
		Requests: requests,
		Riders:   riders,
		Geo:      g,
		Registry: reg,
		Kafka:    kafka,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/booth/request", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/booth/{booth_id}/status", s.handleBoothStatus).Methods("GET")
	s.mux.HandleFunc("/api/rider/accept", s.riderAction(s.accept)).Methods("POST")
	s.mux.HandleFunc("/api/rider/reject", s.riderAction(s.reject)).Methods("POST")
	s.mux.HandleFunc("/api/rider/pickup", s.riderAction(s.pickup)).Methods("POST")
	s.mux.HandleFunc("/api/rider/dropoff", s.handleDropoff).Methods("POST")
	s.mux.HandleFunc("/api/rider/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/api/admin/requests/{request_id}/cancel", s.handleAdminCancel).Methods("POST")
	s.mux.HandleFunc("/ws/rider/{rider_id}", s.handleRiderWS)
	s.mux.HandleFunc("/ws/observer", s.handleObserverWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	BoothID       string `json:"booth_id"`
	DestinationID string `json:"destination_id"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBoothError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := s.Match.CreateRequest(r.Context(), body.BoothID, body.DestinationID)
	if err != nil {
		switch {
		case errors.Is(err, match.ErrInvalidInput):
			writeBoothError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeBoothError(w, http.StatusNotFound, err.Error())
		default:
			writeBoothError(w, http.StatusInternalServerError, "internal error")
			s.logger.Error("create request failed", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"request_id": req.RequestID,
		"status":     req.Status,
		"led_color":  models.LEDYellow,
		"message":    "Request created. Searching for riders...",
		"request":    req,
	})
}

// handleBoothStatus is the polling fallback for LED devices without a
// persistent connection.
func (s *Server) handleBoothStatus(w http.ResponseWriter, r *http.Request) {
	boothID := mux.Vars(r)["booth_id"]
	req, err := s.Requests.LatestForBooth(r.Context(), boothID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"led_color": models.LEDRed, "message": "No requests"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, models.BoothStatus{
		RequestID: req.RequestID,
		Status:    string(req.Status),
		LEDColor:  models.LEDFor(req.Status),
		RiderID:   req.AssignedRider,
	})
}

type riderActionBody struct {
	RequestID string `json:"request_id"`
	RiderID   string `json:"rider_id"`
}

// riderAction decodes the shared {requestId, riderId} body and maps the
// service errors onto HTTP statuses: guard failures are 409, not faults.
func (s *Server) riderAction(f func(r *http.Request, body riderActionBody) (*models.RideRequest, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body riderActionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req, err := f(r, body)
		if err != nil {
			s.writeRiderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  req.Status,
			"request": req,
		})
	}
}

func (s *Server) accept(r *http.Request, body riderActionBody) (*models.RideRequest, error) {
	return s.Match.Accept(r.Context(), body.RequestID, body.RiderID)
}

func (s *Server) reject(r *http.Request, body riderActionBody) (*models.RideRequest, error) {
	return s.Match.Reject(r.Context(), body.RequestID, body.RiderID)
}

func (s *Server) pickup(r *http.Request, body riderActionBody) (*models.RideRequest, error) {
	return s.Ride.Pickup(r.Context(), body.RequestID, body.RiderID)
}

func (s *Server) handleDropoff(w http.ResponseWriter, r *http.Request) {
	var body riderActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, result, err := s.Ride.Dropoff(r.Context(), body.RequestID, body.RiderID)
	if err != nil {
		s.writeRiderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"status":   req.Status,
		"request":  req,
		"ride_log": result,
	})
}

func (s *Server) writeRiderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, match.ErrInvalidInput) || errors.Is(err, ride.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, match.ErrOfferNoLongerValid):
		writeError(w, http.StatusConflict, "offer expired, already accepted by another rider, or invalid request")
	case errors.Is(err, ride.ErrNotAssigned):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("rider action failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if hb.RiderID == "" {
		writeError(w, http.StatusBadRequest, "riderId is required")
		return
	}

	now := time.Now()
	loc := models.Coord{Lat: hb.Latitude, Lon: hb.Longitude}
	if err := s.Riders.UpdateLocation(r.Context(), hb.RiderID, loc, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rider not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	rider, err := s.Riders.Get(r.Context(), hb.RiderID)
	if err == nil {
		// an active assignment pins the status regardless of the reported one
		if rider.Status != models.RiderOnRide && hb.Status != "" {
			if err := s.Riders.SetStatus(r.Context(), hb.RiderID, hb.Status); err == nil {
				rider.Status = hb.Status
			}
		}
		if err := s.Geo.Upsert(r.Context(), *rider); err != nil {
			s.logger.Warn("geo upsert failed", "rider_id", hb.RiderID, "error", err)
		}
	}

	if s.Kafka != nil {
		hb.SentAt = now
		if err := s.Kafka.PublishHeartbeat(hb); err != nil {
			s.logger.Warn("heartbeat publish failed", "rider_id", hb.RiderID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	req, err := s.Match.AdminCancel(r.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "request not found")
		case errors.Is(err, match.ErrOfferNoLongerValid):
			writeError(w, http.StatusConflict, "request is no longer cancellable")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "request": req})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["rider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := dispatch.NewWSSession(conn)
	s.Registry.AddRider(riderID, sess)
	if err := s.Match.Connected(r.Context(), riderID); err != nil {
		s.logger.Warn("rider connect handling failed", "rider_id", riderID, "error", err)
	}
	s.logger.Info("rider connected", "rider_id", riderID)

	go func() {
		defer func() {
			s.Registry.RemoveRider(riderID, sess)
			if err := s.Match.Disconnected(context.Background(), riderID); err != nil {
				s.logger.Warn("rider disconnect handling failed", "rider_id", riderID, "error", err)
			}
			s.logger.Info("rider disconnected", "rider_id", riderID)
		}()
		// offers are answered over the HTTP endpoints; the read loop only
		// tracks connection liveness
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := dispatch.NewWSSession(conn)
	s.Registry.AddObserver(sess)
	go func() {
		defer s.Registry.RemoveObserver(sess)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeBoothError includes the LED color so an IoT booth can show the
// failure without parsing the message.
func writeBoothError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error":     msg,
		"status":    "error",
		"led_color": models.LEDRed,
	})
}
