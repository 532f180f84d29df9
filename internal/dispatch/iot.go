package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/example/booth-dispatch/internal/models"
)

// RiderAPI is the slice of the dispatch core an IoT device can drive.
type RiderAPI interface {
	Connected(ctx context.Context, riderID string) error
	Disconnected(ctx context.Context, riderID string) error
	Accept(ctx context.Context, requestID, riderID string) (*models.RideRequest, error)
	Reject(ctx context.Context, requestID, riderID string) (*models.RideRequest, error)
	Pickup(ctx context.Context, requestID, riderID string) (*models.RideRequest, error)
	Dropoff(ctx context.Context, requestID, riderID string) (*models.RideRequest, error)
}

// iotFrame is one newline-delimited JSON message from a device.
type iotFrame struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id,omitempty"`
	Role      string `json:"role,omitempty"` // rider or booth
	RequestID string `json:"request_id,omitempty"`
	RiderID   string `json:"rider_id,omitempty"`
}

// IoTServer accepts raw TCP connections from ESP32-class devices. A device
// must identify before it receives events; rider devices may also submit
// accept/reject/pickup/dropoff frames inline.
type IoTServer struct {
	Registry *Registry
	API      RiderAPI
	Logger   *slog.Logger

	ln net.Listener
}

func NewIoTServer(reg *Registry, api RiderAPI, logger *slog.Logger) *IoTServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IoTServer{Registry: reg, API: api, Logger: logger}
}

// Serve listens on addr until ctx is cancelled.
func (s *IoTServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.Logger.Info("iot listener started", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger.Warn("iot accept failed", "error", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *IoTServer) handle(ctx context.Context, conn net.Conn) {
	sess := newLineSession(conn)
	defer sess.Close()

	var deviceID, role string
	defer func() {
		switch role {
		case "rider":
			s.Registry.RemoveRider(deviceID, sess)
			if err := s.API.Disconnected(ctx, deviceID); err != nil {
				s.Logger.Warn("rider disconnect handling failed", "rider_id", deviceID, "error", err)
			}
		case "booth":
			s.Registry.RemoveBooth(deviceID, sess)
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var f iotFrame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			sess.sendError("", "malformed frame")
			continue
		}

		if f.Type == "identify" {
			if f.DeviceID == "" {
				sess.sendError("", "device_id required")
				continue
			}
			deviceID, role = f.DeviceID, f.Role
			switch role {
			case "booth":
				s.Registry.AddBooth(deviceID, sess)
			default:
				role = "rider"
				s.Registry.AddRider(deviceID, sess)
				if err := s.API.Connected(ctx, deviceID); err != nil {
					s.Logger.Warn("rider connect handling failed", "rider_id", deviceID, "error", err)
				}
			}
			_ = sess.Send(models.Event{Type: "identified", Payload: map[string]string{
				"device_id": deviceID,
				"role":      role,
			}})
			s.Logger.Info("iot device identified", "device_id", deviceID, "role", role)
			continue
		}

		if deviceID == "" {
			sess.sendError(f.Type, "identify first")
			continue
		}
		s.dispatch(ctx, sess, f, deviceID)
	}
}

func (s *IoTServer) dispatch(ctx context.Context, sess *lineSession, f iotFrame, deviceID string) {
	riderID := f.RiderID
	if riderID == "" {
		riderID = deviceID
	}

	var err error
	switch f.Type {
	case "accept":
		_, err = s.API.Accept(ctx, f.RequestID, riderID)
	case "reject":
		_, err = s.API.Reject(ctx, f.RequestID, riderID)
	case "pickup":
		_, err = s.API.Pickup(ctx, f.RequestID, riderID)
	case "dropoff":
		_, err = s.API.Dropoff(ctx, f.RequestID, riderID)
	default:
		sess.sendError(f.Type, "unknown frame type")
		return
	}
	if err != nil {
		sess.sendError(f.Type, err.Error())
		return
	}
	_ = sess.Send(models.Event{Type: "ack", Payload: map[string]string{
		"for":        f.Type,
		"request_id": f.RequestID,
	}})
}

// lineSession frames events as one JSON object per line, which is what the
// device firmware parses.
type lineSession struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *json.Encoder
}

func newLineSession(conn net.Conn) *lineSession {
	return &lineSession{conn: conn, enc: json.NewEncoder(conn)}
}

func (s *lineSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.enc.Encode(ev)
}

func (s *lineSession) Close() error { return s.conn.Close() }

func (s *lineSession) sendError(forType, msg string) {
	_ = s.Send(models.Event{Type: "error", Payload: map[string]string{
		"for":     forType,
		"message": msg,
	}})
}
