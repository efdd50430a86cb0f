package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"orderflow/internal/realtime"
	"orderflow/internal/saga"
)

// SagaClient defines the behavior needed by the HTTP adapter.
type SagaClient interface {
	Start(ctx context.Context, orderID, paymentID string) (string, error)
	Signal(ctx context.Context, orderID string, sig saga.Signal) error
	Query(ctx context.Context, orderID string) (saga.Snapshot, error)
	Result(ctx context.Context, orderID string) (saga.Result, error)
}

// Options tune the HTTP adapter.
type Options struct {
	// OnSignal is invoked after a signal is accepted (telemetry hook).
	OnSignal func(kind string)

	Logf func(format string, args ...any)
}

// Server adapts a saga runtime to HTTP.
type Server struct {
	client   SagaClient
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	onSignal func(kind string)
	logf     func(format string, args ...any)
}

// NewServer constructs a Server. A nil hub disables the watch endpoint.
func NewServer(client SagaClient, hub *realtime.Hub, opts Options) *Server {
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	if opts.OnSignal == nil {
		opts.OnSignal = func(string) {}
	}
	return &Server{
		client:   client,
		hub:      hub,
		onSignal: opts.OnSignal,
		logf:     opts.Logf,
	}
}

// Routes returns the adapter's route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders/{id}/start", s.handleStart)
	mux.HandleFunc("POST /orders/{id}/signals/cancel", s.handleCancel)
	mux.HandleFunc("POST /orders/{id}/signals/address", s.handleAddress)
	mux.HandleFunc("GET /orders/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /orders/{id}/result", s.handleResult)
	if s.hub != nil {
		mux.HandleFunc("GET /orders/watch", s.handleWatch)
	}
	return mux
}

type startRequest struct {
	PaymentID string `json:"payment_id"`
}

type startResponse struct {
	WorkflowID string `json:"workflow_id"`
	OrderID    string `json:"order_id"`
	PaymentID  string `json:"payment_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.PaymentID == "" {
		req.PaymentID = newPaymentID()
	}

	id, err := s.client.Start(r.Context(), orderID, req.PaymentID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		WorkflowID: id,
		OrderID:    orderID,
		PaymentID:  req.PaymentID,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	err := s.client.Signal(r.Context(), orderID, saga.Signal{Kind: saga.SignalCancel})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.onSignal(string(saga.SignalCancel))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation_requested"})
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")

	var addr saga.Address
	if err := json.NewDecoder(r.Body).Decode(&addr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid address payload")
		return
	}
	if addr.Street == "" || addr.City == "" {
		writeError(w, http.StatusBadRequest, "street and city are required")
		return
	}

	err := s.client.Signal(r.Context(), orderID, saga.Signal{
		Kind:    saga.SignalUpdateAddress,
		Address: addr,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.onSignal(string(saga.SignalUpdateAddress))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "address_update_requested"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.client.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.client.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("httpapi: websocket upgrade: %v", err)
		return
	}
	s.hub.Add(conn)

	// Drain client frames so closes are noticed; the hub owns writes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Drop(conn)
				return
			}
		}
	}()
}

func (s *Server) writeMapped(w http.ResponseWriter, err error) {
	status := mapStatus(err)
	if status >= http.StatusInternalServerError {
		s.logf("httpapi: %v", err)
	}
	writeError(w, status, err.Error())
}

func mapStatus(err error) int {
	switch {
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrFinished), errors.Is(err, saga.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, saga.ErrRuntimeClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func newPaymentID() string {
	return "payment-" + uuid.NewString()[:8]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
