package main

//go:generate go tool mockgen -source=server.go -destination=server_mock_test.go -package=main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"i4.energy/across/skgw/modem"
)

// Gateway is the part of the modem the HTTP server uses.
type Gateway interface {
	SessionState() modem.SessionState
	SessionInfo() (modem.SessionInfo, bool)
	SendTo(ctx context.Context, handle uint8, dest netip.AddrPort, data []byte, sec modem.Security) (modem.SendResult, error)
	ReceiveDatagram(ctx context.Context, port uint16) (modem.Datagram, error)
}

// Server handles incoming HTTP requests for exchanging datagrams with the
// PANA peer through the configured modem instance
type Server struct {
	Logger *slog.Logger
	Modem  Gateway
	// Handle is the local UDP port handle datagrams are sent from
	Handle uint8
	// ReceiveTimeout bounds GET /udp/{port}; zero means one minute
	ReceiveTimeout time.Duration
	// Forwarded ports are consumed by the MQTT bridge
	Forwarded []uint16
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", s.handleSession)
	mux.HandleFunc("POST /udp/{port}", s.handleSend)
	mux.HandleFunc("GET /udp/{port}", s.handleReceive)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	type SessionResponse struct {
		State   string `json:"state"`
		Peer    string `json:"peer,omitempty"`
		PeerMAC string `json:"peer_mac,omitempty"`
		Local   string `json:"local,omitempty"`
		Channel uint8  `json:"channel,omitempty"`
		PANID   uint16 `json:"pan_id,omitempty"`
	}

	resp := SessionResponse{State: string(s.Modem.SessionState())}
	if info, ok := s.Modem.SessionInfo(); ok {
		resp.Peer = info.PeerAddr.String()
		resp.PeerMAC = info.PeerMAC.String()
		resp.Local = info.LocalAddr.String()
		resp.Channel = info.Channel
		resp.PANID = info.PANID
	}
	s.sendJSON(w, resp, http.StatusOK)
}

func parsePort(r *http.Request) (uint16, error) {
	port, err := strconv.ParseUint(r.PathValue("port"), 10, 16)
	if err != nil || port == 0 {
		return 0, errors.New("port must be a number between 1 and 65535")
	}
	return uint16(port), nil
}

// handleSend sends the request body to the PANA peer on the given port
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	port, err := parsePort(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 2048))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		s.sendError(w, "request body is empty", http.StatusBadRequest)
		return
	}

	info, ok := s.Modem.SessionInfo()
	if !ok {
		s.sendError(w, modem.ErrSessionNotEstablished.Error(), http.StatusConflict)
		return
	}

	dest := netip.AddrPortFrom(info.PeerAddr, port)
	res, err := s.Modem.SendTo(r.Context(), s.Handle, dest, data, modem.Secured)
	switch {
	case errors.Is(err, modem.ErrSessionNotEstablished):
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, modem.ErrSendIndeterminate):
		s.Logger.Warn("Send outcome unknown", "dest", dest)
		s.sendError(w, err.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		s.Logger.Error("Failed to send datagram", "error", err, "dest", dest)
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}

	type SendResponse struct {
		Completed bool  `json:"completed"`
		Outcome   uint8 `json:"outcome"`
	}
	status := http.StatusOK
	if !res.IsCompletedSuccessfully() {
		status = http.StatusBadGateway
	}
	s.Logger.Info("Datagram sent", "dest", dest, "length", len(data), "outcome", res.Outcome)
	s.sendJSON(w, SendResponse{Completed: res.IsCompletedSuccessfully(), Outcome: res.Outcome}, status)
}

// handleReceive waits for the next datagram captured on the given port
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	port, err := parsePort(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if slices.Contains(s.Forwarded, port) {
		s.sendError(w, "port is forwarded to MQTT", http.StatusConflict)
		return
	}

	timeout := s.ReceiveTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	dg, err := s.Modem.ReceiveDatagram(ctx, port)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.sendError(w, "", http.StatusNoContent)
		return
	case errors.Is(err, modem.ErrNotCapturing):
		s.sendError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.Logger.Error("Failed to receive datagram", "error", err, "port", port)
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}

	type DatagramResponse struct {
		Remote string `json:"remote"`
		Data   []byte `json:"data"`
	}
	s.sendJSON(w, DatagramResponse{Remote: dg.Remote.String(), Data: dg.Payload}, http.StatusOK)
}
