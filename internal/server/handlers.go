package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/yotokeeper/internal/authmanager"
	"github.com/florianilch/yotokeeper/internal/devicecode"
	"github.com/florianilch/yotokeeper/internal/tokensource"
	"github.com/florianilch/yotokeeper/internal/upstreamapi"
)

// AuthStatusResponse is the body of GET /auth/status.
type AuthStatusResponse struct {
	Authenticated bool              `json:"authenticated"`
	State         authmanager.State `json:"state"`
	ExpiresAt     time.Time         `json:"expires_at,omitzero"`
}

// DeviceStartResponse is the body of POST /auth/device.
type DeviceStartResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// DevicePollRequest is the body of POST /auth/device/poll.
type DevicePollRequest struct {
	DeviceCode string `json:"device_code"`
}

// DevicePollResponse is the body returned by POST /auth/device/poll.
type DevicePollResponse struct {
	Status   devicecode.Status `json:"status"`
	Interval int64             `json:"interval"`
	Error    string            `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := AuthStatusResponse{
		Authenticated: s.auth.IsAuthenticated(),
		State:         s.auth.State(),
		ExpiresAt:     s.auth.ExpiresAt(),
	}
	writeJSON(r.Context(), w, resp, http.StatusOK)
}

func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	auth, err := s.flow.Start(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, "starting device authorization", err)
		return
	}

	writeJSON(r.Context(), w, DeviceStartResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresIn:               int64(auth.ExpiresIn / time.Second),
		Interval:                int64(auth.PollInterval / time.Second),
	}, http.StatusOK)
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var req DevicePollRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(r.Context(), w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DeviceCode == "" {
		writeJSONError(r.Context(), w, "device_code is required", http.StatusBadRequest)
		return
	}

	res, err := s.flow.Poll(r.Context(), req.DeviceCode)
	s.metrics.DevicePoll(res.Status.String())

	resp := DevicePollResponse{
		Status:   res.Status,
		Interval: int64(res.Interval / time.Second),
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "device poll failed", "error", err)
		resp.Error = err.Error()
	}
	writeJSON(r.Context(), w, resp, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Reset()
	slog.InfoContext(r.Context(), "in-memory credentials cleared")
	writeJSON(r.Context(), w, AuthStatusResponse{State: s.auth.State()}, http.StatusOK)
}

func (s *Server) snapshotHandler(load func(context.Context) (json.RawMessage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := load(r.Context())
		if err != nil {
			s.writeError(r.Context(), w, "loading snapshot", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			slog.DebugContext(r.Context(), "writing snapshot response", "error", err)
		}
	}
}

// writeError maps err to an HTTP status. Details of unexpected errors stay in the logs.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, action string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, action+" failed", "error", err, "status", status)
	} else {
		slog.WarnContext(ctx, action+" failed", "error", err, "status", status)
	}
	writeJSONError(ctx, w, message, status)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, authmanager.ErrNotAuthenticated):
		return http.StatusUnauthorized, authmanager.ErrNotAuthenticated.Error()
	case errors.Is(err, authmanager.ErrRefreshFailed):
		return http.StatusUnauthorized, authmanager.ErrRefreshFailed.Error()
	case errors.Is(err, authmanager.ErrNoFetcher):
		return http.StatusNotFound, "snapshot not configured"
	case errors.Is(err, tokensource.ErrTransient),
		errors.Is(err, upstreamapi.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "upstream temporarily unavailable"
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}
