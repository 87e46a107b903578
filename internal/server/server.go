// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/adapter"
	"chatrelay/internal/failure"
	"chatrelay/internal/logging"
	"chatrelay/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBody bounds a chat request including base64 attachments.
const maxBody = 32 << 20

// Relay is the part of session.Controller the server drives.
type Relay interface {
	Submit(ctx context.Context, req session.Request) (*session.Response, error)
	Probe(ctx context.Context, platform string) session.Readiness
	ProbeAll(ctx context.Context) []session.Readiness
}

// Options configures a Server.
type Options struct {
	Addr     string
	Relay    Relay
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server serves the chat and readiness endpoints.
type Server struct {
	addr     string
	relay    Relay
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// New builds a Server. A nil Gatherer uses the default registry.
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:     opts.Addr,
		relay:    opts.Relay,
		gatherer: opts.Gatherer,
		log:      logging.Or(opts.Logger, logging.CategoryServer),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/ready", s.handleReadyAll)
		r.Get("/ready/{platform}", s.handleReady)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("serving relay", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type attachmentBody struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	// Data is base64; encoding/json decodes it into the byte slice.
	Data []byte `json:"data"`
}

type chatBody struct {
	Platform    string           `json:"platform"`
	Prompt      string           `json:"prompt"`
	SessionID   string           `json:"session_id,omitempty"`
	Expect      string           `json:"expect,omitempty"`
	Attachments []attachmentBody `json:"attachments,omitempty"`
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Kind     string `json:"kind"`
	Platform string `json:"platform,omitempty"`
	Message  string `json:"message"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: err.Error()})
		return
	}
	body.Platform = strings.TrimSpace(body.Platform)
	if body.Platform == "" || strings.TrimSpace(body.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: "platform and prompt are required"})
		return
	}

	req := session.Request{
		Platform:  body.Platform,
		Prompt:    body.Prompt,
		SessionID: body.SessionID,
		Expect:    body.Expect,
	}
	for _, a := range body.Attachments {
		req.Attachments = append(req.Attachments, adapter.Attachment{Name: a.Name, MimeType: a.MimeType, Data: a.Data})
	}

	resp, err := s.relay.Submit(r.Context(), req)
	if err != nil {
		s.writeFailure(w, body.Platform, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadyAll(w http.ResponseWriter, r *http.Request) {
	all := s.relay.ProbeAll(r.Context())
	status := http.StatusOK
	for _, rd := range all {
		if !rd.Ready {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, all)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rd := s.relay.Probe(r.Context(), chi.URLParam(r, "platform"))
	status := http.StatusOK
	if !rd.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rd)
}

func (s *Server) writeFailure(w http.ResponseWriter, platform string, err error) {
	body := errorBody{Kind: string(failure.KindOf(err)), Platform: platform, Message: err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		if fe.Platform != "" {
			body.Platform = fe.Platform
		}
		body.Reason = fe.Reason
	}
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("chat failed", zap.String("platform", body.Platform), zap.String("kind", body.Kind), zap.Error(err))
	}
	writeJSON(w, status, body)
}

// StatusFor maps a relay failure to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return 499
	}
	switch failure.KindOf(err) {
	case failure.KindLockTimeout:
		return http.StatusTooManyRequests
	case failure.KindResponseTimeout:
		return http.StatusGatewayTimeout
	case failure.KindBlocked:
		return http.StatusServiceUnavailable
	case failure.KindExpectationMismatch:
		return http.StatusUnprocessableEntity
	case failure.KindUnknownPlatform:
		return http.StatusNotFound
	case failure.KindAttachmentUnsupported:
		return http.StatusBadRequest
	case failure.KindConnection, failure.KindTargetNotFound:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
