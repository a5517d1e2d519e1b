package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/flossfund/pkg/httputil"
	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/pipeline"
	"github.com/platinummonkey/flossfund/pkg/queue"
	"github.com/platinummonkey/flossfund/pkg/statestore"
)

const maxRequestBytes = 1 << 20

// RunReader loads split-flow run state
type RunReader interface {
	RunState(ctx context.Context, correlationID string) (*statestore.RunState, error)
}

// Options configures the admin server. Queue URLs left empty disable the
// matching submission endpoint.
type Options struct {
	Runs             RunReader
	Sender           queue.Sender
	DonationQueueURL string
	ScrapeQueueURL   string
	Health           *observability.HealthChecker
	Registry         *prometheus.Registry
	Logger           logrus.FieldLogger
}

// Server is the operational HTTP surface: probes, metrics, run inspection and
// donation submission
type Server struct {
	router           *mux.Router
	handler          http.Handler
	runs             RunReader
	sender           queue.Sender
	donationQueueURL string
	scrapeQueueURL   string
	health           *observability.HealthChecker
	registry         *prometheus.Registry
	logger           logrus.FieldLogger
}

// NewServer creates an admin server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Server{
		router:           mux.NewRouter(),
		runs:             opts.Runs,
		sender:           opts.Sender,
		donationQueueURL: opts.DonationQueueURL,
		scrapeQueueURL:   opts.ScrapeQueueURL,
		health:           opts.Health,
		registry:         opts.Registry,
		logger:           opts.Logger,
	}
	s.setupRoutes()
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	}
	if s.registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods("GET")
	}

	s.router.HandleFunc("/v1/donations", s.submitDonation).Methods("POST")
	s.router.HandleFunc("/v1/runs", s.startRun).Methods("POST")
	s.router.HandleFunc("/v1/runs/{correlationId}", s.getRun).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// getRun returns the persisted state of a split-flow run
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	cid, ok := httputil.ParsePathStringOrError(w, r, "correlationId")
	if !ok {
		return
	}
	if s.runs == nil {
		httputil.WriteServiceUnavailable(w, "run state is not configured")
		return
	}

	state, err := s.runs.RunState(r.Context(), cid)
	if errors.Is(err, statestore.ErrNotFound) {
		httputil.WriteNotFoundError(w, "run not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, state)
}

// submitDonation queues a donation for the synchronous flow
func (s *Server) submitDonation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseDonation(w, r)
	if !ok {
		return
	}
	if s.sender == nil || s.donationQueueURL == "" {
		httputil.WriteServiceUnavailable(w, "donation queue is not configured")
		return
	}

	if err := s.sender.Send(r.Context(), s.donationQueueURL, req); err != nil {
		s.logger.WithError(err).WithField("organization_id", req.OrganizationID).Error("failed to queue donation")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteAccepted(w, map[string]string{"organizationId": req.OrganizationID})
}

// startRun queues a donation for the split flow under a new correlation id
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseDonation(w, r)
	if !ok {
		return
	}
	if s.sender == nil || s.scrapeQueueURL == "" {
		httputil.WriteServiceUnavailable(w, "scrape queue is not configured")
		return
	}

	req.CorrelationID = pipeline.CorrelationID(req, "")
	if err := s.sender.Send(r.Context(), s.scrapeQueueURL, req); err != nil {
		s.logger.WithError(err).WithField("correlation_id", req.CorrelationID).Error("failed to queue run")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteAccepted(w, pipeline.StageMessage{CorrelationID: req.CorrelationID})
}

func (s *Server) parseDonation(w http.ResponseWriter, r *http.Request) (pipeline.DonationRequest, bool) {
	var req pipeline.DonationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return req, false
	}
	if err := req.Validate(); err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			httputil.WriteFieldError(w, ve.Field, ve.Message)
		} else {
			httputil.WriteBadRequest(w, err.Error())
		}
		return req, false
	}
	return req, true
}
