package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"emdispatch/internal/auth"
	"emdispatch/internal/lifecycle"
	"emdispatch/internal/metrics"
	"emdispatch/internal/store"
	"emdispatch/internal/tracking"
)

// Options tune the HTTP surface.
type Options struct {
	RateRPS   float64
	RateBurst int
	// DevHeaders accepts X-User-Id / X-Role / X-Responder-Id when no bearer token is sent.
	DevHeaders bool
	// DebugConfig is echoed by /debug. Keep secrets out of it.
	DebugConfig map[string]any
}

type Server struct {
	Store  store.Store
	Cases  *lifecycle.Service
	Hub    *tracking.Hub
	Auth   *auth.Verifier
	Broker EventBroker
	Log    *zap.Logger

	opts     Options
	validate *validator.Validate
	limiter  *rateLimiter
}

func NewServer(st store.Store, cases *lifecycle.Service, hub *tracking.Hub, verifier *auth.Verifier, broker EventBroker, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if broker == nil {
		broker = NewBroker()
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	return &Server{
		Store:    st,
		Cases:    cases,
		Hub:      hub,
		Auth:     verifier,
		Broker:   broker,
		Log:      log,
		opts:     opts,
		validate: newValidator(),
		limiter:  newRateLimiter(opts.RateRPS, opts.RateBurst, 10*time.Minute),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/debug", s.DebugJSON)
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/openapi.json", s.OpenAPIJSONHandler)
	r.Get("/docs", s.DocsHandler)

	r.Route("/v1", func(v chi.Router) {
		v.Use(s.authenticate)

		v.Route("/cases", func(cr chi.Router) {
			cr.Post("/", s.ReportCaseHandler)
			cr.Get("/", s.ListCasesHandler)
			cr.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.GetCaseHandler)
				one.Post("/transitions", s.TransitionHandler)
				one.Get("/candidates", s.CandidatesHandler)
				one.Get("/events/stream", s.CaseEventsHandler)
			})
		})
		v.Get("/ws", s.CaseWSHandler)

		v.Route("/responders", func(rr chi.Router) {
			rr.Get("/", s.ListRespondersHandler)
			rr.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.GetResponderHandler)
				one.Put("/", s.PutResponderHandler)
				one.Route("/location", func(lr chi.Router) {
					lr.Get("/", s.LocationStateHandler)
					lr.Get("/stream", s.LocationStreamHandler)
					lr.With(s.limiter.middleware(s.Log)).Post("/", s.PushLocationHandler)
					lr.With(s.limiter.middleware(s.Log)).Post("/failure", s.LocationFailureHandler)
					lr.Post("/retry", s.LocationRetryHandler)
				})
			})
		})

		v.Route("/subscriptions", func(sr chi.Router) {
			sr.Use(requireAdmin)
			sr.Post("/", s.CreateSubscriptionHandler)
			sr.Get("/", s.ListSubscriptionsHandler)
			sr.Delete("/{id}", s.DeleteSubscriptionHandler)
		})

		v.Route("/admin/webhook-deliveries", func(ar chi.Router) {
			ar.Use(requireAdmin)
			ar.Get("/", s.WebhookDeliveriesHandler)
			ar.Post("/{id}/retry", s.WebhookDeliveryRetryHandler)
		})
	})
	return r
}
