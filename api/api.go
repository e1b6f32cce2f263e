package api

import (
	"crypto/sha256"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/abdoulaahmad/transcrypt2/breakglass"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/transcript"
	"github.com/abdoulaahmad/transcrypt2/wallet"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Deps are the protocol components served over HTTP.
type Deps struct {
	Registry    *registry.Registry
	Index       *index.Index
	BreakGlass  *breakglass.Coordinator
	Transcripts *transcript.Service
	// Agent is the custodial wallet used by the content and share
	// endpoints. Those endpoints answer 501 when it is nil.
	Agent wallet.Agent
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	registry    *registry.Registry
	index       *index.Index
	breakglass  *breakglass.Coordinator
	transcripts *transcript.Service
	agent       wallet.Agent

	// tokens maps the SHA-256 of a bearer token to the address it acts
	// for, so raw tokens are never held after startup.
	tokens         map[[sha256.Size]byte]ident.Address
	trustedProxies []netip.Prefix
	authLimiter    *ipRateLimiter
	audit          *auditLogger
	alertFn        AlertFunc
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithTokens sets the bearer tokens accepted by the API and the address
// each one authenticates as.
func WithTokens(tokens map[string]ident.Address) Option {
	return func(a *API) {
		for tok, addr := range tokens {
			a.tokens[sha256.Sum256([]byte(tok))] = addr
		}
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honored when rate limiting by client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAlertFunc sets the callback for anomaly alerts. By default alerts
// are logged at warn level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// New creates a new API instance.
func New(deps Deps, opts ...Option) *API {
	a := &API{
		registry:    deps.Registry,
		index:       deps.Index,
		breakglass:  deps.BreakGlass,
		transcripts: deps.Transcripts,
		agent:       deps.Agent,
		tokens:      make(map[[sha256.Size]byte]ident.Address),
		authLimiter: newIPRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn == nil {
		a.alertFn = a.audit.alert
	}
	a.audit.metrics = newMetricsCollector(a.alertFn)
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// Ledger and index reads are public, as they would be on chain.
	r.Get("/health", a.Health)
	r.Get("/events", a.ListEvents)
	r.Get("/keys/{address}", a.GetPublicKey)
	r.Get("/transcripts/{transcriptID}", a.GetTranscript)
	r.Get("/transcripts/{transcriptID}/keys/{accessor}", a.GetAccessKey)
	r.Get("/transcripts/{transcriptID}/break-glass/{accessor}", a.GetBreakGlassStatus)
	r.Get("/owners/{address}/transcripts", a.ListByOwner)
	r.Get("/accessors/{address}/transcripts", a.ListByAccessor)
	r.Get("/accounts/{address}/roles", a.ListRoles)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.Put("/keys/{address}", a.RegisterPublicKey)
		r.Put("/roles/{role}/{address}", a.GrantRole)
		r.Delete("/roles/{role}/{address}", a.RevokeRole)

		r.Post("/transcripts", a.IssueTranscript)
		r.Get("/transcripts/{transcriptID}/content", a.ReadTranscript)
		r.Put("/transcripts/{transcriptID}/grants/{accessor}", a.GrantAccess)
		r.Delete("/transcripts/{transcriptID}/grants/{accessor}", a.RevokeAccess)
		r.Post("/transcripts/{transcriptID}/share/{accessor}", a.ShareTranscript)
		r.Post("/transcripts/{transcriptID}/break-glass/request", a.RequestBreakGlass)
		r.Put("/transcripts/{transcriptID}/break-glass/consent", a.SetBreakGlassConsent)
		r.Post("/transcripts/{transcriptID}/break-glass/release", a.ReleaseEmergencyAccess)

		r.Post("/break-glass/execute", a.ExecuteBreakGlass)
		r.Get("/break-glass/history/{transcriptID}", a.BreakGlassHistory)
		r.Get("/break-glass/owner/{address}", a.OwnerBreakGlassHistory)
	})

	return r
}
