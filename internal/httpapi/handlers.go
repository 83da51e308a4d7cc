package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"finllm.org/internal/audit"
	"finllm.org/internal/auth"
	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/intent"
	"finllm.org/internal/ledger"
	"finllm.org/internal/obs"
	"finllm.org/internal/stream"
)

const serviceName = "finllm-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe: простая проверка готовности (ping БД и Redis).
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.Cmdable
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// SessionService logs users in and resolves their session tokens.
type SessionService interface {
	Login(ctx context.Context, c credential.Credential) (auth.Session, credential.SessionToken, error)
	Authenticate(ctx context.Context, tok credential.SessionToken) (auth.Session, error)
	Logout(ctx context.Context, tok credential.SessionToken) error
}

// Delegator issues agent tokens.
type Delegator interface {
	Delegate(ctx context.Context, tok credential.SessionToken, in intent.Intent) (credential.AgentToken, delegation.Claims, error)
}

// Executor performs one delegated action.
type Executor interface {
	Execute(ctx context.Context, tok credential.AgentToken, req delegation.ActionRequest) (executor.ActionResult, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Sessions   SessionService
	Classifier intent.Classifier
	Delegator  Delegator
	Executor   Executor
	Ledger     ledger.Service
	Stream     *stream.Stream
	Recorder   audit.Recorder
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	deps       Deps

	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

// Option tunes the HTTP layer.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst, perSec int) Option {
	return func(a *API) {
		if burst > 0 && perSec > 0 {
			a.rateBurst, a.ratePerSec = burst, perSec
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(rp readinessChecker, version string, deps Deps, opts ...Option) *API {
	if deps.Recorder == nil {
		deps.Recorder = audit.LogRecorder{}
	}
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		deps:         deps,
		rateBurst:    20,
		ratePerSec:   10,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// user context
	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/logout", a.withSession(a.handleLogout))
	a.mux.HandleFunc("/employee/me", a.withSession(a.handleMe))
	a.mux.HandleFunc("/auth/intent", a.withSession(a.handleIntent))
	a.mux.HandleFunc("/auth/delegate", a.handleDelegate)
	a.mux.HandleFunc("/employee/accounts/", a.withSession(a.handleAccountResource))
	a.mux.HandleFunc("/employee/transactions", a.withSession(a.handleTransactions))
	a.mux.HandleFunc("/v1/events", a.withSession(a.Stream))

	// agent context
	a.mux.HandleFunc("/agent/execute", a.handleExecute)

	// (опционально) корень отдаёт 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler возвращает http.Handler с полной цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"actions": intent.Actions(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeCodedError(w, r, code, "", msg)
}

// writeCodedError adds a stable machine-readable code next to the message.
func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if code != "" {
		payload["code"] = code
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if _, err := a.deps.Recorder.Record(ctx, event, fields); err != nil {
		obs.Component("httpapi").Warn("audit record failed", "event", event, "error", err)
	}
}
