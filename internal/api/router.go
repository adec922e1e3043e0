// Package api is the REST surface of the permsync server: the webhook
// endpoints the access-control service posts permission and user changes
// to, plus the operational endpoints for handlers, file-system monitors,
// the sync-outcome journal, and API tokens.
package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/accessctl"
	"github.com/geostack/permsync/internal/auth"
	"github.com/geostack/permsync/internal/chread"
	"github.com/geostack/permsync/internal/engine"
	"github.com/geostack/permsync/internal/handlers"
	"github.com/geostack/permsync/internal/monitor"
	"github.com/geostack/permsync/internal/storage"
	"github.com/geostack/permsync/internal/store"
)

// Synchronizer runs one permission event through the sync engine.
// Satisfied by *engine.Synchronizer.
type Synchronizer interface {
	ProcessEvent(ctx context.Context, event engine.Event) *engine.Outcome
}

// HandlerRegistry is the slice of the handler registry the API fans events
// out through. Satisfied by *handlers.Registry.
type HandlerRegistry interface {
	Handlers() []handlers.Handler
	UserCreated(ctx context.Context, user string) []handlers.HandlerResult
	UserDeleted(ctx context.Context, user string) []handlers.HandlerResult
	PermissionCreated(ctx context.Context, ev handlers.PermissionEvent) []handlers.HandlerResult
	PermissionDeleted(ctx context.Context, ev handlers.PermissionEvent) []handlers.HandlerResult
	Resync(ctx context.Context, name string) error
}

// ResourceResolver turns a webhook's resource ID into the concrete resource
// path. Satisfied by *accessctl.Client.
type ResourceResolver interface {
	ParentResourceTree(ctx context.Context, resourceID int) ([]accessctl.Resource, error)
}

// MonitorRegistry manages file-system watches. Satisfied by
// *monitor.Registry.
type MonitorRegistry interface {
	Register(ctx context.Context, path string, recursive bool, callback string) error
	Unregister(ctx context.Context, path string, callback string) error
	List() []monitor.WatchInfo
}

// TokenStore manages API tokens. Satisfied by *store.Store.
type TokenStore interface {
	CreateToken(ctx context.Context, name string) (*store.APIToken, string, error)
	ListTokens(ctx context.Context) ([]*store.APIToken, error)
	DeleteToken(ctx context.Context, id string) error
}

// OutcomeReader queries the sync-outcome journal. Satisfied by
// *chread.Reader.
type OutcomeReader interface {
	ListOutcomes(ctx context.Context, params chread.ListOutcomesParams) ([]chread.OutcomeRow, int, error)
	GetOutcome(ctx context.Context, requestID string) (*chread.OutcomeRow, error)
	GetAnalytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Sync     Synchronizer
	Registry HandlerRegistry
	Access   ResourceResolver
	Monitors MonitorRegistry
	Tokens   TokenStore    // nil when PostgreSQL is not configured
	Writer   storage.OutcomeWriter
	Reader   OutcomeReader // nil when ClickHouse is not configured
	Auth     auth.Authenticator
	Logger   *zap.Logger

	// HTTPClient issues user-webhook callback requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Webhooks from the access-control service
	mux.HandleFunc("POST /api/webhooks/permissions", deps.authMiddleware(deps.handlePermissionWebhook))
	mux.HandleFunc("POST /api/webhooks/users", deps.authMiddleware(deps.handleUserWebhook))

	// Handlers
	mux.HandleFunc("GET /api/handlers", deps.authMiddleware(deps.handleListHandlers))
	mux.HandleFunc("POST /api/handlers/{name}/resync", deps.authMiddleware(deps.handleResync))

	// File-system monitors
	mux.HandleFunc("GET /api/monitors", deps.authMiddleware(deps.handleListMonitors))
	mux.HandleFunc("POST /api/monitors", deps.authMiddleware(deps.handleRegisterMonitor))
	mux.HandleFunc("DELETE /api/monitors", deps.authMiddleware(deps.handleUnregisterMonitor))

	// Sync-outcome journal
	mux.HandleFunc("GET /api/outcomes", deps.authMiddleware(deps.handleListOutcomes))
	mux.HandleFunc("GET /api/outcomes/summary", deps.authMiddleware(deps.handleOutcomeSummary))
	mux.HandleFunc("GET /api/outcomes/{request_id}", deps.authMiddleware(deps.handleGetOutcome))

	// API tokens
	mux.HandleFunc("POST /api/tokens", deps.authMiddleware(deps.handleCreateToken))
	mux.HandleFunc("GET /api/tokens", deps.authMiddleware(deps.handleListTokens))
	mux.HandleFunc("DELETE /api/tokens/{id}", deps.authMiddleware(deps.handleDeleteToken))

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return recoverPanics(requestLogging(mux, deps.Logger), deps.Logger)
}
