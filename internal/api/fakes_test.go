package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

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

const testToken = "psk_testtoken"

// fakeSync returns a canned outcome and records the event it was given.
type fakeSync struct {
	outcome *engine.Outcome
	events  []engine.Event
}

func (f *fakeSync) ProcessEvent(_ context.Context, event engine.Event) *engine.Outcome {
	f.events = append(f.events, event)
	if f.outcome != nil {
		return f.outcome
	}
	return &engine.Outcome{Status: engine.StatusSuccess}
}

// stubHandler is a minimal handlers.Handler for registry listings.
type stubHandler struct {
	name     string
	priority int
	url      string
}

func (h *stubHandler) Name() string                              { return h.name }
func (h *stubHandler) Priority() int                             { return h.priority }
func (h *stubHandler) URL() string                               { return h.url }
func (h *stubHandler) UserCreated(context.Context, string) error { return nil }
func (h *stubHandler) UserDeleted(context.Context, string) error { return nil }
func (h *stubHandler) Resync(context.Context) error              { return nil }

func (h *stubHandler) PermissionCreated(context.Context, handlers.PermissionEvent) error {
	return nil
}

func (h *stubHandler) PermissionDeleted(context.Context, handlers.PermissionEvent) error {
	return nil
}

// fakeRegistry returns canned fan-out results and records calls.
type fakeRegistry struct {
	handlers    []handlers.Handler
	results     []handlers.HandlerResult
	resyncErr   error
	userEvents  []string
	permEvents  []handlers.PermissionEvent
	resyncNames []string
}

func (f *fakeRegistry) Handlers() []handlers.Handler { return f.handlers }

func (f *fakeRegistry) UserCreated(_ context.Context, user string) []handlers.HandlerResult {
	f.userEvents = append(f.userEvents, "created:"+user)
	return f.results
}

func (f *fakeRegistry) UserDeleted(_ context.Context, user string) []handlers.HandlerResult {
	f.userEvents = append(f.userEvents, "deleted:"+user)
	return f.results
}

func (f *fakeRegistry) PermissionCreated(_ context.Context, ev handlers.PermissionEvent) []handlers.HandlerResult {
	f.permEvents = append(f.permEvents, ev)
	return f.results
}

func (f *fakeRegistry) PermissionDeleted(_ context.Context, ev handlers.PermissionEvent) []handlers.HandlerResult {
	f.permEvents = append(f.permEvents, ev)
	return f.results
}

func (f *fakeRegistry) Resync(_ context.Context, name string) error {
	f.resyncNames = append(f.resyncNames, name)
	return f.resyncErr
}

// fakeResolver serves a fixed parent resource chain.
type fakeResolver struct {
	resources []accessctl.Resource
	err       error
}

func (f *fakeResolver) ParentResourceTree(context.Context, int) ([]accessctl.Resource, error) {
	return f.resources, f.err
}

// fakeMonitors is an in-memory MonitorRegistry.
type fakeMonitors struct {
	watches     []monitor.WatchInfo
	registerErr error
}

func (f *fakeMonitors) Register(_ context.Context, path string, recursive bool, callback string) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.watches = append(f.watches, monitor.WatchInfo{Path: path, Recursive: recursive, Callback: callback})
	return nil
}

func (f *fakeMonitors) Unregister(_ context.Context, path string, callback string) error {
	kept := f.watches[:0]
	for _, w := range f.watches {
		if w.Path != path || w.Callback != callback {
			kept = append(kept, w)
		}
	}
	f.watches = kept
	return nil
}

func (f *fakeMonitors) List() []monitor.WatchInfo { return f.watches }

// fakeWriter captures journaled outcomes.
type fakeWriter struct {
	mu   sync.Mutex
	rows []*storage.SyncOutcome
}

func (f *fakeWriter) Write(outcome *storage.SyncOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, outcome)
}

func (f *fakeWriter) Close() {}

func (f *fakeWriter) written() []*storage.SyncOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*storage.SyncOutcome(nil), f.rows...)
}

// fakeReader serves canned journal rows.
type fakeReader struct {
	rows    []chread.OutcomeRow
	byID    map[string]*chread.OutcomeRow
	summary *chread.AnalyticsResult
	params  []chread.ListOutcomesParams
}

func (f *fakeReader) ListOutcomes(_ context.Context, params chread.ListOutcomesParams) ([]chread.OutcomeRow, int, error) {
	f.params = append(f.params, params)
	return f.rows, len(f.rows), nil
}

func (f *fakeReader) GetOutcome(_ context.Context, requestID string) (*chread.OutcomeRow, error) {
	return f.byID[requestID], nil
}

func (f *fakeReader) GetAnalytics(context.Context, int) (*chread.AnalyticsResult, error) {
	return f.summary, nil
}

// fakeTokens is an in-memory TokenStore.
type fakeTokens struct {
	tokens []*store.APIToken
}

func (f *fakeTokens) CreateToken(_ context.Context, name string) (*store.APIToken, string, error) {
	t := &store.APIToken{ID: "tok-1", Name: name, TokenPrefix: "psk_abcd"}
	f.tokens = append(f.tokens, t)
	return t, "psk_abcdef0123456789", nil
}

func (f *fakeTokens) ListTokens(context.Context) ([]*store.APIToken, error) {
	return f.tokens, nil
}

func (f *fakeTokens) DeleteToken(context.Context, string) error { return nil }

// testEnv bundles the fakes behind one router instance.
type testEnv struct {
	deps     *Dependencies
	router   http.Handler
	sync     *fakeSync
	registry *fakeRegistry
	resolver *fakeResolver
	monitors *fakeMonitors
	writer   *fakeWriter
	reader   *fakeReader
	tokens   *fakeTokens
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sync:     &fakeSync{},
		registry: &fakeRegistry{},
		resolver: &fakeResolver{},
		monitors: &fakeMonitors{},
		writer:   &fakeWriter{},
		reader:   &fakeReader{byID: make(map[string]*chread.OutcomeRow)},
		tokens:   &fakeTokens{},
	}
	env.deps = &Dependencies{
		Sync:     env.sync,
		Registry: env.registry,
		Access:   env.resolver,
		Monitors: env.monitors,
		Tokens:   env.tokens,
		Writer:   env.writer,
		Reader:   env.reader,
		Auth:     auth.NewStaticAuthenticator(testToken),
		Logger:   zap.NewNop(),
	}
	env.router = NewRouter(env.deps)
	return env
}

// request performs an authenticated request against the router.
func (env *testEnv) request(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

// workspaceChain is a typed parent chain for a geoserver shapefile.
func workspaceChain() []accessctl.Resource {
	return []accessctl.Resource{
		{ID: 1, Name: "geoserver", Type: "service"},
		{ID: 2, ParentID: 1, Name: "workspaces", Type: "directory"},
		{ID: 3, ParentID: 2, Name: "alice", Type: "directory"},
		{ID: 4, ParentID: 3, Name: "file.shp", Type: "file"},
	}
}
