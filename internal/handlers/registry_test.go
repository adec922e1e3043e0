package handlers

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/config"
	"github.com/geostack/permsync/internal/engine"
)

// stubHandler records hook calls and fails on demand.
type stubHandler struct {
	name  string
	err   error
	calls []string
}

func (s *stubHandler) Name() string  { return s.name }
func (s *stubHandler) Priority() int { return 0 }

func (s *stubHandler) UserCreated(ctx context.Context, user string) error {
	s.calls = append(s.calls, "UserCreated:"+user)
	return s.err
}

func (s *stubHandler) UserDeleted(ctx context.Context, user string) error {
	s.calls = append(s.calls, "UserDeleted:"+user)
	return s.err
}

func (s *stubHandler) PermissionCreated(ctx context.Context, ev PermissionEvent) error {
	s.calls = append(s.calls, "PermissionCreated")
	return s.err
}

func (s *stubHandler) PermissionDeleted(ctx context.Context, ev PermissionEvent) error {
	s.calls = append(s.calls, "PermissionDeleted")
	return s.err
}

func (s *stubHandler) Resync(ctx context.Context) error {
	s.calls = append(s.calls, "Resync")
	return s.err
}

func newStubRegistry(handlers ...Handler) *Registry {
	reg := &Registry{byName: make(map[string]Handler), logger: zap.NewNop()}
	for _, h := range handlers {
		reg.handlers = append(reg.handlers, h)
		reg.byName[h.Name()] = h
	}
	return reg
}

func TestNewRegistry_BuildsActiveHandlersInOrder(t *testing.T) {
	cfg := &config.Config{Handlers: map[string]config.HandlerConfig{
		"thredds":    {Active: true, Priority: 3, URL: "http://thredds:8080"},
		"catalog":    {Active: true, Priority: 2, URL: "http://catalog:8000", WorkspaceDir: "/workspaces"},
		"filesystem": {Active: true, Priority: 1, WorkspaceDir: "/workspaces", JupyterhubUserDataDir: "/jh", WPSOutputsDir: "/wps"},
		"geoserver":  {Active: false},
	}}

	reg, err := NewRegistry(cfg, Dependencies{Monitors: &fakeMonitors{}, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	want := []string{"filesystem", "catalog", "thredds"}
	got := reg.Handlers()
	if len(got) != len(want) {
		t.Fatalf("built %d handlers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name() != want[i] {
			t.Errorf("handler [%d] = %q, want %q", i, got[i].Name(), want[i])
		}
	}
	if reg.ByName("geoserver") != nil {
		t.Errorf("inactive handler was built")
	}
}

func TestNewRegistry_UnknownHandlerFails(t *testing.T) {
	cfg := &config.Config{Handlers: map[string]config.HandlerConfig{
		"nginx": {Active: true},
	}}

	_, err := NewRegistry(cfg, Dependencies{Logger: zap.NewNop()})
	var cfgErr *engine.HandlerConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewRegistry(unknown handler) error = %v, want HandlerConfigError", err)
	}
}

func TestNewRegistry_MissingDependencyFails(t *testing.T) {
	cfg := &config.Config{Handlers: map[string]config.HandlerConfig{
		"geoserver": {Active: true, WorkspaceDir: "/workspaces"},
	}}

	_, err := NewRegistry(cfg, Dependencies{Logger: zap.NewNop()})
	var cfgErr *engine.HandlerConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewRegistry(no geoserver client) error = %v, want HandlerConfigError", err)
	}
}

func TestRegistry_UserCreated_ContinuesPastFailure(t *testing.T) {
	failing := &stubHandler{name: "first", err: errors.New("boom")}
	second := &stubHandler{name: "second"}
	reg := newStubRegistry(failing, second)

	results := reg.UserCreated(context.Background(), "alice")

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Err == nil {
		t.Errorf("failing handler reported no error")
	}
	if results[1].Err != nil {
		t.Errorf("second handler error = %v, want nil", results[1].Err)
	}
	if len(second.calls) != 1 || second.calls[0] != "UserCreated:alice" {
		t.Errorf("second handler calls = %v, want [UserCreated:alice]", second.calls)
	}
}

func TestRegistry_FanOut_NotImplementedIsClean(t *testing.T) {
	inert := &stubHandler{name: "inert", err: engine.ErrNotImplemented}
	reg := newStubRegistry(inert)

	results := reg.PermissionCreated(context.Background(), PermissionEvent{})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("not-implemented hook reported error %v, want clean result", results[0].Err)
	}
}

func TestRegistry_Resync_UnknownHandlerFails(t *testing.T) {
	reg := newStubRegistry(&stubHandler{name: "catalog"})

	err := reg.Resync(context.Background(), "geoserver")
	var cfgErr *engine.HandlerConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Resync(unknown) error = %v, want HandlerConfigError", err)
	}
}

func testSyncPoint(t *testing.T) *engine.SyncPoint {
	t.Helper()
	point, err := engine.NewSyncPoint("user_workspaces", map[string]map[string][]engine.SegmentSpec{
		"geoserver": {"geo_ws": {
			{Name: "geoserver", Type: "service"},
			{Name: "{user}", Type: "workspace"},
		}},
		"thredds": {"th_ws": {
			{Name: "thredds", Type: "service"},
			{Name: "{user}", Type: "directory"},
		}},
	}, []string{"geo_ws : read <-> th_ws : read"})
	if err != nil {
		t.Fatal(err)
	}
	return point
}

func TestRegistry_AdaptersFor_RequiresAccessControl(t *testing.T) {
	reg := newStubRegistry(&stubHandler{name: "catalog"})

	_, err := reg.AdaptersFor([]*engine.SyncPoint{testSyncPoint(t)})
	var cfgErr *engine.HandlerConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("AdaptersFor() without accessctl error = %v, want HandlerConfigError", err)
	}
}

func TestRegistry_AdaptersFor_CoversAllServices(t *testing.T) {
	ac, err := NewAccessControl(0, newFakeAccess(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg := newStubRegistry(ac)

	adapters, err := reg.AdaptersFor([]*engine.SyncPoint{testSyncPoint(t)})
	if err != nil {
		t.Fatalf("AdaptersFor() error = %v", err)
	}
	for _, svc := range []string{"geoserver", "thredds"} {
		if adapters[svc] == nil {
			t.Errorf("no adapter for service %q", svc)
		}
	}
}
