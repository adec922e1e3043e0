package api

import "time"

// --- Webhooks ---

// PermissionWebhookReq is the JSON body for POST /api/webhooks/permissions,
// the payload the access-control service posts on every permission change.
type PermissionWebhookReq struct {
	Event            string `json:"event"`
	ServiceName      string `json:"service_name"`
	ResourceID       int    `json:"resource_id"`
	ResourceFullName string `json:"resource_full_name"`
	Name             string `json:"name"`
	Access           string `json:"access"`
	Scope            string `json:"scope"`
	User             string `json:"user,omitempty"`
	Group            string `json:"group,omitempty"`
}

// UserWebhookReq is the JSON body for POST /api/webhooks/users. CallbackURL
// is only consulted on created events: it is pinged when any handler fails,
// so the caller can roll the new user back.
type UserWebhookReq struct {
	Event       string `json:"event"`
	UserName    string `json:"user_name"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// TargetResultResp reports one attempted target permission.
type TargetResultResp struct {
	Point      string  `json:"point"`
	Service    string  `json:"service"`
	Path       string  `json:"path"`
	Permission string  `json:"permission"`
	User       string  `json:"user,omitempty"`
	Group      string  `json:"group,omitempty"`
	Action     string  `json:"action"`
	Error      *string `json:"error"`
}

// HandlerResultResp reports one handler's verdict from a fan-out.
type HandlerResultResp struct {
	Handler string  `json:"handler"`
	Error   *string `json:"error"`
}

// PermissionWebhookResp is the composite result of a permission webhook.
// Dispatch failures surface here with a partial or failed status, never as
// an HTTP error.
type PermissionWebhookResp struct {
	RequestID string              `json:"request_id"`
	Status    string              `json:"status"`
	Matched   bool                `json:"matched"`
	Targets   []TargetResultResp  `json:"targets"`
	Handlers  []HandlerResultResp `json:"handlers"`
	LatencyMs float64             `json:"latency_ms"`
}

// UserWebhookResp is the composite result of a user webhook.
type UserWebhookResp struct {
	Status   string              `json:"status"`
	Handlers []HandlerResultResp `json:"handlers"`
}

// --- Handlers ---

// HandlerResp describes one active handler in fan-out order.
type HandlerResp struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	URL      string `json:"url,omitempty"`
}

// --- Monitors ---

// RegisterMonitorReq is the JSON body for POST /api/monitors.
type RegisterMonitorReq struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Callback  string `json:"callback"`
}

// MonitorResp describes one registered file-system watch.
type MonitorResp struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Callback  string `json:"callback"`
}

// --- Sync outcomes ---

// OutcomeResp mirrors one journaled synchronization outcome.
type OutcomeResp struct {
	RequestID      string    `json:"request_id"`
	Service        string    `json:"service"`
	Resource       string    `json:"resource"`
	Permission     string    `json:"permission"`
	Action         string    `json:"action"`
	UserName       *string   `json:"user_name"`
	GroupName      *string   `json:"group_name"`
	Status         string    `json:"status"`
	Matched        bool      `json:"matched"`
	TargetsTotal   int       `json:"targets_total"`
	TargetsFailed  int       `json:"targets_failed"`
	TargetServices []string  `json:"target_services"`
	TargetPaths    []string  `json:"target_paths"`
	Errors         []string  `json:"errors"`
	LatencyMs      float32   `json:"latency_ms"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}

// OutcomeListResp is one page of outcomes.
type OutcomeListResp struct {
	Outcomes []OutcomeResp `json:"outcomes"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// --- API tokens ---

// CreateTokenReq is the JSON body for POST /api/tokens.
type CreateTokenReq struct {
	Name string `json:"name"`
}

// CreateTokenResp includes the plaintext token (shown once).
type CreateTokenResp struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Token       string    `json:"token"`
	TokenPrefix string    `json:"token_prefix"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenResp mirrors a stored API token (no plaintext).
type TokenResp struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TokenPrefix string    `json:"token_prefix"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
