package engine

import (
	"strings"
	"time"
)

// SegmentType categorizes one segment of a resource path on a given service.
// The set is open: services may declare their own types beyond the well-known
// ones, and cross-service comparison only ever uses equality.
type SegmentType string

const (
	TypeService   SegmentType = "service"
	TypeDirectory SegmentType = "directory"
	TypeFile      SegmentType = "file"
	TypeWorkspace SegmentType = "workspace"
	TypeRoute     SegmentType = "route"
)

// Segment is one element of a concrete resource path as reported by the
// originating service. DisplayName carries the service's alternate label for
// the resource, when it has one.
type Segment struct {
	Name        string
	Type        SegmentType
	DisplayName string
}

// PathString renders segments as a slash-separated path for logs and
// journal rows.
func PathString(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(s.Name)
	}
	return b.String()
}

// Action tells whether a permission was granted or revoked upstream.
type Action string

const (
	ActionCreated Action = "created"
	ActionDeleted Action = "deleted"
)

// Principal identifies who a permission applies to. At least one of User or
// Group is set on an inbound event; user and group grants are synchronized
// independently.
type Principal struct {
	User  string
	Group string
}

// IsZero reports whether neither a user nor a group is set.
func (p Principal) IsZero() bool {
	return p.User == "" && p.Group == ""
}

// String returns a compact "user:u+group:g" rendering with unset parts
// omitted.
func (p Principal) String() string {
	parts := make([]string, 0, 2)
	if p.User != "" {
		parts = append(parts, "user:"+p.User)
	}
	if p.Group != "" {
		parts = append(parts, "group:"+p.Group)
	}
	return strings.Join(parts, "+")
}

// Event is one permission change notification to synchronize. Events are
// consumed exactly once and never persisted by the engine.
type Event struct {
	Service    string
	Resource   []Segment
	Permission Permission
	Principal  Principal
	Action     Action
}

// Status classifies the composite result of one processed event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// TargetResult records the dispatch attempt for one target permission
// produced by the mapping resolution.
type TargetResult struct {
	Point       string
	ResourceKey string
	Service     string
	Path        []Segment
	Permission  Permission
	Principal   Principal
	Action      Action
	Err         error
}

// Outcome is the composite result of processing one event: every attempted
// target with its individual error, plus the overall status. One failing
// target never hides the others.
type Outcome struct {
	Status   Status
	Targets  []TargetResult
	Matched  bool
	Duration time.Duration
}

// Failed returns the targets whose dispatch failed. Targets skipped because
// a handler does not implement the operation are not failures.
func (o *Outcome) Failed() []TargetResult {
	var failed []TargetResult
	for _, t := range o.Targets {
		if isFailure(t.Err) {
			failed = append(failed, t)
		}
	}
	return failed
}
