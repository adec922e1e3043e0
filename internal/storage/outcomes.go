package storage

import "time"

// OutcomeWriter is the interface for journaling processed permission
// events. Write() must NEVER block the caller.
type OutcomeWriter interface {
	Write(outcome *SyncOutcome)
	Close()
}

// SyncOutcome represents one processed permission event: the inbound change
// and the composite result of dispatching its mapped targets.
type SyncOutcome struct {
	RequestID      string
	Timestamp      time.Time
	Service        string
	Resource       string // slash path of the source resource
	Permission     string // name-access-scope triple
	Action         string
	UserName       string
	GroupName      string
	Status         string
	Matched        bool
	TargetsTotal   uint32
	TargetsFailed  uint32
	TargetServices []string
	TargetPaths    []string
	Errors         []string
	LatencyMs      float32
	Source         string // "webhook" or "resync"
}
