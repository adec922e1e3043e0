package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultHandlerTimeout bounds one adapter call so a single unresponsive
// external service cannot stall a worker indefinitely.
const DefaultHandlerTimeout = 5 * time.Second

// Adapter is the per-service contract the synchronizer dispatches through.
// Implementations translate generic permission operations into one service's
// API. Create and delete must be idempotent: creating an existing permission
// and deleting an absent one are no-ops, which is the safety net against the
// at-least-once delivery and reciprocal events of bidirectional mappings.
type Adapter interface {
	GetPermissions(ctx context.Context, resource []Segment, principal Principal) ([]Permission, error)
	CreatePermission(ctx context.Context, resource []Segment, principal Principal, perm Permission) error
	DeletePermission(ctx context.Context, resource []Segment, principal Principal, perm Permission) error
}

// Synchronizer resolves permission events against the configured sync points
// and dispatches the mapped permission changes through per-service adapters.
// It holds no mutable state after construction and is safe for concurrent
// use by multiple workers.
type Synchronizer struct {
	points   []*SyncPoint
	adapters map[string]Adapter
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSynchronizer wires the sync points to their service adapters. Every
// service named by a point must have an adapter; refusing to start beats
// discovering the gap on the first event.
func NewSynchronizer(points []*SyncPoint, adapters map[string]Adapter, timeout time.Duration, logger *zap.Logger) (*Synchronizer, error) {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	for _, point := range points {
		for _, svc := range point.Services() {
			if _, ok := adapters[svc]; !ok {
				return nil, &ConfigError{Entry: point.Name + "/" + svc, Reason: "no handler adapter registered for service"}
			}
		}
	}
	return &Synchronizer{
		points:   points,
		adapters: adapters,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// ProcessEvent runs one permission change through every sync point: match
// the resource against the event service's templates, look up the mapped
// target permissions, and create or delete them through the target services'
// adapters. Failures are isolated per target; the returned outcome carries
// every attempted target with its individual error and never loses sibling
// work to one bad dispatch.
func (s *Synchronizer) ProcessEvent(ctx context.Context, event Event) *Outcome {
	start := time.Now()
	outcome := &Outcome{}

	if event.Principal.IsZero() {
		s.logger.Warn("permission event carries neither user nor group, nothing to synchronize",
			zap.String("service", event.Service),
			zap.String("resource", PathString(event.Resource)),
		)
	} else {
		for _, point := range s.points {
			for _, match := range point.MatchSources(event.Service, event.Resource) {
				outcome.Matched = true
				s.processBranch(ctx, point, match, event, outcome)
			}
		}
	}

	outcome.Duration = time.Since(start)
	outcome.Status = compositeStatus(outcome)
	return outcome
}

// targetPlan accumulates, per target resource key, the permissions still to
// apply and the principals to apply them for. The deletion guard clears
// principals out of the plan instead of dispatching around them.
type targetPlan map[string]map[Permission]Principal

func (s *Synchronizer) processBranch(ctx context.Context, point *SyncPoint, match SourceMatch, event Event, outcome *Outcome) {
	entries := point.Lookup(match.Template.Key, event.Permission)
	if len(entries) == 0 {
		s.logger.Debug("matched resource has no mapping for this permission",
			zap.String("point", point.Name),
			zap.String("resource_key", match.Template.Key),
			zap.String("permission", event.Permission.String()),
		)
		return
	}

	plan := make(targetPlan)
	for _, entry := range entries {
		perms := plan[entry.TargetKey]
		if perms == nil {
			perms = make(map[Permission]Principal)
			plan[entry.TargetKey] = perms
		}
		for _, perm := range entry.TargetPerms {
			perms[perm] = event.Principal
		}
	}

	if event.Action == ActionDeleted {
		s.filterJustifiedTargets(ctx, point, match, event, plan, outcome)
	}

	targetKeys := make([]string, 0, len(plan))
	for key := range plan {
		targetKeys = append(targetKeys, key)
	}
	sort.Strings(targetKeys)

	for _, targetKey := range targetKeys {
		tmpl, _ := point.TemplateFor(targetKey)
		path, err := tmpl.Generate(match.Bindings)

		perms := make([]Permission, 0, len(plan[targetKey]))
		for perm := range plan[targetKey] {
			perms = append(perms, perm)
		}
		sort.Slice(perms, func(i, j int) bool { return perms[i].String() < perms[j].String() })

		for _, perm := range perms {
			principal := plan[targetKey][perm]
			if principal.IsZero() {
				// Every principal still justified by another source.
				s.logger.Debug("target permission still justified, keeping it",
					zap.String("point", point.Name),
					zap.String("resource_key", targetKey),
					zap.String("permission", perm.String()),
				)
				continue
			}
			result := TargetResult{
				Point:       point.Name,
				ResourceKey: targetKey,
				Service:     tmpl.Service,
				Path:        path,
				Permission:  perm,
				Principal:   principal,
				Action:      event.Action,
			}
			if err != nil {
				result.Err = err
			} else {
				result.Err = s.dispatch(ctx, tmpl.Service, path, principal, perm, event.Action)
			}
			s.logTarget(result)
			outcome.Targets = append(outcome.Targets, result)
		}
	}
}

func (s *Synchronizer) dispatch(ctx context.Context, service string, path []Segment, principal Principal, perm Permission, action Action) error {
	adapter := s.adapters[service]
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if action == ActionCreated {
		return adapter.CreatePermission(ctx, path, principal, perm)
	}
	return adapter.DeletePermission(ctx, path, principal, perm)
}

func (s *Synchronizer) logTarget(result TargetResult) {
	fields := []zap.Field{
		zap.String("point", result.Point),
		zap.String("service", result.Service),
		zap.String("resource", PathString(result.Path)),
		zap.String("permission", result.Permission.String()),
		zap.String("principal", result.Principal.String()),
		zap.String("action", string(result.Action)),
	}
	switch {
	case result.Err == nil:
		s.logger.Info("synchronized target permission", fields...)
	case errors.Is(result.Err, ErrNotImplemented):
		s.logger.Debug("target handler does not implement the operation, skipping", fields...)
	default:
		s.logger.Warn("target dispatch failed", append(fields, zap.Error(result.Err))...)
	}
}

// filterJustifiedTargets is the delete-side dependency check: before asking
// a target adapter to remove a permission, verify that no other mapped
// source permission still grants it. For every other (source key, source
// permission) pair mapping onto a pending target, the alternate source path
// is generated with the input match's bindings and the owning service's
// adapter is asked whether the pair still holds. User and group grants are
// checked independently, so one principal's justification never blocks the
// other's cleanup. When the state of an alternate source cannot be read, the
// target permission is kept rather than risk destroying a mapping that still
// has a live source.
func (s *Synchronizer) filterJustifiedTargets(ctx context.Context, point *SyncPoint, match SourceMatch, event Event, plan targetPlan, outcome *Outcome) {
	cache := newPermissionCache()

	for _, alt := range point.entries {
		for _, srcPerm := range alt.SourcePerms {
			if alt.SourceKey == match.Template.Key && srcPerm == event.Permission {
				// The pair whose deletion triggered this event.
				continue
			}
			pending := plan[alt.TargetKey]
			if pending == nil {
				continue
			}
			for targetPerm, principal := range pending {
				if principal.IsZero() || !containsPermission(alt.TargetPerms, targetPerm) {
					continue
				}

				altTmpl, _ := point.TemplateFor(alt.SourceKey)
				altPath, err := altTmpl.Generate(match.Bindings)
				if err != nil {
					principal = Principal{}
					pending[targetPerm] = principal
					outcome.Targets = append(outcome.Targets, TargetResult{
						Point:       point.Name,
						ResourceKey: alt.TargetKey,
						Service:     altTmpl.Service,
						Permission:  targetPerm,
						Principal:   event.Principal,
						Action:      event.Action,
						Err:         err,
					})
					s.logger.Warn("cannot resolve alternate source path, keeping target permission",
						zap.String("point", point.Name),
						zap.String("source_key", alt.SourceKey),
						zap.Error(err),
					)
					continue
				}

				if principal.User != "" {
					held, err := s.sourceHolds(ctx, cache, altTmpl.Service, altPath, Principal{User: principal.User}, srcPerm)
					if kept, failed := s.applyGuard(held, err, &principal, false); kept || failed {
						pending[targetPerm] = principal
						if failed {
							outcome.Targets = append(outcome.Targets, s.guardFailure(point, alt, altTmpl, targetPerm, Principal{User: event.Principal.User}, event, err))
						}
					}
				}
				if principal.Group != "" {
					held, err := s.sourceHolds(ctx, cache, altTmpl.Service, altPath, Principal{Group: principal.Group}, srcPerm)
					if kept, failed := s.applyGuard(held, err, &principal, true); kept || failed {
						pending[targetPerm] = principal
						if failed {
							outcome.Targets = append(outcome.Targets, s.guardFailure(point, alt, altTmpl, targetPerm, Principal{Group: event.Principal.Group}, event, err))
						}
					}
				}
			}
		}
	}
}

// applyGuard folds one alternate-source check into the pending principal.
// A held source permission or an unreadable source both clear the principal
// part (the permission is not deleted); only the unreadable case counts as a
// failure. Handlers that cannot report permissions at all can never justify
// a target and are ignored.
func (s *Synchronizer) applyGuard(held bool, err error, principal *Principal, group bool) (kept, failed bool) {
	if err != nil {
		if errors.Is(err, ErrNotImplemented) {
			return false, false
		}
		held, failed = true, true
	}
	if held {
		if group {
			principal.Group = ""
		} else {
			principal.User = ""
		}
		kept = true
	}
	return kept, failed
}

func (s *Synchronizer) guardFailure(point *SyncPoint, alt MappingEntry, altTmpl *Template, perm Permission, principal Principal, event Event, err error) TargetResult {
	s.logger.Warn("cannot verify alternate source permission, keeping target permission",
		zap.String("point", point.Name),
		zap.String("source_key", alt.SourceKey),
		zap.String("service", altTmpl.Service),
		zap.Error(err),
	)
	return TargetResult{
		Point:       point.Name,
		ResourceKey: alt.TargetKey,
		Service:     altTmpl.Service,
		Permission:  perm,
		Principal:   principal,
		Action:      event.Action,
		Err:         err,
	}
}

func (s *Synchronizer) sourceHolds(ctx context.Context, cache *permissionCache, service string, path []Segment, principal Principal, perm Permission) (bool, error) {
	perms, err := cache.get(ctx, s, service, path, principal)
	if err != nil {
		return false, err
	}
	return containsPermission(perms, perm), nil
}

// permissionCache memoizes adapter permission reads for the duration of one
// deletion guard pass, so checking many alternate pairs against the same
// source resource costs one adapter call per principal.
type permissionCache struct {
	perms map[string][]Permission
	errs  map[string]error
}

func newPermissionCache() *permissionCache {
	return &permissionCache{
		perms: make(map[string][]Permission),
		errs:  make(map[string]error),
	}
}

func (c *permissionCache) get(ctx context.Context, s *Synchronizer, service string, path []Segment, principal Principal) ([]Permission, error) {
	key := service + "|" + PathString(path) + "|" + principal.String()
	if err, ok := c.errs[key]; ok {
		return nil, err
	}
	if perms, ok := c.perms[key]; ok {
		return perms, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	perms, err := s.adapters[service].GetPermissions(callCtx, path, principal)
	cancel()
	if err != nil {
		c.errs[key] = err
		return nil, err
	}
	c.perms[key] = perms
	return perms, nil
}

func compositeStatus(o *Outcome) Status {
	attempted, failed := 0, 0
	for _, t := range o.Targets {
		attempted++
		if isFailure(t.Err) {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == attempted:
		return StatusFailed
	default:
		return StatusPartial
	}
}
