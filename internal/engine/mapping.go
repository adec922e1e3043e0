package engine

import (
	"fmt"
	"regexp"
	"sort"
)

// Mapping directions. A bidirectional line contributes one directed entry
// per direction, so the rest of the engine only ever sees sources and
// targets.
const (
	arrowRight = "->"
	arrowLeft  = "<-"
	arrowBi    = "<->"
)

var mappingRE = regexp.MustCompile(`^\s*([\w-]+)\s*:\s*(.+?)\s*(<->|->|<-)\s*([\w-]+)\s*:\s*(.+?)\s*$`)

// MappingEntry is one directed permission mapping between two resource keys
// of a sync point.
type MappingEntry struct {
	SourceKey   string
	SourcePerms []Permission
	TargetKey   string
	TargetPerms []Permission
}

// SyncPoint groups the resource templates and permission mappings of
// services sharing one set of resources. Resource keys are unique within a
// point, across all of its services. Immutable once built and safe to share
// across workers.
type SyncPoint struct {
	Name string

	byService map[string][]*Template
	byKey     map[string]*Template
	entries   []MappingEntry
}

// NewSyncPoint compiles one configured sync point: per-service template sets
// and the permission mapping lines between their resource keys. Any invalid
// template, unknown resource key, or malformed mapping line fails the whole
// load with a ConfigError naming the offending entry.
func NewSyncPoint(name string, services map[string]map[string][]SegmentSpec, mappings []string) (*SyncPoint, error) {
	sp := &SyncPoint{
		Name:      name,
		byService: make(map[string][]*Template),
		byKey:     make(map[string]*Template),
	}

	// Deterministic compile order so duplicate-key errors are stable.
	svcNames := make([]string, 0, len(services))
	for svc := range services {
		svcNames = append(svcNames, svc)
	}
	sort.Strings(svcNames)
	for _, svc := range svcNames {
		keys := make([]string, 0, len(services[svc]))
		for key := range services[svc] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, dup := sp.byKey[key]; dup {
				return nil, &ConfigError{Entry: name + "/" + key, Reason: "resource key defined more than once in the sync point"}
			}
			tmpl, err := CompileTemplate(svc, key, services[svc][key])
			if err != nil {
				return nil, err
			}
			sp.byService[svc] = append(sp.byService[svc], tmpl)
			sp.byKey[key] = tmpl
		}
	}

	if len(mappings) == 0 {
		return nil, &ConfigError{Entry: name, Reason: "sync point has no permissions mapping"}
	}
	for _, raw := range mappings {
		if err := sp.addMapping(raw); err != nil {
			return nil, err
		}
	}
	return sp, nil
}

func (sp *SyncPoint) addMapping(raw string) error {
	m := mappingRE.FindStringSubmatch(raw)
	if m == nil {
		return &ConfigError{Entry: raw, Reason: "mapping does not follow \"key : perms <dir> key : perms\""}
	}
	leftKey, leftSpecs, dir, rightKey, rightSpecs := m[1], m[2], m[3], m[4], m[5]

	leftPerms, err := ParsePermissionList(leftSpecs)
	if err != nil {
		return &ConfigError{Entry: raw, Reason: err.Error()}
	}
	rightPerms, err := ParsePermissionList(rightSpecs)
	if err != nil {
		return &ConfigError{Entry: raw, Reason: err.Error()}
	}
	for _, key := range []string{leftKey, rightKey} {
		if _, ok := sp.byKey[key]; !ok {
			return &ConfigError{Entry: raw, Reason: fmt.Sprintf("unknown resource key %q", key)}
		}
	}

	if dir == arrowRight || dir == arrowBi {
		if err := sp.addEntry(raw, leftKey, leftPerms, rightKey, rightPerms); err != nil {
			return err
		}
	}
	if dir == arrowLeft || dir == arrowBi {
		if err := sp.addEntry(raw, rightKey, rightPerms, leftKey, leftPerms); err != nil {
			return err
		}
	}
	return nil
}

// addEntry validates one direction of a mapping line: every variable the
// target template needs must be bound by the source template, and the target
// cannot use more absorbing segments than the source match will provide.
// A bidirectional line runs these checks in both directions, which makes the
// variable sets of the two templates necessarily identical.
func (sp *SyncPoint) addEntry(raw, srcKey string, srcPerms []Permission, dstKey string, dstPerms []Permission) error {
	src, dst := sp.byKey[srcKey], sp.byKey[dstKey]
	for v := range dst.vars {
		if _, ok := src.vars[v]; !ok {
			return &ConfigError{Entry: raw, Reason: fmt.Sprintf("target %q uses variable {%s} that source %q does not bind", dstKey, v, srcKey)}
		}
	}
	if dst.absorbers > src.absorbers {
		return &ConfigError{Entry: raw, Reason: fmt.Sprintf("target %q uses more multi-segment tokens than source %q provides", dstKey, srcKey)}
	}
	sp.entries = append(sp.entries, MappingEntry{
		SourceKey:   srcKey,
		SourcePerms: srcPerms,
		TargetKey:   dstKey,
		TargetPerms: dstPerms,
	})
	return nil
}

// Services returns the service names this point declares templates for.
func (sp *SyncPoint) Services() []string {
	names := make([]string, 0, len(sp.byService))
	for svc := range sp.byService {
		names = append(names, svc)
	}
	sort.Strings(names)
	return names
}

// TemplateFor returns the template registered under a resource key.
func (sp *SyncPoint) TemplateFor(key string) (*Template, bool) {
	t, ok := sp.byKey[key]
	return t, ok
}

// SourceMatch is one template of the event's service that matched the
// event's resource.
type SourceMatch struct {
	Template *Template
	Bindings *Bindings
}

// MatchSources matches the resource against every template the service owns
// in this point and returns all matches. An event whose resource matches
// nothing simply does not concern this point.
func (sp *SyncPoint) MatchSources(service string, resource []Segment) []SourceMatch {
	var matches []SourceMatch
	for _, tmpl := range sp.byService[service] {
		if b, ok := tmpl.Match(resource); ok {
			matches = append(matches, SourceMatch{Template: tmpl, Bindings: b})
		}
	}
	return matches
}

// Lookup returns every directed mapping entry whose source side carries the
// resource key and whose source permission specs contain the permission.
// Multiple entries may match; their effects are applied independently and
// unioned.
func (sp *SyncPoint) Lookup(resourceKey string, perm Permission) []MappingEntry {
	var matched []MappingEntry
	for _, e := range sp.entries {
		if e.SourceKey == resourceKey && containsPermission(e.SourcePerms, perm) {
			matched = append(matched, e)
		}
	}
	return matched
}
