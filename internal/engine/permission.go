package engine

import (
	"fmt"
	"strings"
)

// Access is the grant or denial half of a permission.
type Access string

const (
	AccessAllow Access = "allow"
	AccessDeny  Access = "deny"
)

// Scope is the reach of a permission on a resource tree: the matched
// resource only, or the resource and everything below it.
type Scope string

const (
	ScopeMatch     Scope = "match"
	ScopeRecursive Scope = "recursive"
)

// Permission is a normalized (name, access, scope) triple. Equality is by
// the triple.
type Permission struct {
	Name   string
	Access Access
	Scope  Scope
}

// String renders the explicit name-access-scope form.
func (p Permission) String() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Access, p.Scope)
}

func isAccess(s string) bool {
	return s == string(AccessAllow) || s == string(AccessDeny)
}

func isScope(s string) bool {
	return s == string(ScopeMatch) || s == string(ScopeRecursive)
}

// ParsePermission parses one permission spec. Accepted forms are a bare
// name, "name-match", and the explicit "name-access-scope". Omitted access
// defaults to allow and omitted scope to recursive. A trailing access word
// without a scope is rejected rather than silently folded into the name.
func ParsePermission(spec string) (Permission, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Permission{}, fmt.Errorf("empty permission spec")
	}
	parts := strings.Split(spec, "-")
	n := len(parts)
	if n >= 3 && isAccess(parts[n-2]) && isScope(parts[n-1]) {
		name := strings.Join(parts[:n-2], "-")
		if name == "" {
			return Permission{}, fmt.Errorf("permission spec %q has no name", spec)
		}
		return Permission{Name: name, Access: Access(parts[n-2]), Scope: Scope(parts[n-1])}, nil
	}
	if n >= 2 && isScope(parts[n-1]) {
		name := strings.Join(parts[:n-1], "-")
		if name == "" {
			return Permission{}, fmt.Errorf("permission spec %q has no name", spec)
		}
		return Permission{Name: name, Access: AccessAllow, Scope: Scope(parts[n-1])}, nil
	}
	if n >= 2 && isAccess(parts[n-1]) {
		return Permission{}, fmt.Errorf("permission spec %q gives access %q without a scope", spec, parts[n-1])
	}
	return Permission{Name: spec, Access: AccessAllow, Scope: ScopeRecursive}, nil
}

// ParsePermissionList parses a comma-separated permission spec list, with or
// without surrounding brackets.
func ParsePermissionList(specs string) ([]Permission, error) {
	specs = strings.TrimSpace(specs)
	if strings.HasPrefix(specs, "[") && strings.HasSuffix(specs, "]") {
		specs = specs[1 : len(specs)-1]
	}
	var perms []Permission
	for _, part := range strings.Split(specs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		perm, err := ParsePermission(part)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("empty permission spec list")
	}
	return perms, nil
}

// containsPermission reports whether the permission appears in the list,
// comparing full triples.
func containsPermission(perms []Permission, perm Permission) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}
