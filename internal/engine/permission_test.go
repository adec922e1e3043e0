package engine

import "testing"

func TestParsePermission_BareNameDefaults(t *testing.T) {
	p, err := ParsePermission("read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Permission{Name: "read", Access: AccessAllow, Scope: ScopeRecursive}
	if p != want {
		t.Errorf("expected %v, got %v", want, p)
	}
}

func TestParsePermission_NameMatch(t *testing.T) {
	p, err := ParsePermission("read-match")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Permission{Name: "read", Access: AccessAllow, Scope: ScopeMatch}
	if p != want {
		t.Errorf("expected %v, got %v", want, p)
	}
}

func TestParsePermission_ExplicitTriple(t *testing.T) {
	p, err := ParsePermission("write-deny-match")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Permission{Name: "write", Access: AccessDeny, Scope: ScopeMatch}
	if p != want {
		t.Errorf("expected %v, got %v", want, p)
	}
}

func TestParsePermission_AccessWithoutScopeRejected(t *testing.T) {
	if _, err := ParsePermission("read-deny"); err == nil {
		t.Error("expected error for access without scope")
	}
}

func TestParsePermission_HyphenatedNameStaysWhole(t *testing.T) {
	p, err := ParsePermission("get-capabilities")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "get-capabilities" {
		t.Errorf("expected name get-capabilities, got %q", p.Name)
	}
}

func TestParsePermission_HyphenatedNameWithExplicitSuffix(t *testing.T) {
	p, err := ParsePermission("get-capabilities-allow-recursive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Permission{Name: "get-capabilities", Access: AccessAllow, Scope: ScopeRecursive}
	if p != want {
		t.Errorf("expected %v, got %v", want, p)
	}
}

func TestParsePermission_Empty(t *testing.T) {
	if _, err := ParsePermission("  "); err == nil {
		t.Error("expected error for empty spec")
	}
}

func TestParsePermission_StringIsExplicitForm(t *testing.T) {
	p, err := ParsePermission("read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.String() != "read-allow-recursive" {
		t.Errorf("expected read-allow-recursive, got %q", p.String())
	}
}

func TestParsePermissionList_Bare(t *testing.T) {
	perms, err := ParsePermissionList("getCapabilities, getFeature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected 2 permissions, got %d", len(perms))
	}
	if perms[0].Name != "getCapabilities" || perms[1].Name != "getFeature" {
		t.Errorf("unexpected names: %v", perms)
	}
}

func TestParsePermissionList_Bracketed(t *testing.T) {
	perms, err := ParsePermissionList("[read, write-deny-match]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected 2 permissions, got %d", len(perms))
	}
	if perms[1] != (Permission{Name: "write", Access: AccessDeny, Scope: ScopeMatch}) {
		t.Errorf("unexpected second permission: %v", perms[1])
	}
}

func TestParsePermissionList_EmptyRejected(t *testing.T) {
	if _, err := ParsePermissionList("[ ]"); err == nil {
		t.Error("expected error for empty list")
	}
}
