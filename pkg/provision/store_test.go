package provision

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func writeEntitlements(t *testing.T, dir, name, appID string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>application-identifier</key>
	<string>` + appID + `</string>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStoreEntitlementsOnly(t *testing.T) {
	dir := t.TempDir()
	writeEntitlements(t, dir, "a.entitlements", "TEAM.com.example.*")
	writeEntitlements(t, dir, "b.entitlements", "TEAM.com.example.app.watch")

	s, err := NewStore(nil, []string{
		filepath.Join(dir, "a.entitlements"),
		filepath.Join(dir, "b.entitlements"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ents, err := s.Entitlements("TEAM.com.example.app")
	if err != nil {
		t.Fatal(err)
	}
	if got := ents["application-identifier"]; got != "TEAM.com.example.*" {
		t.Errorf("matched %v, want the wildcard set", got)
	}

	ents, err = s.Entitlements("TEAM.com.example.app.watch")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"application-identifier": "TEAM.com.example.app.watch",
		"get-task-allow":         true,
	}
	if diff := cmp.Diff(want, ents); diff != "" {
		t.Errorf("entitlements mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreDuplicateEntitlementsFatal(t *testing.T) {
	dir := t.TempDir()
	writeEntitlements(t, dir, "a.entitlements", "TEAM.com.example.app")
	writeEntitlements(t, dir, "b.entitlements", "TEAM.com.example.app")

	_, err := NewStore(nil, []string{
		filepath.Join(dir, "a.entitlements"),
		filepath.Join(dir, "b.entitlements"),
	}, nil)
	if err == nil {
		t.Fatal("expected duplicate application identifier to be fatal")
	}
}

func TestStoreNoMatch(t *testing.T) {
	dir := t.TempDir()
	writeEntitlements(t, dir, "a.entitlements", "TEAM.com.example.app")

	s, err := NewStore(nil, []string{filepath.Join(dir, "a.entitlements")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Entitlements("OTHER.net.elsewhere"); !errors.Is(err, ErrNoProfile) {
		t.Errorf("err = %v, want ErrNoProfile", err)
	}
	if _, err := s.Profile("TEAM.com.example.app"); !errors.Is(err, ErrNoProfile) {
		t.Errorf("Profile on store without profiles: err = %v, want ErrNoProfile", err)
	}
}
