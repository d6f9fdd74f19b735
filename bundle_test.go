package resign

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"howett.net/plist"
)

func writeInfoPlist(t *testing.T, dir string, info map[string]any) {
	t.Helper()
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func appInfo(id, executable string, platforms ...string) map[string]any {
	ps := make([]any, len(platforms))
	for i, p := range platforms {
		ps[i] = p
	}
	return map[string]any{
		"CFBundleIdentifier":         id,
		"CFBundleExecutable":         executable,
		"CFBundleSupportedPlatforms": ps,
	}
}

func TestNewBundleRejectsForeignPlatform(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Test.app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeInfoPlist(t, dir, appInfo("com.example.test", "TestApp", "MacOSX"))

	if _, err := newBundle(dir, bundleApp, iosPlatforms); !errors.Is(err, ErrNotMatched) {
		t.Errorf("err = %v, want ErrNotMatched", err)
	}
}

func TestNewBundleRejectsMissingInfoPlist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Test.app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := newBundle(dir, bundleApp, iosPlatforms); !errors.Is(err, ErrNotMatched) {
		t.Errorf("err = %v, want ErrNotMatched", err)
	}
}

func TestExecutablePathFallsBackToStem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Stem.app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	info := appInfo("com.example.stem", "", "iPhoneOS")
	delete(info, "CFBundleExecutable")
	writeInfoPlist(t, dir, info)
	if err := os.WriteFile(filepath.Join(dir, "Stem"), []byte("binary"), 0755); err != nil {
		t.Fatal(err)
	}

	b, err := newBundle(dir, bundleApp, iosPlatforms)
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.ExecutablePath()
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "Stem") {
		t.Errorf("executable = %q", got)
	}
}

func TestUpdateInfoPropsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Test.app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeInfoPlist(t, dir, appInfo("com.example.test", "TestApp", "iPhoneOS"))
	before, err := os.ReadFile(filepath.Join(dir, "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}

	b, err := newBundle(dir, bundleApp, iosPlatforms)
	if err != nil {
		t.Fatal(err)
	}
	// an override matching current values produces no write
	if err := b.UpdateInfoProps(map[string]any{"CFBundleIdentifier": "com.example.test"}); err != nil {
		t.Fatal(err)
	}
	if b.InfoPropsChanged() {
		t.Error("no-op override marked the bundle changed")
	}
	after, err := os.ReadFile(filepath.Join(dir, "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("no-op override rewrote Info.plist")
	}
}

func TestUpdateInfoPropsRenamesURLTypes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Test.app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	info := appInfo("com.example.old", "TestApp", "iPhoneOS")
	info["CFBundleURLTypes"] = []any{
		map[string]any{"CFBundleURLName": "com.example.old", "CFBundleURLSchemes": []any{"oldscheme"}},
		map[string]any{"CFBundleURLSchemes": []any{"bare"}},
	}
	writeInfoPlist(t, dir, info)

	b, err := newBundle(dir, bundleApp, iosPlatforms)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateInfoProps(map[string]any{"CFBundleIdentifier": "com.example.new"}); err != nil {
		t.Fatal(err)
	}
	if !b.InfoPropsChanged() {
		t.Fatal("identifier change not marked")
	}

	// the rewrite lands on disk in binary form; re-read and check
	data, err := os.ReadFile(filepath.Join(dir, "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}
	var written map[string]any
	if _, err := plist.Unmarshal(data, &written); err != nil {
		t.Fatal(err)
	}
	if written["CFBundleIdentifier"] != "com.example.new" {
		t.Errorf("identifier = %v", written["CFBundleIdentifier"])
	}
	urlTypes := written["CFBundleURLTypes"].([]any)
	first := urlTypes[0].(map[string]any)
	if first["CFBundleURLName"] != "com.example.new" {
		t.Errorf("URL name not renamed: %v", first["CFBundleURLName"])
	}
}

func TestUpdateInfoPropsAddsNewKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Test.app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeInfoPlist(t, dir, appInfo("com.example.test", "TestApp", "iPhoneOS"))

	b, err := newBundle(dir, bundleApp, iosPlatforms)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateInfoProps(map[string]any{"CFBundleDisplayName": "Renamed"}); err != nil {
		t.Fatal(err)
	}
	if !b.InfoPropsChanged() {
		t.Error("new key not marked as a change")
	}
	if b.Info()["CFBundleDisplayName"] != "Renamed" {
		t.Error("new key not applied")
	}
}
