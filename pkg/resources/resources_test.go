package resources

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

func buildBundle(t *testing.T) (bundle, executable string) {
	t.Helper()
	bundle = filepath.Join(t.TempDir(), "Test.app")
	for dir, files := range map[string]map[string]string{
		".":          {"Info.plist": "<plist/>", "TestApp": "\xfe\xed\xfa\xcfbinary", "asset.png": "not really a png"},
		"en.lproj":   {"Localizable.strings": "\"hi\" = \"hi\";"},
		"Base.lproj": {"Main.storyboardc": "storyboard"},
	} {
		full := filepath.Join(bundle, dir)
		if err := os.MkdirAll(full, 0755); err != nil {
			t.Fatal(err)
		}
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(full, name), []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := os.Symlink("asset.png", filepath.Join(bundle, "alias.png")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, ".DS_Store"), []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}
	return bundle, filepath.Join(bundle, "TestApp")
}

func decodeSeal(t *testing.T, data []byte) sealDoc {
	t.Helper()
	var doc sealDoc
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestMakeSeal(t *testing.T) {
	bundle, executable := buildBundle(t)
	data, err := MakeSeal(bundle, executable)
	if err != nil {
		t.Fatal(err)
	}

	// the seal exists on disk and matches the returned bytes
	onDisk, err := os.ReadFile(filepath.Join(bundle, SealDir, SealFile))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("returned seal differs from the file on disk")
	}

	doc := decodeSeal(t, data)

	if _, ok := doc.Files2["TestApp"]; ok {
		t.Error("main executable must not be sealed")
	}
	if _, ok := doc.Files["TestApp"]; ok {
		t.Error("main executable must not be sealed in files")
	}
	if _, ok := doc.Files2[SealDir+"/"+SealFile]; ok {
		t.Error("the seal must not seal itself")
	}

	// plain file: files holds the bare SHA-1
	want := sha1.Sum([]byte("not really a png"))
	got, ok := doc.Files["asset.png"].([]byte)
	if !ok {
		t.Fatalf("asset.png entry = %T, want raw digest", doc.Files["asset.png"])
	}
	if !bytes.Equal(got, want[:]) {
		t.Error("asset.png SHA-1 mismatch")
	}

	// files2 carries both digests
	entry2, ok := doc.Files2["asset.png"].(map[string]any)
	if !ok {
		t.Fatalf("files2 asset.png entry = %T", doc.Files2["asset.png"])
	}
	if _, ok := entry2["hash"]; !ok {
		t.Error("files2 entry missing hash")
	}
	if _, ok := entry2["hash2"]; !ok {
		t.Error("files2 entry missing hash2")
	}

	// localized resources are optional
	lproj, ok := doc.Files["en.lproj/Localizable.strings"].(map[string]any)
	if !ok {
		t.Fatalf("lproj entry = %T, want dict", doc.Files["en.lproj/Localizable.strings"])
	}
	if opt, _ := lproj["optional"].(bool); !opt {
		t.Error("lproj entry not marked optional")
	}

	// symlinks are stored as their target
	link, ok := doc.Files2["alias.png"].(map[string]any)
	if !ok {
		t.Fatalf("symlink entry = %T", doc.Files2["alias.png"])
	}
	if link["symlink"] != "asset.png" {
		t.Errorf("symlink target = %v", link["symlink"])
	}

	// .DS_Store is omitted from files2, Info.plist too
	if _, ok := doc.Files2[".DS_Store"]; ok {
		t.Error(".DS_Store not omitted from files2")
	}
	if _, ok := doc.Files2["Info.plist"]; ok {
		t.Error("Info.plist not omitted from files2")
	}
	// but the v1 rules keep Info.plist
	if _, ok := doc.Files["Info.plist"]; !ok {
		t.Error("Info.plist missing from files")
	}

	// rule dictionaries are carried in the output
	if len(doc.Rules) == 0 || len(doc.Rules2) == 0 {
		t.Error("rules dictionaries missing from seal")
	}
}

func TestMakeSealInheritsRules(t *testing.T) {
	bundle, executable := buildBundle(t)

	// seed a seal whose rules2 omit pngs
	seed := sealDoc{
		Files:  map[string]any{},
		Files2: map[string]any{},
		Rules:  map[string]any{"^": true},
		Rules2: map[string]any{
			"^.*":       true,
			".*\\.png$": map[string]any{"omit": true, "weight": 500.0},
		},
	}
	data, err := plist.MarshalIndent(seed, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(bundle, SealDir), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, SealDir, SealFile), data, 0644); err != nil {
		t.Fatal(err)
	}

	out, err := MakeSeal(bundle, executable)
	if err != nil {
		t.Fatal(err)
	}
	doc := decodeSeal(t, out)
	if _, ok := doc.Files2["asset.png"]; ok {
		t.Error("inherited omit rule ignored")
	}
	if _, ok := doc.Files2["Info.plist"]; !ok {
		t.Error("inherited rules2 should keep Info.plist (no omit rule in seed)")
	}
}

func TestMakeSealDeterministic(t *testing.T) {
	bundle, executable := buildBundle(t)
	a, err := MakeSeal(bundle, executable)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MakeSeal(bundle, executable)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("sealing the same bundle twice produced different bytes")
	}
}
