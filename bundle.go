package resign

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/appsworld/go-resign/pkg/cms"
	"github.com/appsworld/go-resign/pkg/codesign"
	"github.com/appsworld/go-resign/pkg/provision"
	"github.com/appsworld/go-resign/pkg/resources"
)

// bundleKind selects the walk behavior and the signable kind of a
// bundle's main executable.
type bundleKind int

const (
	bundleApp bundleKind = iota
	bundleWatchApp
	bundleFramework
	bundleAppex
)

// possible values of CFBundleSupportedPlatforms per platform family
var (
	iosPlatforms   = []string{"iPhoneOS", "iPhoneSimulator"}
	watchPlatforms = []string{"WatchOS", "WatchSimulator"}
)

func (k bundleKind) signableKind() codesign.Kind {
	switch k {
	case bundleFramework:
		return codesign.KindFramework
	case bundleAppex:
		return codesign.KindAppex
	default:
		return codesign.KindMainExecutable
	}
}

// A Bundle is a directory with an Info.plist and a conventional layout:
// Frameworks, PlugIns, an embedded Watch app. Bundles live for one
// resign.
type Bundle struct {
	Path string

	kind      bundleKind
	platforms []string
	info      map[string]any
	origInfo  map[string]any // non-nil once info props were rewritten

	// staged by provisioning, consumed when the executable is signed
	entitlements []byte
}

// newBundle reads and validates a bundle directory. ErrNotMatched means
// the directory is not a native bundle of the expected platform family;
// the caller skips it.
func newBundle(path string, kind bundleKind, platforms []string) (*Bundle, error) {
	infoPath := filepath.Join(path, "Info.plist")
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, errors.Wrapf(ErrNotMatched, "no Info.plist found in %s; probably not a bundle", path)
	}
	var info map[string]any
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(ErrNotMatched, "unreadable Info.plist in %s: %v", path, err)
	}
	b := &Bundle{Path: path, kind: kind, platforms: platforms, info: info}
	if !hasPlatform(info, platforms) {
		return nil, errors.Wrapf(ErrNotMatched, "%s is not a native bundle (want one of %v)", path, platforms)
	}
	return b, nil
}

// hasPlatform reports whether the plist's CFBundleSupportedPlatforms
// intersects the expected set. Simulator bundles count: starting with
// iOS 10 they need at least an ad-hoc signature too.
func hasPlatform(info map[string]any, platforms []string) bool {
	supported, ok := info["CFBundleSupportedPlatforms"].([]any)
	if !ok {
		return false
	}
	for _, s := range supported {
		for _, p := range platforms {
			if s == p {
				return true
			}
		}
	}
	return false
}

// ID returns the bundle identifier.
func (b *Bundle) ID() string {
	id, _ := b.info["CFBundleIdentifier"].(string)
	return id
}

// Info returns the bundle's Info.plist dictionary.
func (b *Bundle) Info() map[string]any {
	return b.info
}

// ExecutablePath locates the main executable: CFBundleExecutable, or the
// directory stem when absent.
func (b *Bundle) ExecutablePath() (string, error) {
	name, _ := b.info["CFBundleExecutable"].(string)
	if name == "" {
		base := filepath.Base(b.Path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	path := filepath.Join(b.Path, name)
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(ErrNotSignable, "could not find executable for %s", b.Path)
	}
	return path, nil
}

// UpdateInfoProps merges new properties into Info.plist, writing the
// file (binary form) only when something actually changed. When
// CFBundleIdentifier changes and CFBundleURLTypes is not being set
// explicitly, URL names matching the old identifier follow the rename.
func (b *Bundle) UpdateInfoProps(newProps map[string]any) error {
	if len(newProps) == 0 {
		return nil
	}
	if b.origInfo == nil {
		b.origInfo = deepCopy(b.info)
	}

	changed := false
	newID, changingID := newProps["CFBundleIdentifier"]
	changingID = changingID && !plistEqual(b.info["CFBundleIdentifier"], newID)
	_, settingURLTypes := newProps["CFBundleURLTypes"]
	if changingID && !settingURLTypes {
		if urlTypes, ok := b.info["CFBundleURLTypes"].([]any); ok {
			oldID := b.info["CFBundleIdentifier"]
			for _, entry := range urlTypes {
				urlType, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				if urlType["CFBundleURLName"] == oldID {
					urlType["CFBundleURLName"] = newID
					changed = true
				}
			}
		}
	}

	for key, val := range newProps {
		old, exists := b.info[key]
		if !exists {
			log.WithField("key", key).Warn("adding new Info.plist key")
		}
		if !exists || !plistEqual(old, val) {
			b.info[key] = val
			changed = true
		}
	}

	if !changed {
		b.origInfo = nil
		return nil
	}
	data, err := plist.Marshal(b.info, plist.BinaryFormat)
	if err != nil {
		return errors.Wrap(err, "encoding Info.plist")
	}
	if err := os.WriteFile(filepath.Join(b.Path, "Info.plist"), data, 0644); err != nil {
		return errors.Wrap(err, "writing Info.plist")
	}
	return nil
}

// InfoPropsChanged reports whether UpdateInfoProps rewrote the plist.
func (b *Bundle) InfoPropsChanged() bool {
	return b.origInfo != nil
}

// provision copies the best-matching provisioning profile to
// embedded.mobileprovision.
func (b *Bundle) provision(teamID string, store *provision.Store) error {
	identifier := teamID + "." + b.ID()
	profile, err := store.Profile(identifier)
	if err != nil {
		return errors.Wrapf(err, "provisioning %s", b.Path)
	}
	target := filepath.Join(b.Path, "embedded.mobileprovision")
	log.WithFields(log.Fields{"from": profile.Path, "to": target}).Debug("provisioning")
	return errors.Wrap(os.WriteFile(target, profile.DER, 0644), "writing embedded.mobileprovision")
}

// entitle stages the best-matching entitlements for the executable's
// signature.
func (b *Bundle) entitle(teamID string, store *provision.Store) error {
	identifier := teamID + "." + b.ID()
	ents, err := store.Entitlements(identifier)
	if err != nil {
		return errors.Wrapf(err, "entitling %s", b.Path)
	}
	data, err := plist.MarshalIndent(ents, plist.XMLFormat, "\t")
	if err != nil {
		return errors.Wrap(err, "encoding entitlements")
	}
	b.entitlements = data
	return nil
}

// resign signs everything in this bundle, in place. If deep is set,
// sub-bundles sign first so their hashes are stable when this bundle
// seals.
func (b *Bundle) resign(deep bool, signer *cms.Signer, store *provision.Store) error {
	if b.kind == bundleApp {
		// an embedded Watch app signs before anything in the parent
		if err := b.signWatchApps(deep, signer, store); err != nil {
			return err
		}
	}

	if (b.kind == bundleApp || b.kind == bundleWatchApp) && !signer.AdHoc() {
		if err := b.provision(signer.TeamID(), store); err != nil {
			return err
		}
		if err := b.entitle(signer.TeamID(), store); err != nil {
			return err
		}
	}

	if deep {
		if err := b.signAppexes(deep, signer, store); err != nil {
			return err
		}
		if err := b.signFrameworks(deep, signer, store); err != nil {
			return err
		}
		// loose dylibs in the bundle root (rare, but it happens)
		if err := b.signDylibs(signer, b.Path); err != nil {
			return err
		}
	}

	executable, err := b.ExecutablePath()
	if err != nil {
		return err
	}

	// the seal is written before the executable is hashed, so the
	// ResourceDir slot covers it
	seal, err := resources.MakeSeal(b.Path, executable)
	if err != nil {
		return err
	}

	infoBytes, err := os.ReadFile(filepath.Join(b.Path, "Info.plist"))
	if err != nil {
		return errors.Wrapf(ErrNotSignable, "%s: %v", b.Path, err)
	}

	req := codesign.Request{
		Kind:         b.kind.signableKind(),
		Identifier:   b.ID(),
		TeamID:       signer.TeamID(),
		InfoPlist:    infoBytes,
		InfoChanged:  b.InfoPropsChanged(),
		ResourceDir:  seal,
		Entitlements: b.entitlements,
	}
	if err := codesign.SignFile(executable, req, signer); err != nil {
		return errors.Wrapf(ErrNotSignable, "%s: %v", executable, err)
	}
	log.WithField("bundle", b.Path).Debug("resigned bundle")
	return nil
}

func (b *Bundle) signWatchApps(deep bool, signer *cms.Signer, store *provision.Store) error {
	watchDir := filepath.Join(b.Path, "Watch")
	apps, err := filepath.Glob(filepath.Join(watchDir, "*.app"))
	if err != nil {
		return err
	}
	for _, path := range apps {
		log.WithField("path", path).Debug("found Watch app")
		watch, err := newBundle(path, bundleWatchApp, watchPlatforms)
		if err != nil {
			if errors.Is(err, ErrNotMatched) {
				continue
			}
			return err
		}
		if err := watch.resign(deep, signer, store); err != nil {
			return err
		}
	}
	return nil
}

// signAppexes signs PlugIns/*.appex. Like its parent, an appex gets its
// own embedded.mobileprovision (a wildcard profile usually covers both
// identifiers). For entitlements the appex's own match wins; only a
// no-match falls back to the parent's staged set.
func (b *Bundle) signAppexes(deep bool, signer *cms.Signer, store *provision.Store) error {
	appexes, err := filepath.Glob(filepath.Join(b.Path, "PlugIns", "*.appex"))
	if err != nil {
		return err
	}
	for _, path := range appexes {
		log.WithField("path", path).Debug("working on appex")
		appex, err := newBundle(path, bundleAppex, b.platforms)
		if err != nil {
			if errors.Is(err, ErrNotMatched) {
				continue
			}
			return err
		}
		if !signer.AdHoc() {
			if err := appex.provision(signer.TeamID(), store); err != nil {
				return err
			}
			if err := appex.entitle(signer.TeamID(), store); err != nil {
				if !errors.Is(err, provision.ErrNoProfile) {
					return err
				}
				appex.entitlements = b.entitlements
			}
		}
		if err := appex.resign(deep, signer, store); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bundle) signFrameworks(deep bool, signer *cms.Signer, store *provision.Store) error {
	frameworksDir := filepath.Join(b.Path, "Frameworks")
	entries, err := os.ReadDir(frameworksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", frameworksDir)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".framework") {
			continue
		}
		path := filepath.Join(frameworksDir, entry.Name())
		framework, err := newBundle(path, bundleFramework, b.platforms)
		if err != nil {
			if errors.Is(err, ErrNotMatched) {
				log.WithField("path", path).Debug("not a framework")
				continue
			}
			return err
		}
		if err := framework.resign(deep, signer, store); err != nil {
			return err
		}
	}
	return b.signDylibs(signer, frameworksDir)
}

// signDylibs signs all the loose dylibs in one directory. Dylibs get
// Requirements and Entitlements slots but no entitlements content.
func (b *Bundle) signDylibs(signer *cms.Signer, dir string) error {
	dylibs, err := filepath.Glob(filepath.Join(dir, "*.dylib"))
	if err != nil {
		return err
	}
	for _, path := range dylibs {
		req := codesign.Request{
			Kind:       codesign.KindDylib,
			Identifier: strings.TrimSuffix(filepath.Base(path), ".dylib"),
			TeamID:     signer.TeamID(),
		}
		if err := codesign.SignFile(path, req, signer); err != nil {
			return errors.Wrapf(ErrNotSignable, "%s: %v", path, err)
		}
	}
	return nil
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case map[string]any:
			out[k] = deepCopy(v)
		case []any:
			cp := make([]any, len(v))
			copy(cp, v)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// plistEqual compares plist values the way an override check needs to:
// scalars by value, containers structurally.
func plistEqual(a, b any) bool {
	switch a := a.(type) {
	case map[string]any:
		b, ok := b.(map[string]any)
		if !ok || len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || !plistEqual(av, bv) {
				return false
			}
		}
		return true
	case []any:
		b, ok := b.([]any)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !plistEqual(a[i], b[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
