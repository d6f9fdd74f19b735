package resign

import (
	"archive/zip"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"
)

// archiveKind is the container shape of an input; output keeps the shape.
type archiveKind int

const (
	archiveIPA archiveKind = iota
	archiveAppZip
	archiveAppDir
)

func (k archiveKind) String() string {
	switch k {
	case archiveIPA:
		return "ipa"
	case archiveAppZip:
		return "zip"
	default:
		return "dir"
	}
}

var (
	ipaBundleRE = regexp.MustCompile(`^(Payload/[^/]+\.app/).*$`)
	zipBundleRE = regexp.MustCompile(`^([^/]+\.app/).*$`)
)

// helpers resolves the external archive tools once per coordinator.
type helpers struct {
	zip   string
	unzip string
}

func findHelpers() (*helpers, error) {
	h := &helpers{}
	var err error
	if h.zip, err = exec.LookPath("zip"); err != nil {
		return nil, errors.Wrap(ErrMissingHelpers, "zip not found")
	}
	if h.unzip, err = exec.LookPath("unzip"); err != nil {
		return nil, errors.Wrap(ErrMissingHelpers, "unzip not found")
	}
	return h, nil
}

// archive is a recognized input container: its kind plus where the app
// bundle sits relative to the container root.
type archive struct {
	path           string
	kind           archiveKind
	relativeBundle string
	bundleInfo     map[string]any
	helpers        *helpers // resolved at precheck for zip-shaped inputs
}

// archiveFactory probes the container types most-specific first. A
// probe's ErrNotMatched is absorbed; the next type is tried.
func archiveFactory(path string) (*archive, error) {
	for _, kind := range []archiveKind{archiveIPA, archiveAppZip, archiveAppDir} {
		a, err := precheck(path, kind)
		if err != nil {
			if errors.Is(err, ErrNotMatched) {
				continue
			}
			return nil, err
		}
		log.WithFields(log.Fields{"path": path, "kind": kind}).Debug("matched archive type")
		return a, nil
	}
	return nil, nil
}

func precheck(path string, kind archiveKind) (*archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(ErrNotMatched, "%s: %v", path, err)
	}

	switch kind {
	case archiveAppDir:
		if !info.IsDir() {
			return nil, errors.Wrapf(ErrNotMatched, "%s is not a directory", path)
		}
		plistData, err := os.ReadFile(filepath.Join(path, "Info.plist"))
		if err != nil {
			return nil, errors.Wrapf(ErrNotMatched, "%s has no Info.plist", path)
		}
		bundleInfo, err := decodeInfo(plistData)
		if err != nil {
			return nil, err
		}
		if !hasPlatform(bundleInfo, iosPlatforms) {
			return nil, errors.Wrapf(ErrNotMatched, "%s is not an iOS app", path)
		}
		return &archive{path: path, kind: kind, relativeBundle: ".", bundleInfo: bundleInfo}, nil

	case archiveIPA, archiveAppZip:
		if info.IsDir() {
			return nil, errors.Wrapf(ErrNotMatched, "%s is a directory", path)
		}
		wantExt := ".ipa"
		pattern := ipaBundleRE
		if kind == archiveAppZip {
			wantExt = ".zip"
			pattern = zipBundleRE
		}
		if !strings.EqualFold(filepath.Ext(path), wantExt) {
			return nil, errors.Wrapf(ErrNotMatched, "%s lacks the %s extension", path, wantExt)
		}
		h, err := findHelpers()
		if err != nil {
			return nil, err
		}
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, errors.Wrapf(ErrNotMatched, "%s is not a zipfile", path)
		}
		defer zr.Close()

		relativeBundle := findBundleDir(&zr.Reader, pattern)
		if relativeBundle == "" {
			return nil, errors.Wrapf(ErrNotMatched, "no app bundle in %s", path)
		}
		plistData, err := readZipFile(&zr.Reader, relativeBundle+"Info.plist")
		if err != nil {
			return nil, errors.Wrapf(ErrNotMatched, "no Info.plist in %s", path)
		}
		bundleInfo, err := decodeInfo(plistData)
		if err != nil {
			return nil, err
		}
		if !hasPlatform(bundleInfo, iosPlatforms) {
			return nil, errors.Wrapf(ErrNotMatched, "%s is not an iOS app", path)
		}
		return &archive{path: path, kind: kind, relativeBundle: relativeBundle, bundleInfo: bundleInfo, helpers: h}, nil
	}
	return nil, errors.Wrap(ErrNotMatched, "unknown archive kind")
}

func decodeInfo(data []byte) (map[string]any, error) {
	var info map[string]any
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(ErrNotMatched, "unreadable Info.plist: %v", err)
	}
	return info, nil
}

// findBundleDir locates the single app directory inside a zip. More
// than one app is refused.
func findBundleDir(zr *zip.Reader, pattern *regexp.Regexp) string {
	apps := map[string]bool{}
	for _, f := range zr.File {
		if m := pattern.FindStringSubmatch(f.Name); m != nil {
			apps[m[1]] = true
		}
	}
	if len(apps) > 1 {
		log.Warn("more than one app found in archive")
		return ""
	}
	for app := range apps {
		return app
	}
	return ""
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, errors.Errorf("%s not in archive", name)
}

// uncompressed tracks an unpacked archive: the temp containing dir, the
// bundle location within it, and how to pack it back up.
type uncompressed struct {
	containingDir  string
	relativeBundle string
	kind           archiveKind
	helpers        *helpers
}

// unarchiveToTemp unpacks the archive into a fresh temp directory.
func (a *archive) unarchiveToTemp() (*uncompressed, error) {
	tempDir, err := os.MkdirTemp("", "resign-")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp directory")
	}
	log.WithFields(log.Fields{"from": a.path, "to": tempDir}).Debug("unarchiving to temp")

	switch a.kind {
	case archiveAppDir:
		if err := copyTree(a.path, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return nil, err
		}
	default:
		cmd := exec.Command(a.helpers.unzip, "-qu", a.path, "-d", tempDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			os.RemoveAll(tempDir)
			return nil, errors.Wrapf(ErrNotSignable, "unzip %s: %v: %s", a.path, err, out)
		}
	}
	return &uncompressed{
		containingDir:  tempDir,
		relativeBundle: a.relativeBundle,
		kind:           a.kind,
		helpers:        a.helpers,
	}, nil
}

func (u *uncompressed) bundlePath() string {
	return filepath.Clean(filepath.Join(u.containingDir, u.relativeBundle))
}

// pack produces the output container at outputPath, same shape as the
// input.
func (u *uncompressed) pack(outputPath string) error {
	if err := os.RemoveAll(outputPath); err != nil {
		return errors.Wrapf(err, "clearing %s", outputPath)
	}
	switch u.kind {
	case archiveAppDir:
		if err := moveTree(u.containingDir, outputPath); err != nil {
			return err
		}
	default:
		// zip always appends ".zip" to bare names, so build the archive
		// under a temp name and move it onto the requested path
		tempZipDir, err := os.MkdirTemp("", "resign-zip-")
		if err != nil {
			return errors.Wrap(err, "creating temp zip directory")
		}
		defer os.RemoveAll(tempZipDir)
		tempZip := filepath.Join(tempZipDir, "temp.zip")
		cmd := exec.Command(u.helpers.zip, "-qr", tempZip, ".")
		cmd.Dir = u.containingDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return errors.Wrapf(ErrNotSignable, "zip: %v: %s", err, out)
		}
		if err := moveFile(tempZip, outputPath); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"kind": u.kind, "output": outputPath}).Info("archived")
	return nil
}

// remove deletes the temp tree; the containing dir may already be gone
// when pack moved it wholesale.
func (u *uncompressed) remove() {
	if _, err := os.Stat(u.containingDir); err == nil {
		log.WithField("path", u.containingDir).Debug("removing temp tree")
		os.RemoveAll(u.containingDir)
	}
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// moveFile renames, falling back to copy for cross-device targets.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Remove(src)
}

func moveTree(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}
