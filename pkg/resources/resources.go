// Package resources builds the resource seal: the
// _CodeSignature/CodeResources plist listing every sealed file in a
// bundle with its digests. Rule sets are inherited from the bundle's
// existing seal so Apple's tooling conventions survive a re-sign.
package resources

import (
	"crypto/sha1"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"
)

// SealDir is the directory holding the seal inside a bundle.
const SealDir = "_CodeSignature"

// SealFile is the seal's file name.
const SealFile = "CodeResources"

// rule is one compiled entry of a rules dictionary.
type rule struct {
	pattern  string
	weight   float64
	omit     bool
	optional bool
	nested   bool
	re       *regexp.Regexp
}

type ruleSet struct {
	rules []rule
	raw   map[string]any // original plist form, re-emitted verbatim
}

// the rule sets Apple's codesign applies to iOS bundles, used when the
// bundle has no seal to inherit from
var defaultRules = map[string]any{
	"^":                             true,
	"^.*\\.lproj/":                  map[string]any{"optional": true, "weight": 1000.0},
	"^.*\\.lproj/locversion.plist$": map[string]any{"omit": true, "weight": 1100.0},
	"^Base\\.lproj/":                map[string]any{"weight": 1010.0},
	"^version.plist$":               true,
}

var defaultRules2 = map[string]any{
	".*\\.dSYM($|/)":                map[string]any{"weight": 11.0},
	"^(.*/)?\\.DS_Store$":           map[string]any{"omit": true, "weight": 2000.0},
	"^.*":                           true,
	"^.*\\.lproj/":                  map[string]any{"optional": true, "weight": 1000.0},
	"^.*\\.lproj/locversion.plist$": map[string]any{"omit": true, "weight": 1100.0},
	"^Base\\.lproj/":                map[string]any{"weight": 1010.0},
	"^Info\\.plist$":                map[string]any{"omit": true, "weight": 20.0},
	"^PkgInfo$":                     map[string]any{"omit": true, "weight": 20.0},
	"^embedded\\.provisionprofile$": map[string]any{"weight": 20.0},
	"^version\\.plist$":             map[string]any{"weight": 20.0},
}

func compileRules(raw map[string]any) (*ruleSet, error) {
	rs := &ruleSet{raw: raw}
	patterns := make([]string, 0, len(raw))
	for pattern := range raw {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		r := rule{pattern: pattern, weight: 1}
		switch v := raw[pattern].(type) {
		case bool:
			// a bare true is an include at the default weight
		case map[string]any:
			if w, ok := v["weight"]; ok {
				switch w := w.(type) {
				case float64:
					r.weight = w
				case uint64:
					r.weight = float64(w)
				case int64:
					r.weight = float64(w)
				}
			}
			if b, ok := v["omit"].(bool); ok {
				r.omit = b
			}
			if b, ok := v["optional"].(bool); ok {
				r.optional = b
			}
			if b, ok := v["nested"].(bool); ok {
				r.nested = b
			}
		}
		re, err := regexp.Compile(r.pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "bad resource rule %q", pattern)
		}
		r.re = re
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// match returns the winning rule for a path: the matching rule with the
// highest weight, or nil when nothing matches.
func (rs *ruleSet) match(relPath string) *rule {
	var best *rule
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.re.MatchString(relPath) {
			continue
		}
		if best == nil || r.weight > best.weight {
			best = r
		}
	}
	return best
}

type sealDoc struct {
	Files  map[string]any `plist:"files"`
	Files2 map[string]any `plist:"files2"`
	Rules  map[string]any `plist:"rules"`
	Rules2 map[string]any `plist:"rules2"`
}

// MakeSeal walks the bundle, hashes every retained file, and writes a
// fresh CodeResources, returning its bytes (they feed the ResourceDir
// special slot). mainExecutable is the absolute path of the bundle's
// executable, which is never sealed.
func MakeSeal(bundlePath, mainExecutable string) ([]byte, error) {
	rules, rules2, err := inheritedRules(bundlePath)
	if err != nil {
		return nil, err
	}

	doc := sealDoc{
		Files:  map[string]any{},
		Files2: map[string]any{},
		Rules:  rules.raw,
		Rules2: rules2.raw,
	}

	execRel, err := filepath.Rel(bundlePath, mainExecutable)
	if err != nil {
		return nil, errors.Wrap(err, "resolving executable path")
	}
	execRel = filepath.ToSlash(execRel)

	err = filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(bundlePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == SealDir || strings.HasPrefix(rel, SealDir+"/") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if rel == execRel {
			return nil
		}

		isSymlink := info.Mode()&os.ModeSymlink != 0
		var target string
		var h1, h2 []byte
		if isSymlink {
			target, err = os.Readlink(path)
			if err != nil {
				return errors.Wrapf(err, "reading symlink %s", rel)
			}
		} else {
			h1, h2, err = hashFile(path)
			if err != nil {
				return err
			}
		}

		if r := rules.match(rel); r != nil && !r.omit {
			doc.Files[rel] = fileEntry(h1, nil, r.optional, isSymlink, target)
		}
		if r := rules2.match(rel); r != nil && !r.omit {
			doc.Files2[rel] = fileEntry(h1, h2, r.optional, isSymlink, target)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking bundle %s", bundlePath)
	}

	data, err := plist.MarshalIndent(doc, plist.XMLFormat, "\t")
	if err != nil {
		return nil, errors.Wrap(err, "encoding CodeResources")
	}

	sealDirPath := filepath.Join(bundlePath, SealDir)
	if err := os.MkdirAll(sealDirPath, 0755); err != nil {
		return nil, errors.Wrap(err, "creating _CodeSignature")
	}
	sealPath := filepath.Join(sealDirPath, SealFile)
	if err := os.WriteFile(sealPath, data, 0644); err != nil {
		return nil, errors.Wrap(err, "writing CodeResources")
	}
	log.WithFields(log.Fields{"bundle": bundlePath, "files": len(doc.Files2)}).Debug("wrote resource seal")
	return data, nil
}

// fileEntry builds one files/files2 value. Plain includes collapse to a
// bare SHA-1 <data>, everything else is a dictionary.
func fileEntry(h1, h2 []byte, optional, symlink bool, target string) any {
	if symlink {
		return map[string]any{"symlink": target}
	}
	if h2 == nil && !optional {
		return h1
	}
	entry := map[string]any{"hash": h1}
	if h2 != nil {
		entry["hash2"] = h2
	}
	if optional {
		entry["optional"] = true
	}
	return entry
}

// inheritedRules loads the rule dictionaries from an existing seal, or
// falls back to the defaults.
func inheritedRules(bundlePath string) (*ruleSet, *ruleSet, error) {
	sealPath := filepath.Join(bundlePath, SealDir, SealFile)
	rawRules, rawRules2 := defaultRules, defaultRules2
	if data, err := os.ReadFile(sealPath); err == nil {
		var old struct {
			Rules  map[string]any `plist:"rules"`
			Rules2 map[string]any `plist:"rules2"`
		}
		if _, err := plist.Unmarshal(data, &old); err != nil {
			return nil, nil, errors.Wrapf(err, "parsing existing seal %s", sealPath)
		}
		if len(old.Rules) > 0 {
			rawRules = old.Rules
		}
		if len(old.Rules2) > 0 {
			rawRules2 = old.Rules2
		}
	}
	rules, err := compileRules(rawRules)
	if err != nil {
		return nil, nil, err
	}
	rules2, err := compileRules(rawRules2)
	if err != nil {
		return nil, nil, err
	}
	return rules, rules2, nil
}

func hashFile(path string) (sha1sum, sha256sum []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	h1 := sha1.New()
	h2 := sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h2), f); err != nil {
		return nil, nil, errors.Wrapf(err, "hashing %s", path)
	}
	return h1.Sum(nil), h2.Sum(nil), nil
}
