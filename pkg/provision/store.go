// Package provision gives access to provisioning profiles and
// entitlements that could be useful while signing.
package provision

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/appsworld/go-resign/internal/openssl"
)

// ErrNoProfile is returned when no loaded profile or entitlements file
// covers a requested identifier.
var ErrNoProfile = errors.New("no matching provisioning profile")

// Profile is one provisioning profile, immutable after load.
type Profile struct {
	Path         string
	AppID        string
	TeamID       string
	Entitlements map[string]any
	DER          []byte
}

// entitlementsInfo tracks where a set of entitlements came from, so
// duplicate application identifiers can name both sources.
type entitlementsInfo struct {
	path         string
	fromProfile  bool
	entitlements map[string]any
}

// Store indexes provisioning profiles and entitlements overrides by
// application identifier. Read-only after construction.
type Store struct {
	profiles     map[string]*Profile
	entitlements map[string]entitlementsInfo
}

// NewStore loads provisioning profiles and entitlements plists. Each
// profile's CMS envelope is verified through the openssl shell (accepting
// the self-signed Apple certs embedded in the profile). Entitlements
// files layer over the entitlements extracted from profiles: a profile's
// entitlements for the same application identifier are replaced. A
// duplicate application identifier within either input set is fatal.
func NewStore(profilePaths, entitlementsPaths []string, shell *openssl.Shell) (*Store, error) {
	s := &Store{
		profiles:     make(map[string]*Profile),
		entitlements: make(map[string]entitlementsInfo),
	}
	for _, path := range profilePaths {
		p, err := loadProfile(path, shell)
		if err != nil {
			return nil, err
		}
		if prev, ok := s.profiles[p.AppID]; ok {
			return nil, errors.Errorf("at least 2 provisioning profiles target the same application identifier %s: %s, %s",
				p.AppID, path, prev.Path)
		}
		s.profiles[p.AppID] = p
		s.entitlements[p.AppID] = entitlementsInfo{path: path, fromProfile: true, entitlements: p.Entitlements}
	}

	// each provisioning profile already has entitlements, but they can be
	// overridden. Note that overridden entitlements can apparently only
	// narrow what the profile grants ("foo.*" in the profile may become
	// "foo.bar.baz") -- we don't check for that.
	for _, path := range entitlementsPaths {
		appID, ents, err := loadEntitlements(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := s.entitlements[appID]; ok {
			if !prev.fromProfile {
				return nil, errors.Errorf("at least 2 entitlements files target the same application identifier %s: %s, %s",
					appID, path, prev.path)
			}
			log.WithFields(log.Fields{
				"app-id": appID,
				"from":   prev.path,
				"to":     path,
			}).Debug("overriding profile entitlements")
		}
		s.entitlements[appID] = entitlementsInfo{path: path, entitlements: ents}
	}
	return s, nil
}

func loadProfile(path string, shell *openssl.Shell) (*Profile, error) {
	if shell == nil {
		return nil, errors.New("provisioning profiles require an openssl shell")
	}
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading provisioning profile %s", path)
	}
	// -verify checks the envelope and writes the inner plist to stdout;
	// -noverify accepts the self-signed embedded certs (it is not the
	// opposite of -verify). This always prints to stderr on success.
	stdout, stderr, err := shell.Command([]string{
		"smime", "-inform", "der", "-verify", "-noverify", "-in", path,
	}, nil)
	if err != nil {
		return nil, err
	}
	if msg := string(bytes.TrimSpace(stderr)); msg != "" && msg != "Verification successful" {
		log.WithField("stderr", msg).Error("unexpected error from openssl")
	}

	var content struct {
		Entitlements                map[string]any `plist:"Entitlements"`
		ApplicationIdentifierPrefix []string       `plist:"ApplicationIdentifierPrefix"`
		TeamIdentifier              []string       `plist:"TeamIdentifier"`
	}
	if _, err := plist.Unmarshal(stdout, &content); err != nil {
		return nil, errors.Wrapf(err, "parsing provisioning profile %s", path)
	}
	if content.Entitlements == nil {
		return nil, errors.Errorf("could not find Entitlements in %s", path)
	}
	appID, ok := content.Entitlements["application-identifier"].(string)
	if !ok || appID == "" {
		return nil, errors.Errorf("could not find application-identifier in entitlements from provisioning profile %s", path)
	}
	teamID := ""
	if len(content.TeamIdentifier) > 0 {
		teamID = content.TeamIdentifier[0]
	} else if len(content.ApplicationIdentifierPrefix) > 0 {
		teamID = content.ApplicationIdentifierPrefix[0]
	}
	return &Profile{
		Path:         path,
		AppID:        appID,
		TeamID:       teamID,
		Entitlements: content.Entitlements,
		DER:          der,
	}, nil
}

func loadEntitlements(path string) (string, map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrapf(err, "reading entitlements %s", path)
	}
	var ents map[string]any
	if _, err := plist.Unmarshal(data, &ents); err != nil {
		return "", nil, errors.Wrapf(err, "parsing entitlements %s", path)
	}
	appID, ok := ents["application-identifier"].(string)
	if !ok || appID == "" {
		return "", nil, errors.Errorf("could not find application-identifier in %s", path)
	}
	return appID, ents, nil
}

// Profile returns the loaded profile best matching identifier.
func (s *Store) Profile(identifier string) (*Profile, error) {
	best, ok, err := Best(identifier, keys(s.profiles))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNoProfile, "cannot find provisioning profile for %s", identifier)
	}
	p := s.profiles[best]
	log.WithFields(log.Fields{"identifier": identifier, "profile": p.Path}).Debug("matched provisioning profile")
	return p, nil
}

// Entitlements returns the best entitlements dictionary for identifier,
// honoring overrides layered during construction.
func (s *Store) Entitlements(identifier string) (map[string]any, error) {
	patterns := make([]string, 0, len(s.entitlements))
	for k := range s.entitlements {
		patterns = append(patterns, k)
	}
	best, ok, err := Best(identifier, patterns)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNoProfile, "cannot find entitlements for %s", identifier)
	}
	info := s.entitlements[best]
	log.WithFields(log.Fields{"identifier": identifier, "source": info.path}).Debug("matched entitlements")
	return info.entitlements, nil
}

// ProfileRecords returns all loaded profiles, for inspection.
func (s *Store) ProfileRecords() []*Profile {
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

func keys(m map[string]*Profile) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
