// Package resign re-signs iOS application archives so an existing
// bundle can be redistributed under a different signing identity,
// provisioning profile, and entitlement set. Inputs are an app
// directory, a zipped app, or an IPA; the output keeps the shape.
package resign

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/appsworld/go-resign/internal/openssl"
	"github.com/appsworld/go-resign/pkg/cms"
	"github.com/appsworld/go-resign/pkg/pkcs1"
	"github.com/appsworld/go-resign/pkg/provision"
)

var (
	// ErrNotMatched means a path is not the archive or bundle kind just
	// probed for; recoverable, the next kind is tried.
	ErrNotMatched = errors.New("not matched")
	// ErrNotSignable means the input matched a container type but
	// cannot be signed.
	ErrNotSignable = errors.New("not signable")
	// ErrMissingHelpers means the external archive tools are absent.
	ErrMissingHelpers = errors.New("missing helpers")
)

// Resign unpacks any supported archive into a temp tree, re-signs it
// with the given identity and provisioning, and produces an archive of
// the same shape at outputPath. infoProps, when non-empty, is merged
// into the root bundle's Info.plist before signing. The root bundle's
// final Info.plist dictionary is returned.
func Resign(inputPath string, deep bool, signer *cms.Signer, store *provision.Store,
	outputPath string, infoProps map[string]any) (map[string]any, error) {

	if _, err := os.Stat(inputPath); err != nil {
		return nil, errors.Wrapf(err, "%s not found", inputPath)
	}
	a, err := archiveFactory(inputPath)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.Wrapf(ErrNotSignable, "no matching archive type found for %s", inputPath)
	}

	ua, err := a.unarchiveToTemp()
	if err != nil {
		return nil, err
	}
	defer ua.remove()

	bundle, err := newBundle(ua.bundlePath(), bundleApp, iosPlatforms)
	if err != nil {
		return nil, errors.Wrapf(ErrNotSignable, "%s: %v", inputPath, err)
	}
	if len(infoProps) > 0 {
		if err := bundle.UpdateInfoProps(infoProps); err != nil {
			return nil, errors.Wrapf(ErrNotSignable, "%s: %v", inputPath, err)
		}
	}
	if err := bundle.resign(deep, signer, store); err != nil {
		log.WithFields(log.Fields{"input": inputPath}).WithError(err).Info("not signable")
		return nil, err
	}
	if err := ua.pack(outputPath); err != nil {
		return nil, err
	}
	return bundle.Info(), nil
}

// View unpacks just far enough to return the root bundle's Info.plist.
func View(inputPath string) (map[string]any, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return nil, errors.Wrapf(err, "%s not found", inputPath)
	}
	a, err := archiveFactory(inputPath)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.Wrapf(ErrNotMatched, "no matching archive type found for %s", inputPath)
	}
	return a.bundleInfo, nil
}

// Credentials names the files a real signing identity is built from.
type Credentials struct {
	Certificate          string // signer certificate PEM
	Key                  string // signer private key PEM (file signer)
	AppleChain           string // Apple intermediate certificates PEM
	ProvisioningProfiles []string
	EntitlementsFiles    []string
}

// credential files looked up by ResignWithCredentialsDir
const (
	credCertificate = "certificate.pem"
	credKey         = "key.pem"
)

// NewSignerAndStore assembles the CMS signer and provisioning store for
// a set of credential files. The openssl shell is shared between them.
func NewSignerAndStore(creds Credentials) (*cms.Signer, *provision.Store, error) {
	shell := openssl.NewShell()
	pk, err := pkcs1.NewFileSigner(creds.Key)
	if err != nil {
		return nil, nil, errors.Wrap(cms.ErrMissingCredentials, err.Error())
	}
	signer, err := cms.NewSigner(pk, creds.Certificate, creds.AppleChain, shell)
	if err != nil {
		return nil, nil, err
	}
	store, err := provision.NewStore(creds.ProvisioningProfiles, creds.EntitlementsFiles, shell)
	if err != nil {
		return nil, nil, err
	}
	return signer, store, nil
}

// ResignWithCredentialsDir is Resign with the conventional credential
// layout: certificate.pem, key.pem, *.mobileprovision and
// *.entitlements all in one directory. appleChain is the Apple
// intermediate PEM, which normally ships with the caller.
func ResignWithCredentialsDir(inputPath string, deep bool, credentialsDir, appleChain,
	outputPath string, infoProps map[string]any) (map[string]any, error) {

	profiles, err := filepath.Glob(filepath.Join(credentialsDir, "*.mobileprovision"))
	if err != nil {
		return nil, err
	}
	entitlements, err := filepath.Glob(filepath.Join(credentialsDir, "*.entitlements"))
	if err != nil {
		return nil, err
	}
	signer, store, err := NewSignerAndStore(Credentials{
		Certificate:          filepath.Join(credentialsDir, credCertificate),
		Key:                  filepath.Join(credentialsDir, credKey),
		AppleChain:           appleChain,
		ProvisioningProfiles: profiles,
		EntitlementsFiles:    entitlements,
	})
	if err != nil {
		return nil, err
	}
	return Resign(inputPath, deep, signer, store, outputPath, infoProps)
}
