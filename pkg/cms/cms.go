// Package cms produces the CMS (RFC 5652) envelope embedded in a code
// signature. It can edit an existing DER envelope in place -- swapping
// the signer identity and refreshing the signed attributes that carry
// code directory hashes -- or build one from scratch. The actual RSA
// operation is delegated to a pkcs1.Signer.
package cms

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/appsworld/go-resign/internal/openssl"
	"github.com/appsworld/go-resign/pkg/pkcs1"
)

var (
	// ErrMissingCredentials means a required credential file is absent.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrImproperCredentials means a credential file exists but is unusable.
	ErrImproperCredentials = errors.New("improper credentials")
)

// Signer holds the signing identity. The zero-value-ish ad-hoc variant
// produces empty envelopes; the real variant wraps a pkcs1.Signer plus
// the signer and Apple intermediate certificates.
type Signer struct {
	adhoc bool

	cert       *x509.Certificate
	appleCerts []*x509.Certificate
	pk         pkcs1.Signer
	teamID     string

	// Clock stamps the signingTime attribute; overridable for
	// deterministic output.
	Clock func() time.Time
}

// AdHoc returns the identity-less signer.
func AdHoc() *Signer {
	return &Signer{adhoc: true, Clock: time.Now}
}

// NewSigner builds a real signer from the signer certificate PEM and the
// Apple intermediate chain PEM. The team id is taken from the signer
// certificate's Organizational Unit. The openssl shell, when given, is
// only consulted for a version sanity check.
func NewSigner(pk pkcs1.Signer, signerCertFile, appleCertFile string, shell *openssl.Shell) (*Signer, error) {
	log.WithField("certificate", signerCertFile).Debug("building CMS signer")

	for _, path := range []string{signerCertFile, appleCertFile} {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(ErrMissingCredentials, "can't find %s", path)
		}
	}

	cert, err := loadCertificate(signerCertFile)
	if err != nil {
		return nil, err
	}
	appleCerts, err := loadCertificates(appleCertFile)
	if err != nil {
		return nil, err
	}

	// the team id is the Apple Organizational Unit of the signer cert
	if len(cert.Subject.OrganizationalUnit) == 0 {
		return nil, errors.Wrap(ErrImproperCredentials,
			"cert file does not contain Subject line with Apple Organizational Unit (OU)")
	}

	if shell != nil {
		shell.CheckVersion()
	}

	return &Signer{
		cert:       cert,
		appleCerts: appleCerts,
		pk:         pk,
		teamID:     cert.Subject.OrganizationalUnit[0],
		Clock:      time.Now,
	}, nil
}

// AdHoc reports whether this signer has no identity.
func (s *Signer) AdHoc() bool {
	return s.adhoc
}

// TeamID returns the signer's Apple Organizational Unit, or "" for
// ad-hoc.
func (s *Signer) TeamID() string {
	return s.teamID
}

func loadCertificate(path string) (*x509.Certificate, error) {
	certs, err := loadCertificates(path)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingCredentials, "can't read %s", path)
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrapf(ErrImproperCredentials, "parsing certificate in %s: %v", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.Wrapf(ErrImproperCredentials, "no certificates in %s", path)
	}
	return certs, nil
}
