// Package pkcs1 provides the low-level signing primitive used by the CMS
// layer: an RSA PKCS#1 v1.5 signature over SHA-256 of the input bytes.
package pkcs1

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Signer produces an RSA PKCS#1 v1.5 SHA-256 signature over data.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// FileSigner signs with a PEM private key read from disk. The key is
// parsed eagerly so configuration errors surface at construction.
type FileSigner struct {
	key *rsa.PrivateKey
}

// NewFileSigner loads an RSA private key in PEM form (PKCS#1 or PKCS#8).
func NewFileSigner(keyPath string) (*FileSigner, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading key %s", keyPath)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("no PEM block in %s", keyPath)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &FileSigner{key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing key %s", keyPath)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("%s: not an RSA key (%T)", keyPath, parsed)
	}
	return &FileSigner{key: key}, nil
}

func (s *FileSigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "pkcs1 signing")
	}
	return sig, nil
}

// KeyID identifies a signing key to a remote oracle: the SHA-1 hex of
// the corresponding certificate PEM file.
func KeyID(certPath string) (string, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return "", errors.Wrapf(err, "reading certificate %s", certPath)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// Factory constructs a Signer from an options map. Options are
// string-keyed so they can come straight from a decoded config file.
type Factory func(opts map[string]any) (Signer, error)

var factories = map[string]Factory{}

// Register makes a signer constructor available under name.
// The "file" and "remote" factories are registered by this package.
func Register(name string, f Factory) {
	factories[name] = f
}

// New constructs a registered signer kind.
func New(name string, opts map[string]any) (Signer, error) {
	f, ok := factories[name]
	if !ok {
		return nil, errors.Errorf("unknown signer %q", name)
	}
	return f(opts)
}

func optString(opts map[string]any, key string) (string, error) {
	v, ok := opts[key]
	if !ok {
		return "", errors.Errorf("missing signer option %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("signer option %q: want string, got %T", key, v)
	}
	return s, nil
}

func init() {
	Register("file", func(opts map[string]any) (Signer, error) {
		keyfile, err := optString(opts, "keyfile")
		if err != nil {
			return nil, err
		}
		return NewFileSigner(keyfile)
	})
	Register("remote", func(opts map[string]any) (Signer, error) {
		host, err := optString(opts, "host")
		if err != nil {
			return nil, err
		}
		port, ok := opts["port"]
		if !ok {
			return nil, errors.New(`missing signer option "port"`)
		}
		key, err := optString(opts, "key")
		if err != nil {
			return nil, err
		}
		return NewRemoteSigner(fmt.Sprintf("http://%v:%v/", host, port), key), nil
	})
}
