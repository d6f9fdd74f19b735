// Package openssl shells out to the openssl tool for the few ASN.1
// operations we either can't or haven't figured out how to do with Go
// crypto libraries (notably SMIME verification of provisioning profiles).
package openssl

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrFailure is returned for any non-zero exit from the openssl tool.
var ErrFailure = errors.New("openssl command failed")

// MinimumVersion is the oldest openssl we trust for CMS work.
// Older versions are warned about, not rejected.
const MinimumVersion = "1.0.1"

// modern OpenSSL versions look like '1.0.2k' or '3.0.13'
var versionRE = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)(\w*)`)

// Shell runs openssl commands. The tool path is resolved once at
// construction; the OPENSSL environment variable overrides discovery.
type Shell struct {
	path string
}

// NewShell resolves the openssl executable. Resolution failure is not an
// error here: the first Command call will fail with ErrFailure, and
// callers that only do ad-hoc signing never invoke the shell.
func NewShell() *Shell {
	path := os.Getenv("OPENSSL")
	if path == "" {
		if found, err := exec.LookPath("openssl"); err == nil {
			path = found
		}
	}
	log.WithField("path", path).Debug("resolved openssl")
	return &Shell{path: path}
}

// Command runs openssl with args, optionally writing data to stdin, and
// returns captured stdout and stderr. Some openssl commands always write
// to stderr on success (smime -verify prints "Verification successful"),
// so stderr is returned rather than treated as an error.
func (s *Shell) Command(args []string, data []byte) (stdout, stderr []byte, err error) {
	if s.path == "" {
		return nil, nil, errors.Wrap(ErrFailure, "no openssl executable found")
	}
	cmd := exec.Command(s.path, args...)
	if data != nil {
		cmd.Stdin = bytes.NewReader(data)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		log.WithFields(log.Fields{
			"args":   strings.Join(args, " "),
			"stderr": errBuf.String(),
		}).Error("openssl command failed")
		return nil, nil, errors.Wrapf(ErrFailure, "openssl %s: %v", strings.Join(args, " "), err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Version returns the installed openssl version string, e.g. "1.0.2k".
func (s *Shell) Version() (string, error) {
	out, _, err := s.Command([]string{"version"}, nil)
	if err != nil {
		return "", err
	}
	// e.g. 'OpenSSL 1.0.2k  26 Jan 2017'
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return "", errors.Wrapf(ErrFailure, "unparseable version output %q", string(out))
	}
	return fields[1], nil
}

// CheckVersion warns if the installed openssl is older than MinimumVersion.
func (s *Shell) CheckVersion() {
	version, err := s.Version()
	if err != nil {
		log.WithError(err).Warn("could not determine openssl version")
		return
	}
	if !versionOK(version, MinimumVersion) {
		log.Warnf("signing may not work: OpenSSL version is %s, need %s", version, MinimumVersion)
	}
}

func versionOK(version, minimum string) bool {
	v := versionTuple(version)
	m := versionTuple(minimum)
	for i := 0; i < 3; i++ {
		if v[i] != m[i] {
			return v[i] > m[i]
		}
	}
	return true
}

func versionTuple(s string) [3]int {
	var t [3]int
	m := versionRE.FindStringSubmatch(s)
	if m == nil {
		return t
	}
	for i := 0; i < 3; i++ {
		t[i], _ = strconv.Atoi(m[i+1])
	}
	return t
}
