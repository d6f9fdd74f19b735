package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"howett.net/plist"

	"github.com/appsworld/go-resign/pkg/codesign/types"
	"github.com/appsworld/go-resign/pkg/pkcs1"
)

type testIdentity struct {
	key      *rsa.PrivateKey
	cert     *x509.Certificate
	certPath string
	keyPath  string
}

func newIdentity(t *testing.T, dir, name, ou string, serial int64) *testIdentity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName: name,
		},
		NotBefore: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:  time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if ou != "" {
		tmpl.Subject.OrganizationalUnit = []string{ou}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	certPath := filepath.Join(dir, name+".pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, name+".key.pem")
	keyBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(keyBlock), 0600); err != nil {
		t.Fatal(err)
	}
	return &testIdentity{key: key, cert: cert, certPath: certPath, keyPath: keyPath}
}

func testHashes() []types.CDHash {
	return []types.CDHash{
		types.NewCDHash(types.HASHTYPE_SHA1, []byte("first code directory")),
		types.NewCDHash(types.HASHTYPE_SHA256, []byte("second code directory")),
	}
}

func frozenClock() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestSigner(t *testing.T, id, apple *testIdentity) *Signer {
	t.Helper()
	pk, err := pkcs1.NewFileSigner(id.keyPath)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSigner(pk, id.certPath, apple.certPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Clock = frozenClock
	return s
}

func TestNewSignerCredentialErrors(t *testing.T) {
	dir := t.TempDir()
	id := newIdentity(t, dir, "signer", "TEAM123", 100)
	apple := newIdentity(t, dir, "apple", "Apple Certification Authority", 1)
	noOU := newIdentity(t, dir, "no-ou", "", 7)
	pk, err := pkcs1.NewFileSigner(id.keyPath)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewSigner(pk, filepath.Join(dir, "absent.pem"), apple.certPath, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("missing cert file: err = %v, want ErrMissingCredentials", err)
	}
	if _, err := NewSigner(pk, noOU.certPath, apple.certPath, nil); !errors.Is(err, ErrImproperCredentials) {
		t.Errorf("cert without OU: err = %v, want ErrImproperCredentials", err)
	}

	s, err := NewSigner(pk, id.certPath, apple.certPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.TeamID() != "TEAM123" {
		t.Errorf("TeamID = %q, want TEAM123", s.TeamID())
	}
}

func TestAdHocEmpty(t *testing.T) {
	s := AdHoc()
	if !s.AdHoc() {
		t.Fatal("AdHoc() signer does not report ad-hoc")
	}
	if s.TeamID() != "" {
		t.Errorf("ad-hoc TeamID = %q", s.TeamID())
	}
	out, err := s.Create(testHashes())
	if err != nil || len(out) != 0 {
		t.Errorf("ad-hoc Create = %d bytes, err %v", len(out), err)
	}
	out, err = s.Rewrite([]byte{0x30}, testHashes())
	if err != nil || len(out) != 0 {
		t.Errorf("ad-hoc Rewrite = %d bytes, err %v", len(out), err)
	}
}

// decode an envelope far enough to inspect the parts the tests care about
func decodeEnvelope(t *testing.T, der []byte) (sd signedData, si signerInfo, attrs []*attribute) {
	t.Helper()
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		t.Fatal(err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		t.Fatalf("content type = %v", ci.ContentType)
	}
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		t.Fatal(err)
	}
	if len(sd.SignerInfos) != 1 {
		t.Fatalf("got %d signer infos", len(sd.SignerInfos))
	}
	if _, err := asn1.Unmarshal(sd.SignerInfos[0].FullBytes, &si); err != nil {
		t.Fatal(err)
	}
	var err error
	attrs, err = parseAttributes(si.SignedAttrs)
	if err != nil {
		t.Fatal(err)
	}
	return sd, si, attrs
}

func attrByOID(attrs []*attribute, oid asn1.ObjectIdentifier) *attribute {
	for _, a := range attrs {
		if a.Type.Equal(oid) {
			return a
		}
	}
	return nil
}

func verifySignature(t *testing.T, si signerInfo, pub *rsa.PublicKey) {
	t.Helper()
	toSign := append([]byte(nil), si.SignedAttrs.FullBytes...)
	toSign[0] = 0x31
	digest := sha256.Sum256(toSign)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], si.Signature); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestCreate(t *testing.T) {
	dir := t.TempDir()
	id := newIdentity(t, dir, "signer", "TEAM123", 100)
	apple := newIdentity(t, dir, "apple", "Apple Certification Authority", 1)
	s := newTestSigner(t, id, apple)

	hashes := testHashes()
	env, err := s.Create(hashes)
	if err != nil {
		t.Fatal(err)
	}
	sd, si, attrs := decodeEnvelope(t, env)

	var ias issuerAndSerial
	if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
		t.Fatal(err)
	}
	if ias.Serial.Cmp(id.cert.SerialNumber) != 0 {
		t.Errorf("signer serial = %v, want %v", ias.Serial, id.cert.SerialNumber)
	}
	if !bytes.Contains(sd.Certificates.Bytes, id.cert.Raw) {
		t.Error("signer certificate not embedded")
	}
	if !bytes.Contains(sd.Certificates.Bytes, apple.cert.Raw) {
		t.Error("apple chain certificate not embedded")
	}

	md := attrByOID(attrs, oidMessageDigest)
	if md == nil {
		t.Fatal("no messageDigest attribute")
	}
	var digest []byte
	if _, err := asn1.Unmarshal(md.Value.Bytes, &digest); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(digest, hashes[0].SHA256) {
		t.Error("messageDigest is not the SHA-256 of the first code directory")
	}

	agility := attrByOID(attrs, oidAppleHashAgilityV2)
	if agility == nil {
		t.Fatal("no hash agility attribute")
	}
	rest := agility.Value.Bytes
	seen := map[string]bool{}
	for len(rest) > 0 {
		var entry hashAgilityEntry
		rest, err = asn1.Unmarshal(rest, &entry)
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case entry.Ident.Equal(oidSHA1):
			seen["sha1"] = bytes.Equal(entry.Value, hashes[0].Native())
		case entry.Ident.Equal(oidSHA256):
			seen["sha256"] = bytes.Equal(entry.Value, hashes[1].Native())
		}
	}
	if !seen["sha1"] || !seen["sha256"] {
		t.Errorf("hash agility entries wrong: %v", seen)
	}

	plistAttr := attrByOID(attrs, oidAppleHashAgility)
	if plistAttr == nil {
		t.Fatal("no cdhashes plist attribute")
	}
	var plistBytes []byte
	if _, err := asn1.Unmarshal(plistAttr.Value.Bytes, &plistBytes); err != nil {
		t.Fatal(err)
	}
	var doc cdhashesPlist
	if _, err := plist.Unmarshal(plistBytes, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.CDHashes) != 2 {
		t.Fatalf("cdhashes has %d entries", len(doc.CDHashes))
	}
	for i, h := range hashes {
		if len(doc.CDHashes[i]) != types.CDHASH_LEN {
			t.Errorf("cdhash %d is %d bytes, want 20", i, len(doc.CDHashes[i]))
		}
		if !bytes.Equal(doc.CDHashes[i], h.Truncated()) {
			t.Errorf("cdhash %d mismatch", i)
		}
	}

	verifySignature(t, si, &id.key.PublicKey)
}

func TestCreateDeterministicLength(t *testing.T) {
	dir := t.TempDir()
	id := newIdentity(t, dir, "signer", "TEAM123", 100)
	apple := newIdentity(t, dir, "apple", "Apple Certification Authority", 1)
	s := newTestSigner(t, id, apple)

	a, err := s.Create(testHashes())
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Create(testHashes())
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Errorf("envelope length varies: %d vs %d", len(a), len(b))
	}
	if !bytes.Equal(a, b) {
		t.Error("frozen-clock envelopes are not byte-identical")
	}
}

func TestRewrite(t *testing.T) {
	dir := t.TempDir()
	oldID := newIdentity(t, dir, "old-signer", "OLDTEAM", 41)
	newID := newIdentity(t, dir, "new-signer", "NEWTEAM", 42)
	apple := newIdentity(t, dir, "apple", "Apple Certification Authority", 1)

	oldSigner := newTestSigner(t, oldID, apple)
	oldEnv, err := oldSigner.Create(testHashes())
	if err != nil {
		t.Fatal(err)
	}

	newHashes := []types.CDHash{
		types.NewCDHash(types.HASHTYPE_SHA1, []byte("rebuilt sha1 directory")),
		types.NewCDHash(types.HASHTYPE_SHA256, []byte("rebuilt sha256 directory")),
	}
	newSigner := newTestSigner(t, newID, apple)
	env, err := newSigner.Rewrite(oldEnv, newHashes)
	if err != nil {
		t.Fatal(err)
	}

	sd, si, attrs := decodeEnvelope(t, env)

	var ias issuerAndSerial
	if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
		t.Fatal(err)
	}
	if ias.Serial.Cmp(newID.cert.SerialNumber) != 0 {
		t.Errorf("signer serial not replaced: %v", ias.Serial)
	}
	if !bytes.Contains(sd.Certificates.Bytes, newID.cert.Raw) {
		t.Error("new signer certificate not installed")
	}
	if bytes.Contains(sd.Certificates.Bytes, oldID.cert.Raw) {
		t.Error("old signer certificate still present")
	}
	if !bytes.Contains(sd.Certificates.Bytes, apple.cert.Raw) {
		t.Error("chain certificate dropped")
	}

	md := attrByOID(attrs, oidMessageDigest)
	var digest []byte
	if _, err := asn1.Unmarshal(md.Value.Bytes, &digest); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(digest, newHashes[0].SHA256) {
		t.Error("messageDigest not refreshed")
	}

	verifySignature(t, si, &newID.key.PublicKey)
}

// explodingSigner proves a code path never reaches the PKCS#1 signer.
type explodingSigner struct{}

func (explodingSigner) Sign([]byte) ([]byte, error) {
	return nil, errors.New("the sizing pass must not sign")
}

func TestPlaceholderMatchesRealLength(t *testing.T) {
	dir := t.TempDir()
	id := newIdentity(t, dir, "signer", "TEAM123", 100)
	apple := newIdentity(t, dir, "apple", "Apple Certification Authority", 1)
	real := newTestSigner(t, id, apple)

	sizing, err := NewSigner(explodingSigner{}, id.certPath, apple.certPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	sizing.Clock = frozenClock

	hashes := testHashes()
	created, err := real.Create(hashes)
	if err != nil {
		t.Fatal(err)
	}
	placeholder, err := sizing.Placeholder(nil, hashes)
	if err != nil {
		t.Fatal(err)
	}
	if len(placeholder) != len(created) {
		t.Errorf("placeholder length %d != Create length %d", len(placeholder), len(created))
	}

	rewritten, err := real.Rewrite(created, hashes)
	if err != nil {
		t.Fatal(err)
	}
	placeholder, err = sizing.Placeholder(created, hashes)
	if err != nil {
		t.Fatal(err)
	}
	if len(placeholder) != len(rewritten) {
		t.Errorf("placeholder length %d != Rewrite length %d", len(placeholder), len(rewritten))
	}

	// the placeholder's signature field is zeros, not a real signature
	_, si, _ := decodeEnvelope(t, placeholder)
	if !bytes.Equal(si.Signature, make([]byte, len(si.Signature))) {
		t.Error("placeholder signature is not zeroed")
	}
}

func TestRewriteRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	id := newIdentity(t, dir, "signer", "TEAM123", 100)
	apple := newIdentity(t, dir, "apple", "Apple Certification Authority", 1)
	s := newTestSigner(t, id, apple)

	if _, err := s.Rewrite([]byte("definitely not DER"), testHashes()); err == nil {
		t.Fatal("expected parse error")
	}
}
