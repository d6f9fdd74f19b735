package cms

import (
	"bytes"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/pkg/errors"
	"howett.net/plist"

	"github.com/appsworld/go-resign/pkg/codesign/types"
)

// object identifiers appearing in Apple code signature envelopes
var (
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidSHA1          = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidRSA           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

	// Apple hash agility: a plist of truncated cdhashes, and typed
	// (algorithm, hash) pairs
	oidAppleHashAgility   = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidAppleHashAgilityV2 = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      asn1.RawValue
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    asn1.RawValue
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm asn1.RawValue
	Signature          []byte
	UnsignedAttrs      []asn1.RawValue `asn1:"optional,omitempty,tag:1"`
}

type issuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue // the SET OF AttributeValue, kept raw
}

type hashAgilityEntry struct {
	Ident asn1.ObjectIdentifier
	Value []byte
}

type cdhashesPlist struct {
	CDHashes [][]byte `plist:"cdhashes"`
}

// wrap builds a constructed element around already-encoded content.
func wrap(class, tag int, content []byte) asn1.RawValue {
	full, _ := asn1.Marshal(asn1.RawValue{Class: class, Tag: tag, IsCompound: true, Bytes: content})
	return asn1.RawValue{Class: class, Tag: tag, IsCompound: true, Bytes: content, FullBytes: full}
}

func setOf(content []byte) asn1.RawValue {
	return wrap(asn1.ClassUniversal, asn1.TagSet, content)
}

// signFunc produces the PKCS#1 signature over the re-tagged signed
// attributes; the placeholder path substitutes zeros of the same length.
type signFunc func([]byte) ([]byte, error)

// zeroSign stands in for the PKCS#1 signer during the sizing pass: a
// zero signature as long as the real one, taken from the signer
// certificate's RSA modulus.
func (s *Signer) zeroSign([]byte) ([]byte, error) {
	pub, ok := s.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Wrapf(ErrImproperCredentials, "signer certificate key is %T, not RSA", s.cert.PublicKey)
	}
	return make([]byte, pub.Size()), nil
}

// Rewrite edits an existing DER CMS ContentInfo: the signer identity and
// certificate are swapped for ours, and the signed attributes are
// refreshed with the new code directory hashes before re-signing.
func (s *Signer) Rewrite(oldCMS []byte, hashes []types.CDHash) ([]byte, error) {
	if s.adhoc {
		return nil, nil
	}
	return s.rewrite(oldCMS, hashes, s.pk.Sign)
}

// Placeholder builds an envelope of exactly the length Rewrite (when
// oldCMS is given) or Create would produce, without invoking the
// underlying PKCS#1 signer. Used by the engine's sizing pass.
func (s *Signer) Placeholder(oldCMS []byte, hashes []types.CDHash) ([]byte, error) {
	if s.adhoc {
		return nil, nil
	}
	if len(oldCMS) > 0 {
		return s.rewrite(oldCMS, hashes, s.zeroSign)
	}
	return s.create(hashes, s.zeroSign)
}

func (s *Signer) rewrite(oldCMS []byte, hashes []types.CDHash, sign signFunc) ([]byte, error) {
	var ci contentInfo
	if rest, err := asn1.Unmarshal(oldCMS, &ci); err != nil {
		return nil, errors.Wrap(err, "parsing CMS ContentInfo")
	} else if len(rest) > 0 {
		return nil, errors.New("trailing data after CMS ContentInfo")
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, errors.Errorf("CMS content is not SignedData: %v", ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, errors.Wrap(err, "parsing SignedData")
	}

	// serial numbers of the certs that were used for signing (usually one)
	var signerSerials []*big.Int
	for _, raw := range sd.SignerInfos {
		var si signerInfo
		if _, err := asn1.Unmarshal(raw.FullBytes, &si); err != nil {
			return nil, errors.Wrap(err, "parsing SignerInfo")
		}
		var ias issuerAndSerial
		if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
			return nil, errors.Wrap(err, "parsing signer identifier")
		}
		signerSerials = append(signerSerials, ias.Serial)
	}

	if err := s.replaceCertificates(&sd, signerSerials); err != nil {
		return nil, err
	}

	newSID, err := s.issuerAndSerial()
	if err != nil {
		return nil, err
	}
	for i, raw := range sd.SignerInfos {
		var si signerInfo
		if _, err := asn1.Unmarshal(raw.FullBytes, &si); err != nil {
			return nil, errors.Wrap(err, "parsing SignerInfo")
		}
		si.SID = newSID

		attrs, err := parseAttributes(si.SignedAttrs)
		if err != nil {
			return nil, err
		}
		if err := s.refreshAttributes(attrs, hashes); err != nil {
			return nil, err
		}
		if err := s.installAttributes(&si, attrs, sign); err != nil {
			return nil, err
		}

		siBytes, err := asn1.Marshal(si)
		if err != nil {
			return nil, errors.Wrap(err, "encoding SignerInfo")
		}
		sd.SignerInfos[i] = asn1.RawValue{FullBytes: siBytes}
	}

	return marshalContentInfo(sd)
}

// Create builds a fresh SignedData envelope carrying the same attribute
// set Rewrite maintains. Output length is stable for fixed-size inputs.
func (s *Signer) Create(hashes []types.CDHash) ([]byte, error) {
	if s.adhoc {
		return nil, nil
	}
	return s.create(hashes, s.pk.Sign)
}

func (s *Signer) create(hashes []types.CDHash, sign signFunc) ([]byte, error) {
	ctVal, _ := asn1.Marshal(oidData)
	attrs := []*attribute{
		{Type: oidContentType, Value: setOf(ctVal)},
		{Type: oidSigningTime},
		{Type: oidMessageDigest},
		{Type: oidAppleHashAgilityV2, Value: setOf(nil)}, // filled below
		{Type: oidAppleHashAgility},
	}
	// seed the typed pair list so refresh has entries to rewrite
	var pairs []byte
	for _, h := range hashes {
		oid := oidSHA256
		if h.Type == types.HASHTYPE_SHA1 {
			oid = oidSHA1
		}
		entry, err := asn1.Marshal(hashAgilityEntry{Ident: oid, Value: h.Native()})
		if err != nil {
			return nil, errors.Wrap(err, "encoding hash entry")
		}
		pairs = append(pairs, entry...)
	}
	attrs[3].Value = setOf(pairs)
	if err := s.refreshAttributes(attrs, hashes); err != nil {
		return nil, err
	}

	sid, err := s.issuerAndSerial()
	if err != nil {
		return nil, err
	}
	si := signerInfo{
		Version:            1,
		SID:                sid,
		DigestAlgorithm:    algorithmIdentifier(oidSHA256),
		SignatureAlgorithm: algorithmIdentifier(oidRSA),
	}
	if err := s.installAttributes(&si, attrs, sign); err != nil {
		return nil, err
	}
	siBytes, err := asn1.Marshal(si)
	if err != nil {
		return nil, errors.Wrap(err, "encoding SignerInfo")
	}

	var certs []byte
	certs = append(certs, s.cert.Raw...)
	for _, c := range s.appleCerts {
		certs = append(certs, c.Raw...)
	}
	innerContent, _ := asn1.Marshal(struct {
		ContentType asn1.ObjectIdentifier
	}{oidData})

	digestAlg := algorithmIdentifier(oidSHA256)
	sd := signedData{
		Version:          1,
		DigestAlgorithms: setOf(digestAlg.FullBytes),
		ContentInfo:      asn1.RawValue{FullBytes: innerContent},
		Certificates:     wrap(asn1.ClassContextSpecific, 0, certs),
		SignerInfos:      []asn1.RawValue{{FullBytes: siBytes}},
	}
	return marshalContentInfo(sd)
}

func marshalContentInfo(sd signedData) ([]byte, error) {
	sdBytes, err := asn1.Marshal(sd)
	if err != nil {
		return nil, errors.Wrap(err, "encoding SignedData")
	}
	out, err := asn1.Marshal(contentInfo{
		ContentType: oidSignedData,
		Content:     wrap(asn1.ClassContextSpecific, 0, sdBytes),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding ContentInfo")
	}
	return out, nil
}

func (s *Signer) issuerAndSerial() (asn1.RawValue, error) {
	full, err := asn1.Marshal(issuerAndSerial{
		Issuer: asn1.RawValue{FullBytes: s.cert.RawIssuer},
		Serial: s.cert.SerialNumber,
	})
	if err != nil {
		return asn1.RawValue{}, errors.Wrap(err, "encoding signer identifier")
	}
	return asn1.RawValue{FullBytes: full}, nil
}

func algorithmIdentifier(oid asn1.ObjectIdentifier) asn1.RawValue {
	full, _ := asn1.Marshal(struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue
	}{oid, asn1.NullRawValue})
	return asn1.RawValue{FullBytes: full}
}

// replaceCertificates swaps any certificate whose serial matches a
// signer for our certificate; the rest of the chain is preserved.
func (s *Signer) replaceCertificates(sd *signedData, signerSerials []*big.Int) error {
	if len(sd.Certificates.Bytes) == 0 {
		return nil
	}
	var rebuilt []byte
	rest := sd.Certificates.Bytes
	for len(rest) > 0 {
		var raw asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &raw)
		if err != nil {
			return errors.Wrap(err, "parsing certificate set")
		}
		serial, err := certificateSerial(raw.FullBytes)
		replaced := false
		if err == nil {
			for _, want := range signerSerials {
				if serial.Cmp(want) == 0 {
					rebuilt = append(rebuilt, s.cert.Raw...)
					replaced = true
					break
				}
			}
		}
		if !replaced {
			rebuilt = append(rebuilt, raw.FullBytes...)
		}
	}
	sd.Certificates = wrap(asn1.ClassContextSpecific, 0, rebuilt)
	return nil
}

// certificateSerial digs the serial number out of a raw certificate
// without a full x509 parse (old envelopes can carry certs the stricter
// parser rejects).
func certificateSerial(der []byte) (*big.Int, error) {
	var cert struct {
		TBS       asn1.RawValue
		SigAlg    asn1.RawValue
		Signature asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &cert); err != nil {
		return nil, err
	}
	// inside the TBS: an optional [0] explicit version, then the serial
	rest := cert.TBS.Bytes
	var first asn1.RawValue
	rest, err := asn1.Unmarshal(rest, &first)
	if err != nil {
		return nil, err
	}
	serialBytes := first.FullBytes
	if first.Class == asn1.ClassContextSpecific {
		var serialRaw asn1.RawValue
		if _, err := asn1.Unmarshal(rest, &serialRaw); err != nil {
			return nil, err
		}
		serialBytes = serialRaw.FullBytes
	}
	var serial *big.Int
	if _, err := asn1.Unmarshal(serialBytes, &serial); err != nil {
		return nil, err
	}
	return serial, nil
}

// parseAttributes splits the IMPLICIT [0] signed attributes into
// individual attributes, order preserved.
func parseAttributes(raw asn1.RawValue) ([]*attribute, error) {
	if len(raw.Bytes) == 0 {
		return nil, errors.New("SignerInfo has no signed attributes")
	}
	var attrs []*attribute
	rest := raw.Bytes
	for len(rest) > 0 {
		var a attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &a)
		if err != nil {
			return nil, errors.Wrap(err, "parsing signed attribute")
		}
		attrs = append(attrs, &attribute{Type: a.Type, Value: a.Value})
	}
	return attrs, nil
}

// refreshAttributes updates the attributes that depend on the code
// directories: signingTime, messageDigest, the typed hash list, and the
// truncated cdhashes plist. Unknown attributes pass through untouched.
func (s *Signer) refreshAttributes(attrs []*attribute, hashes []types.CDHash) error {
	if len(hashes) == 0 {
		return errors.New("no code directory hashes")
	}
	for _, a := range attrs {
		switch {
		case a.Type.Equal(oidSigningTime):
			val, err := asn1.Marshal(s.Clock().UTC())
			if err != nil {
				return errors.Wrap(err, "encoding signingTime")
			}
			a.Value = setOf(val)

		case a.Type.Equal(oidMessageDigest):
			// SHA-256 over the first (SHA-1) code directory
			val, err := asn1.Marshal(hashes[0].SHA256)
			if err != nil {
				return errors.Wrap(err, "encoding messageDigest")
			}
			a.Value = setOf(val)

		case a.Type.Equal(oidAppleHashAgilityV2):
			var rebuilt []byte
			rest := a.Value.Bytes
			for len(rest) > 0 {
				var entry hashAgilityEntry
				var err error
				rest, err = asn1.Unmarshal(rest, &entry)
				if err != nil {
					return errors.Wrap(err, "parsing hash agility entry")
				}
				switch {
				case entry.Ident.Equal(oidSHA1):
					entry.Value = hashForType(hashes, types.HASHTYPE_SHA1)
				case entry.Ident.Equal(oidSHA256):
					entry.Value = hashForType(hashes, types.HASHTYPE_SHA256)
				default:
					return errors.Errorf("unexpected hash agility entry %v", entry.Ident)
				}
				if entry.Value == nil {
					return errors.Errorf("no code directory for %v", entry.Ident)
				}
				enc, err := asn1.Marshal(entry)
				if err != nil {
					return errors.Wrap(err, "encoding hash agility entry")
				}
				rebuilt = append(rebuilt, enc...)
			}
			a.Value = setOf(rebuilt)

		case a.Type.Equal(oidAppleHashAgility):
			doc := cdhashesPlist{}
			for _, h := range hashes {
				doc.CDHashes = append(doc.CDHashes, h.Truncated())
			}
			var buf bytes.Buffer
			enc := plist.NewEncoder(&buf)
			if err := enc.Encode(doc); err != nil {
				return errors.Wrap(err, "encoding cdhashes plist")
			}
			val, err := asn1.Marshal(buf.Bytes())
			if err != nil {
				return errors.Wrap(err, "encoding cdhashes attribute")
			}
			a.Value = setOf(val)
		}
	}
	return nil
}

func hashForType(hashes []types.CDHash, t types.HashType) []byte {
	for _, h := range hashes {
		if h.Type == t {
			return h.Native()
		}
	}
	return nil
}

// installAttributes encodes attrs as IMPLICIT [0], stores them in the
// SignerInfo, and signs the same bytes re-tagged as an EXPLICIT SET OF
// per RFC 5652.
func (s *Signer) installAttributes(si *signerInfo, attrs []*attribute, sign signFunc) error {
	var content []byte
	for _, a := range attrs {
		enc, err := asn1.Marshal(*a)
		if err != nil {
			return errors.Wrap(err, "encoding signed attribute")
		}
		content = append(content, enc...)
	}
	implicit := wrap(asn1.ClassContextSpecific, 0, content)
	si.SignedAttrs = implicit

	toSign := append([]byte(nil), implicit.FullBytes...)
	toSign[0] = 0x31 // IMPLICIT [0] -> EXPLICIT SET OF
	sig, err := sign(toSign)
	if err != nil {
		return errors.Wrap(err, "pkcs1 signer")
	}
	si.Signature = sig
	return nil
}
