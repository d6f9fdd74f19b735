// Package codesign builds and rewrites the embedded code signature of
// Mach-O images: the Super-Blob holding one CodeDirectory per hash
// algorithm, the requirements and entitlements blobs, and the CMS
// envelope produced by a signing oracle.
package codesign

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/appsworld/go-resign/pkg/codesign/types"
)

// Kind says which special slots a signable owns and how the executable
// segment is flagged.
type Kind int

const (
	// KindMainExecutable is the app's main binary: Info, Requirements,
	// ResourceDir, Application and Entitlements slots.
	KindMainExecutable Kind = iota
	// KindFramework is a framework's executable: Info, Requirements and
	// ResourceDir slots.
	KindFramework
	// KindAppex is an app extension executable: Info, Requirements and
	// Entitlements slots.
	KindAppex
	// KindDylib is a loose dynamic library: Requirements and
	// Entitlements slots.
	KindDylib
)

var kindSlots = map[Kind][]types.SlotType{
	KindMainExecutable: {
		types.CSSLOT_INFOSLOT,
		types.CSSLOT_REQUIREMENTS,
		types.CSSLOT_RESOURCEDIR,
		types.CSSLOT_APPLICATION,
		types.CSSLOT_ENTITLEMENTS,
	},
	KindFramework: {
		types.CSSLOT_INFOSLOT,
		types.CSSLOT_REQUIREMENTS,
		types.CSSLOT_RESOURCEDIR,
	},
	KindAppex: {
		types.CSSLOT_INFOSLOT,
		types.CSSLOT_REQUIREMENTS,
		types.CSSLOT_ENTITLEMENTS,
	},
	KindDylib: {
		types.CSSLOT_REQUIREMENTS,
		types.CSSLOT_ENTITLEMENTS,
	},
}

// Slots returns the special slots the kind owns.
func (k Kind) Slots() []types.SlotType {
	return kindSlots[k]
}

// NSpecialSlots is the size of the special slot array: the highest slot
// index the kind owns.
func (k Kind) NSpecialSlots() uint32 {
	var max types.SlotType
	for _, s := range kindSlots[k] {
		if s > max {
			max = s
		}
	}
	return uint32(max)
}

// Owns reports whether the kind fills the given special slot.
func (k Kind) Owns(slot types.SlotType) bool {
	for _, s := range kindSlots[k] {
		if s == slot {
			return true
		}
	}
	return false
}

// CMSOracle produces the CMS envelope embedded in the Super-Blob. The
// cms package provides the real and ad-hoc implementations.
type CMSOracle interface {
	// Rewrite edits an existing DER CMS envelope so its signed
	// attributes carry the new code directory hashes.
	Rewrite(oldCMS []byte, hashes []types.CDHash) ([]byte, error)
	// Create builds a CMS envelope from scratch, with a DER length that
	// is stable for fixed-size inputs.
	Create(hashes []types.CDHash) ([]byte, error)
	// Placeholder returns an unsigned envelope of exactly the length
	// Rewrite (when oldCMS is non-empty) or Create would produce. The
	// engine's sizing pass uses it so the real signer runs once per
	// slice -- a remote oracle must not be asked to sign twice.
	Placeholder(oldCMS []byte, hashes []types.CDHash) ([]byte, error)
	// AdHoc reports identity-less signing (empty CMS body).
	AdHoc() bool
}

// A Request carries everything the engine needs that lives outside the
// binary itself.
type Request struct {
	Kind         Kind
	Identifier   string // code directory identifier, normally the bundle id
	TeamID       string
	InfoPlist    []byte // current Info.plist bytes; nil when the kind has none
	InfoChanged  bool   // Info.plist was rewritten since load
	ResourceDir  []byte // freshly written CodeResources bytes
	Entitlements []byte // raw entitlements XML; nil preserves the existing blob
}

// Signature is a parsed Super-Blob.
type Signature struct {
	CodeDirectories []*types.CodeDirectory
	RequirementsRaw []byte // serialized requirements blob, header included
	EntitlementsRaw []byte // entitlements payload, header stripped
	CMS             []byte
}

// CodeDirectory returns the parsed directory using the given algorithm.
func (s *Signature) CodeDirectory(t types.HashType) *types.CodeDirectory {
	for _, cd := range s.CodeDirectories {
		if cd.Header.HashType == t {
			return cd
		}
	}
	return nil
}

// ParseSuperBlob parses an embedded signature region.
func ParseSuperBlob(data []byte) (*Signature, error) {
	be := binary.BigEndian
	if len(data) < types.SuperBlobSize {
		return nil, errors.New("superblob: short data")
	}
	if types.Magic(be.Uint32(data)) != types.MAGIC_EMBEDDED_SIGNATURE {
		return nil, errors.Errorf("superblob: bad magic %#x", be.Uint32(data))
	}
	length := be.Uint32(data[4:])
	count := be.Uint32(data[8:])
	if int64(length) > int64(len(data)) {
		return nil, errors.Errorf("superblob: length %d exceeds region %d", length, len(data))
	}
	if int64(types.SuperBlobSize+count*types.BlobIndexSize) > int64(length) {
		return nil, errors.Errorf("superblob: %d blobs do not fit in %d bytes", count, length)
	}

	sig := &Signature{}
	for i := uint32(0); i < count; i++ {
		base := types.SuperBlobSize + i*types.BlobIndexSize
		slot := types.SlotType(be.Uint32(data[base:]))
		offset := be.Uint32(data[base+4:])
		if int64(offset)+types.BlobHeaderSize > int64(length) {
			return nil, errors.Errorf("superblob: blob %d offset %d out of bounds", i, offset)
		}
		blobLen := be.Uint32(data[offset+4:])
		if blobLen < types.BlobHeaderSize || int64(offset)+int64(blobLen) > int64(length) {
			return nil, errors.Errorf("superblob: blob %d has bad length %d", i, blobLen)
		}
		raw := data[offset : offset+blobLen]

		switch {
		case slot == types.CSSLOT_CODEDIRECTORY ||
			(slot >= types.CSSLOT_ALTERNATE_CODEDIRECTORIES && slot < types.CSSLOT_ALTERNATE_CODEDIRECTORIES+0x1000):
			cd, err := parseCodeDirectory(raw)
			if err != nil {
				return nil, err
			}
			sig.CodeDirectories = append(sig.CodeDirectories, cd)
		case slot == types.CSSLOT_REQUIREMENTS:
			sig.RequirementsRaw = append([]byte(nil), raw...)
		case slot == types.CSSLOT_ENTITLEMENTS:
			sig.EntitlementsRaw = append([]byte(nil), raw[types.BlobHeaderSize:]...)
		case slot == types.CSSLOT_CMS_SIGNATURE:
			sig.CMS = append([]byte(nil), raw[types.BlobHeaderSize:]...)
		default:
			// Info/ResourceDir/etc special slot *hashes* live inside the
			// code directory; any other blob kind is preserved nowhere
			// and simply dropped on re-sign.
		}
	}
	if len(sig.CodeDirectories) == 0 {
		return nil, errors.New("superblob: no code directory")
	}
	return sig, nil
}

func parseCodeDirectory(raw []byte) (*types.CodeDirectory, error) {
	be := binary.BigEndian
	if types.Magic(be.Uint32(raw)) != types.MAGIC_CODEDIRECTORY {
		return nil, errors.Errorf("code directory: bad magic %#x", be.Uint32(raw))
	}
	if len(raw) < types.BlobHeaderSize+52 {
		return nil, errors.New("code directory: short blob")
	}
	p := raw[types.BlobHeaderSize:]
	cd := &types.CodeDirectory{}
	h := &cd.Header
	h.Version = types.CDVersion(be.Uint32(p[0:]))
	h.Flags = types.CDFlag(be.Uint32(p[4:]))
	h.HashOffset = be.Uint32(p[8:])
	h.IdentOffset = be.Uint32(p[12:])
	h.NSpecialSlots = be.Uint32(p[16:])
	h.NCodeSlots = be.Uint32(p[20:])
	h.CodeLimit = be.Uint32(p[24:])
	h.HashSize = p[28]
	h.HashType = types.HashType(p[29])
	h.Platform = p[30]
	h.PageSize = p[31]
	h.Spare2 = be.Uint32(p[32:])
	if h.Version >= types.SUPPORTS_SCATTER && len(p) >= 40 {
		h.ScatterOffset = be.Uint32(p[36:])
	}
	if h.Version >= types.SUPPORTS_TEAMID && len(p) >= 44 {
		h.TeamOffset = be.Uint32(p[40:])
	}
	if h.Version >= types.SUPPORTS_CODELIMIT64 && len(p) >= 56 {
		h.Spare3 = be.Uint32(p[44:])
		h.CodeLimit64 = be.Uint64(p[48:])
	}
	if h.Version >= types.SUPPORTS_EXECSEG && len(p) >= 80 {
		h.ExecSegBase = be.Uint64(p[56:])
		h.ExecSegLimit = be.Uint64(p[64:])
		h.ExecSegFlags = types.ExecSegFlag(be.Uint64(p[72:]))
	}

	if int(h.IdentOffset) >= len(raw) {
		return nil, errors.New("code directory: identifier out of bounds")
	}
	cd.ID = cstring(raw[h.IdentOffset:])
	if h.TeamOffset > 0 && int(h.TeamOffset) < len(raw) {
		cd.TeamID = cstring(raw[h.TeamOffset:])
	}

	hashSize := int(h.HashSize)
	specialBase := int(h.HashOffset) - int(h.NSpecialSlots)*hashSize
	if specialBase < 0 || int(h.HashOffset)+int(h.NCodeSlots)*hashSize > len(raw) {
		return nil, errors.New("code directory: hash slots out of bounds")
	}
	// stored slot N first; keep SpecialSlots[i-1] = slot i
	cd.SpecialSlots = make([][]byte, h.NSpecialSlots)
	for i := uint32(0); i < h.NSpecialSlots; i++ {
		off := specialBase + int(i)*hashSize
		slot := h.NSpecialSlots - i
		cd.SpecialSlots[slot-1] = append([]byte(nil), raw[off:off+hashSize]...)
	}
	cd.CodeSlots = make([][]byte, h.NCodeSlots)
	for i := uint32(0); i < h.NCodeSlots; i++ {
		off := int(h.HashOffset) + int(i)*hashSize
		cd.CodeSlots[i] = append([]byte(nil), raw[off:off+hashSize]...)
	}
	return cd, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
