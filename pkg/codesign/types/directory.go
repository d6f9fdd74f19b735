package types

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
)

type HashType uint8

const (
	HASHTYPE_NOHASH HashType = 0
	HASHTYPE_SHA1   HashType = 1
	HASHTYPE_SHA256 HashType = 2

	HASH_SIZE_SHA1   = 20
	HASH_SIZE_SHA256 = 32

	CDHASH_LEN = 20 /* always - larger hashes are truncated */
)

func (t HashType) String() string {
	switch t {
	case HASHTYPE_NOHASH:
		return "No Hash"
	case HASHTYPE_SHA1:
		return "Sha1"
	case HASHTYPE_SHA256:
		return "Sha256"
	default:
		return fmt.Sprintf("HashType(%d)", uint8(t))
	}
}

// Size returns the digest length in bytes.
func (t HashType) Size() int {
	if t == HASHTYPE_SHA1 {
		return HASH_SIZE_SHA1
	}
	return HASH_SIZE_SHA256
}

// New returns a fresh digest for the algorithm.
func (t HashType) New() hash.Hash {
	if t == HASHTYPE_SHA1 {
		return sha1.New()
	}
	return sha256.New()
}

type CDVersion uint32

const (
	EARLIEST_VERSION     CDVersion = 0x20001
	SUPPORTS_SCATTER     CDVersion = 0x20100
	SUPPORTS_TEAMID      CDVersion = 0x20200
	SUPPORTS_CODELIMIT64 CDVersion = 0x20300
	SUPPORTS_EXECSEG     CDVersion = 0x20400
	COMPATIBILITY_LIMIT  CDVersion = 0x2F000 // "version 3 with wiggle room"
)

type CDFlag uint32

const (
	/* code signing attributes of a process */
	NONE  CDFlag = 0x00000000 /* no flags */
	ADHOC CDFlag = 0x00000002 /* ad hoc signed */
)

type ExecSegFlag uint64

/* executable segment flags */
const (
	EXECSEG_MAIN_BINARY ExecSegFlag = 0x1 /* executable segment denotes main binary */
)

const (
	// log2(4096); all recognized platforms hash at 4 KiB granularity
	PageSizeBits = 12
	PageSize     = 1 << PageSizeBits

	// serialized size from blob start (magic and length included)
	// through the version 0x20400 (SUPPORTS_EXECSEG) fields
	CodeDirectorySize = 13*4 + 4 + 4*8
)

// CodeDirectoryHeader is the fixed part of a CodeDirectory blob, fields
// through version 0x20400.
type CodeDirectoryHeader struct {
	Version       CDVersion // compatibility version
	Flags         CDFlag    // setup and mode flags
	HashOffset    uint32    // offset of hash slot element at index zero
	IdentOffset   uint32    // offset of identifier string
	NSpecialSlots uint32    // number of special hash slots
	NCodeSlots    uint32    // number of ordinary (code) hash slots
	CodeLimit     uint32    // limit to main image signature range
	HashSize      uint8     // size of each hash in bytes
	HashType      HashType  // type of hash (cdHashType* constants)
	Platform      uint8     // platform identifier; zero if not platform binary
	PageSize      uint8     // log2(page size in bytes); 0 => infinite
	Spare2        uint32    // unused (must be zero)
	ScatterOffset uint32    /* offset of optional scatter vector */
	TeamOffset    uint32    /* offset of optional team identifier */
	Spare3        uint32    /* unused (must be zero) */
	CodeLimit64   uint64    /* limit to main image signature range, 64 bits */
	ExecSegBase   uint64    /* offset of executable segment */
	ExecSegLimit  uint64    /* limit of executable segment */
	ExecSegFlags  ExecSegFlag
}

// CodeDirectory is one parsed or to-be-built code directory: the header
// plus the dynamic content the offset fields locate.
type CodeDirectory struct {
	Header       CodeDirectoryHeader
	ID           string
	TeamID       string
	SpecialSlots [][]byte // index 1..NSpecialSlots, slot i at SpecialSlots[i-1]
	CodeSlots    [][]byte
}

// Bytes serializes the code directory as a blob. Layout: header,
// identifier, optional team id, special slot hashes in descending slot
// order, then code slot hashes (HashOffset points at code slot zero).
func (cd *CodeDirectory) Bytes() []byte {
	hashSize := int(cd.Header.HashSize)
	identOff := CodeDirectorySize
	teamOff := identOff + len(cd.ID) + 1
	hashBase := teamOff
	if cd.TeamID != "" {
		hashBase += len(cd.TeamID) + 1
	}
	hashOff := hashBase + len(cd.SpecialSlots)*hashSize
	total := hashOff + len(cd.CodeSlots)*hashSize

	h := cd.Header
	h.HashOffset = uint32(hashOff)
	h.IdentOffset = uint32(identOff)
	h.NSpecialSlots = uint32(len(cd.SpecialSlots))
	h.NCodeSlots = uint32(len(cd.CodeSlots))
	if cd.TeamID != "" {
		h.TeamOffset = uint32(teamOff)
	} else {
		h.TeamOffset = 0
	}

	out := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(out[0:], uint32(MAGIC_CODEDIRECTORY))
	be.PutUint32(out[4:], uint32(total))
	p := out[BlobHeaderSize:]
	be.PutUint32(p[0:], uint32(h.Version))
	be.PutUint32(p[4:], uint32(h.Flags))
	be.PutUint32(p[8:], h.HashOffset)
	be.PutUint32(p[12:], h.IdentOffset)
	be.PutUint32(p[16:], h.NSpecialSlots)
	be.PutUint32(p[20:], h.NCodeSlots)
	be.PutUint32(p[24:], h.CodeLimit)
	p[28] = h.HashSize
	p[29] = uint8(h.HashType)
	p[30] = h.Platform
	p[31] = h.PageSize
	be.PutUint32(p[32:], h.Spare2)
	be.PutUint32(p[36:], h.ScatterOffset)
	be.PutUint32(p[40:], h.TeamOffset)
	be.PutUint32(p[44:], h.Spare3)
	be.PutUint64(p[48:], h.CodeLimit64)
	be.PutUint64(p[56:], h.ExecSegBase)
	be.PutUint64(p[64:], h.ExecSegLimit)
	be.PutUint64(p[72:], uint64(h.ExecSegFlags))

	copy(out[identOff:], cd.ID)
	if cd.TeamID != "" {
		copy(out[teamOff:], cd.TeamID)
	}
	// special slots are stored in descending slot order just below the
	// code slots: slot N first, slot 1 last
	off := hashBase
	for i := len(cd.SpecialSlots) - 1; i >= 0; i-- {
		copy(out[off:], cd.SpecialSlots[i])
		off += hashSize
	}
	for _, slot := range cd.CodeSlots {
		copy(out[off:], slot)
		off += hashSize
	}
	return out
}

// CDHash carries the digests of one serialized CodeDirectory. Type is
// the algorithm of the directory itself; Native() is its digest under
// that algorithm, which is what "cdhash" means everywhere else.
type CDHash struct {
	Type   HashType
	SHA1   []byte // SHA-1 of the serialized CD
	SHA256 []byte // SHA-256 of the serialized CD
}

func NewCDHash(t HashType, cdBytes []byte) CDHash {
	s1 := sha1.Sum(cdBytes)
	s256 := sha256.Sum256(cdBytes)
	return CDHash{Type: t, SHA1: s1[:], SHA256: s256[:]}
}

// Native returns the digest under the directory's own algorithm.
func (h CDHash) Native() []byte {
	if h.Type == HASHTYPE_SHA1 {
		return h.SHA1
	}
	return h.SHA256
}

// Truncated returns the 20-byte cdhash used in CMS plists.
func (h CDHash) Truncated() []byte {
	return h.Native()[:CDHASH_LEN]
}
