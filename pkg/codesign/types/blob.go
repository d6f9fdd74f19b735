package types

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

type Magic uint32

const (
	// Magic numbers used by Code Signing
	MAGIC_REQUIREMENT               Magic = 0xfade0c00 // single Requirement blob
	MAGIC_REQUIREMENTS              Magic = 0xfade0c01 // Requirements vector (internal requirements)
	MAGIC_CODEDIRECTORY             Magic = 0xfade0c02 // CodeDirectory blob
	MAGIC_EMBEDDED_SIGNATURE        Magic = 0xfade0cc0 // embedded form of signature data
	MAGIC_EMBEDDED_SIGNATURE_OLD    Magic = 0xfade0b02 /* XXX */
	MAGIC_EMBEDDED_ENTITLEMENTS     Magic = 0xfade7171 /* embedded entitlements */
	MAGIC_EMBEDDED_ENTITLEMENTS_DER Magic = 0xfade7172 /* embedded entitlements */
	MAGIC_DETACHED_SIGNATURE        Magic = 0xfade0cc1 // multi-arch collection of embedded signatures
	MAGIC_BLOBWRAPPER               Magic = 0xfade0b01 // used for the cms blob
)

func (m Magic) String() string {
	switch m {
	case MAGIC_REQUIREMENT:
		return "Requirement"
	case MAGIC_REQUIREMENTS:
		return "Requirements"
	case MAGIC_CODEDIRECTORY:
		return "Codedirectory"
	case MAGIC_EMBEDDED_SIGNATURE:
		return "Embedded Signature"
	case MAGIC_EMBEDDED_SIGNATURE_OLD:
		return "Embedded Signature (Old)"
	case MAGIC_EMBEDDED_ENTITLEMENTS:
		return "Embedded Entitlements"
	case MAGIC_EMBEDDED_ENTITLEMENTS_DER:
		return "Embedded Entitlements (DER)"
	case MAGIC_DETACHED_SIGNATURE:
		return "Detached Signature"
	case MAGIC_BLOBWRAPPER:
		return "Blob Wrapper"
	default:
		return fmt.Sprintf("Magic(%#x)", uint32(m))
	}
}

type SlotType uint32

const (
	CSSLOT_CODEDIRECTORY             SlotType = 0
	CSSLOT_INFOSLOT                  SlotType = 1 // Info.plist
	CSSLOT_REQUIREMENTS              SlotType = 2 // internal requirements
	CSSLOT_RESOURCEDIR               SlotType = 3 // resource directory
	CSSLOT_APPLICATION               SlotType = 4 // Application specific slot
	CSSLOT_ENTITLEMENTS              SlotType = 5 // embedded entitlement configuration
	CSSLOT_ALTERNATE_CODEDIRECTORIES SlotType = 0x1000
	CSSLOT_CMS_SIGNATURE             SlotType = 0x10000 // CMS signature
)

func (c SlotType) String() string {
	switch c {
	case CSSLOT_CODEDIRECTORY:
		return "CodeDirectory"
	case CSSLOT_INFOSLOT:
		return "Bound Info.plist"
	case CSSLOT_REQUIREMENTS:
		return "Requirements Blob"
	case CSSLOT_RESOURCEDIR:
		return "Resource Directory"
	case CSSLOT_APPLICATION:
		return "Application Specific"
	case CSSLOT_ENTITLEMENTS:
		return "Entitlements Plist"
	case CSSLOT_ALTERNATE_CODEDIRECTORIES:
		return "Alternate CodeDirectories 0"
	case CSSLOT_CMS_SIGNATURE:
		return "CMS (RFC3852) signature"
	default:
		return fmt.Sprintf("SlotType(%d)", uint32(c))
	}
}

const (
	BlobHeaderSize = 2 * 4
	SuperBlobSize  = 3 * 4
	BlobIndexSize  = 2 * 4
)

type BlobHeader struct {
	Magic  Magic  // magic number
	Length uint32 // total length of blob
}

// Blob object
type Blob struct {
	BlobHeader
	Data []byte // (length - sizeof(blob_header)) bytes
}

func NewBlob(magic Magic, data []byte) Blob {
	return Blob{
		BlobHeader: BlobHeader{
			Magic:  magic,
			Length: uint32(BlobHeaderSize + len(data)),
		},
		Data: data,
	}
}

// Bytes serializes the blob, big-endian header followed by the payload.
func (b Blob) Bytes() []byte {
	out := make([]byte, b.Length)
	binary.BigEndian.PutUint32(out[0:], uint32(b.Magic))
	binary.BigEndian.PutUint32(out[4:], b.Length)
	copy(out[BlobHeaderSize:], b.Data)
	return out
}

// Hash digests the serialized blob.
func (b Blob) Hash(t HashType) []byte {
	if t == HASHTYPE_SHA1 {
		sum := sha1.Sum(b.Bytes())
		return sum[:]
	}
	sum := sha256.Sum256(b.Bytes())
	return sum[:]
}

// BlobIndex object
type BlobIndex struct {
	Type   SlotType // type of entry
	Offset uint32   // offset of entry
}

// SuperBlob object
type SuperBlob struct {
	Magic  Magic  // magic number
	Length uint32 // total length of SuperBlob
	Count  uint32 // number of index entries following
	Index  []BlobIndex
	Blobs  []Blob // followed by Blobs as indicated by offsets in index
}

func NewSuperBlob(magic Magic) SuperBlob {
	return SuperBlob{
		Magic:  magic,
		Length: SuperBlobSize,
	}
}

func (s *SuperBlob) AddBlob(typ SlotType, blob Blob) {
	s.Index = append(s.Index, BlobIndex{Type: typ})
	s.Blobs = append(s.Blobs, blob)
	s.Count++
	s.Length += blob.Length + BlobIndexSize
}

func (s *SuperBlob) Write(buf *bytes.Buffer) error {
	off := uint32(SuperBlobSize + BlobIndexSize*len(s.Index))
	for i := range s.Index {
		s.Index[i].Offset = off
		off += s.Blobs[i].Length
	}
	hdr := struct {
		Magic  Magic
		Length uint32
		Count  uint32
	}{s.Magic, s.Length, s.Count}
	if err := binary.Write(buf, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("failed to write SuperBlob header to buffer: %v", err)
	}
	if err := binary.Write(buf, binary.BigEndian, s.Index); err != nil {
		return fmt.Errorf("failed to write SuperBlob indices to buffer: %v", err)
	}
	for _, blob := range s.Blobs {
		if _, err := buf.Write(blob.Bytes()); err != nil {
			return fmt.Errorf("failed to write blob data to superblob buffer: %v", err)
		}
	}
	return nil
}

// EmptyRequirementsBlob is the empty internal requirements vector, used
// when signing a binary that never carried requirements.
func EmptyRequirementsBlob() Blob {
	var count [4]byte
	return NewBlob(MAGIC_REQUIREMENTS, count[:])
}
