// Package macho parses and rewrites Mach-O images for re-signing. The
// model is deliberately narrow: whole images are held in memory, load
// commands are kept as raw bytes so that serialization is byte-exact,
// and the only mutations offered are the ones signing needs -- dropping
// or appending LC_CODE_SIGNATURE and resizing __LINKEDIT.
package macho

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrNotMachO is returned when the input does not start with a known
// Mach-O or fat magic.
var ErrNotMachO = errors.New("not a Mach-O image")

// A LoadCommand is one load command, kept verbatim. Raw includes the
// 8-byte cmd/cmdsize prefix.
type LoadCommand struct {
	Cmd LoadCmd
	Raw []byte
}

// A Slice is one architecture: the whole thin image, mutable, plus
// parsed views of its header and command list. Supported slices are
// little-endian.
type Slice struct {
	Offset uint64 // file offset within the containing image
	Size   uint64 // current size of Data
	Data   []byte

	Header   FileHeader
	Commands []LoadCommand

	hdrSize int
	bo      binary.ByteOrder
}

// A File is a parsed image: a single thin slice, or a fat container
// with two or more.
type File struct {
	Fat    bool
	Arches []FatArch // parallel to Slices when Fat
	Slices []*Slice
}

// Parse reads a Mach-O image from data. Fat headers are big-endian;
// slices are little-endian. The returned slices alias data.
func Parse(data []byte) (*File, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(ErrNotMachO, "short file")
	}
	switch Magic(binary.BigEndian.Uint32(data)) {
	case MagicFat:
		return parseFat(data)
	}
	switch Magic(binary.LittleEndian.Uint32(data)) {
	case Magic32, Magic64:
		slice, err := parseSlice(data, 0)
		if err != nil {
			return nil, err
		}
		return &File{Slices: []*Slice{slice}}, nil
	}
	return nil, errors.Wrapf(ErrNotMachO, "bad magic %#x", binary.BigEndian.Uint32(data))
}

func parseFat(data []byte) (*File, error) {
	if len(data) < FatHeaderSize {
		return nil, errors.Wrap(ErrNotMachO, "short fat header")
	}
	narch := binary.BigEndian.Uint32(data[4:])
	if narch == 0 {
		return nil, errors.Wrap(ErrNotMachO, "fat file with no architectures")
	}
	f := &File{Fat: true}
	off := FatHeaderSize
	for i := uint32(0); i < narch; i++ {
		if off+FatArchSize > len(data) {
			return nil, errors.Wrap(ErrNotMachO, "truncated fat arch table")
		}
		arch := FatArch{
			CPU:    CPU(binary.BigEndian.Uint32(data[off:])),
			SubCPU: CPUSubtype(binary.BigEndian.Uint32(data[off+4:])),
			Offset: binary.BigEndian.Uint32(data[off+8:]),
			Size:   binary.BigEndian.Uint32(data[off+12:]),
			Align:  binary.BigEndian.Uint32(data[off+16:]),
		}
		if int64(arch.Offset)+int64(arch.Size) > int64(len(data)) {
			return nil, errors.Wrapf(ErrNotMachO, "fat arch %d out of bounds", i)
		}
		slice, err := parseSlice(data[arch.Offset:arch.Offset+arch.Size], uint64(arch.Offset))
		if err != nil {
			return nil, errors.Wrapf(err, "fat slice %d", i)
		}
		f.Arches = append(f.Arches, arch)
		f.Slices = append(f.Slices, slice)
		off += FatArchSize
	}
	return f, nil
}

func parseSlice(data []byte, offset uint64) (*Slice, error) {
	s := &Slice{
		Offset: offset,
		Size:   uint64(len(data)),
		Data:   data,
		bo:     binary.LittleEndian,
	}
	if len(data) < FileHeaderSize32 {
		return nil, errors.Wrap(ErrNotMachO, "short slice")
	}
	s.Header.Magic = Magic(s.bo.Uint32(data))
	switch s.Header.Magic {
	case Magic32:
		s.hdrSize = FileHeaderSize32
	case Magic64:
		s.hdrSize = FileHeaderSize64
	default:
		return nil, errors.Wrapf(ErrNotMachO, "bad slice magic %#x", uint32(s.Header.Magic))
	}
	s.Header.CPU = CPU(s.bo.Uint32(data[4:]))
	s.Header.SubCPU = CPUSubtype(s.bo.Uint32(data[8:]))
	s.Header.Type = HeaderFileType(s.bo.Uint32(data[12:]))
	s.Header.NCommands = s.bo.Uint32(data[16:])
	s.Header.SizeCommands = s.bo.Uint32(data[20:])
	s.Header.Flags = s.bo.Uint32(data[24:])
	if s.hdrSize == FileHeaderSize64 {
		if len(data) < FileHeaderSize64 {
			return nil, errors.Wrap(ErrNotMachO, "short slice")
		}
		s.Header.Reserved = s.bo.Uint32(data[28:])
	}

	off := s.hdrSize
	for i := uint32(0); i < s.Header.NCommands; i++ {
		if off+8 > len(data) {
			return nil, errors.Wrapf(ErrNotMachO, "truncated load command %d", i)
		}
		cmd := LoadCmd(s.bo.Uint32(data[off:]))
		cmdsize := int(s.bo.Uint32(data[off+4:]))
		if cmdsize < 8 || off+cmdsize > len(data) {
			return nil, errors.Wrapf(ErrNotMachO, "load command %d has bad size %d", i, cmdsize)
		}
		raw := make([]byte, cmdsize)
		copy(raw, data[off:off+cmdsize])
		s.Commands = append(s.Commands, LoadCommand{Cmd: cmd, Raw: raw})
		off += cmdsize
	}
	return s, nil
}

// CodeSignatureCmd returns the (dataoff, datasize) of the existing
// LC_CODE_SIGNATURE, if any.
func (s *Slice) CodeSignatureCmd() (dataoff, datasize uint32, ok bool) {
	for _, c := range s.Commands {
		if c.Cmd == LC_CODE_SIGNATURE {
			return s.bo.Uint32(c.Raw[8:]), s.bo.Uint32(c.Raw[12:]), true
		}
	}
	return 0, 0, false
}

// RemoveCodeSignatureCmd drops the LC_CODE_SIGNATURE command. It must be
// the trailing command; a signature never sits before other commands.
func (s *Slice) RemoveCodeSignatureCmd() error {
	n := len(s.Commands)
	if n == 0 || s.Commands[n-1].Cmd != LC_CODE_SIGNATURE {
		return errors.New("LC_CODE_SIGNATURE is not the trailing load command")
	}
	s.Header.SizeCommands -= uint32(len(s.Commands[n-1].Raw))
	s.Header.NCommands--
	s.Commands = s.Commands[:n-1]
	return nil
}

// SetCodeSignatureCmd updates the signature region, appending an
// LC_CODE_SIGNATURE command if the slice has none.
func (s *Slice) SetCodeSignatureCmd(dataoff, datasize uint32) {
	for i, c := range s.Commands {
		if c.Cmd == LC_CODE_SIGNATURE {
			s.bo.PutUint32(s.Commands[i].Raw[8:], dataoff)
			s.bo.PutUint32(s.Commands[i].Raw[12:], datasize)
			return
		}
	}
	raw := make([]byte, linkEditDataCmdSize)
	s.bo.PutUint32(raw[0:], uint32(LC_CODE_SIGNATURE))
	s.bo.PutUint32(raw[4:], linkEditDataCmdSize)
	s.bo.PutUint32(raw[8:], dataoff)
	s.bo.PutUint32(raw[12:], datasize)
	s.Commands = append(s.Commands, LoadCommand{Cmd: LC_CODE_SIGNATURE, Raw: raw})
	s.Header.NCommands++
	s.Header.SizeCommands += linkEditDataCmdSize
}

// A Segment is a mutable view over an LC_SEGMENT(_64) command.
type Segment struct {
	slice *Slice
	index int

	Is64     bool
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
}

// Segment returns a view of the named segment, or nil.
func (s *Slice) Segment(name string) *Segment {
	for i, c := range s.Commands {
		if c.Cmd != LC_SEGMENT && c.Cmd != LC_SEGMENT_64 {
			continue
		}
		segname := cstring(c.Raw[8:24])
		if segname != name {
			continue
		}
		seg := &Segment{slice: s, index: i, Name: segname, Is64: c.Cmd == LC_SEGMENT_64}
		if seg.Is64 {
			seg.VMAddr = s.bo.Uint64(c.Raw[24:])
			seg.VMSize = s.bo.Uint64(c.Raw[32:])
			seg.FileOff = s.bo.Uint64(c.Raw[40:])
			seg.FileSize = s.bo.Uint64(c.Raw[48:])
		} else {
			seg.VMAddr = uint64(s.bo.Uint32(c.Raw[24:]))
			seg.VMSize = uint64(s.bo.Uint32(c.Raw[28:]))
			seg.FileOff = uint64(s.bo.Uint32(c.Raw[32:]))
			seg.FileSize = uint64(s.bo.Uint32(c.Raw[36:]))
		}
		return seg
	}
	return nil
}

// SetSizes updates the segment's filesize and vmsize in place.
func (seg *Segment) SetSizes(filesize, vmsize uint64) {
	raw := seg.slice.Commands[seg.index].Raw
	bo := seg.slice.bo
	if seg.Is64 {
		bo.PutUint64(raw[32:], vmsize)
		bo.PutUint64(raw[48:], filesize)
	} else {
		bo.PutUint32(raw[28:], uint32(vmsize))
		bo.PutUint32(raw[36:], uint32(filesize))
	}
	seg.VMSize = vmsize
	seg.FileSize = filesize
}

// EnsureSize grows the slice buffer to at least n bytes, zero-filling
// the extension.
func (s *Slice) EnsureSize(n uint64) {
	if uint64(len(s.Data)) >= n {
		s.Size = uint64(len(s.Data))
		return
	}
	grown := make([]byte, n)
	copy(grown, s.Data)
	s.Data = grown
	s.Size = n
}

// Finalize serializes the header and load commands back into the slice
// buffer. Commands are written in their original order; the engine never
// reorders, it only updates the signature command in place or appends it
// at the end.
func (s *Slice) Finalize() {
	bo := s.bo
	bo.PutUint32(s.Data[0:], uint32(s.Header.Magic))
	bo.PutUint32(s.Data[4:], uint32(s.Header.CPU))
	bo.PutUint32(s.Data[8:], uint32(s.Header.SubCPU))
	bo.PutUint32(s.Data[12:], uint32(s.Header.Type))
	bo.PutUint32(s.Data[16:], s.Header.NCommands)
	bo.PutUint32(s.Data[20:], s.Header.SizeCommands)
	bo.PutUint32(s.Data[24:], s.Header.Flags)
	if s.hdrSize == FileHeaderSize64 {
		bo.PutUint32(s.Data[28:], s.Header.Reserved)
	}
	off := s.hdrSize
	for _, c := range s.Commands {
		copy(s.Data[off:], c.Raw)
		off += len(c.Raw)
	}
}

// BuildFatHeader serializes a fat header and arch table (big-endian).
func BuildFatHeader(arches []FatArch) []byte {
	out := make([]byte, FatHeaderSize+FatArchSize*len(arches))
	binary.BigEndian.PutUint32(out[0:], uint32(MagicFat))
	binary.BigEndian.PutUint32(out[4:], uint32(len(arches)))
	off := FatHeaderSize
	for _, a := range arches {
		binary.BigEndian.PutUint32(out[off:], uint32(a.CPU))
		binary.BigEndian.PutUint32(out[off+4:], uint32(a.SubCPU))
		binary.BigEndian.PutUint32(out[off+8:], a.Offset)
		binary.BigEndian.PutUint32(out[off+12:], a.Size)
		binary.BigEndian.PutUint32(out[off+16:], a.Align)
		off += FatArchSize
	}
	return out
}

// RoundUp aligns n up to the given power-of-two alignment.
func RoundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
