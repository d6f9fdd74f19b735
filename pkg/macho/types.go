package macho

import "fmt"

type Magic uint32

const (
	Magic32    Magic = 0xfeedface
	Magic64    Magic = 0xfeedfacf
	MagicFat   Magic = 0xcafebabe /* big-endian on disk */
	MagicFatLE Magic = 0xbebafeca /* FAT_CIGAM, byte-swapped */
)

func (m Magic) String() string {
	switch m {
	case Magic32:
		return "32-bit MachO"
	case Magic64:
		return "64-bit MachO"
	case MagicFat, MagicFatLE:
		return "Fat MachO"
	default:
		return fmt.Sprintf("Magic(%#x)", uint32(m))
	}
}

const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
	FatHeaderSize    = 2 * 4
	FatArchSize      = 5 * 4

	// fat slices are aligned to 16 KiB page boundaries
	FatSliceAlignment = 0x4000
)

// A FileHeader represents a Mach-O file header. Reserved is only present
// on disk for 64-bit files.
type FileHeader struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        uint32
	Reserved     uint32
}

// A HeaderFileType is the Mach-O file type, e.g. an object file,
// executable, or dynamic library.
type HeaderFileType uint32

const (
	MH_OBJECT  HeaderFileType = 0x1 /* relocatable object file */
	MH_EXECUTE HeaderFileType = 0x2 /* demand paged executable file */
	MH_DYLIB   HeaderFileType = 0x6 /* dynamically bound shared library */
	MH_BUNDLE  HeaderFileType = 0x8 /* dynamically bound bundle file */
)

type CPU uint32

const (
	cpuArch64 = 0x01000000

	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
)

func (c CPU) String() string {
	switch c {
	case CPU386:
		return "i386"
	case CPUAmd64:
		return "x86_64"
	case CPUArm:
		return "ARM"
	case CPUArm64:
		return "AARCH64"
	default:
		return fmt.Sprintf("CPU(%d)", uint32(c))
	}
}

type CPUSubtype uint32

type LoadCmd uint32

const (
	LC_SEGMENT        LoadCmd = 0x1  // segment of this file to be mapped
	LC_SEGMENT_64     LoadCmd = 0x19 // 64-bit segment of this file to be mapped
	LC_CODE_SIGNATURE LoadCmd = 0x1d // local of code signature
)

func (c LoadCmd) String() string {
	switch c {
	case LC_SEGMENT:
		return "LC_SEGMENT"
	case LC_SEGMENT_64:
		return "LC_SEGMENT_64"
	case LC_CODE_SIGNATURE:
		return "LC_CODE_SIGNATURE"
	default:
		return fmt.Sprintf("LoadCmd(%#x)", uint32(c))
	}
}

// A FatHeader is the header of a fat (universal) binary; big-endian on
// disk, followed by NArch FatArch descriptors.
type FatHeader struct {
	Magic Magic
	NArch uint32
}

// A FatArch locates one thin Mach-O slice inside a fat file.
type FatArch struct {
	CPU    CPU
	SubCPU CPUSubtype
	Offset uint32
	Size   uint32
	Align  uint32
}

// SegLinkEdit is the segment holding link-edit metadata; code signatures
// live at its end.
const SegLinkEdit = "__LINKEDIT"

const (
	segment64Size       = 72
	segment32Size       = 56
	linkEditDataCmdSize = 16
)
