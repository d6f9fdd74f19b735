package codesign

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/appsworld/go-resign/pkg/codesign/types"
	"github.com/appsworld/go-resign/pkg/macho"
)

// hash algorithms every signature carries; CD[0] must stay SHA-1 so the
// CMS messageDigest convention (SHA-256 over the first directory) holds
var hashTypes = []types.HashType{types.HASHTYPE_SHA1, types.HASHTYPE_SHA256}

// SignFile re-signs the Mach-O image at path in place: the image is read
// fully into memory, every slice gets a fresh signature, and the result
// replaces the original through a temp file carrying the same mode bits.
func SignFile(path string, req Request, oracle CMSOracle) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	f, err := macho.Parse(data)
	if err != nil {
		return errors.Wrapf(err, "%s", path)
	}

	for i, slice := range f.Slices {
		if err := signSlice(slice, req, oracle); err != nil {
			return errors.Wrapf(err, "%s slice %d", path, i)
		}
	}

	var out []byte
	if f.Fat {
		out = assembleFat(f)
	} else {
		out = f.Slices[0].Data
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".resign-")
	if err != nil {
		return errors.Wrap(err, "creating temp binary")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "closing %s", tmpName)
	}
	if err := os.Chmod(tmpName, info.Mode()); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "chmod %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}

// assembleFat relays out the signed slices and rebuilds the container.
// Slice sizes change during signing, so offsets are recomputed with
// 16 KiB alignment; slices are placed into the output in reverse order
// so a slice moved forward never overwrites one not yet placed.
func assembleFat(f *macho.File) []byte {
	order := make([]int, len(f.Slices))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return f.Arches[order[a]].Offset < f.Arches[order[b]].Offset
	})

	var prevEnd uint64
	for _, i := range order {
		arch := &f.Arches[i]
		offset := uint64(arch.Offset)
		if prevEnd > offset {
			offset = macho.RoundUp(prevEnd, macho.FatSliceAlignment)
		}
		arch.Offset = uint32(offset)
		arch.Size = uint32(len(f.Slices[i].Data))
		prevEnd = offset + uint64(arch.Size)
		log.WithFields(log.Fields{
			"cpu": f.Arches[i].CPU, "offset": arch.Offset, "size": arch.Size,
		}).Debug("fat slice layout")
	}

	out := make([]byte, prevEnd)
	copy(out, macho.BuildFatHeader(f.Arches))
	for j := len(order) - 1; j >= 0; j-- {
		i := order[j]
		copy(out[f.Arches[i].Offset:], f.Slices[i].Data)
	}
	return out
}

func signSlice(slice *macho.Slice, req Request, oracle CMSOracle) error {
	dataoff, datasize, hasSig := slice.CodeSignatureCmd()

	var old *Signature
	var codeLimit uint32
	if hasSig {
		if int64(dataoff)+int64(datasize) > int64(len(slice.Data)) {
			return errors.New("signature region out of bounds")
		}
		var err error
		old, err = ParseSuperBlob(slice.Data[dataoff : dataoff+datasize])
		if err != nil {
			return err
		}
		codeLimit = dataoff
	} else {
		linkEdit := slice.Segment(macho.SegLinkEdit)
		if linkEdit == nil {
			return errors.New("no __LINKEDIT segment")
		}
		codeLimit = uint32(linkEdit.FileOff + linkEdit.FileSize)
	}

	// pass 1 is purely a measurement: the CMS slot holds an unsigned
	// placeholder of the real envelope's length, so the oracle's signer
	// runs only on the final pass
	placeholder, err := buildSuperBlob(slice, codeLimit, req, old, oracle, true)
	if err != nil {
		return err
	}

	if hasSig && uint32(len(placeholder)) <= datasize {
		// fits in the reserved region; unused trailing bytes are zeroed
		blob, err := buildSuperBlob(slice, codeLimit, req, old, oracle, false)
		if err != nil {
			return err
		}
		if uint32(len(blob)) > datasize {
			return errors.Errorf("placeholder undersized the signature: %d > %d", len(blob), datasize)
		}
		copy(slice.Data[dataoff:], blob)
		for i := dataoff + uint32(len(blob)); i < dataoff+datasize; i++ {
			slice.Data[i] = 0
		}
		return nil
	}

	// the reserved region is absent or too small: size the region from
	// the placeholder pass, rewrite the load commands, then build the
	// real signature over the final command bytes
	newSize := uint32(len(placeholder))
	linkEdit := slice.Segment(macho.SegLinkEdit)
	if linkEdit == nil {
		return errors.New("no __LINKEDIT segment")
	}
	slice.SetCodeSignatureCmd(codeLimit, newSize)
	fileSize := uint64(codeLimit) - linkEdit.FileOff + uint64(newSize)
	linkEdit.SetSizes(fileSize, macho.RoundUp(fileSize, 0x1000))
	slice.EnsureSize(uint64(codeLimit) + uint64(newSize))
	slice.Finalize()

	blob, err := buildSuperBlob(slice, codeLimit, req, old, oracle, false)
	if err != nil {
		return err
	}
	if uint32(len(blob)) > newSize {
		return errors.Errorf("signature grew between passes: %d > %d", len(blob), newSize)
	}
	copy(slice.Data[codeLimit:], blob)
	for i := codeLimit + uint32(len(blob)); i < codeLimit+newSize; i++ {
		slice.Data[i] = 0
	}
	return nil
}

// buildSuperBlob assembles the new signature for a slice: per-algorithm
// code directories over [0, codeLimit), the requirements and
// entitlements blobs, and the CMS envelope. With placeholder set the
// CMS slot is filled by the oracle's unsigned stand-in instead of a
// real signature.
func buildSuperBlob(slice *macho.Slice, codeLimit uint32, req Request, old *Signature, oracle CMSOracle, placeholder bool) ([]byte, error) {
	reqBlob := types.EmptyRequirementsBlob()
	if old != nil && old.RequirementsRaw != nil {
		reqBlob = types.NewBlob(types.MAGIC_REQUIREMENTS, old.RequirementsRaw[types.BlobHeaderSize:])
	}

	var entBlob *types.Blob
	entContent := req.Entitlements
	if entContent == nil && old != nil {
		entContent = old.EntitlementsRaw
	}
	if entContent != nil && req.Kind.Owns(types.CSSLOT_ENTITLEMENTS) {
		b := types.NewBlob(types.MAGIC_EMBEDDED_ENTITLEMENTS, entContent)
		entBlob = &b
	}

	identifier := req.Identifier
	if identifier == "" && old != nil {
		identifier = old.CodeDirectories[0].ID
	}

	var cdHashes []types.CDHash
	var cdBytes [][]byte
	for _, ht := range hashTypes {
		cd := buildCodeDirectory(slice, codeLimit, ht, identifier, req, old, reqBlob, entBlob, oracle.AdHoc())
		raw := cd.Bytes()
		cdBytes = append(cdBytes, raw)
		cdHashes = append(cdHashes, types.NewCDHash(ht, raw))
	}

	var oldCMS []byte
	if old != nil {
		oldCMS = old.CMS
	}
	var cms []byte
	var err error
	switch {
	case oracle.AdHoc():
		cms = nil
	case placeholder:
		cms, err = oracle.Placeholder(oldCMS, cdHashes)
	case len(oldCMS) > 0:
		cms, err = oracle.Rewrite(oldCMS, cdHashes)
	default:
		cms, err = oracle.Create(cdHashes)
	}
	if err != nil {
		return nil, err
	}

	sb := types.NewSuperBlob(types.MAGIC_EMBEDDED_SIGNATURE)
	sb.AddBlob(types.CSSLOT_CODEDIRECTORY, types.NewBlob(types.MAGIC_CODEDIRECTORY, cdBytes[0][types.BlobHeaderSize:]))
	sb.AddBlob(types.CSSLOT_REQUIREMENTS, reqBlob)
	if entBlob != nil {
		sb.AddBlob(types.CSSLOT_ENTITLEMENTS, *entBlob)
	}
	for i := 1; i < len(cdBytes); i++ {
		sb.AddBlob(types.CSSLOT_ALTERNATE_CODEDIRECTORIES+types.SlotType(i-1),
			types.NewBlob(types.MAGIC_CODEDIRECTORY, cdBytes[i][types.BlobHeaderSize:]))
	}
	sb.AddBlob(types.CSSLOT_CMS_SIGNATURE, types.NewBlob(types.MAGIC_BLOBWRAPPER, cms))

	var buf bytes.Buffer
	if err := sb.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildCodeDirectory(slice *macho.Slice, codeLimit uint32, ht types.HashType,
	identifier string, req Request, old *Signature, reqBlob types.Blob, entBlob *types.Blob, adhoc bool) *types.CodeDirectory {

	cd := &types.CodeDirectory{
		ID:     identifier,
		TeamID: req.TeamID,
	}
	cd.Header.Version = types.SUPPORTS_EXECSEG
	if adhoc {
		cd.Header.Flags = types.ADHOC
	}
	cd.Header.CodeLimit = codeLimit
	cd.Header.HashSize = uint8(ht.Size())
	cd.Header.HashType = ht
	cd.Header.PageSize = types.PageSizeBits
	if text := slice.Segment("__TEXT"); text != nil {
		cd.Header.ExecSegBase = text.FileOff
		cd.Header.ExecSegLimit = text.FileSize
	}
	if req.Kind == KindMainExecutable {
		cd.Header.ExecSegFlags = types.EXECSEG_MAIN_BINARY
	}

	cd.SpecialSlots = specialSlots(ht, req, old, reqBlob, entBlob)
	cd.CodeSlots = codeSlots(slice.Data[:codeLimit], ht)
	return cd
}

func specialSlots(ht types.HashType, req Request, old *Signature, reqBlob types.Blob, entBlob *types.Blob) [][]byte {
	n := req.Kind.NSpecialSlots()
	oldCD := (*types.CodeDirectory)(nil)
	if old != nil {
		oldCD = old.CodeDirectory(ht)
	}
	zero := make([]byte, ht.Size())

	reuse := func(slot types.SlotType) []byte {
		if oldCD != nil && int(slot) <= len(oldCD.SpecialSlots) {
			return oldCD.SpecialSlots[slot-1]
		}
		return zero
	}
	hashBytes := func(data []byte) []byte {
		h := ht.New()
		h.Write(data)
		return h.Sum(nil)
	}

	slots := make([][]byte, n)
	for i := range slots {
		slots[i] = zero
	}
	for slot := types.SlotType(1); slot <= types.SlotType(n); slot++ {
		if !req.Kind.Owns(slot) {
			continue
		}
		switch slot {
		case types.CSSLOT_INFOSLOT:
			// skip the recompute when the plist is untouched since load
			if !req.InfoChanged && oldCD != nil {
				slots[slot-1] = reuse(slot)
			} else if req.InfoPlist != nil {
				slots[slot-1] = hashBytes(req.InfoPlist)
			} else {
				slots[slot-1] = reuse(slot)
			}
		case types.CSSLOT_REQUIREMENTS:
			slots[slot-1] = hashBytes(reqBlob.Bytes())
		case types.CSSLOT_RESOURCEDIR:
			if req.ResourceDir != nil {
				slots[slot-1] = hashBytes(req.ResourceDir)
			} else {
				slots[slot-1] = reuse(slot)
			}
		case types.CSSLOT_APPLICATION:
			// reserved, never bound
		case types.CSSLOT_ENTITLEMENTS:
			if entBlob != nil {
				slots[slot-1] = hashBytes(entBlob.Bytes())
			}
		}
	}
	return slots
}

func codeSlots(code []byte, ht types.HashType) [][]byte {
	nslots := (len(code) + types.PageSize - 1) / types.PageSize
	slots := make([][]byte, 0, nslots)
	for off := 0; off < len(code); off += types.PageSize {
		end := off + types.PageSize
		if end > len(code) {
			end = len(code)
		}
		h := ht.New()
		h.Write(code[off:end])
		slots = append(slots, h.Sum(nil))
	}
	return slots
}
