package part

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	gptHeaderSect = 1
	gptMinHdrSize = 92
	gptMinEntSize = 128
	gptMaxEntries = 4096
)

var gptMagic = []byte("EFI PART")

type gptHeader struct {
	revision    uint32
	hdrSize     uint32
	hdrCRC      uint32
	current     uint64
	backup      uint64
	firstUsable uint64
	lastUsable  uint64
	diskGUID    uuid.UUID
	entLBA      uint64
	numEnt      uint32
	entSize     uint32
	entCRC      uint32
}

// gptGUID converts an on-disk GUID, whose first three fields are little
// endian, to a UUID.
func gptGUID(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	return u
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeLabel decodes a NUL-terminated UTF-16LE partition name.
func decodeLabel(b []byte) string {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(s)
}

func parseGPTHeader(b []byte) (*gptHeader, error) {
	if !bytes.Equal(b[0:8], gptMagic) {
		return nil, fsys.Errorf(fsys.ErrUnknownType, "gpt_load", "missing EFI PART signature")
	}
	le := binary.LittleEndian
	h := &gptHeader{
		revision:    le.Uint32(b[8:]),
		hdrSize:     le.Uint32(b[12:]),
		hdrCRC:      le.Uint32(b[16:]),
		current:     le.Uint64(b[24:]),
		backup:      le.Uint64(b[32:]),
		firstUsable: le.Uint64(b[40:]),
		lastUsable:  le.Uint64(b[48:]),
		diskGUID:    gptGUID(b[56:]),
		entLBA:      le.Uint64(b[72:]),
		numEnt:      le.Uint32(b[80:]),
		entSize:     le.Uint32(b[84:]),
		entCRC:      le.Uint32(b[88:]),
	}
	if h.hdrSize < gptMinHdrSize || int(h.hdrSize) > len(b) {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "gpt_load", "invalid header size: %d", h.hdrSize)
	}
	if h.entSize < gptMinEntSize || h.entSize%8 != 0 {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "gpt_load", "invalid partition entry size: %d", h.entSize)
	}
	if h.numEnt > gptMaxEntries {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "gpt_load", "too many partition entries: %d", h.numEnt)
	}

	hdr := append([]byte(nil), b[:h.hdrSize]...)
	clear(hdr[16:20])
	if crc := crc32.ChecksumIEEE(hdr); crc != h.hdrCRC {
		log.Warnf("gpt: header checksum 0x%08x, expected 0x%08x", crc, h.hdrCRC)
	}
	return h, nil
}

// loadGPT reads the header in sector 1 and the entry array it points to.
// The protective MBR, the header and the entry array are listed as
// metadata. Checksum mismatches are only logged.
func (vs *VS) loadGPT() error {
	sect := make([]byte, SectorSize)
	if err := vs.readSectors(sect, gptHeaderSect); err != nil {
		return err
	}
	h, err := parseGPTHeader(sect)
	if err != nil {
		return err
	}
	vs.DiskGUID = h.diskGUID

	entBytes := uint64(h.numEnt) * uint64(h.entSize)
	entSects := (entBytes + SectorSize - 1) / SectorSize
	ents := make([]byte, entSects*SectorSize)
	if err := vs.readSectors(ents, h.entLBA); err != nil {
		return err
	}
	if crc := crc32.ChecksumIEEE(ents[:entBytes]); crc != h.entCRC {
		log.Warnf("gpt: partition entry checksum 0x%08x, expected 0x%08x", crc, h.entCRC)
	}

	vs.add(&Partition{Start: 0, Len: 1, Kind: KindMeta, Desc: "Safety Table", Table: -1, Slot: -1})
	vs.add(&Partition{Start: gptHeaderSect, Len: 1, Kind: KindMeta, Desc: "GPT Header", Table: -1, Slot: -1})
	vs.add(&Partition{Start: h.entLBA, Len: entSects, Kind: KindMeta, Desc: "Partition Table", Table: -1, Slot: -1})

	for i := uint32(0); i < h.numEnt; i++ {
		e := ents[uint64(i)*uint64(h.entSize):]
		typ := gptGUID(e[0:])
		if typ == uuid.Nil {
			continue
		}
		first := binary.LittleEndian.Uint64(e[32:])
		last := binary.LittleEndian.Uint64(e[40:])
		if last < first {
			log.Warnf("gpt: entry %d ends at %d before its start %d", i, last, first)
			continue
		}
		p := &Partition{
			Start:    first,
			Len:      last - first + 1,
			Kind:     KindVolume,
			Table:    0,
			Slot:     int(i),
			TypeGUID: typ,
			GUID:     gptGUID(e[16:]),
			Attrs:    binary.LittleEndian.Uint64(e[48:]),
			Label:    decodeLabel(e[56:gptMinEntSize]),
		}
		p.Desc = p.Label
		if p.Desc == "" {
			p.Desc = gptTypeString(typ)
		}
		vs.add(p)
	}
	return nil
}

var gptTypes = map[uuid.UUID]string{
	uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"): "EFI System",
	uuid.MustParse("024DEE41-33E7-11D3-9D69-0008C781F39F"): "MBR Partition Scheme",
	uuid.MustParse("21686148-6449-6E6F-744E-656564454649"): "BIOS Boot",
	uuid.MustParse("E3C9E316-0B5C-4DB8-817D-F92DF00215AE"): "Microsoft Reserved",
	uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"): "Basic Data",
	uuid.MustParse("5808C8AA-7E8F-42E0-85D2-E1E90434CFB3"): "Windows LDM Metadata",
	uuid.MustParse("AF9B60A0-1431-4F62-BC68-3311714A69AD"): "Windows LDM Data",
	uuid.MustParse("DE94BBA4-06D1-4D40-A16A-BFD50179D6AC"): "Windows Recovery",
	uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4"): "Linux Filesystem",
	uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"): "Linux Swap",
	uuid.MustParse("E6D6D379-F507-44C2-A23C-238F2A3DF928"): "Linux LVM",
	uuid.MustParse("A19D880F-05FC-4D3B-A006-743F0F84911E"): "Linux RAID",
	uuid.MustParse("933AC7E1-2EB4-4F13-B844-0E14E2AEF915"): "Linux Home",
	uuid.MustParse("516E7CB4-6ECF-11D6-8FF8-00022D09712B"): "FreeBSD Data",
	uuid.MustParse("516E7CB6-6ECF-11D6-8FF8-00022D09712B"): "FreeBSD UFS",
	uuid.MustParse("516E7CB5-6ECF-11D6-8FF8-00022D09712B"): "FreeBSD Swap",
	uuid.MustParse("7C3457EF-0000-11AA-AA11-00306543ECAC"): "Apple APFS",
	uuid.MustParse("48465300-0000-11AA-AA11-00306543ECAC"): "Apple HFS+",
	uuid.MustParse("55465300-0000-11AA-AA11-00306543ECAC"): "Apple UFS",
	uuid.MustParse("52414944-0000-11AA-AA11-00306543ECAC"): "Apple RAID",
	uuid.MustParse("426F6F74-0000-11AA-AA11-00306543ECAC"): "Apple Boot",
	uuid.MustParse("6A898CC3-1DD2-11B2-99A6-080020736631"): "Solaris /usr",
}

func gptTypeString(t uuid.UUID) string {
	if name, ok := gptTypes[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown Type %s", t)
}
