package part

import (
	"bytes"
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	dosTableOff = 446
	dosEntSize  = 16
	dosSlots    = 4
	dosMagicOff = 510

	// extended tables nest at most this deep
	maxExtDepth = 64
)

func isExtended(sysID byte) bool {
	return sysID == 0x05 || sysID == 0x0F || sysID == 0x85
}

type dosEntry struct {
	boot  byte
	sysID byte
	start uint32
	size  uint32
}

func readDOSTable(sect []byte) [dosSlots]dosEntry {
	var t [dosSlots]dosEntry
	for i := range t {
		e := sect[dosTableOff+i*dosEntSize:]
		t[i] = dosEntry{
			boot:  e[0],
			sysID: e[4],
			start: binary.LittleEndian.Uint32(e[8:]),
			size:  binary.LittleEndian.Uint32(e[12:]),
		}
	}
	return t
}

// looksLikeBootSector reports whether sector 0 is the boot sector of a
// FAT or NTFS volume rather than a master boot record. Both end in 0x55AA.
func looksLikeBootSector(sect []byte) bool {
	if bytes.Equal(sect[3:11], []byte("NTFS    ")) {
		return true
	}
	if bytes.HasPrefix(sect[54:], []byte("FAT")) || bytes.HasPrefix(sect[82:], []byte("FAT32")) {
		return true
	}
	return false
}

// loadDOS reads the primary table in sector 0 and follows the chain of
// extended tables. When probing, a table whose entries are implausible or
// that protects a GPT is rejected.
func (vs *VS) loadDOS(probe bool) error {
	sect := make([]byte, SectorSize)
	if err := vs.readSectors(sect, 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint16(sect[dosMagicOff:]) != 0xAA55 {
		return fsys.Errorf(fsys.ErrCorrupt, "dos_load", "missing 0xAA55 signature in sector 0")
	}
	table := readDOSTable(sect)
	if probe {
		if looksLikeBootSector(sect) {
			return fsys.Errorf(fsys.ErrUnknownType, "dos_load", "sector 0 is a file system boot sector")
		}
		used := 0
		for i, e := range table {
			if e.boot != 0 && e.boot != 0x80 {
				return fsys.Errorf(fsys.ErrCorrupt, "dos_load", "slot %d: invalid boot flag 0x%02x", i, e.boot)
			}
			if e.sysID == 0xEE {
				return fsys.Errorf(fsys.ErrUnknownType, "dos_load", "slot %d protects a GPT", i)
			}
			if e.sysID != 0 && e.size != 0 {
				used++
			}
		}
		if used == 0 {
			return fsys.Errorf(fsys.ErrUnknownType, "dos_load", "no partitions in sector 0")
		}
	}

	vs.add(&Partition{Start: 0, Len: 1, Kind: KindMeta, Desc: "Primary Table (#0)", Table: 0, Slot: -1})
	seen := map[uint64]bool{0: true}
	for i, e := range table {
		if e.sysID == 0 || e.size == 0 {
			continue
		}
		p := vs.add(&Partition{
			Start:    uint64(e.start),
			Len:      uint64(e.size),
			Kind:     KindVolume,
			Desc:     dosTypeString(e.sysID),
			Table:    0,
			Slot:     i,
			SysID:    e.sysID,
			Bootable: e.boot == 0x80,
		})
		if isExtended(e.sysID) {
			p.Kind = KindMeta
			vs.loadExtended(uint64(e.start), uint64(e.start), 1, seen)
		}
	}
	return nil
}

// loadExtended reads the extended table at sector cur. Data partitions
// are relative to cur, links to further tables relative to base, the
// start of the outermost extended partition. Damaged tables end the chain
// with a warning.
func (vs *VS) loadExtended(cur, base uint64, num int, seen map[uint64]bool) {
	if num > maxExtDepth {
		log.Warnf("dos: more than %d extended tables", maxExtDepth)
		return
	}
	if seen[cur] {
		log.Warnf("dos: extended table at sector %d is linked twice", cur)
		return
	}
	seen[cur] = true

	sect := make([]byte, SectorSize)
	if err := vs.readSectors(sect, cur); err != nil {
		log.Warnf("dos: extended table %d: %v", num, err)
		return
	}
	if binary.LittleEndian.Uint16(sect[dosMagicOff:]) != 0xAA55 {
		log.Warnf("dos: extended table %d at sector %d: missing 0xAA55 signature", num, cur)
		return
	}
	vs.add(&Partition{Start: cur, Len: 1, Kind: KindMeta, Desc: fmt.Sprintf("Extended Table (#%d)", num), Table: num, Slot: -1})

	for i, e := range readDOSTable(sect) {
		if e.sysID == 0 || e.size == 0 {
			continue
		}
		if isExtended(e.sysID) {
			vs.add(&Partition{
				Start: base + uint64(e.start),
				Len:   uint64(e.size),
				Kind:  KindMeta,
				Desc:  dosTypeString(e.sysID),
				Table: num,
				Slot:  i,
				SysID: e.sysID,
			})
			vs.loadExtended(base+uint64(e.start), base, num+1, seen)
			continue
		}
		vs.add(&Partition{
			Start:    cur + uint64(e.start),
			Len:      uint64(e.size),
			Kind:     KindVolume,
			Desc:     dosTypeString(e.sysID),
			Table:    num,
			Slot:     i,
			SysID:    e.sysID,
			Bootable: e.boot == 0x80,
		})
	}
}

var dosTypes = map[byte]string{
	0x01: "DOS FAT12",
	0x04: "DOS FAT16",
	0x05: "DOS Extended",
	0x06: "DOS FAT16",
	0x07: "NTFS",
	0x0B: "Win95 FAT32",
	0x0C: "Win95 FAT32",
	0x0E: "DOS FAT16",
	0x0F: "Win95 Extended",
	0x11: "DOS FAT12 (hidden)",
	0x14: "DOS FAT16 (hidden)",
	0x16: "DOS FAT16 (hidden)",
	0x17: "NTFS (hidden)",
	0x1B: "Win95 FAT32 (hidden)",
	0x1C: "Win95 FAT32 (hidden)",
	0x1E: "DOS FAT16 (hidden)",
	0x27: "Windows Recovery",
	0x42: "Windows Dynamic",
	0x82: "Linux Swap / Solaris x86",
	0x83: "Linux",
	0x85: "Linux Extended",
	0x8E: "Linux Logical Volume Manager",
	0xA5: "FreeBSD",
	0xA6: "OpenBSD",
	0xA8: "Mac OS X",
	0xA9: "NetBSD",
	0xAB: "Mac OS X Boot",
	0xAF: "Mac OS X HFS",
	0xBE: "Solaris 8 Boot",
	0xBF: "Solaris x86",
	0xEE: "GPT Safety Partition",
	0xEF: "EFI System",
	0xFB: "VMware File System",
	0xFC: "VMware Swap",
	0xFD: "Linux RAID",
}

func dosTypeString(sysID byte) string {
	name, ok := dosTypes[sysID]
	if !ok {
		name = "Unknown Type"
	}
	return fmt.Sprintf("%s (0x%02x)", name, sysID)
}
