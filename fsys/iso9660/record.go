package iso9660

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	recHeaderLen = 33
	maxNameLen   = 255
)

// directory record flags
const (
	flagHidden = 0x01
	flagDir    = 0x02
	flagAssoc  = 0x04
	flagRecord = 0x08
	flagProt   = 0x10
	flagRes1   = 0x20
	flagRes2   = 0x40
	flagMulti  = 0x80
)

// dirRecord is one directory record, as found in a directory extent.
type dirRecord struct {
	off      int64 // byte offset of the record in the file system
	eaLen    uint8 // extended attribute record length, in blocks
	extent   uint32
	size     uint32
	time     time.Time
	flags    uint8
	unitSize uint8
	gapSize  uint8
	volSeq   uint16
	name     []byte
	su       []byte // system use area
}

func (r *dirRecord) isDir() bool {
	return r.flags&flagDir != 0
}

// parseRecord decodes the record in b, which is exactly entry_len bytes.
func parseRecord(b []byte, off int64) (*dirRecord, error) {
	if len(b) < recHeaderLen+1 {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "iso9660_record", "record at %d is too short: %d", off, len(b))
	}
	nameLen := int(b[32])
	if recHeaderLen+nameLen > len(b) {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "iso9660_record", "name of record at %d runs past its end", off)
	}
	r := &dirRecord{
		off:      off,
		eaLen:    b[1],
		extent:   binary.BigEndian.Uint32(b[6:]),
		size:     binary.BigEndian.Uint32(b[14:]),
		time:     recordTime(b[18:25]),
		flags:    b[25],
		unitSize: b[26],
		gapSize:  b[27],
		volSeq:   binary.BigEndian.Uint16(b[30:]),
		name:     b[recHeaderLen : recHeaderLen+nameLen],
	}
	// the system use area starts on an even offset
	su := recHeaderLen + nameLen
	if nameLen%2 == 0 {
		su++
	}
	if su < len(b) {
		r.su = b[su:]
	}
	return r, nil
}

// recordTime decodes the 7-byte recording date: years since 1900, month,
// day, hour, minute, second and the offset from GMT in 15 minute units.
func recordTime(b []byte) time.Time {
	if b[1] == 0 || b[2] == 0 {
		return time.Time{}
	}
	zone := time.FixedZone("", int(int8(b[6]))*15*60)
	return time.Date(1900+int(b[0]), time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, zone).UTC()
}

// vdTime decodes the 17-byte descriptor date, "YYYYMMDDHHMMSScc" in
// ASCII digits followed by the GMT offset.
func vdTime(b []byte) time.Time {
	if len(b) < 17 {
		return time.Time{}
	}
	num := func(s []byte) int {
		n, err := strconv.Atoi(string(s))
		if err != nil {
			return -1
		}
		return n
	}
	y, mo, d := num(b[0:4]), num(b[4:6]), num(b[6:8])
	h, mi, s, cs := num(b[8:10]), num(b[10:12]), num(b[12:14]), num(b[14:16])
	if y <= 0 || mo <= 0 || d <= 0 || h < 0 || mi < 0 || s < 0 || cs < 0 {
		return time.Time{}
	}
	zone := time.FixedZone("", int(int8(b[16]))*15*60)
	return time.Date(y, time.Month(mo), d, h, mi, s, cs*int(10*time.Millisecond), zone).UTC()
}

// readRecords loads size bytes of the directory at block extent and
// returns its records. Records never cross a sector; the space after the
// last record of a sector is zero.
func (f *FS) readRecords(extent uint32, size uint32) ([]*dirRecord, error) {
	if uint64(extent) > f.LastBlock {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "iso9660_dir", "directory extent %d is past the end", extent)
	}
	n := (int64(size) + sectorSize - 1) / sectorSize * sectorSize
	if limit := (int64(f.LastBlock) + 1 - int64(extent)) * int64(f.BlockSize); n > limit {
		log.Warnf("iso9660: directory at %d claims %d bytes, truncating to %d", extent, n, limit)
		n = limit / sectorSize * sectorSize
	}
	base := int64(extent) * int64(f.BlockSize)
	data := make([]byte, n)
	if _, err := f.ReadRandom(data, base); err != nil {
		return nil, err
	}

	var recs []*dirRecord
	for s := 0; s < len(data); s += sectorSize {
		sec := data[s:min(s+sectorSize, len(data))]
		for o := 0; o+recHeaderLen < len(sec); {
			l := int(sec[o])
			if l == 0 {
				// padding, or a hole in the directory
				o += 2
				continue
			}
			if o+l > len(sec) {
				log.Debugf("iso9660: record at %d runs past its sector", base+int64(s+o))
				break
			}
			r, err := parseRecord(sec[o:o+l], base+int64(s+o))
			if err != nil {
				log.Debugf("iso9660: %v", err)
				o += 2
				continue
			}
			recs = append(recs, r)
			o += l
		}
	}
	return recs, nil
}

var ucs2 = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// decodeName converts a record or path table name to UTF-8. Joliet names
// are UCS-2 big-endian.
func decodeName(b []byte, joliet bool) string {
	if !joliet {
		if len(b) > maxNameLen {
			b = b[:maxNameLen]
		}
		return string(b)
	}
	s, err := ucs2.NewDecoder().Bytes(b[:len(b)&^1])
	if err != nil {
		log.Debugf("iso9660: converting Joliet name to UTF-8: %v", err)
		return ""
	}
	return string(s)
}

// splitVersion removes the ";n" version suffix and, for names without
// an extension, the trailing dot.
func splitVersion(name string) (string, int) {
	ver := 0
	if i := strings.IndexByte(name, ';'); i >= 0 {
		ver, _ = strconv.Atoi(name[i+1:])
		name = name[:i]
	}
	name = strings.TrimSuffix(name, ".")
	return name, ver
}
