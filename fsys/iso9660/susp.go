package iso9660

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// continuation areas may chain; this bounds a loop of them
const maxCEDepth = 8

// rockRidge holds what the System Use Sharing Protocol entries of one
// record say about the file.
type rockRidge struct {
	hasPX bool
	mode  fsys.Mode
	nlink uint32
	uid   uint32
	gid   uint32
	ino   uint32

	hasPN        bool
	devHi, devLo uint32

	link   string
	slCont bool // the last SL component continues in the next one
	name   string

	child     uint32 // CL: location of a relocated directory
	parent    uint32 // PL
	relocated bool   // RE: this record is the relocated directory itself
	sparse    bool

	crtime, mtime, atime, ctime time.Time
}

func u32(b []byte, off int) uint32 {
	if off+4 > len(b) {
		return 0
	}
	return binary.BigEndian.Uint32(b[off:])
}

// parseSUSP decodes the system use entries in b. With w set, every entry
// is also described on w.
func (f *FS) parseSUSP(b []byte, w io.Writer) *rockRidge {
	rr := &rockRidge{}
	if f.suspSkip > 0 && f.suspSkip < len(b) {
		b = b[f.suspSkip:]
	}
	f.susp(rr, b, w, 0)
	return rr
}

func (f *FS) susp(rr *rockRidge, b []byte, w io.Writer, depth int) {
	pr := func(format string, args ...any) {
		if w != nil {
			fmt.Fprintf(w, format, args...)
		}
	}

	for len(b) >= 4 {
		sig := string(b[0:2])
		l := int(b[2])
		if l < 4 || l > len(b) {
			break
		}
		e := b[:l]
		b = b[l:]

		switch sig {
		case "CE":
			blk, off, n := u32(e, 8), u32(e, 16), u32(e, 24)
			pr("CE Entry\n* Block: %d\n* Offset: %d\n* Len: %d\n", blk, off, n)
			if uint64(blk) >= f.LastBlock || off >= f.BlockSize || n > f.BlockSize {
				log.Debugf("iso9660: CE offset or block too large to process: %d/%d", blk, off)
				continue
			}
			if depth >= maxCEDepth {
				log.Debugf("iso9660: CE chain too deep at block %d", blk)
				continue
			}
			buf := make([]byte, n)
			if _, err := f.ReadRandom(buf, int64(blk)*int64(f.BlockSize)+int64(off)); err != nil {
				log.Debugf("iso9660: reading CE entry: %v", err)
				continue
			}
			f.susp(rr, buf, w, depth+1)

		case "PD":
			pr("PD Entry\n")

		case "SP":
			if l >= 7 && e[4] == 0xBE && e[5] == 0xEF {
				f.suspSkip = int(e[6])
				pr("SP Entry\n* Skip Len: %d\n", e[6])
			}

		case "ST":
			pr("ST Entry\n")
			return

		case "ER":
			if l < 8 {
				continue
			}
			li, ld, ls := int(e[4]), int(e[5]), int(e[6])
			if 8+li+ld+ls > l {
				continue
			}
			id := string(e[8 : 8+li])
			if strings.HasPrefix(id, "RRIP") || strings.HasPrefix(id, "IEEE_P1282") || strings.HasPrefix(id, "IEEE_1282") {
				f.rrFound = true
			}
			pr("ER Entry\n* Extension ID: %s\n* Extension Descriptor: %s\n* Extension Spec Source: %s\n",
				id, e[8+li:8+li+ld], e[8+li+ld:8+li+ld+ls])

		case "ES":
			pr("ES Entry\n")

		case "PX":
			rr.hasPX = true
			rr.mode = fsys.Mode(u32(e, 8))
			rr.nlink = u32(e, 16)
			rr.uid = u32(e, 24)
			rr.gid = u32(e, 32)
			rr.ino = u32(e, 40)
			f.rrFound = true
			pr("PX Entry\n* UID: %d\n* GID: %d\n* Mode: %s\n* Links: %d\n", rr.uid, rr.gid, rr.mode, rr.nlink)

		case "PN":
			rr.hasPN = true
			rr.devHi, rr.devLo = u32(e, 8), u32(e, 16)
			pr("PN Entry\n* Device ID High: %d\n* Device ID Low: %d\n", rr.devHi, rr.devLo)

		case "SL":
			if l >= 5 {
				rr.addSymlink(e[5:])
			}
			pr("SL Entry\n* %s\n", fsys.Clean(rr.link))

		case "NM":
			if l < 5 {
				continue
			}
			switch fl := e[4]; {
			case fl&0x02 != 0:
				rr.name = "."
			case fl&0x04 != 0:
				rr.name = ".."
			default:
				rr.name += string(e[5:])
			}
			pr("NM Entry\n* %s\n", fsys.Clean(rr.name))

		case "CL":
			rr.child = u32(e, 8)
			pr("CL Entry\n* Child Location: %d\n", rr.child)

		case "PL":
			rr.parent = u32(e, 8)
			pr("PL Entry\n* Parent Location: %d\n", rr.parent)

		case "RE":
			rr.relocated = true
			pr("RE Entry\n")

		case "TF":
			if l >= 5 {
				rr.addTimes(e[4], e[5:])
			}
			pr("TF Entry\n")
			if !rr.mtime.IsZero() {
				pr("* Modified: %s\n", fsys.FormatTime(rr.mtime))
			}

		case "SF":
			rr.sparse = true
			pr("SF Entry\n")

		case "RR":
			f.rrFound = true
			pr("RR Entry\n")

		default:
			pr("%s Entry (unknown)\n", fsys.Clean(sig))
		}
	}
}

// symlink component flags
const (
	slContinue = 0x01
	slCurrent  = 0x02
	slParent   = 0x04
	slRoot     = 0x08
)

// addSymlink appends the components of one SL entry to the link target.
func (rr *rockRidge) addSymlink(b []byte) {
	for len(b) >= 2 {
		cf, n := b[0], int(b[1])
		if 2+n > len(b) {
			return
		}
		var comp string
		switch {
		case cf&slCurrent != 0:
			comp = "."
		case cf&slParent != 0:
			comp = ".."
		case cf&slRoot != 0:
			comp = "/"
		default:
			comp = string(b[2 : 2+n])
		}
		b = b[2+n:]

		if rr.link != "" && !rr.slCont && !strings.HasSuffix(rr.link, "/") {
			rr.link += "/"
		}
		if comp == "/" {
			if !strings.HasSuffix(rr.link, "/") {
				rr.link += "/"
			}
		} else {
			rr.link += comp
		}
		rr.slCont = cf&slContinue != 0
	}
}

// TF flags, in the order the time stamps are recorded
const (
	tfCreation = 1 << iota
	tfModify
	tfAccess
	tfAttributes
	tfBackup
	tfExpiration
	tfEffective
	tfLongForm
)

func (rr *rockRidge) addTimes(flags byte, b []byte) {
	size := 7
	if flags&tfLongForm != 0 {
		size = 17
	}
	for bit := byte(tfCreation); bit < tfLongForm; bit <<= 1 {
		if flags&bit == 0 {
			continue
		}
		if len(b) < size {
			return
		}
		var t time.Time
		if size == 7 {
			t = recordTime(b[:7])
		} else {
			t = vdTime(b[:17])
		}
		b = b[size:]
		switch bit {
		case tfCreation:
			rr.crtime = t
		case tfModify:
			rr.mtime = t
		case tfAccess:
			rr.atime = t
		case tfAttributes:
			rr.ctime = t
		}
	}
}
