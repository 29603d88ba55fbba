package fsys

import (
	"io/fs"
	"time"
)

// Mode holds Unix-style file type and permission bits.
type Mode uint32

const (
	ModeFmt  Mode = 0170000
	ModeFIFO Mode = 0010000
	ModeChr  Mode = 0020000
	ModeDir  Mode = 0040000
	ModeBlk  Mode = 0060000
	ModeReg  Mode = 0100000
	ModeLnk  Mode = 0120000
	ModeShad Mode = 0130000
	ModeSock Mode = 0140000
	ModeWht  Mode = 0160000

	ModeISUID Mode = 0004000
	ModeISGID Mode = 0002000
	ModeISVTX Mode = 0001000

	ModeIRUSR Mode = 0000400
	ModeIWUSR Mode = 0000200
	ModeIXUSR Mode = 0000100
	ModeIRGRP Mode = 0000040
	ModeIWGRP Mode = 0000020
	ModeIXGRP Mode = 0000010
	ModeIROTH Mode = 0000004
	ModeIWOTH Mode = 0000002
	ModeIXOTH Mode = 0000001
)

// Type returns the type bits.
func (m Mode) Type() Mode {
	return m & ModeFmt
}

// IsDir reports whether m describes a directory.
func (m Mode) IsDir() bool {
	return m&ModeFmt == ModeDir
}

// DentType maps the type bits onto the directory entry type.
func (m Mode) DentType() DentType {
	switch m & ModeFmt {
	case ModeFIFO:
		return DentFIFO
	case ModeChr:
		return DentChr
	case ModeDir:
		return DentDir
	case ModeBlk:
		return DentBlk
	case ModeReg:
		return DentReg
	case ModeLnk:
		return DentLnk
	case ModeShad:
		return DentShad
	case ModeSock:
		return DentSock
	case ModeWht:
		return DentWht
	}
	return DentUndef
}

// FileMode converts m to an io/fs mode.
func (m Mode) FileMode() fs.FileMode {
	fm := fs.FileMode(m & 0777)
	switch m & ModeFmt {
	case ModeDir:
		fm |= fs.ModeDir
	case ModeLnk:
		fm |= fs.ModeSymlink
	case ModeFIFO:
		fm |= fs.ModeNamedPipe
	case ModeSock:
		fm |= fs.ModeSocket
	case ModeChr:
		fm |= fs.ModeDevice | fs.ModeCharDevice
	case ModeBlk:
		fm |= fs.ModeDevice
	}
	if m&ModeISUID != 0 {
		fm |= fs.ModeSetuid
	}
	if m&ModeISGID != 0 {
		fm |= fs.ModeSetgid
	}
	if m&ModeISVTX != 0 {
		fm |= fs.ModeSticky
	}
	return fm
}

// String returns the ls-style rendering of m, e.g. "drwxr-xr-x". The
// first character is the directory entry type code.
func (m Mode) String() string {
	b := []byte(m.DentType().String() + "---------")
	if m.DentType() == DentReg {
		b[0] = '-'
	}
	const rwx = "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if m&(1<<(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}
	if m&ModeISUID != 0 {
		if b[3] == 'x' {
			b[3] = 's'
		} else {
			b[3] = 'S'
		}
	}
	if m&ModeISGID != 0 {
		if b[6] == 'x' {
			b[6] = 's'
		} else {
			b[6] = 'S'
		}
	}
	if m&ModeISVTX != 0 {
		if b[9] == 'x' {
			b[9] = 't'
		} else {
			b[9] = 'T'
		}
	}
	return string(b)
}

// Name is one name recorded inside an inode. NTFS keeps a $FILE_NAME
// attribute per hard link, FAT keeps the slot's own name.
type Name struct {
	Name     string
	ParInode uint64
	ParSeq   uint32
}

// Inode is the format-neutral view of one file's metadata.
type Inode struct {
	Addr  uint64
	Mode  Mode
	Nlink int
	Flags InodeFlag
	Size  int64
	UID   uint32
	GID   uint32
	Seq   uint32

	Mtime  time.Time
	Atime  time.Time
	Ctime  time.Time
	Crtime time.Time // NTFS creation time
	Dtime  time.Time // Ext2 deletion time

	// Block addresses held directly in the inode. Their lengths are
	// fixed per format.
	Direct   []uint64
	Indirect []uint64

	Link  string    // symlink target, when stored in the inode
	Names []Name    // names held by the inode itself
	Attrs *DataList // NTFS attributes
}

// NewInode returns an inode with room for the given number of direct and
// indirect block addresses.
func NewInode(ndirect, nindirect int) *Inode {
	return &Inode{
		Direct:   make([]uint64, ndirect),
		Indirect: make([]uint64, nindirect),
	}
}

// Realloc resizes the address arrays, keeping existing entries.
func (in *Inode) Realloc(ndirect, nindirect int) {
	in.Direct = resize(in.Direct, ndirect)
	in.Indirect = resize(in.Indirect, nindirect)
}

func resize(a []uint64, n int) []uint64 {
	if n <= cap(a) {
		old := len(a)
		a = a[:n]
		for i := old; i < n; i++ {
			a[i] = 0
		}
		return a
	}
	b := make([]uint64, n)
	copy(b, a)
	return b
}

// IsAlloc reports whether the inode is allocated.
func (in *Inode) IsAlloc() bool {
	return in.Flags&InodeAlloc != 0
}

// Dent is one name-to-inode binding found while walking a directory.
type Dent struct {
	Inode     uint64
	Name      string
	ShortName string // FAT 8.3 name when a long name exists
	Type      DentType
	Flags     DentFlag
	Path      string // directory prefix supplied by the walker
	Depth     int
	Meta      *Inode // resolved inode, nil when the lookup failed
}

// IsDot reports whether the entry is "." or "..".
func (d *Dent) IsDot() bool {
	return IsDot(d.Name)
}

// IsDot reports whether name is "." or "..".
func IsDot(name string) bool {
	return name == "." || name == ".."
}

// UnixTime converts seconds since the Unix epoch, treating 0 as unset.
func UnixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// UnixSeconds is the inverse of UnixTime.
func UnixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// FormatTime renders t in UTC the way ctime(3) does, without the trailing
// newline. The zero time prints as the Unix epoch.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format("Mon Jan _2 15:04:05 2006")
}

// Clean replaces control characters in a name with '^'.
func Clean(name string) string {
	var dirty bool
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			dirty = true
			break
		}
	}
	if !dirty {
		return name
	}
	b := []rune(name)
	for i, r := range b {
		if r < 0x20 || r == 0x7f {
			b[i] = '^'
		}
	}
	return string(b)
}
