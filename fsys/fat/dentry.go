package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"

	"github.com/lvdlvd/rawhide/fsys"
)

// FAT directory entry attributes
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolume    = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLFN       = 0x0f
	attrAll       = 0x3f
)

// first byte of the name
const (
	slotEmpty   = 0x00
	slotE5      = 0x05 // stands for a real 0xe5
	slotDeleted = 0xe5
)

const (
	caseLowerBase = 0x08
	caseLowerExt  = 0x10
	caseLowerAll  = 0x18

	lfnSeqFirst = 0x40
	lfnSeqMask  = 0x3f
)

// dentry is a raw 32-byte directory entry
type dentry struct {
	name       [8]byte
	ext        [3]byte
	attr       uint8
	lowercase  uint8
	ctimeTen   uint8
	ctime      uint16
	cdate      uint16
	adate      uint16
	highClust  uint16
	wtime      uint16
	wdate      uint16
	startClust uint16
	size       uint32
}

func parseDentry(b []byte) dentry {
	var d dentry
	copy(d.name[:], b[0:8])
	copy(d.ext[:], b[8:11])
	d.attr = b[11]
	d.lowercase = b[12]
	d.ctimeTen = b[13]
	d.ctime = binary.LittleEndian.Uint16(b[14:16])
	d.cdate = binary.LittleEndian.Uint16(b[16:18])
	d.adate = binary.LittleEndian.Uint16(b[18:20])
	d.highClust = binary.LittleEndian.Uint16(b[20:22])
	d.wtime = binary.LittleEndian.Uint16(b[22:24])
	d.wdate = binary.LittleEndian.Uint16(b[24:26])
	d.startClust = binary.LittleEndian.Uint16(b[26:28])
	d.size = binary.LittleEndian.Uint32(b[28:32])
	return d
}

func (d *dentry) cluster() uint64 {
	return uint64(d.startClust) | uint64(d.highClust)<<16
}

func (d *dentry) isLFN() bool {
	return d.attr&attrLFN == attrLFN
}

func (d *dentry) isDir() bool {
	return d.attr&attrDirectory != 0
}

// isDot reports whether the entry is "." or "..".
func (d *dentry) isDot() bool {
	if d.name[0] != '.' || (d.name[1] != ' ' && d.name[1] != '.') {
		return false
	}
	for _, c := range d.name[2:] {
		if c != ' ' {
			return false
		}
	}
	return d.ext == [3]byte{' ', ' ', ' '}
}

// checksum is the 8.3 name checksum stored in each long name slot.
func (d *dentry) checksum() uint8 {
	var sum uint8
	for _, c := range append(d.name[:], d.ext[:]...) {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// is83Char reports whether c may appear in a short name.
func is83Char(c byte) bool {
	switch {
	case c < 0x20, c == 0x22, c >= 0x2a && c <= 0x2c, c == 0x2e, c == 0x2f,
		c >= 0x3a && c <= 0x3f, c >= 0x5b && c <= 0x5d, c == 0x7c:
		return false
	}
	return true
}

func (d *dentry) is83Name() bool {
	// 0x05 and '.' are only valid as the first character
	if d.name[0] != slotE5 && d.name[0] != '.' && !is83Char(d.name[0]) {
		return false
	}
	if d.name[1] == '.' {
		if d.name[0] != '.' {
			return false
		}
	} else if !is83Char(d.name[1]) {
		return false
	}
	for _, c := range d.name[2:] {
		if !is83Char(c) {
			return false
		}
	}
	for _, c := range d.ext {
		if !is83Char(c) {
			return false
		}
	}
	return true
}

func isTime(t uint16) bool {
	return t&0x1f <= 29 && (t>>5)&0x3f <= 59 && t>>11 <= 23
}

func isDate(d uint16) bool {
	day, mon := d&0x1f, (d>>5)&0x0f
	return day >= 1 && day <= 31 && mon >= 1 && mon <= 12
}

// isDentry does a sanity check of a raw entry. Long name slots only get
// a sequence number check.
func (f *FS) isDentry(raw []byte) bool {
	if raw[11]&attrLFN == attrLFN {
		seq := raw[0]
		return seq <= lfnSeqFirst|0x0f || seq == slotDeleted
	}
	d := parseDentry(raw)
	switch {
	case d.lowercase&^caseLowerAll != 0:
		return false
	case d.attr&^attrAll != 0:
		return false
	// ctime, cdate and adate are optional
	case d.ctime != 0 && !isTime(d.ctime):
		return false
	case d.wtime != 0 && !isTime(d.wtime):
		return false
	case d.cdate != 0 && !isDate(d.cdate):
		return false
	case d.adate != 0 && !isDate(d.adate):
		return false
	case !isDate(d.wdate):
		return false
	case d.cluster() > f.lastClust && !f.isEOF(d.cluster()):
		return false
	case uint64(d.size) > f.clustCnt*f.csize*f.ssize:
		return false
	}
	return d.is83Name()
}

// dosTime converts a DOS date and time. A zero date is unset.
func dosTime(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	sec := int(tm&0x1f) * 2
	if sec > 60 {
		sec = 0
	}
	min := int(tm>>5) & 0x3f
	if min > 59 {
		min = 0
	}
	hour := int(tm >> 11)
	if hour > 23 {
		hour = 0
	}
	day := int(date & 0x1f)
	mon := int(date>>5)&0x0f - 1
	if mon < 0 || mon > 11 {
		mon = 0
	}
	year := 1980 + int(date>>9)
	return time.Date(year, time.Month(mon+1), day, hour, min, sec, 0, time.UTC)
}

// unixMode maps the attribute byte to mode bits. Everything is
// executable; read-only clears the write bits, hidden the read bits.
func unixMode(attr uint8) fsys.Mode {
	mode := fsys.ModeIXUSR | fsys.ModeIXGRP | fsys.ModeIXOTH
	if attr&attrDirectory != 0 {
		mode |= fsys.ModeDir
	} else {
		mode |= fsys.ModeReg
	}
	if attr&attrReadOnly == 0 {
		mode |= fsys.ModeIRUSR | fsys.ModeIRGRP | fsys.ModeIROTH
	}
	if attr&attrHidden == 0 {
		mode |= fsys.ModeIWUSR | fsys.ModeIWGRP | fsys.ModeIWOTH
	}
	return mode
}

// decodeOEM converts short name bytes from code page 437.
func decodeOEM(b []byte) string {
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}
	s, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// shortName renders the 8.3 name: spaces dropped, a '.' before the
// extension, lower case applied per the case flags, and a deleted
// marker shown as '_'.
func (d *dentry) shortName() string {
	var base, ext []byte
	for i, c := range d.name {
		if c == 0 || c == 0xff || c == ' ' {
			continue
		}
		switch {
		case i == 0 && c == slotDeleted:
			c = '_'
		case i == 0 && c == slotE5:
			c = slotDeleted
		case d.lowercase&caseLowerBase != 0 && c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		}
		base = append(base, c)
	}
	for _, c := range d.ext {
		if c == 0 || c == 0xff || c == ' ' {
			continue
		}
		if d.lowercase&caseLowerExt != 0 && c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		ext = append(ext, c)
	}
	name := decodeOEM(base)
	if len(ext) > 0 {
		name += "." + decodeOEM(ext)
	}
	return fsys.Clean(name)
}

// volumeLabel renders a volume label entry.
func (d *dentry) volumeLabel() string {
	var b []byte
	for _, c := range append(d.name[:], d.ext[:]...) {
		if c < 0x20 || c == 0xff {
			c = '^'
		}
		b = append(b, c)
	}
	return decodeOEM(b)
}

// chainSize returns the byte size of the cluster chain starting at
// clust. FAT stores no size for directories.
func (f *FS) chainSize(clust uint64) int64 {
	seen := map[uint64]struct{}{}
	var n int64
	for clust != 0 && !f.isEOF(clust) {
		if _, ok := seen[clust]; ok {
			log.Debugf("fat: loop in cluster chain at %d", clust)
			break
		}
		seen[clust] = struct{}{}
		n++
		next, err := f.getFAT(clust)
		if err != nil {
			break
		}
		clust = next
	}
	return n * int64(f.csize*f.ssize)
}

// dinodeCopy fills in from the raw entry at sector sect.
func (f *FS) dinodeCopy(in *fsys.Inode, raw []byte, sect, inum uint64) error {
	d := parseDentry(raw)
	in.Addr = inum
	in.Mode = unixMode(d.attr)
	in.UID, in.GID, in.Seq = 0, 0, 0
	in.Crtime, in.Dtime = time.Time{}, time.Time{}
	in.Realloc(1, 0)

	if d.isLFN() {
		in.Nlink = 0
		in.Size = 0
		in.Mtime, in.Atime, in.Ctime = time.Time{}, time.Time{}, time.Time{}
		in.Names = []fsys.Name{{Name: lfnSlotName(raw)}}
		in.Direct[0] = 0
	} else {
		in.Nlink = 1
		if d.name[0] == slotDeleted {
			in.Nlink = 0
		}
		in.Size = int64(d.size)
		in.Mtime, in.Atime, in.Ctime = time.Time{}, time.Time{}, time.Time{}
		if isDate(d.wdate) {
			in.Mtime = dosTime(d.wdate, d.wtime)
		}
		if isDate(d.adate) {
			in.Atime = dosTime(d.adate, 0)
		}
		// FAT has a creation date and no change time
		if isDate(d.cdate) {
			in.Ctime = dosTime(d.cdate, d.ctime)
		}
		if d.attr&attrVolume != 0 {
			in.Names = []fsys.Name{{Name: strings.TrimRight(d.volumeLabel(), " ")}}
		} else {
			in.Names = []fsys.Name{{Name: d.shortName()}}
		}
		in.Direct[0] = d.cluster() & f.mask
		if d.isDir() {
			in.Size = f.chainSize(in.Direct[0])
		}
	}

	alloc, err := f.isSectAlloc(sect)
	if err != nil {
		return err
	}
	if alloc && d.name[0] != slotDeleted {
		in.Flags = fsys.InodeAlloc
	} else {
		in.Flags = fsys.InodeUnalloc
	}
	if d.name[0] == slotEmpty {
		in.Flags |= fsys.InodeUnused
	} else {
		in.Flags |= fsys.InodeUsed
	}
	return nil
}

// makeRoot makes up the root directory inode. FAT12/16 roots live in a
// fixed region that is flagged with start cluster 1.
func (f *FS) makeRoot() *fsys.Inode {
	in := fsys.NewInode(1, 0)
	in.Addr = f.RootInum
	in.Mode = fsys.ModeDir
	in.Nlink = 1
	in.Flags = fsys.InodeUsed | fsys.InodeAlloc
	in.Names = []fsys.Name{{Name: ""}}
	if f.Type != fsys.FAT32 {
		in.Direct[0] = 1
		in.Size = int64((f.firstClustSect - f.firstDataSect) * f.ssize)
		return in
	}
	clust := f.sectToClust(f.rootSect)
	in.Direct[0] = clust
	in.Size = f.chainSize(clust)
	return in
}

// lookup returns inode inum and its raw entry, which is nil for the root.
func (f *FS) lookup(inum uint64) (*fsys.Inode, []byte, error) {
	if inum < f.FirstInum || inum > f.LastInum {
		return nil, nil, fsys.Errorf(fsys.ErrArgument, "fatfs_inode_lookup", "invalid inode: %d", inum)
	}
	if inum == f.RootInum {
		return f.makeRoot(), nil, nil
	}
	sect := f.inodeToSect(inum)
	off := f.inodeToOff(inum)
	if sect > f.LastBlock {
		return nil, nil, fsys.Errorf(fsys.ErrArgument, "fatfs_inode_lookup", "inode %d in sector too big for image: %d", inum, sect)
	}
	buf := make([]byte, f.ssize)
	if _, err := f.ReadBlock(buf, sect); err != nil {
		return nil, nil, fmt.Errorf("reading sector %d of inode %d: %w", sect, inum, err)
	}
	raw := buf[off : off+dentrySize]
	if !f.isDentry(raw) {
		return nil, nil, fsys.Errorf(fsys.ErrCorrupt, "fatfs_inode_lookup", "%d is not an inode", inum)
	}
	in := fsys.NewInode(1, 0)
	if err := f.dinodeCopy(in, raw, sect, inum); err != nil {
		return nil, nil, err
	}
	return in, raw, nil
}

// InodeLookup loads the directory entry at slot inum.
func (f *FS) InodeLookup(inum uint64) (*fsys.Inode, error) {
	in, _, err := f.lookup(inum)
	return in, err
}

// dirSectors returns the sectors of every directory reachable from the
// root through allocated names.
func (f *FS) dirSectors() (map[uint64]struct{}, error) {
	sects := map[uint64]struct{}{}
	mark := func(addr uint64, _ []byte, _ fsys.BlockFlag) error {
		sects[addr] = struct{}{}
		return nil
	}
	if err := f.FileWalk(f.makeRoot(), 0, 0, fsys.FileSlack|fsys.FileAOnly|fsys.FileRecover, mark); err != nil {
		return nil, err
	}
	err := f.DentWalk(f.RootInum, fsys.DentAlloc|fsys.DentRecurse, func(d *fsys.Dent) error {
		if d.Meta == nil || !d.Meta.Mode.IsDir() {
			return nil
		}
		if err := f.FileWalk(d.Meta, 0, 0, fsys.FileSlack|fsys.FileAOnly|fsys.FileRecover, mark); err != nil {
			log.Debugf("fat: mapping directory %d: %v", d.Inode, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mapping directories: %w", err)
	}
	return sects, nil
}

// InodeWalk visits the slots start..end. Only sectors that belong to a
// directory, or that start with a valid entry, are examined. Long name
// slots and dot entries are skipped.
func (f *FS) InodeWalk(start, end uint64, flags fsys.InodeFlag, fn fsys.InodeWalkFunc) error {
	if start < f.FirstInum || start > f.LastInum {
		return fsys.Errorf(fsys.ErrWalkRange, "fatfs_inode_walk", "start inode: %d", start)
	}
	if end < f.FirstInum || end > f.LastInum || end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "fatfs_inode_walk", "end inode: %d", end)
	}
	flags = flags.Norm()

	if flags&fsys.InodeOrphan != 0 {
		if err := f.LoadNamed(f); err != nil {
			return fmt.Errorf("identifying inodes allocated by file names: %w", err)
		}
	}

	// the root has no entry, so it is made up
	if start == f.RootInum {
		if flags&fsys.InodeAlloc != 0 && flags&fsys.InodeUsed != 0 && flags&fsys.InodeOrphan == 0 {
			if err := fn(f.makeRoot()); err != nil {
				return fsys.WalkErr(err)
			}
		}
		if end == f.RootInum {
			return nil
		}
		start++
	}

	dirSects, err := f.dirSectors()
	if err != nil {
		return err
	}

	ssect := f.inodeToSect(start)
	lsect := f.inodeToSect(end)
	if ssect > f.LastBlock {
		return fsys.Errorf(fsys.ErrWalkRange, "fatfs_inode_walk", "starting inode in sector too big for image: %d", ssect)
	}
	if lsect > f.LastBlock {
		return fsys.Errorf(fsys.ErrWalkRange, "fatfs_inode_walk", "ending inode in sector too big for image: %d", lsect)
	}

	w := &inodeWalker{f: f, start: start, end: end, flags: flags, fn: fn}
	sect := ssect

	// FAT12/16 root directory; its entries are never orphans
	if sect < f.firstClustSect && flags&fsys.InodeOrphan == 0 {
		buf := make([]byte, f.ssize)
		for ; sect <= lsect && sect < f.firstClustSect; sect++ {
			if _, err := f.ReadBlock(buf, sect); err != nil {
				return fmt.Errorf("root directory sector %d: %w", sect, err)
			}
			if done, err := w.sector(buf, sect, true); done || err != nil {
				return err
			}
		}
		if sect > lsect {
			return nil
		}
	} else if sect < f.firstClustSect {
		sect = f.firstClustSect
	}

	buf := make([]byte, f.csize*f.ssize)
	base := f.firstClustSect + (sect-f.firstClustSect)/f.csize*f.csize
	for sect = base; sect <= lsect; sect += f.csize {
		// allocated clusters only hold entries when a directory owns them
		clustAlloc, err := f.isSectAlloc(sect)
		if err != nil {
			return err
		}
		if !clustAlloc && flags&fsys.InodeUnalloc == 0 {
			continue
		}
		if _, ok := dirSects[sect]; clustAlloc && !ok {
			continue
		}

		n := f.csize
		if lsect-sect+1 < n {
			n = lsect - sect + 1
		}
		if _, err := f.ReadBlock(buf[:n*f.ssize], sect); err != nil {
			return fmt.Errorf("inode walk sector %d: %w", sect, err)
		}
		for i := uint64(0); i < n; i++ {
			s := sect + i
			data := buf[i*f.ssize : (i+1)*f.ssize]
			if _, ok := dirSects[s]; !ok && !f.isDentry(data[:dentrySize]) {
				continue
			}
			if f.sectToInode(s+1) < start {
				continue
			}
			if done, err := w.sector(data, s, clustAlloc); done || err != nil {
				return err
			}
		}
	}
	return nil
}

// inodeWalker runs the per-sector part of InodeWalk.
type inodeWalker struct {
	f          *FS
	start, end uint64
	flags      fsys.InodeFlag
	fn         fsys.InodeWalkFunc
}

// sector visits the slots of one sector. done is set once the walk is
// over, either past end or stopped by the callback.
func (w *inodeWalker) sector(data []byte, sect uint64, alloc bool) (done bool, err error) {
	f := w.f
	inum := f.sectToInode(sect)
	for i := uint64(0); i < f.dentPerSect; i, inum = i+1, inum+1 {
		if inum < w.start {
			continue
		}
		if inum > w.end {
			return true, nil
		}
		raw := data[i*dentrySize : (i+1)*dentrySize]
		d := parseDentry(raw)
		if d.isLFN() {
			continue
		}
		// dot entries repeat other slots
		if d.isDir() && d.name[0] == '.' {
			continue
		}

		// deleted directories do not always mark their entries
		myflags := fsys.InodeUnalloc
		if alloc && d.name[0] != slotDeleted {
			myflags = fsys.InodeAlloc
		}
		if d.name[0] == slotEmpty {
			myflags |= fsys.InodeUnused
		} else {
			myflags |= fsys.InodeUsed
		}
		if !w.flags.Match(myflags) {
			continue
		}
		if myflags&fsys.InodeUnalloc != 0 && w.flags&fsys.InodeOrphan != 0 && f.IsNamed(inum) {
			continue
		}
		if !f.isDentry(raw) {
			continue
		}

		in := fsys.NewInode(1, 0)
		if err := f.dinodeCopy(in, raw, sect, inum); err != nil {
			return true, err
		}
		if err := w.fn(in); err != nil {
			return true, fsys.WalkErr(err)
		}
	}
	return false, nil
}
