package ffs

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lvdlvd/rawhide/fsys"
)

type flagName struct {
	bit  uint32
	name string
}

var (
	sbFlagNames = []flagName{
		{sbFlagUnclean, "Unclean"},
		{sbFlagSoftDep, "Soft Dependencies"},
		{sbFlagNeedFsck, "Needs fsck"},
		{sbFlagIndexDir, "Index directories"},
		{sbFlagACL, "ACLs"},
		{sbFlagMultiLabel, "TrustedBSD MAC Multi-label"},
		{sbFlagUpdated, "Updated Flag Location"},
	}

	inodeFlagNames = []flagName{
		{0x00000001, "No Dump"},
		{0x00000002, "Immutable"},
		{0x00000004, "Append Only"},
		{0x00000008, "Opaque"},
		{0x00000010, "No Unlink"},
		{0x00010000, "Archived"},
		{0x00020000, "System Immutable"},
		{0x00040000, "System Append Only"},
		{0x00100000, "System No Unlink"},
		{0x00200000, "Snapshot"},
	}

	eaNamespaces = map[uint8]string{
		1: "user",
		2: "system",
	}
)

func flagList(v uint32, names []flagName) string {
	var parts []string
	for _, fl := range names {
		if v&fl.bit != 0 {
			parts = append(parts, fl.name)
		}
	}
	return strings.Join(parts, ", ")
}

func cstring(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return fsys.Clean(string(b))
}

func stampOrEmpty(sec int64) string {
	if sec == 0 {
		return "empty"
	}
	return fsys.FormatTime(fsys.UnixTime(sec))
}

// FsStat writes the superblock summary and the layout of every cylinder
// group.
func (f *FS) FsStat(w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	sb := &f.sb

	fmt.Fprintf(bw, "FILE SYSTEM INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	switch f.Type {
	case fsys.FFS2:
		fmt.Fprintf(bw, "File System Type: UFS 2\n")
	case fsys.FFS1B:
		fmt.Fprintf(bw, "File System Type: UFS 1 (Solaris)\n")
	default:
		fmt.Fprintf(bw, "File System Type: UFS 1\n")
	}
	fmt.Fprintf(bw, "Last Written: %s\n", stampOrEmpty(sb.time))
	fmt.Fprintf(bw, "Last Mount Point: %s\n", cstring(sb.fsmnt[:]))
	if f.Type == fsys.FFS2 {
		fmt.Fprintf(bw, "Volume Name: %s\n", cstring(sb.volname[:]))
		fmt.Fprintf(bw, "System UID: %d\n", sb.swuid)
	}
	fmt.Fprintf(bw, "File System ID: %x%x\n", sb.id[0], sb.id[1])
	if sb.clean == 0 {
		fmt.Fprintf(bw, "Unmounted Improperly\n")
	}
	if sb.flags != 0 {
		fmt.Fprintf(bw, "Flags: %s\n", flagList(sb.flags, sbFlagNames))
	}

	fmt.Fprintf(bw, "\nMETADATA INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Inode Range: %d - %d\n", f.FirstInum, f.LastInum)
	fmt.Fprintf(bw, "Root Directory: %d\n", f.RootInum)
	fmt.Fprintf(bw, "Num of Avail Inodes: %d\n", sb.cstotal.freeInos)
	fmt.Fprintf(bw, "Num of Directories: %d\n", sb.cstotal.dirs)

	fmt.Fprintf(bw, "\nCONTENT INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Fragment Range: %d - %d\n", f.FirstBlock, f.LastBlock)
	if f.LastBlockAct != f.LastBlock {
		fmt.Fprintf(bw, "Total Range in Image: %d - %d\n", f.FirstBlock, f.LastBlockAct)
	}
	fmt.Fprintf(bw, "Block Size: %d\n", f.bsize)
	fmt.Fprintf(bw, "Fragment Size: %d\n", f.BlockSize)
	fmt.Fprintf(bw, "Num of Avail Full Blocks: %d\n", sb.cstotal.freeBlks)
	fmt.Fprintf(bw, "Num of Avail Fragments: %d\n", sb.cstotal.freeFrags)

	fmt.Fprintf(bw, "\nCYLINDER GROUP INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Number of Cylinder Groups: %d\n", sb.ncg)
	fmt.Fprintf(bw, "Inodes per group: %d\n", sb.ipg)
	fmt.Fprintf(bw, "Fragments per group: %d\n", sb.fpg)

	// the summary area keeps a copy of every group's counts
	var summary []byte
	if sb.cssize > 0 && sb.csaddr <= f.LastBlock {
		fs := uint64(f.BlockSize)
		buf := make([]byte, (uint64(sb.cssize)+fs-1)/fs*fs)
		if _, err := f.ReadBlock(buf, sb.csaddr); err == nil {
			summary = buf[:sb.cssize]
			fmt.Fprintf(bw, "Summary area: %d - %d\n", sb.csaddr, sb.csaddr+uint64(len(buf))/fs-1)
		}
	}

	ipg := uint64(sb.ipg)
	for g := uint32(0); g < sb.ncg; g++ {
		c, err := f.group(g)
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, "\nGroup %d:\n", g)
		if c.time != 0 {
			fmt.Fprintf(bw, "  Last Written: %s\n", stampOrEmpty(c.time))
		}
		inum := ipg * uint64(g)
		fmt.Fprintf(bw, "  Inode Range: %d - %d\n", inum, min(inum+ipg-1, f.LastInum))

		base := f.cgBase(g)
		last := min(f.cgBase(g+1)-1, f.LastBlock)
		fmt.Fprintf(bw, "  Fragment Range: %d - %d\n", base, last)

		fmt.Fprintf(bw, "    Super Block: %d - %d\n", f.cgsblock(g), f.cgtod(g)-1)
		fmt.Fprintf(bw, "    Group Desc: %d - %d\n", f.cgtod(g), f.cgimin(g)-1)
		fmt.Fprintf(bw, "    Inode Table: %d - %d\n", f.cgimin(g), f.cgdmin(g)-1)
		// data may sit in front of the superblock copy
		fmt.Fprintf(bw, "    Data Fragments: ")
		if base != f.cgsblock(g) {
			fmt.Fprintf(bw, "%d - %d, ", base, f.cgsblock(g)-1)
		}
		fmt.Fprintf(bw, "%d - %d\n", f.cgdmin(g), last)

		if off := 16 * int(g); off+16 <= len(summary) {
			e := f.Endian
			fmt.Fprintf(bw, "  Global Summary (from the superblock summary area):\n")
			fmt.Fprintf(bw, "    Num of Dirs: %d\n", e.Uint32(summary[off:]))
			fmt.Fprintf(bw, "    Num of Avail Blocks: %d\n", e.Uint32(summary[off+4:]))
			fmt.Fprintf(bw, "    Num of Avail Inodes: %d\n", e.Uint32(summary[off+8:]))
			fmt.Fprintf(bw, "    Num of Avail Frags: %d\n", e.Uint32(summary[off+12:]))
		}
		fmt.Fprintf(bw, "  Local Summary (from the group descriptor):\n")
		fmt.Fprintf(bw, "    Num of Dirs: %d\n", c.cs.dirs)
		fmt.Fprintf(bw, "    Num of Avail Blocks: %d\n", c.cs.freeBlks)
		fmt.Fprintf(bw, "    Num of Avail Inodes: %d\n", c.cs.freeInos)
		fmt.Fprintf(bw, "    Num of Avail Frags: %d\n", c.cs.freeFrags)
		fmt.Fprintf(bw, "    Last Block Allocated: %d\n", uint64(c.rotor)+base)
		fmt.Fprintf(bw, "    Last Fragment Allocated: %d\n", uint64(c.frotor)+base)
		fmt.Fprintf(bw, "    Last Inode Allocated: %d\n", uint64(c.irotor)+inum)
	}
	return bw.Flush()
}

// blockList prints the content fragment addresses of a file eight to a
// line and collects the fragments of the indirect blocks.
type blockList struct {
	w     io.Writer
	idx   int
	indir []uint64
}

func (l *blockList) add(addr uint64, b []byte, flags fsys.BlockFlag) error {
	if flags&fsys.BlockMeta != 0 {
		l.indir = append(l.indir, addr)
		return nil
	}
	l.print(addr)
	return nil
}

func (l *blockList) print(addr uint64) {
	fmt.Fprintf(l.w, "%d ", addr)
	if l.idx++; l.idx == 8 {
		fmt.Fprintf(l.w, "\n")
		l.idx = 0
	}
}

func (l *blockList) end() {
	if l.idx != 0 {
		fmt.Fprintf(l.w, "\n")
	}
	l.idx = 0
}

func adjust(t time.Time, skew time.Duration) time.Time {
	if t.IsZero() || skew == 0 {
		return t
	}
	return t.Add(-skew)
}

func printTimes(w io.Writer, in *fsys.Inode, skew time.Duration) {
	fmt.Fprintf(w, "Accessed:\t%s\n", fsys.FormatTime(adjust(in.Atime, skew)))
	fmt.Fprintf(w, "File Modified:\t%s\n", fsys.FormatTime(adjust(in.Mtime, skew)))
	fmt.Fprintf(w, "Inode Modified:\t%s\n", fsys.FormatTime(adjust(in.Ctime, skew)))
	if !in.Crtime.IsZero() {
		fmt.Fprintf(w, "Created:\t%s\n", fsys.FormatTime(adjust(in.Crtime, skew)))
	}
}

// IStat writes the details of inode inum and its fragment addresses.
func (f *FS) IStat(w io.Writer, inum uint64, numBlocks uint64, skew int32) error {
	d, err := f.readDinode(inum)
	if err != nil {
		return err
	}
	in := fsys.NewInode(nDirect, nIndirect)
	if err := f.dinodeCopy(in, &d, inum); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "inode: %d\n", inum)
	if in.Flags&fsys.InodeAlloc != 0 {
		fmt.Fprintf(bw, "Allocated\n")
	} else {
		fmt.Fprintf(bw, "Not Allocated\n")
	}
	fmt.Fprintf(bw, "Group: %d\n", f.inodeGroup(inum))
	fmt.Fprintf(bw, "Generation Id: %d\n", d.gen)
	if in.Link != "" {
		fmt.Fprintf(bw, "symbolic link to: %s\n", fsys.Clean(in.Link))
	}
	fmt.Fprintf(bw, "uid / gid: %d / %d\n", in.UID, in.GID)
	fmt.Fprintf(bw, "mode: %s\n", in.Mode)
	if t := in.Mode.Type(); t == fsys.ModeBlk || t == fsys.ModeChr {
		rdev := d.db[0]
		fmt.Fprintf(bw, "Device Major: %d   Minor: %d\n", (rdev>>8)&0xff, rdev&0xff|(rdev>>8)&0xffff00)
	}
	if d.flags != 0 {
		fmt.Fprintf(bw, "Flags: %s\n", flagList(d.flags, inodeFlagNames))
	}
	fmt.Fprintf(bw, "size: %d\n", in.Size)
	fmt.Fprintf(bw, "num of links: %d\n", in.Nlink)

	if f.Type == fsys.FFS2 && d.extsize > 0 {
		f.printExtAttrs(bw, &d)
	}

	if skew != 0 {
		fmt.Fprintf(bw, "\nAdjusted Inode Times:\n")
		printTimes(bw, in, time.Duration(skew)*time.Second)
		fmt.Fprintf(bw, "\nOriginal Inode Times:\n")
	} else {
		fmt.Fprintf(bw, "\nInode Times:\n")
	}
	printTimes(bw, in, 0)

	walked := *in
	if numBlocks > 0 {
		walked.Size = int64(numBlocks) * int64(f.BlockSize)
	}

	fmt.Fprintf(bw, "\nDirect Blocks:\n")
	bl := &blockList{w: bw}
	flags := fsys.FileAOnly | fsys.FileMeta | fsys.FileNoID
	if in.Flags&fsys.InodeUnalloc != 0 {
		flags |= fsys.FileRecover
	}
	err = f.FileWalk(&walked, 0, 0, flags, bl.add)
	bl.end()
	if err != nil {
		fmt.Fprintf(bw, "Error reading file: %v\n", err)
	}

	if len(bl.indir) > 0 {
		fmt.Fprintf(bw, "\nIndirect Blocks:\n")
		for _, addr := range bl.indir {
			bl.print(addr)
		}
		bl.end()
	}
	return bw.Flush()
}

// printExtAttrs lists the UFS2 extended attributes of d. They are
// records in up to two blocks: a 4-byte length, the namespace, the
// padding after the content and the name length, then the name padded to
// 8 bytes and the content.
func (f *FS) printExtAttrs(w io.Writer, d *dinode) {
	fmt.Fprintf(w, "\nExtended Attributes:\n")
	size := int(d.extsize)
	data := make([]byte, 0, 2*f.bsize)
	for _, addr := range d.extb {
		if len(data) >= size || addr == 0 {
			break
		}
		if addr > f.LastBlock {
			fmt.Fprintf(w, "Extended attribute block %d is past the end\n", addr)
			return
		}
		buf := make([]byte, f.bsize)
		if _, err := f.ReadBlock(buf, addr); err != nil {
			fmt.Fprintf(w, "Error reading extended attribute block: %v\n", err)
			return
		}
		data = append(data, buf...)
	}
	data = data[:min(size, len(data))]

	for off := 0; off+7 <= len(data); {
		reclen := int(f.Endian.Uint32(data[off:]))
		if reclen < 8 || off+reclen > len(data) {
			break
		}
		ns, pad, nlen := data[off+4], int(data[off+5]), int(data[off+6])
		hdr := (7 + nlen + 7) &^ 7
		if hdr > reclen || off+7+nlen > len(data) {
			break
		}
		name := fsys.Clean(string(data[off+7 : off+7+nlen]))
		space, ok := eaNamespaces[ns]
		if !ok {
			space = fmt.Sprintf("namespace %d", ns)
		}
		fmt.Fprintf(w, "  %s.%s (%d bytes)\n", space, name, max(reclen-hdr-pad, 0))
		off += reclen
	}
}
