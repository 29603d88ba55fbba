package ext

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvdlvd/rawhide/fsys"
)

const stateValid = 0x0001

var creatorOS = map[uint32]string{
	0: "Linux",
	1: "HURD",
	2: "MASIX",
	3: "FreeBSD",
	4: "LITES",
}

type feature struct {
	bit  uint32
	name string
}

var (
	compatFeatures = []feature{
		{featureCompatDirPrealloc, "Dir Prealloc"},
		{featureCompatImagicInodes, "iMagic inodes"},
		{featureCompatHasJournal, "Journal"},
		{featureCompatExtAttr, "Ext Attributes"},
		{featureCompatResizeInode, "Resize Inode"},
		{featureCompatDirIndex, "Dir Index"},
	}
	incompatFeatures = []feature{
		{featureIncompatCompression, "Compression"},
		{featureIncompatFiletype, "Filetype"},
		{featureIncompatRecover, "Needs Recovery"},
		{featureIncompatJournalDev, "Journal Dev"},
		{featureIncompatExtents, "Extents"},
		{featureIncompat64Bit, "64bit"},
	}
	roCompatFeatures = []feature{
		{featureROCompatSparseSuper, "Sparse Super"},
		{featureROCompatLargeFile, "Has Large Files"},
		{featureROCompatBtreeDir, "Btree Dir"},
	}

	inodeFlagNames = []feature{
		{0x00000001, "Secure Delete"},
		{0x00000002, "Undelete"},
		{0x00000004, "Compressed"},
		{0x00000008, "Sync Updates"},
		{0x00000010, "Immutable"},
		{0x00000020, "Append Only"},
		{0x00000040, "Do Not Dump"},
		{0x00000080, "No A-Time"},
		{inodeFlagExtents, "Extents"},
		{inodeFlagInline, "Inline Data"},
	}
)

func featureList(v uint32, names []feature) string {
	var parts []string
	for _, ft := range names {
		if v&ft.bit != 0 {
			parts = append(parts, ft.name)
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

func stampOrEmpty(sec uint32) string {
	if sec == 0 {
		return "empty"
	}
	return fsys.FormatTime(fsys.UnixTime(int64(sec)))
}

// FsStat writes the superblock summary and the layout of every group.
func (f *FS) FsStat(w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	sb := &f.sb

	fmt.Fprintf(bw, "FILE SYSTEM INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "File System Type: %s\n", f.Type)
	fmt.Fprintf(bw, "Volume Name: %s\n", cstring(sb.volumeName[:]))
	fmt.Fprintf(bw, "Volume ID: %s\n", uuid.UUID(sb.uuid))

	fmt.Fprintf(bw, "\nLast Written at: %s\n", stampOrEmpty(sb.wtime))
	fmt.Fprintf(bw, "Last Checked at: %s\n", stampOrEmpty(sb.lastcheck))
	fmt.Fprintf(bw, "\nLast Mounted at: %s\n", stampOrEmpty(sb.mtime))

	if sb.state&stateValid != 0 {
		fmt.Fprintf(bw, "Unmounted properly\n")
	} else {
		fmt.Fprintf(bw, "Unmounted Improperly\n")
	}
	if lm := cstring(sb.lastMounted[:]); lm != "" {
		fmt.Fprintf(bw, "Last mounted on: %s\n", lm)
	}

	if name, ok := creatorOS[sb.creatorOS]; ok {
		fmt.Fprintf(bw, "\nSource OS: %s\n", name)
	} else {
		fmt.Fprintf(bw, "\nSource OS: %x\n", sb.creatorOS)
	}
	if sb.revLevel == 0 {
		fmt.Fprintf(bw, "Static Structure\n")
	} else {
		fmt.Fprintf(bw, "Dynamic Structure\n")
	}
	if sb.featureCompat != 0 {
		fmt.Fprintf(bw, "Compat Features: %s\n", featureList(sb.featureCompat, compatFeatures))
	}
	if sb.featureIncompat != 0 {
		fmt.Fprintf(bw, "InCompat Features: %s\n", featureList(sb.featureIncompat, incompatFeatures))
	}
	if sb.featureROCompat != 0 {
		fmt.Fprintf(bw, "Read Only Compat Features: %s\n", featureList(sb.featureROCompat, roCompatFeatures))
	}

	if sb.featureCompat&featureCompatHasJournal != 0 {
		fmt.Fprintf(bw, "\nJournal ID: %s\n", uuid.UUID(sb.journalUUID))
		if sb.journalInum != 0 {
			fmt.Fprintf(bw, "Journal Inode: %d\n", sb.journalInum)
		}
		if sb.journalDev != 0 {
			fmt.Fprintf(bw, "Journal Device: %d\n", sb.journalDev)
		}
	}

	fmt.Fprintf(bw, "\nMETADATA INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Inode Range: %d - %d\n", f.FirstInum, f.LastInum)
	fmt.Fprintf(bw, "Root Directory: %d\n", f.RootInum)
	fmt.Fprintf(bw, "Free Inodes: %d\n", sb.freeInodesCount)

	// deleted but open inodes are chained through their dtime
	if sb.lastOrphan != 0 {
		fmt.Fprintf(bw, "Orphan Inodes: ")
		seen := map[uint64]struct{}{}
		for next := uint64(sb.lastOrphan); next != 0; {
			if next < f.FirstInum || next > f.LastInum {
				break
			}
			if _, ok := seen[next]; ok {
				break
			}
			seen[next] = struct{}{}
			fmt.Fprintf(bw, "%d, ", next)
			d, err := f.readDinode(next)
			if err != nil {
				break
			}
			next = uint64(d.dtime)
		}
		fmt.Fprintf(bw, "\n")
	}

	fmt.Fprintf(bw, "\nCONTENT INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Block Range: %d - %d\n", f.FirstBlock, f.LastBlock)
	if f.LastBlockAct != f.LastBlock {
		fmt.Fprintf(bw, "Total Range in Image: %d - %d\n", f.FirstBlock, f.LastBlockAct)
	}
	fmt.Fprintf(bw, "Block Size: %d\n", f.BlockSize)
	if sb.firstDataBlock != 0 {
		fmt.Fprintf(bw, "Reserved Blocks Before Block Groups: %d\n", sb.firstDataBlock)
	}
	fmt.Fprintf(bw, "Free Blocks: %d\n", sb.freeBlocksCount)

	fmt.Fprintf(bw, "\nBLOCK GROUP INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Number of Block Groups: %d\n", len(f.groups))
	fmt.Fprintf(bw, "Inodes per group: %d\n", sb.inodesPerGroup)
	fmt.Fprintf(bw, "Blocks per group: %d\n", sb.blocksPerGroup)

	ipg := uint64(sb.inodesPerGroup)
	bpg := uint64(sb.blocksPerGroup)
	bs := uint64(f.BlockSize)
	sparse := sb.featureROCompat&featureROCompatSparseSuper != 0
	for i := range f.groups {
		g := uint32(i)
		gd := &f.groups[i]
		fmt.Fprintf(bw, "\nGroup: %d:\n", g)

		inum := f.FirstInum + ipg*uint64(g)
		last := inum + ipg - 1
		if last > f.LastInum {
			last = f.LastInum
		}
		fmt.Fprintf(bw, "  Inode Range: %d - %d\n", inum, last)

		base := f.cgBase(g)
		lastBlk := f.cgBase(g+1) - 1
		if lastBlk > f.LastBlock {
			lastBlk = f.LastBlock
		}
		fmt.Fprintf(bw, "  Block Range: %d - %d\n", base, lastBlk)
		fmt.Fprintf(bw, "  Layout:\n")

		// groups without a superblock copy start with their bitmaps
		if !sparse || base != gd.blockBitmap {
			fmt.Fprintf(bw, "    Super Block: %d - %d\n", base, base+(superblockSize+bs-1)/bs-1)
			boff := (superblockSize + bs - 1) / bs * bs
			first := base + (boff+bs-1)/bs
			boff += uint64(len(f.groups)) * uint64(f.descSize)
			fmt.Fprintf(bw, "    Group Descriptor Table: %d - %d\n", first, base+(boff+bs-1)/bs-1)
		}
		fmt.Fprintf(bw, "    Data bitmap: %d - %d\n", gd.blockBitmap, gd.blockBitmap)
		fmt.Fprintf(bw, "    Inode bitmap: %d - %d\n", gd.inodeBitmap, gd.inodeBitmap)
		fmt.Fprintf(bw, "    Inode Table: %d - %d\n", gd.inodeTable, gd.inodeTable+f.itabBlocks-1)

		fmt.Fprintf(bw, "    Data Blocks: ")
		if sparse && base == gd.blockBitmap && gd.inodeTable > gd.inodeBitmap+1 {
			fmt.Fprintf(bw, "%d - %d, ", gd.inodeBitmap+1, gd.inodeTable-1)
		}
		fmt.Fprintf(bw, "%d - %d\n", gd.inodeTable+f.itabBlocks, lastBlk)

		// The last group may not have a full number of blocks
		inodes, blocks := ipg, bpg
		if i == len(f.groups)-1 {
			if n := f.LastInum % ipg; n != 0 {
				inodes = n
			}
			if n := (f.BlockCount - uint64(sb.firstDataBlock)) % bpg; n != 0 {
				blocks = n
			}
		}
		fmt.Fprintf(bw, "  Free Inodes: %d (%d%%)\n", gd.freeInodesCount, 100*uint64(gd.freeInodesCount)/inodes)
		fmt.Fprintf(bw, "  Free Blocks: %d (%d%%)\n", gd.freeBlocksCount, 100*uint64(gd.freeBlocksCount)/blocks)
		fmt.Fprintf(bw, "  Total Directories: %d\n", gd.usedDirsCount)
	}
	return bw.Flush()
}

// blockList prints the content block addresses of a file eight to a line
// and collects the indirect blocks.
type blockList struct {
	w     io.Writer
	bs    int
	idx   int
	indir []uint64
}

func (l *blockList) add(addr uint64, b []byte, flags fsys.BlockFlag) error {
	if flags&fsys.BlockMeta != 0 {
		l.indir = append(l.indir, addr)
		return nil
	}
	fmt.Fprintf(l.w, "%d ", addr)
	if l.idx++; l.idx == 8 {
		fmt.Fprintf(l.w, "\n")
		l.idx = 0
	}
	return nil
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
	if !in.Dtime.IsZero() {
		fmt.Fprintf(w, "Deleted:\t%s\n", fsys.FormatTime(adjust(in.Dtime, skew)))
	}
}

// IStat writes the details of inode inum, its extended attributes and
// its block addresses.
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
	fmt.Fprintf(bw, "Generation Id: %d\n", d.generation)
	if in.Link != "" {
		fmt.Fprintf(bw, "symbolic link to: %s\n", fsys.Clean(in.Link))
	}
	fmt.Fprintf(bw, "uid / gid: %d / %d\n", in.UID, in.GID)
	fmt.Fprintf(bw, "mode: %s\n", in.Mode)

	if t := in.Mode.Type(); t == fsys.ModeBlk || t == fsys.ModeChr {
		fmt.Fprintf(bw, "Device Major: %d   Minor: %d\n", d.block[1], d.block[0])
	}
	if d.flags != 0 {
		fmt.Fprintf(bw, "Flags: %s\n", featureList(d.flags, inodeFlagNames))
	}
	fmt.Fprintf(bw, "size: %d\n", in.Size)
	fmt.Fprintf(bw, "num of links: %d\n", in.Nlink)

	if d.fileACL != 0 {
		f.printExtAttrs(bw, in, d.fileACL)
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
	bl := &blockList{w: bw, bs: int(f.BlockSize)}
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
			fmt.Fprintf(bw, "%d ", addr)
			if bl.idx++; bl.idx == 8 {
				fmt.Fprintf(bw, "\n")
				bl.idx = 0
			}
		}
		bl.end()
	}
	return bw.Flush()
}

// Extended attribute block layout
const (
	eaMagic       = 0xEA020000
	eaHeaderSize  = 32
	eaEntrySize   = 16
	eaIdxUser     = 1
	eaIdxACLAcc   = 2
	eaIdxACLDef   = 3
	eaIdxTrusted  = 4
	eaIdxSecurity = 6

	aclTagUserObj  = 0x01
	aclTagUser     = 0x02
	aclTagGroupObj = 0x04
	aclTagGroup    = 0x08
	aclTagMask     = 0x10
	aclTagOther    = 0x20
)

var eaPrefix = map[uint8]string{
	eaIdxUser:     "user.",
	eaIdxTrusted:  "trust.",
	eaIdxSecurity: "security.",
}

func aclPerm(p uint16) string {
	var parts []string
	if p&4 != 0 {
		parts = append(parts, "Read")
	}
	if p&2 != 0 {
		parts = append(parts, "Write")
	}
	if p&1 != 0 {
		parts = append(parts, "Execute")
	}
	return strings.Join(parts, ", ")
}

// printExtAttrs decodes the extended attribute block addr. Entries sit
// at the top of the block, their values at the bottom.
func (f *FS) printExtAttrs(w io.Writer, in *fsys.Inode, addr uint64) {
	fmt.Fprintf(w, "\nExtended Attributes  (Block: %d)\n", addr)
	if addr > f.LastBlock {
		fmt.Fprintf(w, "Extended Attributes block is larger than file system\n")
		return
	}
	buf := make([]byte, f.BlockSize)
	if _, err := f.ReadBlock(buf, addr); err != nil {
		fmt.Fprintf(w, "Error reading extended attribute block: %v\n", err)
		return
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != eaMagic {
		fmt.Fprintf(w, "Incorrect extended attribute header: %x\n", magic)
	}

	bs := len(buf)
	for off := eaHeaderSize; off+eaEntrySize <= bs; {
		e := buf[off:]
		nlen, nidx := int(e[0]), e[1]
		valOff := int(binary.LittleEndian.Uint16(e[2:4]))
		valBlk := binary.LittleEndian.Uint32(e[4:8])
		valSize := int(binary.LittleEndian.Uint32(e[8:12]))
		if nlen == 0 && nidx == 0 && valOff == 0 {
			break
		}
		next := off + ((nlen + eaEntrySize + 3) &^ 3)
		if off+eaEntrySize+nlen > bs {
			break
		}
		name := string(e[eaEntrySize : eaEntrySize+nlen])
		off = next

		if valBlk != 0 {
			fmt.Fprintf(w, "Attribute has non-zero value block - skipping\n")
			continue
		}
		if valOff > bs || valOff+valSize > bs {
			continue
		}
		val := buf[valOff : valOff+valSize]

		switch nidx {
		case eaIdxUser, eaIdxTrusted, eaIdxSecurity:
			if len(val) > 256 {
				val = val[:256]
			}
			fmt.Fprintf(w, "%s%s=%s\n", eaPrefix[nidx], fsys.Clean(name), cstring(val))
		case eaIdxACLAcc, eaIdxACLDef:
			if nidx == eaIdxACLAcc {
				fmt.Fprintf(w, "POSIX Access Control List Entries:\n")
			} else {
				fmt.Fprintf(w, "POSIX Default Access Control List Entries:\n")
			}
			printACL(w, in, val)
		default:
			fmt.Fprintf(w, "Unsupported Extended Attr Type: %d\n", nidx)
		}
	}
}

// printACL prints the entries of an on-disk POSIX ACL: a version word and
// then 4-byte entries, 8 bytes for those naming a user or group.
func printACL(w io.Writer, in *fsys.Inode, val []byte) {
	if len(val) < 4 {
		return
	}
	if ver := binary.LittleEndian.Uint32(val[0:4]); ver != 1 {
		fmt.Fprintf(w, "Invalid ACL Header Version: %d\n", ver)
		return
	}
	for p := 4; p+4 <= len(val); {
		tag := binary.LittleEndian.Uint16(val[p:])
		perm := aclPerm(binary.LittleEndian.Uint16(val[p+2:]))
		switch tag {
		case aclTagUserObj:
			fmt.Fprintf(w, "  uid: %d: %s\n", in.UID, perm)
		case aclTagGroupObj:
			fmt.Fprintf(w, "  gid: %d: %s\n", in.GID, perm)
		case aclTagOther:
			fmt.Fprintf(w, "  other: %s\n", perm)
		case aclTagMask:
			fmt.Fprintf(w, "  mask: %s\n", perm)
		case aclTagUser, aclTagGroup:
			if p+8 > len(val) {
				return
			}
			id := binary.LittleEndian.Uint32(val[p+4:])
			if tag == aclTagUser {
				fmt.Fprintf(w, "  uid: %d: %s\n", id, perm)
			} else {
				fmt.Fprintf(w, "  gid: %d: %s\n", id, perm)
			}
			p += 8
			continue
		default:
			fmt.Fprintf(w, "Unknown ACL tag: %d\n", tag)
		}
		p += 4
	}
}
