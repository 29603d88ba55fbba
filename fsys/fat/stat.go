package fat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lvdlvd/rawhide/fsys"
)

// boot sector offsets of the extended BPB fields
type extBPB struct {
	volID, volLabel, fsType int
}

var (
	ext16 = extBPB{volID: 39, volLabel: 43, fsType: 54}
	ext32 = extBPB{volID: 67, volLabel: 71, fsType: 82}
)

const (
	fsInfoFreeCount = 488
	fsInfoNextFree  = 492
)

func printable(b []byte) string {
	return strings.TrimRight(fsys.Clean(string(b)), "\x00")
}

// rootLabel returns the volume label entry in the first sector of the
// root directory, if any.
func (f *FS) rootLabel() (string, error) {
	buf := make([]byte, f.ssize)
	if _, err := f.ReadBlock(buf, f.rootSect); err != nil {
		return "", fmt.Errorf("reading root directory sector %d: %w", f.rootSect, err)
	}
	for i := uint64(0); i < f.dentPerSect; i++ {
		raw := buf[i*dentrySize : (i+1)*dentrySize]
		if raw[11] == attrVolume {
			d := parseDentry(raw)
			return d.volumeLabel(), nil
		}
	}
	return "", nil
}

// lastRootClust follows the FAT32 root directory chain to its end.
func (f *FS) lastRootClust() uint64 {
	clust := f.sectToClust(f.rootSect)
	seen := map[uint64]struct{}{}
	for {
		seen[clust] = struct{}{}
		next, err := f.getFAT(clust)
		if err != nil || next == 0 || f.isEOF(next) || f.isBad(next) {
			return clust
		}
		if _, ok := seen[next]; ok {
			return clust
		}
		clust = next
	}
}

// FsStat writes the layout of the file system, the bad sectors and a
// summary of the FAT chains.
func (f *FS) FsStat(w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "FILE SYSTEM INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "File System Type: %s\n", f.Type)
	fmt.Fprintf(bw, "\nOEM Name: %s\n", printable(f.bpb.oemName[:]))

	ext := ext16
	if f.Type == fsys.FAT32 {
		ext = ext32
	}
	fmt.Fprintf(bw, "Volume ID: 0x%x\n", binary.LittleEndian.Uint32(f.boot[ext.volID:]))
	fmt.Fprintf(bw, "Volume Label (Boot Sector): %s\n", printable(f.boot[ext.volLabel:ext.volLabel+11]))
	label, err := f.rootLabel()
	if err != nil {
		return err
	}
	fmt.Fprintf(bw, "Volume Label (Root Directory): %s\n", label)
	fmt.Fprintf(bw, "File System Type Label: %s\n", printable(f.boot[ext.fsType:ext.fsType+8]))

	if f.Type == fsys.FAT32 && f.bpb.fsInfoSector != 0 {
		buf := make([]byte, f.ssize)
		if _, err := f.ReadBlock(buf, uint64(f.bpb.fsInfoSector)); err != nil {
			return fmt.Errorf("reading FSINFO sector %d: %w", f.bpb.fsInfoSector, err)
		}
		next := uint64(binary.LittleEndian.Uint32(buf[fsInfoNextFree:]))
		if next >= 2 && next <= f.lastClust {
			fmt.Fprintf(bw, "Next Free Sector (FS Info): %d\n", f.clustToSect(next))
		}
		free := uint64(binary.LittleEndian.Uint32(buf[fsInfoFreeCount:]))
		if free != 0xffffffff {
			fmt.Fprintf(bw, "Free Sector Count (FS Info): %d\n", free*f.csize)
		}
	}
	fmt.Fprintf(bw, "\nSectors before file system: %d\n", f.bpb.hiddenSectors)

	fmt.Fprintf(bw, "\nFile System Layout (in sectors)\n")
	fmt.Fprintf(bw, "Total Range: %d - %d\n", f.FirstBlock, f.LastBlock)
	if f.LastBlock != f.LastBlockAct {
		fmt.Fprintf(bw, "Total Range in Image: %d - %d\n", f.FirstBlock, f.LastBlockAct)
	}
	fmt.Fprintf(bw, "* Reserved: 0 - %d\n", f.firstFATSect-1)
	fmt.Fprintf(bw, "** Boot Sector: 0\n")
	if f.Type == fsys.FAT32 {
		fmt.Fprintf(bw, "** FS Info Sector: %d\n", f.bpb.fsInfoSector)
		fmt.Fprintf(bw, "** Backup Boot Sector: %d\n", f.bpb.backupBootSector)
	}
	for i := uint64(0); i < uint64(f.bpb.numFATs); i++ {
		base := f.firstFATSect + i*uint64(f.bpb.fatSize)
		fmt.Fprintf(bw, "* FAT %d: %d - %d\n", i, base, base+uint64(f.bpb.fatSize)-1)
	}
	fmt.Fprintf(bw, "* Data Area: %d - %d\n", f.firstDataSect, f.LastBlock)
	clustEnd := f.firstClustSect + f.clustCnt*f.csize - 1
	if f.Type != fsys.FAT32 {
		fmt.Fprintf(bw, "** Root Directory: %d - %d\n", f.firstDataSect, f.firstClustSect-1)
		fmt.Fprintf(bw, "** Cluster Area: %d - %d\n", f.firstClustSect, clustEnd)
	} else {
		fmt.Fprintf(bw, "** Cluster Area: %d - %d\n", f.firstClustSect, clustEnd)
		fmt.Fprintf(bw, "*** Root Directory: %d - %d\n", f.rootSect, f.clustToSect(f.lastRootClust())+f.csize-1)
	}
	if clustEnd != f.LastBlock {
		fmt.Fprintf(bw, "** Non-clustered: %d - %d\n", clustEnd+1, f.LastBlock)
	}

	fmt.Fprintf(bw, "\nMETADATA INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Range: %d - %d\n", f.FirstInum, f.LastInum)
	fmt.Fprintf(bw, "Root Directory: %d\n", f.RootInum)

	fmt.Fprintf(bw, "\nCONTENT INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Sector Size: %d\n", f.ssize)
	fmt.Fprintf(bw, "Cluster Size: %d\n", f.csize*f.ssize)
	fmt.Fprintf(bw, "Total Cluster Range: 2 - %d\n", f.lastClust)

	// bad clusters, listed by sector
	fmt.Fprintf(bw, "Bad Sectors: ")
	n := 0
	for c := uint64(2); c <= f.lastClust; c++ {
		v, err := f.getFAT(c)
		if err != nil {
			return err
		}
		if !f.isBad(v) {
			continue
		}
		for s := f.clustToSect(c); s < f.clustToSect(c)+f.csize; s++ {
			fmt.Fprintf(bw, "%d ", s)
			if n++; n%8 == 0 {
				fmt.Fprintf(bw, "\n")
			}
		}
	}
	fmt.Fprintf(bw, "\n")

	fmt.Fprintf(bw, "\nFAT CONTENTS (in sectors)\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	var runStart uint64
	for c := uint64(2); c <= f.lastClust; c++ {
		next, err := f.getFAT(c)
		if err != nil {
			return err
		}
		if next == 0 {
			runStart = 0
			continue
		}
		if runStart == 0 {
			runStart = c
		}
		if next == c+1 {
			continue
		}
		start := f.clustToSect(runStart)
		end := f.clustToSect(c) + f.csize - 1
		var to string
		switch {
		case f.isEOF(next):
			to = "EOF"
		case f.isBad(next):
			to = "BAD"
		default:
			to = fmt.Sprint(f.clustToSect(next))
		}
		fmt.Fprintf(bw, "%d-%d (%d) -> %s\n", start, end, end-start+1, to)
		runStart = 0
	}
	return bw.Flush()
}

func attrString(raw []byte) string {
	d := parseDentry(raw)
	if d.isLFN() {
		return "Long File Name"
	}
	var s string
	switch {
	case d.attr&attrDirectory != 0:
		s = "Directory"
	case d.attr&attrVolume != 0:
		s = "Volume Label"
	default:
		s = "File"
	}
	for _, a := range []struct {
		bit  uint8
		name string
	}{
		{attrReadOnly, "Read Only"},
		{attrHidden, "Hidden"},
		{attrSystem, "System"},
		{attrArchive, "Archive"},
	} {
		if d.attr&a.bit != 0 {
			s += ", " + a.name
		}
	}
	return s
}

// sectorList prints the addresses a file walk visits, eight per line.
type sectorList struct {
	w    io.Writer
	n    int
	seen bool
}

func (s *sectorList) add(addr uint64, _ []byte, _ fsys.BlockFlag) error {
	fmt.Fprintf(s.w, "%d ", addr)
	s.seen = true
	if s.n++; s.n == 8 {
		fmt.Fprintf(s.w, "\n")
		s.n = 0
	}
	return nil
}

func (s *sectorList) end() {
	if s.n > 0 {
		fmt.Fprintf(s.w, "\n")
	}
}

func printTimes(w io.Writer, in *fsys.Inode, skew time.Duration) {
	fmt.Fprintf(w, "Written:\t%s\n", fsys.FormatTime(adjust(in.Mtime, skew)))
	fmt.Fprintf(w, "Accessed:\t%s\n", fsys.FormatTime(adjust(in.Atime, skew)))
	fmt.Fprintf(w, "Created:\t%s\n", fsys.FormatTime(adjust(in.Ctime, skew)))
}

func adjust(t time.Time, skew time.Duration) time.Time {
	if t.IsZero() || skew == 0 {
		return t
	}
	return t.Add(-skew)
}

// IStat writes the directory entry of inode inum and the sectors of its
// content. Deleted files also get the sectors a recovery would use.
func (f *FS) IStat(w io.Writer, inum uint64, numBlocks uint64, skew int32) error {
	in, raw, err := f.lookup(inum)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "Directory Entry: %d\n", inum)
	if in.Flags&fsys.InodeAlloc != 0 {
		fmt.Fprintf(bw, "Allocated\n")
	} else {
		fmt.Fprintf(bw, "Not Allocated\n")
	}

	fmt.Fprintf(bw, "File Attributes: ")
	if raw == nil {
		fmt.Fprintf(bw, "Directory\n")
	} else {
		fmt.Fprintf(bw, "%s\n", attrString(raw))
	}
	fmt.Fprintf(bw, "Size: %d\n", in.Size)
	if len(in.Names) > 0 {
		fmt.Fprintf(bw, "Name: %s\n", in.Names[0].Name)
	}

	if skew != 0 {
		fmt.Fprintf(bw, "\nAdjusted Directory Entry Times:\n")
		printTimes(bw, in, time.Duration(skew)*time.Second)
		fmt.Fprintf(bw, "\nOriginal Directory Entry Times:\n")
	} else {
		fmt.Fprintf(bw, "\nDirectory Entry Times:\n")
	}
	printTimes(bw, in, 0)

	walked := *in
	if numBlocks > 0 {
		walked.Size = int64(numBlocks * f.ssize)
	}

	fmt.Fprintf(bw, "\nSectors:\n")
	sl := &sectorList{w: bw}
	if err := f.FileWalk(&walked, 0, 0, fsys.FileAOnly|fsys.FileSlack|fsys.FileNoID, sl.add); err != nil {
		sl.end()
		fmt.Fprintf(bw, "Error reading file: %v\n", err)
	} else {
		sl.end()
	}

	if in.Flags&fsys.InodeUnalloc != 0 {
		fmt.Fprintf(bw, "\nRecovery:\n")
		sl := &sectorList{w: bw}
		err := f.FileWalk(&walked, 0, 0, fsys.FileAOnly|fsys.FileSlack|fsys.FileNoID|fsys.FileRecover, sl.add)
		sl.end()
		if err != nil || !sl.seen {
			fmt.Fprintf(bw, "File recovery not possible\n")
		}
	}
	return bw.Flush()
}
