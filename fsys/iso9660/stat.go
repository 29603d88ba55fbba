package iso9660

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/lvdlvd/rawhide/fsys"
)

// idString renders a descriptor identifier field. A leading underscore
// names a file in the root directory instead.
func idString(b []byte, joliet bool) string {
	if len(b) > 0 && b[0] == '_' {
		return "In file"
	}
	s := decodeName(b, joliet)
	return strings.TrimRightFunc(s, func(r rune) bool {
		return !unicode.IsPrint(r) || unicode.IsSpace(r)
	})
}

func (f *FS) printVolDesc(w io.Writer, v *volDesc, primary bool) {
	joliet := v.joliet() != 0
	fmt.Fprintf(w, "\nFILE SYSTEM INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	if primary {
		fmt.Fprintf(w, "Read from Primary Volume Descriptor\n")
	} else {
		fmt.Fprintf(w, "Read from Supplementary Volume Descriptor\n")
	}
	fmt.Fprintf(w, "File System Type: ISO9660\n")
	fmt.Fprintf(w, "Volume Name: %s\n", fsys.Clean(idString(v.volID, joliet)))
	fmt.Fprintf(w, "Volume Set Size: %d\n", v.setSize)
	fmt.Fprintf(w, "Volume Set Sequence: %d\n", v.seqNum)
	fmt.Fprintf(w, "Publisher: %s\n", fsys.Clean(idString(v.pubID, joliet)))
	fmt.Fprintf(w, "Data Preparer: %s\n", fsys.Clean(idString(v.prepID, joliet)))
	fmt.Fprintf(w, "Recording Application: %s\n", fsys.Clean(idString(v.appID, joliet)))
	fmt.Fprintf(w, "Copyright: %s\n", fsys.Clean(idString(v.copyID, joliet)))
	if t := vdTime(v.created); !t.IsZero() {
		fmt.Fprintf(w, "Created: %s\n", fsys.FormatTime(t))
	}
	if t := vdTime(v.modified); !t.IsZero() {
		fmt.Fprintf(w, "Modified: %s\n", fsys.FormatTime(t))
	}

	fmt.Fprintf(w, "\nMETADATA INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Path Table Location: %d-%d\n", v.ptLocM, v.ptLocM+v.ptSize/f.BlockSize)
	if primary {
		fmt.Fprintf(w, "Inode Range: %d - %d\n", f.FirstInum, f.LastInum)
	}
	if lvl := v.joliet(); lvl != 0 {
		fmt.Fprintf(w, "Joliet Name Encoding: UCS-2 Level %d\n", lvl)
	}
	if f.rrFound {
		fmt.Fprintf(w, "RockRidge Extensions present\n")
	}

	fmt.Fprintf(w, "\nCONTENT INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Sector Size: %d\n", sectorSize)
	fmt.Fprintf(w, "Block Size: %d\n", f.BlockSize)
	fmt.Fprintf(w, "Total Sector Range: 0 - %d\n", uint64(f.BlockSize)/sectorSize*(f.BlockCount-1))
	fmt.Fprintf(w, "Total Block Range: 0 - %d\n", f.BlockCount-1)
}

// FsStat writes the details of each primary and supplementary volume
// descriptor.
func (f *FS) FsStat(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, p := range f.pvd {
		fmt.Fprintf(bw, "\nPRIMARY VOLUME DESCRIPTOR %d\n", i+1)
		f.printVolDesc(bw, p, true)
	}
	for i, s := range f.svd {
		fmt.Fprintf(bw, "\nSUPPLEMENTARY VOLUME DESCRIPTOR %d\n", i+1)
		f.printVolDesc(bw, s, false)
	}
	return bw.Flush()
}

var recFlagNames = []struct {
	bit  uint8
	name string
}{
	{flagHidden, "Hidden"},
	{flagAssoc, "Associated"},
	{flagRecord, "Record Format"},
	{flagProt, "Protected"},
	{flagRes1, "Reserved1"},
	{flagRes2, "Reserved2"},
	{flagMulti, "Non-final multi-extent entry"},
}

func adjust(t time.Time, skew time.Duration) time.Time {
	if t.IsZero() || skew == 0 {
		return t
	}
	return t.Add(-skew)
}

func printTimes(w io.Writer, in *fsys.Inode, skew time.Duration) {
	if !in.Crtime.IsZero() {
		fmt.Fprintf(w, "Created:\t%s\n", fsys.FormatTime(adjust(in.Crtime, skew)))
	}
	fmt.Fprintf(w, "File Modified:\t%s\n", fsys.FormatTime(adjust(in.Mtime, skew)))
	fmt.Fprintf(w, "Accessed:\t%s\n", fsys.FormatTime(adjust(in.Atime, skew)))
	fmt.Fprintf(w, "Attributes Modified:\t%s\n", fsys.FormatTime(adjust(in.Ctime, skew)))
}

// IStat writes the details of inode inum: its directory record, the Rock
// Ridge entries and the sectors of its extent.
func (f *FS) IStat(w io.Writer, inum uint64, numBlocks uint64, skew int32) error {
	n, err := f.node(inum)
	if err != nil {
		return err
	}
	in := fsys.NewInode(nDirect, nIndirect)
	f.inodeCopy(in, n)
	r := n.rec

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "Entry: %d\n", inum)
	if r.isDir() {
		fmt.Fprintf(bw, "Type: Directory\n")
	} else {
		fmt.Fprintf(bw, "Type: File\n")
	}
	fmt.Fprintf(bw, "Links: %d\n", in.Nlink)
	if r.gapSize > 0 || r.unitSize > 0 {
		fmt.Fprintf(bw, "Interleave Gap Size: %d\n", r.gapSize)
		fmt.Fprintf(bw, "Interleave File Unit Size: %d\n", r.unitSize)
	}
	var fl []string
	for _, fn := range recFlagNames {
		if r.flags&fn.bit != 0 {
			fl = append(fl, fn.name)
		}
	}
	fmt.Fprintf(bw, "Flags: %s\n", strings.Join(fl, ", "))
	fmt.Fprintf(bw, "Name: %s\n", fsys.Clean(n.name))
	if n.version != 0 {
		fmt.Fprintf(bw, "Version: %d\n", n.version)
	}
	fmt.Fprintf(bw, "Size: %d\n", r.size)
	if r.eaLen > 0 {
		fmt.Fprintf(bw, "Extended Attribute Record: %d blocks\n", r.eaLen)
	}

	if n.su != nil {
		fmt.Fprintf(bw, "\nRock Ridge Extension Data\n")
		f.parseSUSP(n.su, bw)
		fmt.Fprintf(bw, "\n")
		fmt.Fprintf(bw, "Owner-ID: %d\n", in.UID)
		fmt.Fprintf(bw, "Group-ID: %d\n", in.GID)
		fmt.Fprintf(bw, "Mode: %s\n", in.Mode)
		if in.Link != "" {
			fmt.Fprintf(bw, "symbolic link to: %s\n", fsys.Clean(in.Link))
		}
	} else {
		fmt.Fprintf(bw, "Owner-ID: 0\n")
		fmt.Fprintf(bw, "Group-ID: 0\n")
		fmt.Fprintf(bw, "Mode: %s\n", in.Mode)
	}

	if skew != 0 {
		fmt.Fprintf(bw, "\nAdjusted File Times:\n")
		printTimes(bw, in, time.Duration(skew)*time.Second)
		fmt.Fprintf(bw, "\nOriginal File Times:\n")
	} else {
		fmt.Fprintf(bw, "\nFile Times:\n")
	}
	printTimes(bw, in, 0)

	// the extent is contiguous, so there is nothing to walk
	fmt.Fprintf(bw, "\nSectors:\n")
	bs := uint64(f.BlockSize)
	count := (uint64(r.size) + bs - 1) / bs
	if numBlocks > 0 {
		count = numBlocks
	}
	addr := uint64(r.extent) + uint64(r.eaLen)
	for i := uint64(0); i < count; i++ {
		fmt.Fprintf(bw, "%d ", addr+i)
		if i%8 == 7 {
			fmt.Fprintf(bw, "\n")
		}
	}
	if count%8 != 0 {
		fmt.Fprintf(bw, "\n")
	}
	return bw.Flush()
}
