package cmd

import (
	"bufio"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys/part"
)

// MmlsOptions controls Mmls.
type MmlsOptions struct {
	Bytes   bool      // add a rounded size column
	Recurse bool      // list the tables found inside DOS volumes too
	Kinds   part.Kind // entries to list, 0 for all
}

// Mmls lists the partition table vs, one line per entry.
func Mmls(vs *part.VS, w io.Writer, opts MmlsOptions) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	if err := mmlsTable(vs, bw, opts); err != nil {
		return err
	}
	if !opts.Recurse || vs.Type != part.DOS {
		return nil
	}
	// one level only
	for _, p := range vs.Volumes() {
		off := vs.Offset + int64(p.Start)*part.SectorSize
		inner, err := part.Open(vs.Img, off, part.Unknown)
		if err != nil {
			log.Debugf("mmls: no table in volume %d: %v", p.Index, err)
			continue
		}
		fmt.Fprintf(bw, "\n\n")
		if err := mmlsTable(inner, bw, opts); err != nil {
			log.Debugf("mmls: listing table in volume %d: %v", p.Index, err)
		}
		inner.Close()
	}
	return nil
}

func mmlsTable(vs *part.VS, w io.Writer, opts MmlsOptions) error {
	fmt.Fprintf(w, "%s\n", vs.Type.Description())
	fmt.Fprintf(w, "Offset Sector: %d\n", vs.Offset/part.SectorSize)
	fmt.Fprintf(w, "Units are in %d-byte sectors\n\n", part.SectorSize)
	if opts.Bytes {
		fmt.Fprintf(w, "     Slot    Start        End          Length       Size    Description\n")
	} else {
		fmt.Fprintf(w, "     Slot    Start        End          Length       Description\n")
	}
	n := len(vs.Partitions())
	if n == 0 {
		return nil
	}
	return vs.PartWalk(0, n-1, opts.Kinds, func(p *part.Partition) error {
		switch {
		case p.Slot == -1:
			fmt.Fprintf(w, "%02d:  -----   ", p.Index)
		case p.Table == -1:
			fmt.Fprintf(w, "%02d:  %02d      ", p.Index, p.Slot)
		default:
			fmt.Fprintf(w, "%02d:  %02d:%02d   ", p.Index, p.Table, p.Slot)
		}
		fmt.Fprintf(w, "%010d   %010d   %010d   ", p.Start, p.End(), p.Len)
		if opts.Bytes {
			size, unit := roundedSize(p.Len)
			fmt.Fprintf(w, "%04d%c   ", size, unit)
		}
		_, err := fmt.Fprintf(w, "%s\n", p.Desc)
		return err
	})
}

// roundedSize renders a length in sectors with a unit letter.
func roundedSize(sectors uint64) (uint64, byte) {
	switch {
	case sectors < 2:
		return sectors * part.SectorSize, 'B'
	case sectors < 2<<10:
		return sectors / 2, 'K'
	case sectors < 2<<20:
		return sectors / (2 << 10), 'M'
	case sectors < 2<<30:
		return sectors / (2 << 20), 'G'
	case sectors < 2<<40:
		return sectors / (2 << 30), 'T'
	}
	return sectors, ' '
}
