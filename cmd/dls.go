package cmd

import (
	"bufio"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// DlsOptions controls Dls.
type DlsOptions struct {
	List  bool // list addresses instead of writing content
	Slack bool // write the slack space of allocated files instead
	Header
}

// Dls writes the content of the blocks start..end that match flags, or
// lists them, or writes file slack.
func Dls(fs fsys.FileSystem, w io.Writer, start, end uint64, flags fsys.BlockFlag, opts DlsOptions) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	info := fs.Info()

	switch {
	case opts.Slack:
		return slack(fs, bw)
	case opts.List:
		fmt.Fprintf(bw, "class|host|image|first_time|unit\n")
		fmt.Fprintf(bw, "dls|%s||%d|%s\n", opts.host(), opts.now(), info.DUName)
		fmt.Fprintf(bw, "addr|alloc\n")
		return fs.BlockWalk(start, end, flags, func(addr uint64, _ []byte, f fsys.BlockFlag) error {
			a := "f"
			if f&fsys.BlockAlloc != 0 {
				a = "a"
			}
			_, err := fmt.Fprintf(bw, "%d|%s\n", addr, a)
			return err
		})
	}
	return fs.BlockWalk(start, end, flags, func(addr uint64, buf []byte, _ fsys.BlockFlag) error {
		log.Debugf("dls: write block %d", addr)
		_, err := bw.Write(buf)
		return err
	})
}

// slackWriter writes what follows the end of a file in its last block
// and any blocks after it.
type slackWriter struct {
	w    io.Writer
	left int64 // file bytes not yet passed
	zero []byte
}

func (s *slackWriter) block(_ uint64, buf []byte, _ fsys.BlockFlag) error {
	n := int64(len(buf))
	switch {
	case s.left >= n:
		s.left -= n
		return nil
	case s.left == 0:
		_, err := s.w.Write(buf)
		return err
	}
	if cap(s.zero) < len(buf) {
		s.zero = make([]byte, len(buf))
	}
	b := s.zero[:len(buf)]
	clear(b[:s.left])
	copy(b[s.left:], buf[s.left:])
	s.left = 0
	_, err := s.w.Write(b)
	return err
}

func slack(fs fsys.FileSystem, w io.Writer) error {
	info := fs.Info()
	sw := &slackWriter{w: w}
	return fs.InodeWalk(info.FirstInum, info.LastInum, fsys.InodeAlloc, func(in *fsys.Inode) error {
		log.Debugf("dls: slack of inode %d", in.Addr)
		if info.Type != fsys.NTFS || in.Attrs == nil {
			sw.left = in.Size
			if err := fs.FileWalk(in, 0, 0, fsys.FileSlack|fsys.FileNoID, sw.block); err != nil {
				log.Debugf("dls: walking inode %d: %v", in.Addr, err)
			}
			return nil
		}
		for _, a := range in.Attrs.Attrs() {
			if a.Flags&fsys.DataInUse == 0 || a.Flags&fsys.DataNonRes == 0 {
				continue
			}
			sw.left = a.Size
			if err := fs.FileWalk(in, a.Type, a.ID, fsys.FileSlack, sw.block); err != nil {
				log.Debugf("dls: walking inode %d attribute %d-%d: %v", in.Addr, a.Type, a.ID, err)
			}
		}
		return nil
	})
}

// Dstat writes the allocation status of block addr.
func Dstat(fs fsys.FileSystem, w io.Writer, addr uint64) error {
	info := fs.Info()
	found := false
	err := fs.BlockWalk(addr, addr, fsys.BlockAlloc|fsys.BlockUnalloc, func(a uint64, _ []byte, f fsys.BlockFlag) error {
		found = true
		fmt.Fprintf(w, "%s: %d\n", info.DUName, a)
		status := "Allocated"
		if f&fsys.BlockAlloc == 0 {
			status = "Not Allocated"
		}
		switch {
		case f&fsys.BlockMeta != 0:
			status += " (Meta)"
		case f&fsys.BlockCont != 0:
			status += " (Content)"
		}
		if f&fsys.BlockBad != 0 {
			status += " (Bad)"
		}
		fmt.Fprintf(w, "%s\n", status)
		return fsys.StopWalk
	})
	if err != nil {
		return err
	}
	if !found {
		return fsys.Errorf(fsys.ErrArgument, "dstat", "block %d was not reported by the block walk", addr)
	}
	return nil
}
