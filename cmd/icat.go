package cmd

import (
	"bufio"
	"fmt"
	"io"

	"github.com/lvdlvd/rawhide/fsys"
)

// Icat writes the content of one attribute of inode inum. Deleted inodes
// are read in recovery mode. With FileSlack the last block is written
// whole; with FileNoSparse holes are left out.
func Icat(fs fsys.FileSystem, w io.Writer, inum uint64, typ uint32, id uint16, flags fsys.FileFlag) error {
	info := fs.Info()
	if inum < info.FirstInum || inum > info.LastInum {
		return fsys.Errorf(fsys.ErrArgument, "icat", "inode %d is not in range %d - %d", inum, info.FirstInum, info.LastInum)
	}
	in, err := fs.InodeLookup(inum)
	if err != nil {
		return err
	}
	if !in.IsAlloc() {
		flags |= fsys.FileRecover
	}
	bw := bufio.NewWriter(w)
	err = fs.FileWalk(in, typ, id, flags&^fsys.FileAOnly, func(_ uint64, buf []byte, _ fsys.BlockFlag) error {
		_, err := bw.Write(buf)
		return err
	})
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return fmt.Errorf("icat: inode %d: %w", inum, err)
	}
	return nil
}
