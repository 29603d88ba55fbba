package cmd

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"

	"github.com/lvdlvd/rawhide/fsys"
)

// IlsOptions controls Ils.
type IlsOptions struct {
	Mactime bool   // body file format for mactime
	Open    bool   // deleted inodes that are still linked (open files)
	Link    bool   // only inodes with a link count above zero
	Unlink  bool   // only inodes with a link count of zero
	Skew    int32  // clock correction in seconds
	Image   string // image name for body file lines
	Header
}

// Ils lists the inodes start..end that match flags, one line each.
func Ils(fs fsys.FileSystem, w io.Writer, start, end uint64, flags fsys.InodeFlag, opts IlsOptions) error {
	info := fs.Info()
	if opts.Link && opts.Unlink {
		return fsys.Errorf(fsys.ErrArgument, "ils", "only linked or unlinked should be used")
	}
	if opts.Open {
		if info.Type == fsys.NTFS || info.Type.IsFAT() {
			return fsys.Errorf(fsys.ErrArgument, "ils", "open files can not be listed on %s", info.Type)
		}
		flags = flags&^fsys.InodeAlloc | fsys.InodeUnalloc
		opts.Link = true
	}
	if flags&fsys.InodeOrphan != 0 || !opts.Link && !opts.Unlink {
		opts.Link, opts.Unlink = true, true
	}
	start = max(start, info.FirstInum)
	end = min(end, info.LastInum)

	bw := bufio.NewWriter(w)
	defer bw.Flush()
	selected := func(in *fsys.Inode) bool {
		if in.Nlink == 0 {
			return opts.Unlink
		}
		return opts.Link
	}

	if opts.Mactime {
		image := filepath.Base(opts.Image)
		fmt.Fprintf(bw, "class|host|start_time\n")
		fmt.Fprintf(bw, "body|%s|%d\n", opts.host(), opts.now())
		fmt.Fprintf(bw, "md5|file|st_dev|st_ino|st_mode|st_ls|st_nlink|st_uid|st_gid|")
		fmt.Fprintf(bw, "st_rdev|st_size|st_atime|st_mtime|st_ctime|st_blksize|st_blocks\n")
		return fs.InodeWalk(start, end, flags, func(in *fsys.Inode) error {
			if !selected(in) {
				return nil
			}
			name := ""
			if len(in.Names) > 0 {
				name = fsys.Clean(in.Names[0].Name) + "-"
			}
			state := "dead"
			if in.IsAlloc() {
				state = "alive"
			}
			_, err := fmt.Fprintf(bw, "0|<%s-%s%s-%d>|0|%d|%d|%s|%d|%d|%d|0|%d|%d|%d|%d|%d|0\n",
				image, name, state, in.Addr, in.Addr, in.Mode, in.Mode,
				in.Nlink, in.UID, in.GID, in.Size,
				seconds(in.Atime, opts.Skew), seconds(in.Mtime, opts.Skew), seconds(in.Ctime, opts.Skew),
				info.BlockSize)
			return err
		})
	}

	fmt.Fprintf(bw, "class|host|device|start_time\n")
	fmt.Fprintf(bw, "ils|%s||%d\n", opts.host(), opts.now())
	fmt.Fprintf(bw, "st_ino|st_alloc|st_uid|st_gid|st_mtime|st_atime|st_ctime")
	fmt.Fprintf(bw, "|st_mode|st_nlink|st_size|st_block0|st_block1\n")
	return fs.InodeWalk(start, end, flags, func(in *fsys.Inode) error {
		if !selected(in) {
			return nil
		}
		alloc := 'f'
		if in.IsAlloc() {
			alloc = 'a'
		}
		var b0, b1 uint64
		if len(in.Direct) > 0 {
			b0 = in.Direct[0]
		}
		if len(in.Direct) > 1 {
			b1 = in.Direct[1]
		}
		_, err := fmt.Fprintf(bw, "%d|%c|%d|%d|%d|%d|%d|%o|%d|%d|%d|%d\n",
			in.Addr, alloc, in.UID, in.GID,
			seconds(in.Mtime, opts.Skew), seconds(in.Atime, opts.Skew), seconds(in.Ctime, opts.Skew),
			uint32(in.Mode), in.Nlink, in.Size, b0, b1)
		return err
	})
}
