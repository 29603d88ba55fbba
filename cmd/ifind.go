package cmd

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// IfindBlock writes the address of the inode that owns block addr. On
// NTFS the attribute is named too ("inum-type-id"). Unless all is set it
// stops at the first owner. It reports whether an owner was found.
func IfindBlock(fs fsys.FileSystem, w io.Writer, addr uint64, all bool) (bool, error) {
	info := fs.Info()
	if addr > info.LastBlock {
		return false, fsys.Errorf(fsys.ErrArgument, "ifind", "block %d is larger than last block in image (%d)", addr, info.LastBlock)
	}
	bs := uint64(info.BlockSize)
	found := false
	hit := func(name string) error {
		found = true
		fmt.Fprintln(w, name)
		if !all {
			return fsys.StopWalk
		}
		return nil
	}

	err := fs.InodeWalk(info.FirstInum, info.LastInum, 0, func(in *fsys.Inode) error {
		flags := fsys.FileAOnly
		if !in.IsAlloc() {
			flags |= fsys.FileRecover
		}
		var ret error
		walk := func(typ uint32, id uint16, flags fsys.FileFlag, fn fsys.FileWalkFunc) {
			if err := fs.FileWalk(in, typ, id, flags, fn); err != nil {
				log.Debugf("ifind: walking inode %d: %v", in.Addr, err)
			}
		}

		switch {
		case info.Type == fsys.NTFS && in.Attrs != nil:
			for _, a := range in.Attrs.Attrs() {
				if a.Flags&fsys.DataInUse == 0 || a.Flags&fsys.DataNonRes == 0 {
					continue
				}
				name := fmt.Sprintf("%d-%d-%d", in.Addr, a.Type, a.ID)
				walk(a.Type, a.ID, flags|fsys.FileSlack, func(b uint64, _ []byte, f fsys.BlockFlag) error {
					if f&fsys.BlockSparse == 0 && b == addr {
						ret = hit(name)
						return ret
					}
					return nil
				})
				if ret != nil {
					return ret
				}
			}
			return nil
		case info.Type.IsFAT():
			flags |= fsys.FileSlack | fsys.FileNoID
		default:
			// fragments would be misattributed with slack; META finds
			// the indirect blocks
			flags |= fsys.FileNoID | fsys.FileMeta
		}
		name := fmt.Sprint(in.Addr)
		walk(0, 0, flags, func(b uint64, buf []byte, f fsys.BlockFlag) error {
			if b == 0 || f&fsys.BlockSparse != 0 {
				return nil
			}
			if addr >= b && addr < b+(uint64(len(buf))+bs-1)/bs {
				ret = hit(name)
				return ret
			}
			return nil
		})
		return ret
	})
	if err != nil {
		return found, err
	}
	if found {
		return true, nil
	}

	meta := false
	err = fs.BlockWalk(addr, addr, fsys.BlockAlloc|fsys.BlockUnalloc, func(_ uint64, _ []byte, f fsys.BlockFlag) error {
		meta = f&fsys.BlockMeta != 0
		return fsys.StopWalk
	})
	if err != nil {
		return false, err
	}
	if meta {
		fmt.Fprintf(w, "Meta Data\n")
	} else {
		fmt.Fprintf(w, "Inode not found\n")
	}
	return false, nil
}

// IfindPath writes the address of the inode named by p, a path from the
// root directory. On NTFS the last component may name a stream as
// "name:stream". It reports whether the path was found.
func IfindPath(fs fsys.FileSystem, w io.Writer, p string) (bool, error) {
	inum, err := fsys.LookupPath(fs, p)
	var pe *iofs.PathError
	switch {
	case err == nil:
		fmt.Fprintf(w, "%d\n", inum)
		return true, nil
	case errors.Is(err, iofs.ErrNotExist):
		fmt.Fprintf(w, "File not found: %s\n", strings.TrimPrefix(p, "/"))
		return false, nil
	case errors.As(err, &pe):
		fmt.Fprintf(w, "Invalid path (%s is a file)\n", path.Base(pe.Path))
		return false, nil
	}
	return false, err
}

// IfindParent lists the deleted names whose parent directory is par. The
// names come from the inodes themselves, so only formats that record the
// parent there (NTFS) find any.
func IfindParent(fs fsys.FileSystem, w io.Writer, par uint64, long bool) error {
	info := fs.Info()
	return fs.InodeWalk(info.FirstInum, info.LastInum, fsys.InodeUnalloc|fsys.InodeUsed, func(in *fsys.Inode) error {
		for _, n := range in.Names {
			if n.ParInode != par {
				continue
			}
			d := &fsys.Dent{
				Inode: in.Addr,
				Name:  n.Name,
				Type:  in.Mode.DentType(),
				Flags: fsys.DentUnalloc,
				Meta:  in,
			}
			if long {
				printDentLong(w, d, info, nil, false, 0)
			} else {
				printDent(w, d, nil, false)
				fmt.Fprintln(w)
			}
		}
		return nil
	})
}
