// Package detect maps file system type names to backends and identifies
// the file system in an image by trying every backend in turn.
package detect

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
	"github.com/lvdlvd/rawhide/fsys/ext"
	"github.com/lvdlvd/rawhide/fsys/fat"
	"github.com/lvdlvd/rawhide/fsys/ffs"
	"github.com/lvdlvd/rawhide/fsys/iso9660"
	"github.com/lvdlvd/rawhide/fsys/ntfs"
	"github.com/lvdlvd/rawhide/fsys/raw"
	"github.com/lvdlvd/rawhide/fsys/swap"
)

// Family is a group of related formats served by one backend.
type Family int

const (
	Auto Family = iota
	NTFS
	FAT
	Ext
	UFS
	ISO9660
	Raw
	Swap
)

func (f Family) String() string {
	switch f {
	case NTFS:
		return "NTFS"
	case FAT:
		return "FAT"
	case Ext:
		return "EXT2/3"
	case UFS:
		return "UFS"
	case ISO9660:
		return "ISO9660"
	case Raw:
		return "Raw"
	case Swap:
		return "Swap"
	default:
		return "auto"
	}
}

// Type is a requested file system type: a family, and optionally the
// exact variant. A zero FS lets the backend pick the variant.
type Type struct {
	Family Family
	FS     fsys.Type
}

type name struct {
	name    string
	typ     Type
	comment string
}

// names lists the accepted type names. Entries with a comment are the
// ones shown by Supported.
var names = []name{
	{"ntfs", Type{NTFS, fsys.NTFS}, "NTFS"},
	{"fat", Type{FAT, fsys.Unknown}, "FAT (Auto Detection)"},
	{"ext", Type{Ext, fsys.Unknown}, "ExtX (Auto Detection)"},
	{"iso9660", Type{ISO9660, fsys.ISO9660}, "ISO9660 CD"},
	{"ufs", Type{UFS, fsys.Unknown}, "UFS 1 & 2"},
	{"raw", Type{Raw, fsys.Raw}, "Raw Data"},
	{"swap", Type{Swap, fsys.Swap}, "Swap Space"},
	{"fat12", Type{FAT, fsys.FAT12}, ""},
	{"fat16", Type{FAT, fsys.FAT16}, ""},
	{"fat32", Type{FAT, fsys.FAT32}, ""},
	{"linux-ext", Type{Ext, fsys.Unknown}, ""},
	{"linux-ext2", Type{Ext, fsys.Ext2}, ""},
	{"linux-ext3", Type{Ext, fsys.Ext3}, ""},
	{"ext2", Type{Ext, fsys.Ext2}, ""},
	{"ext3", Type{Ext, fsys.Ext3}, ""},
	{"bsdi", Type{UFS, fsys.FFS1}, ""},
	{"freebsd", Type{UFS, fsys.FFS1}, ""},
	{"netbsd", Type{UFS, fsys.FFS1}, ""},
	{"openbsd", Type{UFS, fsys.FFS1}, ""},
	{"solaris", Type{UFS, fsys.FFS1B}, ""},
	{"ufs1", Type{UFS, fsys.FFS1}, ""},
	{"ufs2", Type{UFS, fsys.FFS2}, ""},
}

// ParseType maps a type name to a Type. The empty string and "auto"
// select autodetection.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" {
		return Type{}, nil
	}
	for _, n := range names {
		if n.name == s {
			return n.typ, nil
		}
	}
	return Type{}, fsys.Errorf(fsys.ErrUnsupported, "fs_parse_type", "unsupported file system type: %s", s)
}

// Supported writes the list of type names that can be given explicitly.
func Supported(w io.Writer) {
	fmt.Fprintf(w, "Supported file system types:\n")
	for _, n := range names {
		if n.comment != "" {
			fmt.Fprintf(w, "\t%s (%s)\n", n.name, n.comment)
		}
	}
}

type opener func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error)

// The backends return a nil file system without error when the image
// does not hold their format.
var openers = map[Family]opener{
	NTFS: func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error) {
		return wrap(ntfs.Open(img, offset, typ))
	},
	FAT: func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error) {
		return wrap(fat.Open(img, offset, typ))
	},
	Ext: func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error) {
		return wrap(ext.Open(img, offset, typ))
	},
	UFS: func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error) {
		return wrap(ffs.Open(img, offset, typ))
	},
	ISO9660: func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error) {
		return wrap(iso9660.Open(img, offset, typ))
	},
	Raw: func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error) {
		return wrap(raw.Open(img, offset, typ))
	},
	Swap: func(img fsys.Image, offset int64, typ fsys.Type) (fsys.FileSystem, error) {
		return wrap(swap.Open(img, offset, typ))
	},
}

// wrap turns a typed nil into an untyped one.
func wrap[T fsys.FileSystem](fs T, err error) (fsys.FileSystem, error) {
	if err != nil {
		return nil, err
	}
	var zero T
	if any(fs) == any(zero) {
		return nil, nil
	}
	return fs, nil
}

// autoOrder is the order formats are tried in when autodetecting. Raw and
// swap accept anything and are never guessed.
var autoOrder = []Family{NTFS, FAT, Ext, UFS, ISO9660}

// Open opens the file system at offset in img. With an Auto type every
// format is tried, and the image must match exactly one of them.
func Open(img fsys.Image, offset int64, typ Type) (fsys.FileSystem, error) {
	if offset < 0 || offset >= img.Size() {
		return nil, fsys.Errorf(fsys.ErrArgument, "fs_open", "offset %d is outside the image", offset)
	}
	if typ.Family != Auto {
		fs, err := openers[typ.Family](img, offset, typ.FS)
		if err != nil {
			return nil, err
		}
		if fs == nil {
			return nil, fsys.Errorf(fsys.ErrUnknownType, "fs_open", "not a %s file system", typ.Family)
		}
		return fs, nil
	}

	log.Debugf("detect: autodetection at offset %d", offset)
	var found fsys.FileSystem
	var foundFam Family
	for _, fam := range autoOrder {
		fs, err := openers[fam](img, offset, fsys.Unknown)
		if err != nil {
			log.Debugf("detect: %s: %v", fam, err)
			continue
		}
		if fs == nil {
			continue
		}
		if found != nil {
			found.Close()
			fs.Close()
			return nil, fsys.Errorf(fsys.ErrAmbiguous, "fs_open", "%s or %s", fam, foundFam)
		}
		log.Debugf("detect: found %s", fam)
		found, foundFam = fs, fam
	}
	if found == nil {
		if err := foreign(img, offset); err != nil {
			return nil, err
		}
		return nil, fsys.Errorf(fsys.ErrUnknownType, "fs_open", "no file system found at offset %d", offset)
	}
	return found, nil
}
