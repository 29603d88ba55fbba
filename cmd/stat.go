package cmd

import (
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvdlvd/rawhide/fsys"
)

// Format selects the output of FsStat and IStat.
type Format int

const (
	FormatText Format = iota
	FormatYAML
)

// ParseFormat accepts "text" (or "") and "yaml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "yaml":
		return FormatYAML, nil
	}
	return 0, fsys.Errorf(fsys.ErrArgument, "format", "unknown output format: %s", s)
}

type fsStatDoc struct {
	Type         string     `yaml:"type"`
	Offset       int64      `yaml:"offset"`
	BlockSize    uint32     `yaml:"block_size"`
	DevBlockSize uint32     `yaml:"device_block_size"`
	Unit         string     `yaml:"unit"`
	BlockCount   uint64     `yaml:"block_count"`
	FirstBlock   uint64     `yaml:"first_block"`
	LastBlock    uint64     `yaml:"last_block"`
	LastBlockAct uint64     `yaml:"last_block_in_image"`
	InodeCount   uint64     `yaml:"inode_count"`
	RootInode    uint64     `yaml:"root_inode"`
	FirstInode   uint64     `yaml:"first_inode"`
	LastInode    uint64     `yaml:"last_inode"`
	JournalInode uint64     `yaml:"journal_inode,omitempty"`
	Unallocated  []rangeDoc `yaml:"unallocated,omitempty"`
	UnallocBytes int64      `yaml:"unallocated_bytes"`
}

type rangeDoc struct {
	Start int64 `yaml:"start"`
	End   int64 `yaml:"end"`
}

// FsStat describes the file system. The YAML form carries the geometry
// and the unallocated byte ranges of the image.
func FsStat(fs fsys.FileSystem, w io.Writer, format Format) error {
	if format == FormatText {
		return fs.FsStat(w)
	}
	info := fs.Info()
	doc := fsStatDoc{
		Type:         info.Type.String(),
		Offset:       info.Offset,
		BlockSize:    info.BlockSize,
		DevBlockSize: info.DevBlockSize,
		Unit:         info.DUName,
		BlockCount:   info.BlockCount,
		FirstBlock:   info.FirstBlock,
		LastBlock:    info.LastBlock,
		LastBlockAct: info.LastBlockAct,
		InodeCount:   info.InumCount,
		RootInode:    info.RootInum,
		FirstInode:   info.FirstInum,
		LastInode:    info.LastInum,
		JournalInode: info.JournInum,
	}
	ranges, err := fsys.UnallocRanges(fs)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		doc.Unallocated = append(doc.Unallocated, rangeDoc{Start: r.Start, End: r.End})
		doc.UnallocBytes += r.Size()
	}
	return encode(w, doc)
}

type inodeDoc struct {
	Inode     uint64    `yaml:"inode"`
	Allocated bool      `yaml:"allocated"`
	Flags     string    `yaml:"flags"`
	Mode      string    `yaml:"mode"`
	Links     int       `yaml:"links"`
	UID       uint32    `yaml:"uid"`
	GID       uint32    `yaml:"gid"`
	Size      int64     `yaml:"size"`
	Seq       uint32    `yaml:"sequence,omitempty"`
	Link      string    `yaml:"link,omitempty"`
	Times     timesDoc  `yaml:"times"`
	Names     []nameDoc `yaml:"names,omitempty"`
	Attrs     []attrDoc `yaml:"attributes,omitempty"`
	Blocks    []uint64  `yaml:"blocks,flow"`
	Truncated bool      `yaml:"truncated,omitempty"`
}

type timesDoc struct {
	Modified *time.Time `yaml:"modified,omitempty"`
	Accessed *time.Time `yaml:"accessed,omitempty"`
	Changed  *time.Time `yaml:"changed,omitempty"`
	Created  *time.Time `yaml:"created,omitempty"`
	Deleted  *time.Time `yaml:"deleted,omitempty"`
}

type nameDoc struct {
	Name   string `yaml:"name"`
	Parent uint64 `yaml:"parent"`
	Seq    uint32 `yaml:"parent_sequence,omitempty"`
}

type attrDoc struct {
	Type      uint32 `yaml:"type"`
	ID        uint16 `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	Flags     string `yaml:"flags"`
	Size      int64  `yaml:"size"`
	AllocSize int64  `yaml:"allocated_size,omitempty"`
	Runs      int    `yaml:"runs,omitempty"`
}

func timeDoc(t time.Time, skew int32) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = skewed(t, skew).UTC()
	return &t
}

// IStat describes inode inum. The YAML form lists at most numBlocks block
// addresses of the default attribute (0 for all).
func IStat(fs fsys.FileSystem, w io.Writer, inum, numBlocks uint64, skew int32, format Format) error {
	if format == FormatText {
		return fs.IStat(w, inum, numBlocks, skew)
	}
	info := fs.Info()
	if err := info.CheckInodeRange("istat", inum, inum); err != nil {
		return err
	}
	in, err := fs.InodeLookup(inum)
	if err != nil {
		return err
	}
	doc := inodeDoc{
		Inode:     in.Addr,
		Allocated: in.IsAlloc(),
		Flags:     in.Flags.String(),
		Mode:      in.Mode.String(),
		Links:     in.Nlink,
		UID:       in.UID,
		GID:       in.GID,
		Size:      in.Size,
		Seq:       in.Seq,
		Link:      in.Link,
		Times: timesDoc{
			Modified: timeDoc(in.Mtime, skew),
			Accessed: timeDoc(in.Atime, skew),
			Changed:  timeDoc(in.Ctime, skew),
			Created:  timeDoc(in.Crtime, skew),
			Deleted:  timeDoc(in.Dtime, skew),
		},
		Blocks: []uint64{},
	}
	for _, n := range in.Names {
		doc.Names = append(doc.Names, nameDoc{Name: fsys.Clean(n.Name), Parent: n.ParInode, Seq: n.ParSeq})
	}
	if in.Attrs != nil {
		for _, a := range in.Attrs.Attrs() {
			if a.Flags&fsys.DataInUse == 0 {
				continue
			}
			doc.Attrs = append(doc.Attrs, attrDoc{
				Type: a.Type, ID: a.ID, Name: a.Name, Flags: a.Flags.String(),
				Size: a.Size, AllocSize: a.AllocSize, Runs: len(a.Runs),
			})
		}
	}

	flags := fsys.FileAOnly | fsys.FileNoID | fsys.FileNoSparse
	if !in.IsAlloc() {
		flags |= fsys.FileRecover
	}
	err = fs.FileWalk(in, 0, 0, flags, func(addr uint64, _ []byte, f fsys.BlockFlag) error {
		if f&fsys.BlockRes != 0 {
			return nil
		}
		if numBlocks > 0 && uint64(len(doc.Blocks)) == numBlocks {
			doc.Truncated = true
			return fsys.StopWalk
		}
		doc.Blocks = append(doc.Blocks, addr)
		return nil
	})
	if err != nil && !fsys.Recoverable(err) {
		return err
	}
	return encode(w, doc)
}

func encode(w io.Writer, doc any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
