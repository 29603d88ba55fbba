package fsys

import "strings"

// BlockFlag describes the allocation status and role of a block. Block
// walks select on it, and file walks report it for each block they visit.
type BlockFlag uint16

const (
	BlockAlloc   BlockFlag = 1 << iota // allocated
	BlockUnalloc                       // unallocated
	BlockCont                          // holds file content
	BlockMeta                          // holds file system metadata
	BlockBad                           // marked bad
	BlockAlign                         // aligned to a file system boundary
	BlockRes                           // resident data (no block address)
	BlockSparse                        // sparse hole, no backing block
	BlockComp                          // part of a compressed unit
)

// Norm returns the flags with both allocation selectors set when neither
// one was requested.
func (f BlockFlag) Norm() BlockFlag {
	if f&(BlockAlloc|BlockUnalloc) == 0 {
		f |= BlockAlloc | BlockUnalloc
	}
	return f
}

// Match reports whether a block classified as c is selected by f. The
// allocation bit of c must be selected; META and CONT only narrow the
// selection when f names one of them.
func (f BlockFlag) Match(c BlockFlag) bool {
	if f&c&(BlockAlloc|BlockUnalloc) == 0 {
		return false
	}
	role := f & (BlockMeta | BlockCont)
	return role == 0 || c&role != 0
}

func (f BlockFlag) String() string {
	return flagString(uint32(f), []string{"Alloc", "Unalloc", "Cont", "Meta", "Bad", "Align", "Res", "Sparse", "Comp"})
}

// FileFlag modifies a file walk.
type FileFlag uint8

const (
	FileAOnly    FileFlag = 1 << iota // report addresses only, do not read content
	FileSlack                         // include slack after the end of the file
	FileRecover                       // the inode is deleted; soften errors
	FileMeta                          // also report indirect/metadata blocks
	FileNoSparse                      // do not report sparse holes
	FileNoID                          // ignore the attribute id, use the default
)

// InodeFlag describes the status of an inode and selects inodes in an
// inode walk.
type InodeFlag uint8

const (
	InodeAlloc   InodeFlag = 1 << iota // allocated
	InodeUnalloc                       // unallocated
	InodeUsed                          // has been used at least once
	InodeUnused                        // never used
	InodeOrphan                        // unallocated and not named by any directory entry
	InodeComp                          // content is compressed
)

// Norm applies the selection rules for an inode walk: neither allocation
// selector means both, neither usage selector means both, and ORPHAN
// restricts the walk to unallocated inodes.
func (f InodeFlag) Norm() InodeFlag {
	if f&InodeOrphan != 0 {
		f |= InodeUnalloc
		f &^= InodeAlloc
	}
	if f&(InodeAlloc|InodeUnalloc) == 0 {
		f |= InodeAlloc | InodeUnalloc
	}
	if f&(InodeUsed|InodeUnused) == 0 {
		f |= InodeUsed | InodeUnused
	}
	return f
}

// Match reports whether an inode whose status is c is selected by f. Only
// the allocation and usage bits of c are compared.
func (f InodeFlag) Match(c InodeFlag) bool {
	sel := c & (InodeAlloc | InodeUnalloc | InodeUsed | InodeUnused)
	return f&sel == sel
}

func (f InodeFlag) String() string {
	return flagString(uint32(f), []string{"Alloc", "Unalloc", "Used", "Unused", "Orphan", "Comp"})
}

// DentFlag describes a directory entry and selects entries in a
// directory walk.
type DentFlag uint8

const (
	DentAlloc   DentFlag = 1 << iota // the name is in use
	DentUnalloc                      // the name slot is deleted but still present
	DentRecurse                      // descend into subdirectories
)

// Norm returns the flags with both allocation selectors set when neither
// one was requested.
func (f DentFlag) Norm() DentFlag {
	if f&(DentAlloc|DentUnalloc) == 0 {
		f |= DentAlloc | DentUnalloc
	}
	return f
}

// Match reports whether an entry whose status is c is selected by f.
func (f DentFlag) Match(c DentFlag) bool {
	c &= DentAlloc | DentUnalloc
	return f&c == c
}

func (f DentFlag) String() string {
	return flagString(uint32(f), []string{"Alloc", "Unalloc", "Recurse"})
}

// DentType is the file type recorded in a directory entry.
type DentType uint8

const (
	DentUndef DentType = 0
	DentFIFO  DentType = 1
	DentChr   DentType = 2
	DentDir   DentType = 4
	DentBlk   DentType = 6
	DentReg   DentType = 8
	DentLnk   DentType = 10
	DentSock  DentType = 12
	DentShad  DentType = 13
	DentWht   DentType = 14
)

var dentTypeChars = map[DentType]string{
	DentUndef: "-",
	DentFIFO:  "p",
	DentChr:   "c",
	DentDir:   "d",
	DentBlk:   "b",
	DentReg:   "r",
	DentLnk:   "l",
	DentSock:  "s",
	DentShad:  "h",
	DentWht:   "w",
}

// String returns the single-letter code fls uses for the type.
func (t DentType) String() string {
	if s, ok := dentTypeChars[t]; ok {
		return s
	}
	return "-"
}

// DataFlag describes a stored attribute.
type DataFlag uint16

const (
	DataInUse    DataFlag = 1 << iota // slot holds a live attribute
	DataNonRes                        // content lives in runs
	DataRes                           // content is stored inline
	DataEnc                           // encrypted
	DataComp                          // compressed
	DataSparse                        // sparse
	DataRecovery                      // reconstructed from a deleted entry
)

func (f DataFlag) String() string {
	return flagString(uint32(f), []string{"InUse", "NonRes", "Res", "Enc", "Comp", "Sparse", "Recovery"})
}

// RunFlag describes one run of an attribute.
type RunFlag uint8

const (
	RunFiller RunFlag = 1 << iota // placeholder for a range not yet seen
	RunSparse                     // hole with no backing clusters
)

// InfoFlag describes file system level capabilities.
type InfoFlag uint8

const (
	// HaveSeq is set when inodes carry a sequence number.
	HaveSeq InfoFlag = 1 << iota
)

func flagString(v uint32, names []string) string {
	var parts []string
	for i, n := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}
