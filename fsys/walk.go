package fsys

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
)

// StopWalk is returned by a walk callback to end the walk early. The walk
// itself then returns nil. Any other non-nil error aborts the walk and is
// returned by it unchanged.
var StopWalk = errors.New("stop walk")

// WalkRet is the outcome of one callback invocation.
type WalkRet int

const (
	WalkCont WalkRet = iota
	WalkStop
	WalkError
)

// Ret classifies the error returned by a callback.
func Ret(err error) WalkRet {
	switch {
	case err == nil:
		return WalkCont
	case errors.Is(err, StopWalk):
		return WalkStop
	default:
		return WalkError
	}
}

// WalkErr converts a callback error into the value the walk returns: nil
// for StopWalk, err itself otherwise.
func WalkErr(err error) error {
	if errors.Is(err, StopWalk) {
		return nil
	}
	return err
}

// Callback signatures.
type (
	BlockWalkFunc func(addr uint64, buf []byte, flags BlockFlag) error
	InodeWalkFunc func(in *Inode) error
	DentWalkFunc  func(d *Dent) error
	// FileWalkFunc receives one block of a file. buf has the length of the
	// block's data; with FileAOnly its content is not read.
	FileWalkFunc func(addr uint64, buf []byte, flags BlockFlag) error
)

// Recursion limits for directory walks.
const (
	MaxDepth = 128
	MaxPath  = 4096
)

// DirState is the recursion state of one top-level directory walk: the
// path to the current directory and the set of directories already
// entered, which breaks cycles in corrupt directory graphs.
type DirState struct {
	names   []string
	pathLen int
	depth   int
	pushed  []bool
	seen    map[uint64]struct{}
}

// NewDirState returns the state for a walk starting at inode root.
func NewDirState(root uint64) *DirState {
	return &DirState{seen: map[uint64]struct{}{root: {}}}
}

// Depth returns the current recursion depth.
func (s *DirState) Depth() int {
	return s.depth
}

// Path returns the directory prefix of the current depth, with a
// trailing slash, or "" at the top.
func (s *DirState) Path() string {
	if len(s.names) == 0 {
		return ""
	}
	return strings.Join(s.names, "/") + "/"
}

// Seen reports whether directory inum has been entered.
func (s *DirState) Seen(inum uint64) bool {
	_, ok := s.seen[inum]
	return ok
}

// Enter records that the walk descends into directory inum named name.
// It returns false, and records nothing, when inum was already entered or
// the depth limit is reached. The name is only added to the path while
// the path stays within MaxPath.
func (s *DirState) Enter(name string, inum uint64) bool {
	if s.Seen(inum) {
		return false
	}
	if s.depth >= MaxDepth {
		log.Warnf("directory depth limit %d reached at inode %d", MaxDepth, inum)
		return false
	}
	s.seen[inum] = struct{}{}
	pushed := s.pathLen+len(name)+1 < MaxPath
	if pushed {
		s.names = append(s.names, name)
		s.pathLen += len(name) + 1
	}
	s.pushed = append(s.pushed, pushed)
	s.depth++
	return true
}

// Leave undoes the last successful Enter. The directory stays in the
// seen set.
func (s *DirState) Leave() {
	if s.depth == 0 {
		return
	}
	s.depth--
	pushed := s.pushed[len(s.pushed)-1]
	s.pushed = s.pushed[:len(s.pushed)-1]
	if pushed {
		last := s.names[len(s.names)-1]
		s.names = s.names[:len(s.names)-1]
		s.pathLen -= len(last) + 1
	}
}

// NamedCollector records the unallocated inodes named during a complete
// recursive walk from the root directory. When the walk is cut short
// the partial set is thrown away.
type NamedCollector struct {
	info    *FSInfo
	set     map[uint64]struct{}
	stopped bool
}

// CollectNamed returns a collector when a walk of inum with flags visits
// every name on the file system, and nil otherwise.
func (i *FSInfo) CollectNamed(inum uint64, flags DentFlag) *NamedCollector {
	want := DentAlloc | DentUnalloc | DentRecurse
	if i.namedReady || inum != i.RootInum || flags&want != want {
		return nil
	}
	return &NamedCollector{info: i, set: map[uint64]struct{}{}}
}

// Wrap returns fn extended to record each unallocated named inode. A nil
// collector returns fn unchanged.
func (c *NamedCollector) Wrap(fn DentWalkFunc) DentWalkFunc {
	if c == nil {
		return fn
	}
	return func(d *Dent) error {
		err := fn(d)
		if err != nil {
			c.stopped = true
			return err
		}
		if d.Meta != nil && d.Meta.Flags&InodeUnalloc != 0 {
			c.set[d.Meta.Addr] = struct{}{}
		}
		return nil
	}
}

// Finish publishes the set when the walk completed.
func (c *NamedCollector) Finish(err error) {
	if c == nil || err != nil || c.stopped {
		return
	}
	c.info.named = c.set
	c.info.namedReady = true
}

// LoadNamed makes sure the named-inode set is available, walking the
// whole directory tree of fs if it has not been built yet.
func (i *FSInfo) LoadNamed(fs FileSystem) error {
	if i.namedReady {
		return nil
	}
	err := fs.DentWalk(i.RootInum, DentAlloc|DentUnalloc|DentRecurse, func(*Dent) error { return nil })
	if err != nil {
		return err
	}
	if !i.namedReady {
		// the backend did not collect; fall back to an empty set
		i.named = map[uint64]struct{}{}
		i.namedReady = true
	}
	return nil
}

// IsNamed reports whether unallocated inode inum is named by a directory
// entry. LoadNamed must have been called.
func (i *FSInfo) IsNamed(inum uint64) bool {
	_, ok := i.named[inum]
	return ok
}

// SkipOrphan reports whether an inode walk with flags should skip in
// because ORPHAN was requested and in is named.
func (i *FSInfo) SkipOrphan(flags InodeFlag, in *Inode) bool {
	if flags&InodeOrphan == 0 {
		return false
	}
	return i.IsNamed(in.Addr)
}
