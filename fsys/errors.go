package fsys

import (
	"errors"
	"fmt"
)

// Kinds of failure. Every error the engine produces carries one of these
// and matches it with errors.Is.
var (
	// ErrArgument is a bad caller-supplied value such as a range or flag.
	ErrArgument = errors.New("invalid argument")
	// ErrRead is a failed read of the underlying image.
	ErrRead = errors.New("read error")
	// ErrAddressTooLarge is a block address past the file system's last block.
	ErrAddressTooLarge = errors.New("address is too large for file system")
	// ErrMissingInPartialImage is a block inside the file system that the
	// (truncated) image does not contain.
	ErrMissingInPartialImage = errors.New("address is missing in partial image")
	// ErrCorrupt is recognisable but structurally invalid metadata.
	ErrCorrupt = errors.New("corrupt data")
	// ErrUnsupported is valid data that uses a feature that is not decoded.
	ErrUnsupported = errors.New("unsupported feature")
	// ErrWalkRange is a walk start or end outside the valid range.
	ErrWalkRange = errors.New("invalid walk range")
	// ErrRecover is a read or corruption failure on a deleted inode, where
	// damage is expected.
	ErrRecover = errors.New("recovery error")
	// ErrUnknownType means no file system was recognised.
	ErrUnknownType = errors.New("unknown file system type")
	// ErrAmbiguous means more than one file system was recognised.
	ErrAmbiguous = errors.New("multiple file system types detected")
)

// Error is a classified engine error.
type Error struct {
	Kind error  // one of the Err* kinds above
	Op   string // operation that failed, e.g. "ntfs_dinode_lookup"
	Msg  string
	Err  error // underlying cause, may be nil
}

// Errorf returns an *Error of the given kind.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrapf returns an *Error of the given kind wrapping cause.
func Wrapf(kind error, cause error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's kind. The two partial read kinds also match
// ErrRead.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	if target == ErrRead {
		return e.Kind == ErrAddressTooLarge || e.Kind == ErrMissingInPartialImage
	}
	return false
}

// Recoverable reports whether a walk over many entries may log err and
// move on to the next entry.
func Recoverable(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrUnsupported) || errors.Is(err, ErrRecover)
}

// Soften reclassifies read and corruption failures as ErrRecover when
// flags contains FileRecover. Other errors are returned unchanged.
func Soften(err error, flags FileFlag) error {
	if err == nil || flags&FileRecover == 0 {
		return err
	}
	if errors.Is(err, ErrRead) || errors.Is(err, ErrCorrupt) {
		return &Error{Kind: ErrRecover, Err: err}
	}
	return err
}
