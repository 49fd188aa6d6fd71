// Package filelock provides the host exclusive-execution primitive used by
// the fast path of package lock: an advisory flock(2) held on one file per
// lock name inside a shared directory.
//
// The kernel drops the lock when the holding process exits, so a crashed
// holder never leaves a name stuck. Lock files are never removed; removing
// a file another process is about to flock would let two processes hold
// different inodes for the same name.
package filelock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

const maxEscapedName = 200

// ErrUnsupported is returned by Enter on platforms without flock.
var ErrUnsupported = errors.New("lockable: file locks are not supported on this platform")

// Section is an exclusive section granted by Enter.
type Section interface {
	// Leave releases the section. Calling it more than once is a no-op.
	Leave() error
}

// Primitive is a native named exclusive section.
type Primitive interface {
	// Supported reports whether Enter can work in this process.
	Supported() bool
	// Enter takes the section for name. With wait false it never blocks and
	// reports false when another holder has it. With wait true it blocks
	// until the section is granted.
	Enter(name string, wait bool) (Section, bool, error)
}

// Locker is a Primitive backed by lock files in one directory.
type Locker struct {
	dir string

	once      sync.Once
	supported bool
}

// New returns a Locker keeping its lock files in dir. The directory is
// created on first use.
func New(dir string) *Locker {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Locker{dir: dir}
}

// DefaultDir is the directory used when none is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "lockable")
}

// Dir returns the lock directory.
func (l *Locker) Dir() string { return l.dir }

// Path returns the lock file used for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.dir, fileName(name))
}

// Supported implements Primitive. The probe runs once per Locker.
func (l *Locker) Supported() bool {
	l.once.Do(func() {
		l.supported = probe(l.dir)
	})
	return l.supported
}

// fileName maps a lock name to a single path element. Names too long for
// common file systems are replaced by their digest.
func fileName(name string) string {
	escaped := url.PathEscape(name)
	if len(escaped) > maxEscapedName {
		sum := sha256.Sum256([]byte(name))
		escaped = hex.EncodeToString(sum[:])
	}
	return escaped + ".lock"
}
