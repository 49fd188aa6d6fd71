//go:build unix

package filelock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// probeFile cannot collide with an escaped lock name.
const probeFile = "%probe"

func probe(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.OpenFile(filepath.Join(dir, probeFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil && !errors.Is(err, unix.EWOULDBLOCK) {
		return false
	}
	_ = flock(f, unix.LOCK_UN)
	return true
}

// Enter implements Primitive.
func (l *Locker) Enter(name string, wait bool) (Section, bool, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, false, err
	}
	path := l.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}

	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	if err := flock(f, how); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, &os.PathError{Op: "flock", Path: path, Err: err}
	}
	return &section{f: f}, true, nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

type section struct {
	once sync.Once
	f    *os.File
	err  error
}

func (s *section) Leave() error {
	s.once.Do(func() {
		uerr := flock(s.f, unix.LOCK_UN)
		cerr := s.f.Close()
		if uerr != nil {
			s.err = &os.PathError{Op: "funlock", Path: s.f.Name(), Err: uerr}
			return
		}
		s.err = cerr
	})
	return s.err
}
