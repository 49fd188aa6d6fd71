//go:build !unix

package filelock

func probe(string) bool { return false }

// Enter implements Primitive. It always fails with ErrUnsupported.
func (l *Locker) Enter(name string, wait bool) (Section, bool, error) {
	return nil, false, ErrUnsupported
}
