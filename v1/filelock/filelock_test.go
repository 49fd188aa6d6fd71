//go:build unix

package filelock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupported(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	l := New(dir)
	require.True(t, l.Supported())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSupportedFalseWhenDirUnusable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	l := New(filepath.Join(file, "locks"))
	assert.False(t, l.Supported())
}

func TestEnterNonWaitingBusy(t *testing.T) {
	l := New(t.TempDir())

	held, ok, err := l.Enter("x", false)
	require.NoError(t, err)
	require.True(t, ok)

	// A second open file description conflicts even inside one process.
	other, ok, err := New(l.Dir()).Enter("x", false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)

	require.NoError(t, held.Leave())

	again, ok, err := l.Enter("x", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Leave())
}

func TestNamesAreIndependent(t *testing.T) {
	l := New(t.TempDir())

	a, ok, err := l.Enter("a", false)
	require.NoError(t, err)
	require.True(t, ok)
	defer a.Leave()

	b, ok, err := l.Enter("b", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Leave())
}

func TestWaitingEnterBlocksUntilLeave(t *testing.T) {
	l := New(t.TempDir())
	held, ok, err := l.Enter("x", false)
	require.NoError(t, err)
	require.True(t, ok)

	granted := make(chan Section, 1)
	go func() {
		s, ok, err := l.Enter("x", true)
		if err == nil && ok {
			granted <- s
		}
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatal("waiting enter returned while the section was held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, held.Leave())

	select {
	case s, ok := <-granted:
		require.True(t, ok, "waiting enter failed")
		require.NoError(t, s.Leave())
	case <-time.After(2 * time.Second):
		t.Fatal("waiting enter not granted after leave")
	}
}

func TestLeaveTwice(t *testing.T) {
	l := New(t.TempDir())
	s, ok, err := l.Enter("x", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Leave())
	require.NoError(t, s.Leave())
}

func TestPathEscaping(t *testing.T) {
	l := New("/locks")

	assert.Equal(t, "/locks/a%2Fb.lock", l.Path("a/b"))
	assert.Equal(t, "/locks/..lock", l.Path("."))

	long := l.Path(strings.Repeat("n", 500))
	assert.Equal(t, "/locks", filepath.Dir(long))
	assert.Len(t, filepath.Base(long), 64+len(".lock"))
	assert.NotEqual(t, long, l.Path(strings.Repeat("n", 501)))
}

func TestDefaultDir(t *testing.T) {
	assert.Equal(t, DefaultDir(), New("").Dir())
}
