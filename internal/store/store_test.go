package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/memfs/internal/models"
)

var epoch = time.Unix(1700000000, 0)

func names(entries []*models.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.FullPath)
	}
	return out
}

func TestInsertLookup(t *testing.T) {
	s := New(4)

	for _, p := range []string{"/a", "/a/b.txt", "/c"} {
		require.NoError(t, s.Insert(models.NewFile(p, epoch)))
		got, ok := s.Lookup(p)
		require.True(t, ok, "lookup %s", p)
		assert.Equal(t, p, got.FullPath)
	}

	_, ok := s.Lookup("/")
	assert.False(t, ok, "root must never be stored")
	_, ok = s.Lookup("/missing")
	assert.False(t, ok)
	assert.Equal(t, 3, s.Len())
}

func TestInsertCapacity(t *testing.T) {
	s := New(3)
	for i := range 3 {
		require.NoError(t, s.Insert(models.NewFile(fmt.Sprintf("/f%d", i), epoch)))
	}

	err := s.Insert(models.NewFile("/overflow", epoch))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, ok := s.Lookup("/overflow")
	assert.False(t, ok, "rejected insert left an entry behind")
	assert.Equal(t, 3, s.Len())
}

func TestInsertDuplicate(t *testing.T) {
	s := New(4)
	require.NoError(t, s.Insert(models.NewDirectory("/a", epoch)))

	err := s.Insert(models.NewFile("/a", epoch))
	require.ErrorIs(t, err, ErrDuplicate)

	got, _ := s.Lookup("/a")
	assert.True(t, got.IsDir, "duplicate insert replaced the original entry")
}

func TestRemove(t *testing.T) {
	s := New(4)
	require.NoError(t, s.Insert(models.NewFile("/a", epoch)))

	e, ok := s.Remove("/a")
	require.True(t, ok)
	assert.Equal(t, "/a", e.FullPath)

	_, ok = s.Remove("/a")
	assert.False(t, ok, "second remove should report nothing removed")
	assert.Equal(t, 0, s.Len())

	// The slot is reusable.
	require.NoError(t, s.Insert(models.NewFile("/b", epoch)))
}

func TestChildren(t *testing.T) {
	s := New(10)
	for _, e := range []*models.Entry{
		models.NewDirectory("/a", epoch),
		models.NewFile("/a/z.txt", epoch),
		models.NewFile("/a/b.txt", epoch),
		models.NewDirectory("/a/sub", epoch),
		models.NewFile("/a/sub/deep.txt", epoch),
		models.NewFile("/ab", epoch),
		models.NewFile("/top.txt", epoch),
	} {
		require.NoError(t, s.Insert(e))
	}

	var got []string
	for e := range s.Children("/a") {
		got = append(got, e.Name)
	}
	assert.Equal(t, []string{"b.txt", "sub", "z.txt"}, got)

	got = got[:0]
	for e := range s.Children("/") {
		got = append(got, e.Name)
	}
	assert.Equal(t, []string{"a", "ab", "top.txt"}, got)

	// Restartable and stoppable.
	count := 0
	for range s.Children("/a") {
		count++
		break
	}
	assert.Equal(t, 1, count)

	assert.True(t, s.HasChildren("/a/sub"))
	assert.False(t, s.HasChildren("/ab"))
}

func TestDescendants(t *testing.T) {
	s := New(10)
	for _, e := range []*models.Entry{
		models.NewDirectory("/a", epoch),
		models.NewDirectory("/a/sub", epoch),
		models.NewFile("/a/sub/deep.txt", epoch),
		models.NewFile("/a/b.txt", epoch),
		models.NewFile("/ab", epoch),
	} {
		require.NoError(t, s.Insert(e))
	}

	assert.Equal(t, []string{"/a/b.txt", "/a/sub", "/a/sub/deep.txt"}, names(s.Descendants("/a")))
	assert.Empty(t, s.Descendants("/ab"))
}

func TestAllOrdersParentsFirst(t *testing.T) {
	s := New(10)
	for _, e := range []*models.Entry{
		models.NewFile("/a.txt", epoch),
		models.NewFile("/a/b", epoch),
		models.NewDirectory("/a", epoch),
	} {
		require.NoError(t, s.Insert(e))
	}

	assert.Equal(t, []string{"/a", "/a/b", "/a.txt"}, names(s.All()))
}

func TestTotalBytes(t *testing.T) {
	s := New(4)
	f := models.NewFile("/f", epoch)
	_, err := f.Content.WriteAt([]byte("12345"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Insert(f))
	require.NoError(t, s.Insert(models.NewDirectory("/d", epoch)))

	assert.Equal(t, int64(5), s.TotalBytes())

	s.Remove("/f")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(0), s.TotalBytes())
}

func TestNewDefaultsCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Capacity())
	assert.Equal(t, 7, New(7).Capacity())
}
