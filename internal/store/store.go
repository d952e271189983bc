// Package store implements the bounded table of filesystem entries keyed by
// canonical full path.
package store

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/pathutil"
)

// DefaultCapacity is the entry limit used when none is configured.
const DefaultCapacity = 10

var (
	// ErrCapacityExceeded is returned by Insert when the store is full.
	ErrCapacityExceeded = errors.New("entry store capacity exceeded")

	// ErrDuplicate is returned by Insert when the path is already taken.
	ErrDuplicate = errors.New("entry already exists")
)

// Store owns every entry. The root directory is implicit and never stored.
//
// Store is not safe for concurrent use; callers serialize access.
type Store struct {
	capacity int
	entries  map[string]*models.Entry
}

// New creates an empty store holding at most capacity entries.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[string]*models.Entry, capacity),
	}
}

// Capacity returns the maximum number of entries.
func (s *Store) Capacity() int {
	return s.capacity
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Insert stores e under e.FullPath.
func (s *Store) Insert(e *models.Entry) error {
	if _, ok := s.entries[e.FullPath]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.FullPath)
	}
	if len(s.entries) >= s.capacity {
		return fmt.Errorf("%w: %d of %d entries in use", ErrCapacityExceeded, len(s.entries), s.capacity)
	}
	s.entries[e.FullPath] = e
	return nil
}

// Lookup returns the entry stored at path. The root is never found.
func (s *Store) Lookup(path string) (*models.Entry, bool) {
	e, ok := s.entries[path]
	return e, ok
}

// Remove detaches the entry at path and returns it. Removing an absent path
// is not an error; it reports false.
func (s *Store) Remove(path string) (*models.Entry, bool) {
	e, ok := s.entries[path]
	if !ok {
		return nil, false
	}
	delete(s.entries, path)
	return e, true
}

// Children yields the direct children of dir in name order. Children are
// matched by exact ParentPath equality, which holds because every entry's
// ParentPath is canonical. Each range over the sequence rescans the table.
func (s *Store) Children(dir string) iter.Seq[*models.Entry] {
	return func(yield func(*models.Entry) bool) {
		var matched []*models.Entry
		for _, e := range s.entries {
			if e.ParentPath == dir {
				matched = append(matched, e)
			}
		}
		slices.SortFunc(matched, func(a, b *models.Entry) int {
			return strings.Compare(a.Name, b.Name)
		})
		for _, e := range matched {
			if !yield(e) {
				return
			}
		}
	}
}

// HasChildren reports whether any entry lists dir as its parent.
func (s *Store) HasChildren(dir string) bool {
	for _, e := range s.entries {
		if e.ParentPath == dir {
			return true
		}
	}
	return false
}

// Descendants returns every entry below dir at any depth, ordered by path.
func (s *Store) Descendants(dir string) []*models.Entry {
	var out []*models.Entry
	for p, e := range s.entries {
		if pathutil.IsUnder(p, dir) {
			out = append(out, e)
		}
	}
	sortByPath(out)
	return out
}

// All returns every entry ordered by path, so parents precede children.
func (s *Store) All() []*models.Entry {
	out := make([]*models.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sortByPath(out)
	return out
}

// TotalBytes returns the summed content length of all files.
func (s *Store) TotalBytes() int64 {
	var total int64
	for _, e := range s.entries {
		total += e.Size()
	}
	return total
}

// sortByPath orders entries component-wise, so a directory sorts before its
// contents and its subtree stays contiguous ("/a", "/a/b", "/a.txt").
func sortByPath(entries []*models.Entry) {
	slices.SortFunc(entries, func(a, b *models.Entry) int {
		return slices.Compare(strings.Split(a.FullPath, "/"), strings.Split(b.FullPath, "/"))
	})
}
