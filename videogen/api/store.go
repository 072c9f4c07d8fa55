package api

import (
	"cmp"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// Output is a finished generation kept by the server.
type Output struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Size      string        `json:"size"`
	Frames    int           `json:"frames"`
	Files     []string      `json:"files"`
	Thumbnail string        `json:"thumbnail,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"total_duration"`

	dir string
	seq uint64
}

// Store keeps the most recent outputs. Once more than keep are held the
// oldest is evicted and its directory removed.
type Store struct {
	mu   sync.Mutex
	keep int
	seq  uint64

	byID map[string]*Output
	// age orders outputs oldest first. Deleted outputs stay in the heap
	// until they surface and are skipped.
	age *binaryheap.Heap
}

func NewStore(keep int) *Store {
	return &Store{
		keep: max(keep, 1),
		byID: make(map[string]*Output),
		age: binaryheap.NewWith(func(a, b any) int {
			return cmp.Compare(a.(*Output).seq, b.(*Output).seq)
		}),
	}
}

// Add records o and returns the outputs evicted to make room.
func (s *Store) Add(o *Output) []*Output {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	o.seq = s.seq
	s.byID[o.ID] = o
	s.age.Push(o)

	var evicted []*Output
	for len(s.byID) > s.keep {
		v, ok := s.age.Pop()
		if !ok {
			break
		}
		old := v.(*Output)
		if s.byID[old.ID] != old {
			continue
		}
		delete(s.byID, old.ID)
		evicted = append(evicted, old)
	}

	for _, old := range evicted {
		removeDir(old)
	}
	return evicted
}

func (s *Store) Get(id string) (*Output, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	return o, ok
}

// Delete forgets id and removes its files.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	o, ok := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()

	if ok {
		removeDir(o)
	}
	return ok
}

// List returns the held outputs, newest first.
func (s *Store) List() []*Output {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*Output, 0, len(s.byID))
	for _, o := range s.byID {
		list = append(list, o)
	}
	slices.SortFunc(list, func(a, b *Output) int { return cmp.Compare(b.seq, a.seq) })
	return list
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func removeDir(o *Output) {
	if o.dir == "" {
		return
	}
	if err := os.RemoveAll(o.dir); err != nil {
		slog.Warn("failed to remove output", "id", o.ID, "dir", o.dir, "error", err)
	}
}
