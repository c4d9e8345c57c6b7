package service

import (
	"sort"
	"sync"
)

// StringSet is a set of strings (all elements are unique)
type StringSet map[string]struct{}

// Push adds the string to the set if not already exists
func (ss StringSet) Push(s string) {
	ss[s] = struct{}{}
}

// Pop removes the string from the set
func (ss StringSet) Pop(s string) {
	delete(ss, s)
}

// Slice returns a sorted slice from the set
func (ss StringSet) Slice() []string {
	sl := make([]string, 0, len(ss))
	for k := range ss {
		sl = append(sl, k)
	}
	sort.Strings(sl)
	return sl
}

// Exists returns true if the string already exists in the Set
func (ss StringSet) Exists(s string) bool {
	_, ok := ss[s]
	return ok
}

// SyncStringSet is a StringSet safe for concurrent use
type SyncStringSet struct {
	mu  sync.Mutex
	set StringSet
}

func NewSyncStringSet() *SyncStringSet {
	return &SyncStringSet{set: StringSet{}}
}

func (ss *SyncStringSet) Push(s string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.set.Push(s)
}

func (ss *SyncStringSet) Pop(s string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.set.Pop(s)
}

func (ss *SyncStringSet) Slice() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.set.Slice()
}
