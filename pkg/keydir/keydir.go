// Package keydir holds the in-memory index from key to the location of its
// newest value on disk.
package keydir

import (
	"bytes"

	"github.com/zhangyunhao116/skipmap"
)

// Entry locates one encoded record.
type Entry struct {
	Segment uint64
	Offset  int64
	Size    uint32
}

type concurrentMap = skipmap.FuncMap[[]byte, Entry]

// Keydir maps keys to entries. Every call replaces, inserts or removes a
// single entry atomically, so concurrent readers never see a half-written
// entry. Keys are copied on insert.
type Keydir struct {
	m *concurrentMap
}

func New() *Keydir {
	return &Keydir{
		m: skipmap.NewFunc[[]byte, Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (k *Keydir) Put(key []byte, e Entry) {
	k.m.Store(bytes.Clone(key), e)
}

func (k *Keydir) Get(key []byte) (Entry, bool) {
	return k.m.Load(key)
}

func (k *Keydir) Remove(key []byte) {
	k.m.Delete(key)
}

func (k *Keydir) Len() int {
	return k.m.Len()
}

// Range calls fn for every key until fn returns false. The key slice must
// not be modified.
func (k *Keydir) Range(fn func(key []byte, e Entry) bool) {
	k.m.Range(fn)
}

// Segments returns how many entries point into each segment.
func (k *Keydir) Segments() map[uint64]int {
	out := make(map[uint64]int)
	k.m.Range(func(_ []byte, e Entry) bool {
		out[e.Segment]++
		return true
	})
	return out
}
