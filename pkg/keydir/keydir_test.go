package keydir

import (
	"fmt"
	"sync"
	"testing"
)

func TestKeydir_PutGetRemove(t *testing.T) {
	k := New()

	k.Put([]byte("a"), Entry{Segment: 1, Offset: 10, Size: 20})
	e, ok := k.Get([]byte("a"))
	if !ok {
		t.Fatal("expected to find a")
	}
	if e != (Entry{Segment: 1, Offset: 10, Size: 20}) {
		t.Fatalf("unexpected entry: %+v", e)
	}

	k.Put([]byte("a"), Entry{Segment: 2, Offset: 0, Size: 5})
	if e, _ := k.Get([]byte("a")); e.Segment != 2 {
		t.Fatalf("expected overwrite to segment 2, got %+v", e)
	}
	if k.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", k.Len())
	}

	k.Remove([]byte("a"))
	if _, ok := k.Get([]byte("a")); ok {
		t.Fatal("expected a to be removed")
	}

	// removing an absent key is a no-op
	k.Remove([]byte("missing"))
}

func TestKeydir_CopiesKey(t *testing.T) {
	k := New()
	key := []byte("abc")
	k.Put(key, Entry{Offset: 1})
	key[0] = 'x'

	if _, ok := k.Get([]byte("abc")); !ok {
		t.Fatal("stored key must not alias the caller's buffer")
	}
}

func TestKeydir_Segments(t *testing.T) {
	k := New()
	k.Put([]byte("a"), Entry{Segment: 0})
	k.Put([]byte("b"), Entry{Segment: 0})
	k.Put([]byte("c"), Entry{Segment: 3})

	counts := k.Segments()
	if counts[0] != 2 || counts[3] != 1 || len(counts) != 2 {
		t.Fatalf("unexpected segment counts: %v", counts)
	}
}

func TestKeydir_ConcurrentAccess(t *testing.T) {
	k := New()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := []byte(fmt.Sprintf("key-%d-%d", w, i))
				k.Put(key, Entry{Segment: uint64(w), Offset: int64(i)})
				if e, ok := k.Get(key); !ok || e.Offset != int64(i) {
					t.Errorf("lost write for %s", key)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if k.Len() != 2000 {
		t.Fatalf("expected 2000 entries, got %d", k.Len())
	}
}
