// Package segment manages the append-only files that make up the log.
//
// A directory holds files named <pattern>.<generation>.log. The file with the
// highest generation is active and receives appends; every other file is
// sealed and only read. Files are never rewritten in place: they grow while
// active and are removed once compaction has superseded them.
package segment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"

	"caskdb/pkg/dberrors"
)

const (
	fileExt    = ".log"
	compactExt = ".compact"
	dirPerm  = 0750
	filePerm = 0600

	btreeDegree = 8
)

// Options configures a Log.
type Options struct {
	// MaxSegmentBytes seals the active segment once the next append would
	// push it past this size. Zero disables size-based rotation.
	MaxSegmentBytes int64
}

// Log owns every segment file of one directory.
//
// Append, Truncate, Activate, NewWriter, Install and Remove must be called
// from a single writer. Read may run concurrently with Append but not with
// Install or Remove, which close file handles.
type Log struct {
	dir     string
	pattern string
	maxSize int64

	mu         sync.RWMutex
	gens       *btree.BTreeG[uint64]
	active     *os.File
	activeGen  uint64
	activeSize int64
	readers    map[uint64]*os.File
}

// Open creates dir if needed and discovers the segments already in it. No
// segment is opened for writing until Activate is called.
func Open(dir, pattern string, opts Options) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty segment dir")
	}
	if pattern == "" || strings.ContainsRune(pattern, filepath.Separator) {
		return nil, fmt.Errorf("invalid segment pattern %q", pattern)
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, ioErr("failed to create segment directory", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErr("failed to list segment directory", err)
	}

	l := &Log{
		dir:     dir,
		pattern: pattern,
		maxSize: opts.MaxSegmentBytes,
		gens:    newGenSet(),
		readers: make(map[uint64]*os.File),
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if l.isCompactLeftover(e.Name()) {
			l.removeLeftover(e.Name())
			continue
		}
		if gen, ok := l.parseName(e.Name()); ok {
			l.gens.ReplaceOrInsert(gen)
		}
	}

	return l, nil
}

func newGenSet() *btree.BTreeG[uint64] {
	return btree.NewG[uint64](btreeDegree, func(a, b uint64) bool { return a < b })
}

// Dir returns the directory holding the segments.
func (l *Log) Dir() string { return l.dir }

// Path returns the file path of a generation.
func (l *Log) Path(gen uint64) string {
	return filepath.Join(l.dir, l.pattern+"."+strconv.FormatUint(gen, 10)+fileExt)
}

func (l *Log) parseName(name string) (uint64, bool) {
	prefix := l.pattern + "."
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}

	mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), fileExt)
	if mid == "" || mid[0] == '+' {
		return 0, false
	}
	gen, err := strconv.ParseUint(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// isCompactLeftover matches a compaction output that was never installed.
func (l *Log) isCompactLeftover(name string) bool {
	if !strings.HasSuffix(name, compactExt) {
		return false
	}
	_, ok := l.parseName(strings.TrimSuffix(name, compactExt))
	return ok
}

func (l *Log) removeLeftover(name string) {
	path := filepath.Join(l.dir, name)
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to remove leftover compaction output", "path", path, "error", err)
		return
	}
	slog.Info("removed leftover compaction output", "path", path)
}

// Generations returns the known segment generations in ascending order.
func (l *Log) Generations() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]uint64, 0, l.gens.Len())
	l.gens.Ascend(func(gen uint64) bool {
		out = append(out, gen)
		return true
	})
	return out
}

// Active returns the generation currently receiving appends.
func (l *Log) Active() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeGen
}

// OpenReader opens a generation for a sequential scan and reports its size.
func (l *Log) OpenReader(gen uint64) (*os.File, int64, error) {
	f, err := os.Open(l.Path(gen))
	if err != nil {
		return nil, 0, ioErr(fmt.Sprintf("failed to open segment %d", gen), err)
	}

	info, err := f.Stat()
	if err != nil {
		closeQuietly(f)
		return nil, 0, ioErr(fmt.Sprintf("failed to stat segment %d", gen), err)
	}

	return f, info.Size(), nil
}

// Truncate cuts a segment down to size bytes and syncs it.
func (l *Log) Truncate(gen uint64, size int64) error {
	f, err := os.OpenFile(l.Path(gen), os.O_RDWR, filePerm)
	if err != nil {
		return ioErr(fmt.Sprintf("failed to open segment %d for truncate", gen), err)
	}
	defer closeQuietly(f)

	if err := f.Truncate(size); err != nil {
		return ioErr(fmt.Sprintf("failed to truncate segment %d", gen), err)
	}
	if err := f.Sync(); err != nil {
		return ioErr(fmt.Sprintf("failed to sync segment %d", gen), err)
	}

	return nil
}

// Activate opens the newest segment for appending, creating generation 0 in
// an empty directory.
func (l *Log) Activate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil {
		return nil
	}

	gen, ok := l.gens.Max()
	if !ok {
		gen = 0
	}

	return l.openActive(gen)
}

func (l *Log) openActive(gen uint64) error {
	f, err := os.OpenFile(l.Path(gen), os.O_CREATE|os.O_RDWR|os.O_APPEND, filePerm)
	if err != nil {
		return ioErr(fmt.Sprintf("failed to open active segment %d", gen), err)
	}

	info, err := f.Stat()
	if err != nil {
		closeQuietly(f)
		return ioErr(fmt.Sprintf("failed to stat active segment %d", gen), err)
	}

	if _, existed := l.gens.ReplaceOrInsert(gen); !existed {
		if err := syncDir(l.dir); err != nil {
			closeQuietly(f)
			return err
		}
	}

	l.active = f
	l.activeGen = gen
	l.activeSize = info.Size()

	return nil
}

// Append writes b at the end of the active segment, syncs it, and returns the
// generation and offset the bytes start at. A failed append leaves the
// segment at its previous size.
//
// The write and sync run outside the handle lock so readers are not held up
// by fsync; active and activeSize only change on the writer's goroutine.
func (l *Log) Append(b []byte) (uint64, int64, error) {
	if l.active == nil {
		return 0, 0, fmt.Errorf("%w: no active segment", dberrors.ErrClosed)
	}

	if l.maxSize > 0 && l.activeSize > 0 && l.activeSize+int64(len(b)) > l.maxSize {
		l.mu.Lock()
		err := l.rotate()
		l.mu.Unlock()
		if err != nil {
			return 0, 0, err
		}
	}

	offset := l.activeSize
	if _, err := l.active.Write(b); err != nil {
		l.rollback(offset)
		return 0, 0, ioErr(fmt.Sprintf("failed to append to segment %d", l.activeGen), err)
	}
	if err := l.active.Sync(); err != nil {
		l.rollback(offset)
		return 0, 0, ioErr(fmt.Sprintf("failed to sync segment %d", l.activeGen), err)
	}

	l.activeSize += int64(len(b))
	return l.activeGen, offset, nil
}

func (l *Log) rollback(size int64) {
	if err := l.active.Truncate(size); err != nil {
		slog.Error("failed to roll back partial append",
			"segment", l.activeGen, "size", size, "error", err)
	}
}

// rotate seals the active segment and opens the next generation. The sealed
// handle is kept for reads.
func (l *Log) rotate() error {
	sealed, sealedGen := l.active, l.activeGen
	next := sealedGen + 1
	if maxGen, ok := l.gens.Max(); ok && maxGen >= next {
		next = maxGen + 1
	}

	if err := l.openActive(next); err != nil {
		return err
	}
	l.readers[sealedGen] = sealed

	slog.Debug("segment rotated", "sealed", sealedGen, "active", next)
	return nil
}

// Read returns exactly n bytes of a segment starting at offset.
func (l *Log) Read(gen uint64, offset int64, n int) ([]byte, error) {
	f, err := l.handle(gen)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: segment %d: short read of %d bytes at offset %d",
				dberrors.ErrIO, gen, n, offset)
		}
		return nil, ioErr(fmt.Sprintf("failed to read segment %d", gen), err)
	}

	return buf, nil
}

func (l *Log) handle(gen uint64) (*os.File, error) {
	l.mu.RLock()
	f, ok := l.lookup(gen)
	l.mu.RUnlock()
	if ok {
		return f, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.lookup(gen); ok {
		return f, nil
	}
	if !l.gens.Has(gen) {
		return nil, fmt.Errorf("%w: %w: generation %d", dberrors.ErrIO, dberrors.ErrSegmentMissing, gen)
	}

	f, err := os.Open(l.Path(gen))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: %w", dberrors.ErrIO, dberrors.ErrSegmentMissing, err)
		}
		return nil, ioErr(fmt.Sprintf("failed to open segment %d", gen), err)
	}
	l.readers[gen] = f

	return f, nil
}

func (l *Log) lookup(gen uint64) (*os.File, bool) {
	if l.active != nil && gen == l.activeGen {
		return l.active, true
	}
	f, ok := l.readers[gen]
	return f, ok
}

// Size returns the total number of bytes held by all segments.
func (l *Log) Size() (int64, error) {
	var total int64
	for _, gen := range l.Generations() {
		info, err := os.Stat(l.Path(gen))
		if err != nil {
			return 0, ioErr(fmt.Sprintf("failed to stat segment %d", gen), err)
		}
		total += info.Size()
	}
	return total, nil
}

// Install renames a committed compaction writer into place, makes it the
// only segment of the log and returns the generations it supersedes. The
// superseded files stay on disk until Remove is called. On error the log is
// unchanged.
func (l *Log) Install(w *Writer) ([]uint64, error) {
	if !w.committed {
		return nil, fmt.Errorf("segment %d is not committed", w.gen)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	final := l.Path(w.gen)
	if err := os.Rename(w.path, final); err != nil {
		return nil, ioErr(fmt.Sprintf("failed to install segment %d", w.gen), err)
	}
	w.path = final
	if err := syncDir(l.dir); err != nil {
		return nil, err
	}

	var retired []uint64
	l.gens.Ascend(func(gen uint64) bool {
		retired = append(retired, gen)
		return true
	})

	for gen, f := range l.readers {
		closeQuietly(f)
		delete(l.readers, gen)
	}
	if l.active != nil {
		closeQuietly(l.active)
	}

	l.gens = newGenSet()
	l.gens.ReplaceOrInsert(w.gen)
	l.active = w.f
	l.activeGen = w.gen
	l.activeSize = w.size
	w.f = nil

	return retired, nil
}

// Remove deletes retired segment files.
func (l *Log) Remove(gens []uint64) error {
	var errs []error
	for _, gen := range gens {
		if err := os.Remove(l.Path(gen)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, ioErr(fmt.Sprintf("failed to remove segment %d", gen), err))
		}
	}
	if err := syncDir(l.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close syncs the active segment and closes every handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for gen, f := range l.readers {
		if err := f.Close(); err != nil {
			errs = append(errs, ioErr(fmt.Sprintf("failed to close segment %d", gen), err))
		}
		delete(l.readers, gen)
	}

	if l.active != nil {
		if err := l.active.Sync(); err != nil {
			errs = append(errs, ioErr(fmt.Sprintf("failed to sync segment %d", l.activeGen), err))
		}
		if err := l.active.Close(); err != nil {
			errs = append(errs, ioErr(fmt.Sprintf("failed to close segment %d", l.activeGen), err))
		}
		l.active = nil
	}

	return errors.Join(errs...)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioErr("failed to open segment directory", err)
	}
	defer closeQuietly(d)

	if err := d.Sync(); err != nil {
		return ioErr("failed to sync segment directory", err)
	}
	return nil
}

func ioErr(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", dberrors.ErrIO, msg, err)
}

func closeQuietly(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Warn("failed to close file", "path", f.Name(), "error", err)
	}
}
