package segment

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

const writerBufferSize = 64 * 1024

// Writer fills a fresh segment during compaction. It writes to
// <pattern>.<generation>.log.compact, a name the Log never replays; Install
// renames it into place.
type Writer struct {
	f         *os.File
	buf       *bufio.Writer
	gen       uint64
	path      string
	size      int64
	committed bool
}

// NewWriter creates the next generation after every known segment.
func (l *Log) NewWriter() (*Writer, error) {
	l.mu.RLock()
	gen := uint64(0)
	if maxGen, ok := l.gens.Max(); ok {
		gen = maxGen + 1
	}
	l.mu.RUnlock()

	// a file left by an earlier Abort that could not remove it is never
	// installed, so it is overwritten
	path := l.Path(gen) + compactExt
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, filePerm)
	if err != nil {
		return nil, ioErr(fmt.Sprintf("failed to create segment %d", gen), err)
	}

	return &Writer{
		f:    f,
		buf:  bufio.NewWriterSize(f, writerBufferSize),
		gen:  gen,
		path: path,
	}, nil
}

// Gen returns the generation being written.
func (w *Writer) Gen() uint64 { return w.gen }

// Size returns the number of bytes appended so far.
func (w *Writer) Size() int64 { return w.size }

// Append buffers b and returns the offset it will occupy in the segment.
func (w *Writer) Append(b []byte) (int64, error) {
	if w.committed {
		return 0, fmt.Errorf("segment %d already committed", w.gen)
	}

	offset := w.size
	if _, err := w.buf.Write(b); err != nil {
		return 0, ioErr(fmt.Sprintf("failed to write segment %d", w.gen), err)
	}
	w.size += int64(len(b))

	return offset, nil
}

// Commit flushes and fsyncs the segment. The directory entry is synced by
// Install once the file has its final name.
func (w *Writer) Commit() error {
	if err := w.buf.Flush(); err != nil {
		return ioErr(fmt.Sprintf("failed to flush segment %d", w.gen), err)
	}
	if err := w.f.Sync(); err != nil {
		return ioErr(fmt.Sprintf("failed to sync segment %d", w.gen), err)
	}

	w.committed = true
	return nil
}

// Abort closes and deletes a segment that was never installed. If the file
// cannot be removed it is left under its .compact name, which recovery
// ignores and Open cleans up.
func (w *Writer) Abort() error {
	var errs []error
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			errs = append(errs, ioErr(fmt.Sprintf("failed to close segment %d", w.gen), err))
		}
		w.f = nil
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, ioErr(fmt.Sprintf("failed to remove segment %d", w.gen), err))
	}

	err := errors.Join(errs...)
	if err != nil {
		slog.Warn("failed to discard partial segment", "segment", w.gen, "error", err)
	}
	return err
}
