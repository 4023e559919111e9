package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"caskdb/pkg/dberrors"
	"caskdb/pkg/keydir"
	"caskdb/pkg/record"
)

const zeroCheckChunk = 32 * 1024

// recoverKeydir replays every segment in generation order into a fresh keydir and
// opens the newest segment for appends.
//
// A record that cannot be decoded ends recovery with ErrCorruptRecord unless
// it sits at the tail of the newest segment with nothing intact after it,
// where it is the remains of a write cut off by a crash; the tail is
// truncated and recovery continues.
func (e *Engine) recoverKeydir() error {
	keys := keydir.New()
	gens := e.log.Generations()

	for i, gen := range gens {
		last := i == len(gens)-1
		if err := e.replay(keys, gen, last); err != nil {
			return err
		}
	}

	e.keys.Store(keys)

	if err := e.log.Activate(); err != nil {
		return err
	}

	slog.Info("recovery finished",
		"dir", e.log.Dir(), "segments", len(gens), "live_keys", keys.Len(), "active", e.log.Active())
	return nil
}

func (e *Engine) replay(keys *keydir.Keydir, gen uint64, last bool) error {
	f, size, err := e.log.OpenReader(gen)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close segment after replay", "segment", gen, "error", cerr)
		}
	}()

	var puts, tombstones int
	s := record.NewScanner(f, size)
	for s.Scan() {
		rec := s.Record()
		switch rec.Kind {
		case record.Put:
			keys.Put(rec.Key, keydir.Entry{Segment: gen, Offset: s.Offset(), Size: uint32(s.Len())})
			puts++
		case record.Tombstone:
			keys.Remove(rec.Key)
			tombstones++
		}
	}

	slog.Debug("segment replayed",
		"segment", gen, "size", humanize.Bytes(uint64(size)), "puts", puts, "tombstones", tombstones)

	scanErr := s.Err()
	if scanErr == nil {
		return nil
	}
	if errors.Is(scanErr, dberrors.ErrIO) {
		return fmt.Errorf("segment %d: %w", gen, scanErr)
	}
	if !last {
		return corruptSegment(gen, scanErr)
	}

	torn, err := tornTail(f, s, size)
	if err != nil {
		return err
	}
	if !torn {
		return corruptSegment(gen, scanErr)
	}

	slog.Warn("truncating incomplete record at segment tail",
		"segment", gen, "offset", s.End(), "dropped", humanize.Bytes(uint64(size-s.End())), "reason", scanErr)

	return e.log.Truncate(gen, s.End())
}

// tornTail reports whether the scan stopped on the remains of an interrupted
// append: a record running to or past end-of-file with no intact record
// behind it, or a zero-filled tail. A damaged length field also makes a
// record look like it runs past end-of-file, so the bytes after the failure
// point are searched for a record that still checks out.
func tornTail(r io.ReaderAt, s *record.Scanner, size int64) (bool, error) {
	if !errors.Is(s.Err(), dberrors.ErrIncompleteRecord) && s.FailedEnd() < size {
		return zeroFrom(r, s.Offset(), size)
	}

	off, found, err := record.FindValid(r, s.Offset()+1, size)
	if err != nil {
		return false, err
	}
	if found {
		slog.Error("intact record found after damaged one, refusing to truncate",
			"failed_at", s.Offset(), "intact_at", off)
		return false, nil
	}
	return true, nil
}

func zeroFrom(r io.ReaderAt, offset, size int64) (bool, error) {
	buf := make([]byte, zeroCheckChunk)
	zeros := make([]byte, zeroCheckChunk)

	for offset < size {
		n := int64(len(buf))
		if size-offset < n {
			n = size - offset
		}
		if _, err := r.ReadAt(buf[:n], offset); err != nil {
			return false, fmt.Errorf("%w: failed to read segment tail: %w", dberrors.ErrIO, err)
		}
		if !bytes.Equal(buf[:n], zeros[:n]) {
			return false, nil
		}
		offset += n
	}

	return true, nil
}

// corruptSegment reports damage that a crash cannot explain. The
// incomplete-record signal is not passed on: a record that only looks cut
// short, in a sealed segment or ahead of intact data, is corruption.
func corruptSegment(gen uint64, err error) error {
	if errors.Is(err, dberrors.ErrIncompleteRecord) {
		return fmt.Errorf("%w: segment %d: %v", dberrors.ErrCorruptRecord, gen, err)
	}
	return fmt.Errorf("segment %d: %w", gen, err)
}
