package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"caskdb/pkg/dberrors"
	"caskdb/pkg/keydir"
	"caskdb/pkg/record"
	"caskdb/pkg/segment"
)

// Compact rewrites the live values into a single fresh segment regardless of
// the write counter. A failure returns an error wrapping
// dberrors.ErrCompaction and leaves the store as it was.
func (e *Engine) Compact() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	return e.compact()
}

// compact must be called with writeMu held.
//
// The new segment and its keydir are built off to the side while readers keep
// using the current ones. Only the swap takes the exclusive lock, and the old
// segments are deleted after it. A failure before the swap discards the new
// segment and leaves the engine as it was.
func (e *Engine) compact() error {
	start := time.Now()

	before, err := e.log.Size()
	if err != nil {
		return e.compactionFailed(err)
	}

	live := e.keys.Load()
	slog.Debug("compaction started", "live_by_segment", live.Segments(), "size", humanize.Bytes(uint64(before)))

	w, err := e.log.NewWriter()
	if err != nil {
		return e.compactionFailed(err)
	}

	next, err := e.rewriteLive(live, w)
	if err == nil {
		err = w.Commit()
	}
	if err != nil {
		return e.compactionFailed(errors.Join(err, w.Abort()))
	}

	e.mu.Lock()
	retired, err := e.log.Install(w)
	if err == nil {
		e.keys.Store(next)
	}
	e.mu.Unlock()
	if err != nil {
		return e.compactionFailed(errors.Join(err, w.Abort()))
	}

	e.writes = 0
	e.nextCompaction = e.opts.MaxWrites
	e.compactions.Add(1)

	// Leftover files only cost space: replaying them before the compacted
	// segment yields the same keydir.
	if err := e.log.Remove(retired); err != nil {
		slog.Warn("failed to remove retired segments", "segments", retired, "error", err)
	}

	after := w.Size()
	reclaimed := uint64(0)
	if before > after {
		reclaimed = uint64(before - after)
	}

	e.metrics.IncCounter(metricCompactions, map[string]string{"result": "ok"}, 1)
	e.metrics.ObserveHistogram(metricCompactTime, nil, time.Since(start).Seconds())
	e.reportGauges()

	slog.Info("compaction finished",
		"segment", w.Gen(),
		"live_keys", next.Len(),
		"retired", len(retired),
		"size", humanize.Bytes(uint64(after)),
		"reclaimed", humanize.Bytes(reclaimed),
		"took", time.Since(start))

	return nil
}

// rewriteLive copies the newest value of every key in live into w and
// returns a keydir pointing at the copies.
func (e *Engine) rewriteLive(live *keydir.Keydir, w *segment.Writer) (*keydir.Keydir, error) {
	next := keydir.New()

	var err error
	live.Range(func(key []byte, entry keydir.Entry) bool {
		var rec record.Record
		rec, err = e.readRecord(key, entry)
		if err != nil {
			err = fmt.Errorf("failed to read live key %q: %w", key, err)
			return false
		}

		var buf []byte
		buf, err = record.Encode(record.Put, rec.Key, rec.Value)
		if err != nil {
			return false
		}

		var offset int64
		offset, err = w.Append(buf)
		if err != nil {
			return false
		}

		next.Put(key, keydir.Entry{Segment: w.Gen(), Offset: offset, Size: uint32(len(buf))})
		return true
	})

	if err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) compactionFailed(err error) error {
	e.metrics.IncCounter(metricCompactions, map[string]string{"result": "error"}, 1)
	slog.Error("compaction failed, keeping current segments", "error", err)
	return fmt.Errorf("%w: %w", dberrors.ErrCompaction, err)
}
