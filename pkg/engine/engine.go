// Package engine is a single-node, log-structured key-value store.
//
// Every write is appended to a segment log; an in-memory keydir maps each key
// to the exact location of its newest value. On open the log is replayed to
// rebuild the keydir, and every MaxWrites writes the live values are rewritten
// into a fresh segment so that stale versions and tombstones stop taking disk
// space.
//
// Writes (Set, Delete, Compact) are serialized. Get may run concurrently with
// other Gets and with an in-flight write.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"caskdb/pkg/config"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/keydir"
	"caskdb/pkg/metrics"
	"caskdb/pkg/record"
	"caskdb/pkg/segment"
)

const (
	metricWrites      = "caskdb_writes_total"
	metricReads       = "caskdb_reads_total"
	metricCompactions = "caskdb_compactions_total"
	metricCompactTime = "caskdb_compaction_seconds"
	metricLiveKeys    = "caskdb_live_keys"
	metricSegments    = "caskdb_segments"
)

// Options configures an Engine. Zero values fall back to config.DefaultDB; a
// negative MaxSegmentBytes turns size-based rotation off.
type Options struct {
	Dir     string
	Pattern string

	MaxWrites       uint64
	MaxSegmentBytes int64
	MaxKeyBytes     int
	MaxValueBytes   int

	Metrics metrics.Collector
}

// OptionsFromConfig maps the db section of the node config.
func OptionsFromConfig(db config.DB) Options {
	return Options{
		Dir:             db.Path,
		Pattern:         db.Pattern,
		MaxWrites:       db.MaxWrites,
		MaxSegmentBytes: db.MaxSegmentBytes,
		MaxKeyBytes:     db.MaxKeyBytes,
		MaxValueBytes:   db.MaxValueBytes,
	}
}

func (o *Options) applyDefaults() {
	def := config.DefaultDB()
	if o.MaxWrites == 0 {
		o.MaxWrites = def.MaxWrites
	}
	if o.MaxSegmentBytes == 0 {
		o.MaxSegmentBytes = def.MaxSegmentBytes
	}
	if o.MaxKeyBytes == 0 {
		o.MaxKeyBytes = def.MaxKeyBytes
	}
	if o.MaxValueBytes == 0 {
		o.MaxValueBytes = def.MaxValueBytes
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
}

type Engine struct {
	opts    Options
	log     *segment.Log
	metrics metrics.Collector

	keys atomic.Pointer[keydir.Keydir]

	// writeMu serializes appends and compaction.
	writeMu sync.Mutex
	writes  uint64
	// nextCompaction is the writes value that triggers the next automatic
	// compaction. A failed attempt pushes it MaxWrites further.
	nextCompaction uint64

	// mu is held shared by readers and exclusively while compaction swaps the
	// keydir and retires segments.
	mu     sync.RWMutex
	closed atomic.Bool

	compactions atomic.Uint64
}

// Init opens or creates a store in directory and compacts every maxWrites
// writes.
func Init(directory, pattern string, maxWrites uint64) (*Engine, error) {
	return Open(Options{Dir: directory, Pattern: pattern, MaxWrites: maxWrites})
}

// New is Init with the default compaction threshold.
func New(directory, pattern string) (*Engine, error) {
	return Init(directory, pattern, config.DefaultMaxWrites)
}

// Open opens the segment log and replays it before returning.
func Open(opts Options) (*Engine, error) {
	opts.applyDefaults()

	log, err := segment.Open(opts.Dir, opts.Pattern, segment.Options{
		MaxSegmentBytes: opts.MaxSegmentBytes,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:           opts,
		log:            log,
		metrics:        opts.Metrics,
		nextCompaction: opts.MaxWrites,
	}

	if err := e.recoverKeydir(); err != nil {
		if cerr := log.Close(); cerr != nil {
			slog.Warn("failed to close segment log after failed recovery", "error", cerr)
		}
		return nil, fmt.Errorf("failed to recover %s: %w", log.Dir(), err)
	}

	e.reportGauges()
	return e, nil
}

func (e *Engine) Set(key, value string) error {
	return e.SetBytes([]byte(key), []byte(value))
}

// Get returns the value of key and whether it exists.
func (e *Engine) Get(key string) (string, bool, error) {
	v, ok, err := e.GetBytes([]byte(key))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// Delete removes key. Deleting an absent key still appends a tombstone and
// is not an error.
func (e *Engine) Delete(key string) error {
	return e.DeleteBytes([]byte(key))
}

// SetBytes stores value under key. A nil error means the write is durable.
func (e *Engine) SetBytes(key, value []byte) error {
	if err := e.validate(key, value); err != nil {
		return err
	}
	return e.write(record.Put, key, value)
}

func (e *Engine) DeleteBytes(key []byte) error {
	if err := e.validate(key, nil); err != nil {
		return err
	}
	return e.write(record.Tombstone, key, nil)
}

func (e *Engine) validate(key, value []byte) error {
	switch {
	case len(key) == 0:
		return dberrors.ErrEmptyKey
	case len(key) > e.opts.MaxKeyBytes:
		return fmt.Errorf("%w: %d > %d bytes", dberrors.ErrKeyTooLarge, len(key), e.opts.MaxKeyBytes)
	case len(value) > e.opts.MaxValueBytes:
		return fmt.Errorf("%w: %d > %d bytes", dberrors.ErrValueTooLarge, len(value), e.opts.MaxValueBytes)
	case uint64(record.Size(key, value)) > math.MaxUint32:
		return fmt.Errorf("%w: record exceeds %d bytes", dberrors.ErrValueTooLarge, uint32(math.MaxUint32))
	}
	return nil
}

func (e *Engine) write(kind record.Kind, key, value []byte) error {
	buf, err := record.Encode(kind, key, value)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return dberrors.ErrClosed
	}

	gen, offset, err := e.log.Append(buf)
	if err != nil {
		return fmt.Errorf("failed to append %s record: %w", kind, err)
	}

	keys := e.keys.Load()
	switch kind {
	case record.Put:
		keys.Put(key, keydir.Entry{Segment: gen, Offset: offset, Size: uint32(len(buf))})
	case record.Tombstone:
		keys.Remove(key)
	}

	e.writes++
	e.metrics.IncCounter(metricWrites, map[string]string{"op": kind.String()}, 1)
	e.metrics.SetGauge(metricLiveKeys, nil, float64(keys.Len()))

	if e.writes >= e.nextCompaction {
		// the write is durable already; a failed compaction is retried after
		// another MaxWrites writes or by an explicit Compact
		if err := e.compact(); err != nil {
			e.nextCompaction = e.writes + e.opts.MaxWrites
			slog.Warn("automatic compaction failed, write kept",
				"op", kind.String(), "retry_after_writes", e.opts.MaxWrites, "error", err)
		}
	}
	return nil
}

// GetBytes returns the value of key and whether it exists. A value whose
// bytes fail validation yields an error wrapping dberrors.ErrCorruptRecord.
func (e *Engine) GetBytes(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, dberrors.ErrEmptyKey
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}

	entry, ok := e.keys.Load().Get(key)
	if !ok {
		e.metrics.IncCounter(metricReads, map[string]string{"result": "miss"}, 1)
		return nil, false, nil
	}

	rec, err := e.readRecord(key, entry)
	if err != nil {
		e.metrics.IncCounter(metricReads, map[string]string{"result": "error"}, 1)
		return nil, false, err
	}

	e.metrics.IncCounter(metricReads, map[string]string{"result": "hit"}, 1)
	return rec.Value, true, nil
}

// readRecord loads and validates the record an entry points at.
func (e *Engine) readRecord(key []byte, entry keydir.Entry) (record.Record, error) {
	buf, err := e.log.Read(entry.Segment, entry.Offset, int(entry.Size))
	if err != nil {
		if errors.Is(err, dberrors.ErrSegmentMissing) {
			slog.Error("keydir points at a missing segment",
				"segment", entry.Segment, "offset", entry.Offset, "error", err)
		}
		return record.Record{}, err
	}

	rec, err := record.Decode(buf)
	if err != nil {
		return record.Record{}, fmt.Errorf("segment %d offset %d: %w", entry.Segment, entry.Offset, err)
	}
	if rec.Kind != record.Put {
		return record.Record{}, fmt.Errorf("%w: segment %d offset %d holds a %s",
			dberrors.ErrCorruptRecord, entry.Segment, entry.Offset, rec.Kind)
	}
	if !bytes.Equal(rec.Key, key) {
		return record.Record{}, fmt.Errorf("%w: key mismatch at segment %d offset %d",
			dberrors.ErrCorruptRecord, entry.Segment, entry.Offset)
	}

	return rec, nil
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	LiveKeys              int    `json:"live_keys"`
	Segments              int    `json:"segments"`
	ActiveSegment         uint64 `json:"active_segment"`
	DiskBytes             int64  `json:"disk_bytes"`
	WritesSinceCompaction uint64 `json:"writes_since_compaction"`
	Compactions           uint64 `json:"compactions"`
}

func (e *Engine) Stats() (Stats, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return Stats{}, dberrors.ErrClosed
	}

	size, err := e.log.Size()
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		LiveKeys:              e.keys.Load().Len(),
		Segments:              len(e.log.Generations()),
		ActiveSegment:         e.log.Active(),
		DiskBytes:             size,
		WritesSinceCompaction: e.writes,
		Compactions:           e.compactions.Load(),
	}, nil
}

// Close syncs and closes every segment. Later operations return ErrClosed;
// closing twice is a no-op.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed.Store(true)
	return e.log.Close()
}

func (e *Engine) reportGauges() {
	e.metrics.SetGauge(metricLiveKeys, nil, float64(e.keys.Load().Len()))
	e.metrics.SetGauge(metricSegments, nil, float64(len(e.log.Generations())))
}
