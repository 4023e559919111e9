package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"caskdb/pkg/dberrors"
)

const scanBufferSize = 64 * 1024

// Scanner reads consecutive records from a segment of known size.
//
// Scan stops at a clean end-of-file or at the first record that cannot be
// decoded. In the latter case Err wraps dberrors.ErrIncompleteRecord when the
// record runs past the end of the input and dberrors.ErrCorruptRecord when
// its bytes are present but invalid.
type Scanner struct {
	r    *bufio.Reader
	size int64

	start  int64
	end    int64
	badEnd int64
	rec    Record
	err    error
}

func NewScanner(r io.Reader, size int64) *Scanner {
	return &Scanner{
		r:    bufio.NewReaderSize(r, scanBufferSize),
		size: size,
	}
}

func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}

	s.start = s.end
	remaining := s.size - s.end
	if remaining == 0 {
		return false
	}
	if remaining < HeaderSize {
		s.fail(dberrors.ErrIncompleteRecord, s.size, fmt.Sprintf("%d header bytes", remaining))
		return false
	}

	hdr := make([]byte, HeaderSize)
	if err := s.read(hdr); err != nil {
		return false
	}

	h, err := parseHeader(hdr)
	if err == nil {
		err = h.check()
	}
	if err != nil {
		s.badEnd = s.start + HeaderSize
		s.err = fmt.Errorf("offset %d: %w", s.start, err)
		return false
	}

	recEnd := s.start + h.size()
	if recEnd > s.size {
		s.fail(dberrors.ErrIncompleteRecord, recEnd,
			fmt.Sprintf("record needs %d bytes, %d left", h.size(), remaining))
		return false
	}

	buf := make([]byte, h.size())
	copy(buf, hdr)
	if err := s.read(buf[HeaderSize:]); err != nil {
		return false
	}

	rec, err := h.verify(buf)
	if err != nil {
		s.badEnd = recEnd
		s.err = fmt.Errorf("offset %d: %w", s.start, err)
		return false
	}

	s.rec = rec
	s.end = recEnd
	return true
}

func (s *Scanner) read(p []byte) error {
	_, err := io.ReadFull(s.r, p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.fail(dberrors.ErrIncompleteRecord, s.size, "short read")
	default:
		s.err = fmt.Errorf("%w: offset %d: %w", dberrors.ErrIO, s.start, err)
		s.badEnd = s.size
	}
	return s.err
}

func (s *Scanner) fail(kind error, badEnd int64, detail string) {
	s.badEnd = badEnd
	if detail == "" {
		s.err = fmt.Errorf("offset %d: %w", s.start, kind)
		return
	}
	s.err = fmt.Errorf("offset %d: %w: %s", s.start, kind, detail)
}

// Record returns the record read by the last successful Scan.
func (s *Scanner) Record() Record { return s.rec }

// Offset returns the start offset of the last record Scan looked at.
func (s *Scanner) Offset() int64 { return s.start }

// Len returns the encoded length of the last successfully scanned record.
func (s *Scanner) Len() int64 { return s.end - s.start }

// End returns the offset just past the last good record.
func (s *Scanner) End() int64 { return s.end }

// FailedEnd returns where the record that stopped the scan claims to end.
func (s *Scanner) FailedEnd() int64 { return s.badEnd }

func (s *Scanner) Err() error { return s.err }
