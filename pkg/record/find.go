package record

import (
	"errors"
	"fmt"
	"io"

	"caskdb/pkg/dberrors"
)

const findWindow = 1 << 20

// FindValid returns the offset of the first complete record with a matching
// checksum that starts at or after from and ends by size. Recovery uses it to
// tell a torn tail, which has nothing intact behind it, from a damaged record
// in the middle of a segment.
func FindValid(r io.ReaderAt, from, size int64) (int64, bool, error) {
	buf := make([]byte, findWindow)

	for base := from; base+HeaderSize <= size; {
		n := int64(len(buf))
		if size-base < n {
			n = size - base
		}
		win := buf[:n]
		if _, err := r.ReadAt(win, base); err != nil && !errors.Is(err, io.EOF) {
			return 0, false, fmt.Errorf("%w: offset %d: %w", dberrors.ErrIO, base, err)
		}

		last := n - HeaderSize
		for i := int64(0); i <= last; i++ {
			h, _ := parseHeader(win[i:])
			if h.check() != nil || base+i+h.size() > size {
				continue
			}

			rec := win[i:min(n, i+h.size())]
			if int64(len(rec)) < h.size() {
				rec = make([]byte, h.size())
				if _, err := r.ReadAt(rec, base+i); err != nil && !errors.Is(err, io.EOF) {
					return 0, false, fmt.Errorf("%w: offset %d: %w", dberrors.ErrIO, base+i, err)
				}
			}
			if _, err := h.verify(rec); err == nil {
				return base + i, true, nil
			}
		}

		base += last + 1
	}

	return 0, false, nil
}
