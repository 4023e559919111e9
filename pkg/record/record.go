// Package record implements the on-disk layout of a single log entry.
//
// Every record is laid out as
//
//	[checksum: 4][kind: 1][key_len: 4][value_len: 4][key][value]
//
// with little-endian integers. The checksum is a CRC-32 (IEEE) over every byte
// that follows it, so a flipped bit in the kind, the lengths, the key or the
// value is detected on decode.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"caskdb/pkg/dberrors"
)

const (
	// HeaderSize is the fixed size of the record header in bytes.
	HeaderSize = 4 + 1 + 4 + 4

	checksumOff = 0
	kindOff     = 4
	keyLenOff   = 5
	valueLenOff = 9
)

// Kind tags a record as a value write or a deletion.
type Kind uint8

const (
	Put Kind = iota
	Tombstone
)

func (k Kind) String() string {
	switch k {
	case Put:
		return "put"
	case Tombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record is a decoded log entry. Key and Value alias the buffer they were
// decoded from.
type Record struct {
	Kind  Kind
	Key   []byte
	Value []byte
}

// Size returns the encoded length of a record with the given key and value.
func Size(key, value []byte) int {
	return HeaderSize + len(key) + len(value)
}

// Encode serializes a record. Tombstones never carry a value.
func Encode(kind Kind, key, value []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, dberrors.ErrEmptyKey
	}
	if kind == Tombstone {
		value = nil
	}
	if uint64(len(key)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", dberrors.ErrKeyTooLarge, len(key))
	}
	if uint64(len(value)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", dberrors.ErrValueTooLarge, len(value))
	}

	buf := make([]byte, Size(key, value))
	buf[kindOff] = byte(kind)
	binary.LittleEndian.PutUint32(buf[keyLenOff:], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[valueLenOff:], uint32(len(value)))
	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], value)
	binary.LittleEndian.PutUint32(buf[checksumOff:], crc32.ChecksumIEEE(buf[kindOff:]))

	return buf, nil
}

// Decode parses a record from the front of b. Bytes past the record end are
// ignored.
func Decode(b []byte) (Record, error) {
	h, err := parseHeader(b)
	if err != nil {
		return Record{}, err
	}
	if int64(len(b)) < h.size() {
		return Record{}, fmt.Errorf("%w: need %d bytes, have %d", dberrors.ErrCorruptRecord, h.size(), len(b))
	}

	return h.verify(b[:h.size()])
}

type header struct {
	checksum uint32
	kind     Kind
	keyLen   uint32
	valueLen uint32
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, fmt.Errorf("%w: truncated header (%d bytes)", dberrors.ErrCorruptRecord, len(b))
	}

	return header{
		checksum: binary.LittleEndian.Uint32(b[checksumOff:]),
		kind:     Kind(b[kindOff]),
		keyLen:   binary.LittleEndian.Uint32(b[keyLenOff:]),
		valueLen: binary.LittleEndian.Uint32(b[valueLenOff:]),
	}, nil
}

func (h header) size() int64 {
	return HeaderSize + int64(h.keyLen) + int64(h.valueLen)
}

// check rejects headers no encoder produces.
func (h header) check() error {
	switch {
	case h.kind != Put && h.kind != Tombstone:
		return fmt.Errorf("%w: unknown kind %d", dberrors.ErrCorruptRecord, uint8(h.kind))
	case h.keyLen == 0:
		return fmt.Errorf("%w: empty key", dberrors.ErrCorruptRecord)
	case h.kind == Tombstone && h.valueLen != 0:
		return fmt.Errorf("%w: tombstone with %d value bytes", dberrors.ErrCorruptRecord, h.valueLen)
	}
	return nil
}

// verify checks the header fields and the checksum against the full record
// bytes in b.
func (h header) verify(b []byte) (Record, error) {
	if err := h.check(); err != nil {
		return Record{}, err
	}

	if sum := crc32.ChecksumIEEE(b[kindOff:]); sum != h.checksum {
		return Record{}, fmt.Errorf("%w: checksum mismatch (stored %08x, computed %08x)",
			dberrors.ErrCorruptRecord, h.checksum, sum)
	}

	keyEnd := HeaderSize + int(h.keyLen)
	return Record{
		Kind:  h.kind,
		Key:   b[HeaderSize:keyEnd],
		Value: b[keyEnd:],
	}, nil
}
