// Package codec implements the log-entry binary format (spec §4.1):
// encoding and decoding of individual WAL records, and the key/value
// byte-ordering helpers the sort stage (internal/scan) groups entries by.
//
// The codec is stateless. Every Write* function takes an io.Writer and
// every Read call takes an io.Reader, so the same encoder/decoder pair
// serves the log channel (internal/logchannel), the snapshot builder
// (internal/snapshot), and the compactor (internal/compaction) without
// any of them depending on *os.File directly.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

// ErrDecodeCorrupt is returned when a record's tag byte is recognized but
// its body cannot be parsed, or the tag byte itself is not one of the
// known kinds. A clean end-of-stream is reported as io.EOF, never this.
var ErrDecodeCorrupt = errors.New("codec: corrupt record")

// WriteBegin writes a marker_begin record for epoch.
func WriteBegin(w io.Writer, epoch limestone.EpochID) error {
	return writeMarker(w, limestone.KindBegin, epoch)
}

// WriteEnd writes a marker_end record for epoch.
func WriteEnd(w io.Writer, epoch limestone.EpochID) error {
	return writeMarker(w, limestone.KindEnd, epoch)
}

// WriteDurable writes a marker_durable advisory record.
func WriteDurable(w io.Writer, epoch limestone.EpochID) error {
	return writeMarker(w, limestone.KindDurable, epoch)
}

// WriteInvalidatedBegin writes a marker_invalidated_begin record, used by
// AbortSession to mark a session recovery must discard.
func WriteInvalidatedBegin(w io.Writer, epoch limestone.EpochID) error {
	return writeMarker(w, limestone.KindInvalidatedBegin, epoch)
}

func writeMarker(w io.Writer, kind limestone.EntryKind, epoch limestone.EpochID) error {
	buf := make([]byte, 1+8)
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint64(buf[1:], epoch)
	_, err := w.Write(buf)
	return err
}

// WriteNormal writes a point upsert record.
func WriteNormal(w io.Writer, sid limestone.StorageID, key, value []byte, wv limestone.WriteVersion) error {
	return writeDataRecord(w, limestone.KindNormal, sid, key, value, wv, nil)
}

// WriteNormalWithBlob writes an upsert record referencing one or more BLOBs.
func WriteNormalWithBlob(w io.Writer, sid limestone.StorageID, key, value []byte, wv limestone.WriteVersion, blobIDs []limestone.BlobID) error {
	return writeDataRecord(w, limestone.KindNormalWithBlob, sid, key, value, wv, blobIDs)
}

// WriteRemove writes a point delete (tombstone) record.
func WriteRemove(w io.Writer, sid limestone.StorageID, key []byte, wv limestone.WriteVersion) error {
	return writeDataRecord(w, limestone.KindRemove, sid, key, nil, wv, nil)
}

// WriteClearStorage writes a range-delete record for sid.
func WriteClearStorage(w io.Writer, sid limestone.StorageID, wv limestone.WriteVersion) error {
	return writeDataRecord(w, limestone.KindClearStorage, sid, nil, nil, wv, nil)
}

// WriteAddStorage writes an advisory storage-existence declaration.
func WriteAddStorage(w io.Writer, sid limestone.StorageID, wv limestone.WriteVersion) error {
	return writeDataRecord(w, limestone.KindAddStorage, sid, nil, nil, wv, nil)
}

// WriteRemoveStorage writes a record equivalent to WriteClearStorage.
func WriteRemoveStorage(w io.Writer, sid limestone.StorageID, wv limestone.WriteVersion) error {
	return writeDataRecord(w, limestone.KindRemoveStorage, sid, nil, nil, wv, nil)
}

// writeDataRecord serializes: tag(1) | sid(8 LE) | wv.major(8 LE) |
// wv.minor(8 LE) | len(key)(4 LE) | key | len(value)(4 LE) | value |
// len(blob_ids)(4 LE) | blob_ids(8 LE each).
func writeDataRecord(w io.Writer, kind limestone.EntryKind, sid limestone.StorageID, key, value []byte, wv limestone.WriteVersion, blobIDs []limestone.BlobID) error {
	bw := newByteWriter(w)
	bw.byte(byte(kind))
	bw.u64(sid)
	bw.u64(wv.Major)
	bw.u64(wv.Minor)
	bw.bytes(key)
	bw.bytes(value)
	bw.u32(uint32(len(blobIDs)))
	for _, id := range blobIDs {
		bw.u64(id)
	}
	return bw.flush()
}

// Read returns the next entry from r, or (nil, io.EOF) at a clean
// end-of-stream. A structurally invalid record returns a wrapped
// ErrDecodeCorrupt.
//
// Read never wraps r in a buffered reader: it reads exactly the bytes
// each field needs via io.ReadFull and nothing more, so callers that
// loop Read over the same r (internal/scan, internal/snapshot) see
// every record in order instead of losing records a read-ahead buffer
// pulled out from under them.
func Read(r io.Reader) (*limestone.Entry, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading tag: %v", ErrDecodeCorrupt, err)
	}
	kind := limestone.EntryKind(tagBuf[0])

	if kind.IsMarker() {
		epoch, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading marker epoch: %v", ErrDecodeCorrupt, err)
		}
		return &limestone.Entry{Kind: kind, Epoch: epoch}, nil
	}

	switch kind {
	case limestone.KindNormal, limestone.KindNormalWithBlob, limestone.KindRemove,
		limestone.KindClearStorage, limestone.KindAddStorage, limestone.KindRemoveStorage:
		return readDataRecord(r, kind)
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrDecodeCorrupt, tagBuf[0])
	}
}

func readDataRecord(r io.Reader, kind limestone.EntryKind) (*limestone.Entry, error) {
	sid, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading storage_id: %v", ErrDecodeCorrupt, err)
	}
	major, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading write_version.major: %v", ErrDecodeCorrupt, err)
	}
	minor, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading write_version.minor: %v", ErrDecodeCorrupt, err)
	}
	key, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key: %v", ErrDecodeCorrupt, err)
	}
	value, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading value: %v", ErrDecodeCorrupt, err)
	}
	blobCount, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading blob_ids length: %v", ErrDecodeCorrupt, err)
	}
	var blobIDs []limestone.BlobID
	if blobCount > 0 {
		blobIDs = make([]limestone.BlobID, blobCount)
		for i := range blobIDs {
			id, err := readU64(r)
			if err != nil {
				return nil, fmt.Errorf("%w: reading blob_id[%d]: %v", ErrDecodeCorrupt, i, err)
			}
			blobIDs[i] = id
		}
	}

	return &limestone.Entry{
		Kind:         kind,
		Storage:      sid,
		Key:          key,
		Value:        value,
		WriteVersion: limestone.WriteVersion{Major: major, Minor: minor},
		BlobIDs:      blobIDs,
	}, nil
}

// KeySID re-exports limestone.KeySID so callers that only import codec
// (e.g. internal/scan) don't need a second import for the same helper.
func KeySID(e *limestone.Entry) []byte { return limestone.KeySID(e) }

// ValueEtc re-exports limestone.ValueEtc; see KeySID.
func ValueEtc(e *limestone.Entry) []byte { return limestone.ValueEtc(e) }
