package codec

import (
	"encoding/binary"
	"io"
)

// byteWriter accumulates a record's fields into a single buffer and
// flushes them as one Write call, so a single record never tears across
// two underlying writes even if the caller's io.Writer is unbuffered.
type byteWriter struct {
	w   io.Writer
	buf []byte
	err error
}

func newByteWriter(w io.Writer) *byteWriter {
	return &byteWriter{w: w, buf: make([]byte, 0, 64)}
}

func (bw *byteWriter) byte(b byte) {
	bw.buf = append(bw.buf, b)
}

func (bw *byteWriter) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	bw.buf = append(bw.buf, tmp[:]...)
}

func (bw *byteWriter) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	bw.buf = append(bw.buf, tmp[:]...)
}

func (bw *byteWriter) bytes(b []byte) {
	bw.u32(uint32(len(b)))
	bw.buf = append(bw.buf, b...)
}

func (bw *byteWriter) flush() error {
	if bw.err != nil {
		return bw.err
	}
	_, err := bw.w.Write(bw.buf)
	return err
}

// readU32, readU64, and readBytes read exactly the bytes they need from r
// via io.ReadFull and never buffer ahead, so callers can interleave them
// with other reads on the same stream (e.g. repeated codec.Read calls)
// without losing bytes the decoder never asked for.

func readU32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
