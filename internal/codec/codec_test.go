package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chuliyu/limestone-go/pkg/limestone"
)

func TestRoundTripMarkers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBegin(&buf, 1))
	require.NoError(t, WriteEnd(&buf, 1))
	require.NoError(t, WriteDurable(&buf, 1))
	require.NoError(t, WriteInvalidatedBegin(&buf, 2))

	want := []limestone.EntryKind{
		limestone.KindBegin, limestone.KindEnd, limestone.KindDurable, limestone.KindInvalidatedBegin,
	}
	wantEpoch := []limestone.EpochID{1, 1, 1, 2}

	for i, k := range want {
		e, err := Read(&buf)
		require.NoError(t, err)
		require.Equal(t, k, e.Kind)
		require.Equal(t, wantEpoch[i], e.Epoch)
	}
	_, err := Read(&buf)
	require.Equal(t, io.EOF, err)
}

func TestRoundTripNormal(t *testing.T) {
	var buf bytes.Buffer
	wv := limestone.WriteVersion{Major: 3, Minor: 7}
	require.NoError(t, WriteNormal(&buf, 42, []byte("k"), []byte("v"), wv))

	e, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, limestone.KindNormal, e.Kind)
	require.Equal(t, limestone.StorageID(42), e.Storage)
	require.Equal(t, []byte("k"), e.Key)
	require.Equal(t, []byte("v"), e.Value)
	require.Equal(t, wv, e.WriteVersion)
	require.Nil(t, e.BlobIDs)
}

func TestRoundTripNormalWithBlob(t *testing.T) {
	var buf bytes.Buffer
	wv := limestone.WriteVersion{Major: 1, Minor: 0}
	ids := []limestone.BlobID{10, 20, 30}
	require.NoError(t, WriteNormalWithBlob(&buf, 1, []byte("k"), []byte("v"), wv, ids))

	e, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, limestone.KindNormalWithBlob, e.Kind)
	require.Equal(t, ids, e.BlobIDs)
}

func TestRoundTripRemoveAndClearStorage(t *testing.T) {
	var buf bytes.Buffer
	wv := limestone.WriteVersion{Major: 5, Minor: 1}
	require.NoError(t, WriteRemove(&buf, 2, []byte("k"), wv))
	require.NoError(t, WriteClearStorage(&buf, 2, wv))
	require.NoError(t, WriteAddStorage(&buf, 2, wv))
	require.NoError(t, WriteRemoveStorage(&buf, 2, wv))

	for _, k := range []limestone.EntryKind{
		limestone.KindRemove, limestone.KindClearStorage, limestone.KindAddStorage, limestone.KindRemoveStorage,
	} {
		e, err := Read(&buf)
		require.NoError(t, err)
		require.Equal(t, k, e.Kind)
		require.Equal(t, limestone.StorageID(2), e.Storage)
	}
}

func TestReadEmptyStreamIsEOF(t *testing.T) {
	_, err := Read(&bytes.Buffer{})
	require.Equal(t, io.EOF, err)
}

func TestReadUnknownTagIsCorrupt(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFE})
	_, err := Read(buf)
	require.ErrorIs(t, err, ErrDecodeCorrupt)
}

func TestReadTruncatedTailIsCorruptNotEOF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNormal(&buf, 1, []byte("k"), []byte("v"), limestone.WriteVersion{Major: 1}))
	truncated := buf.Bytes()[:len(buf.Bytes())-2]
	_, err := Read(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrDecodeCorrupt)
}

func TestKeySIDOrderingGroupsSameKeyAcrossVersions(t *testing.T) {
	e1 := &limestone.Entry{Storage: 7, Key: []byte("k"), WriteVersion: limestone.WriteVersion{Major: 1}}
	e2 := &limestone.Entry{Storage: 7, Key: []byte("k"), WriteVersion: limestone.WriteVersion{Major: 2}}
	require.Equal(t, KeySID(e1), KeySID(e2))
	require.NotEqual(t, ValueEtc(e1), ValueEtc(e2))
}
