package blobstore

import "errors"

// Sentinel errors implementing the BLOB-specific taxonomy entries of
// spec §7.
var (
	// ErrBlobIO covers I/O failures during register_file/register_data.
	ErrBlobIO = errors.New("blobstore: I/O failure")
	// ErrBlobCrypto covers failures computing a reference tag.
	ErrBlobCrypto = errors.New("blobstore: reference tag generation failed")
	// ErrPoolReleased is returned on use-after-release of a Pool.
	ErrPoolReleased = errors.New("blobstore: pool already released")
)
