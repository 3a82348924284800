// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backend defines what a key-value store has to provide to hold
// aggregated block records and file metadata. Implementations live in the
// subpackages.
package backend

import (
	"errors"
)

// Returned by operations on a disconnected backend.
var ErrDisconnected = errors.New("backend: disconnected")

// Interface for the aggregated record storage. Anything implementing this
// interface can be used as a storage backend. Absence of a record is not an
// error, errors are reserved for failures of the store itself.
type RecordStore interface {
	// Returns the record stored under key. The boolean is false when there
	// is no such record.
	Fetch(key int64) ([]byte, bool, error)

	// Stores the record under key, replacing any previous one.
	Store(key int64, record []byte) error

	// Returns whether a record is stored under key.
	Exists(key int64) (bool, error)
}

// Metadata of one file of the erasure coded file system. The store does not
// interpret it, it is just kept next to the records.
type FileMetadata struct {
	// Size of the file in bytes.
	Size int64 `cbor:"size" json:"size"`

	// Keys of all blocks of the file, data and parity, in stripe order.
	BlockKeys []int64 `cbor:"block_keys" json:"block_keys"`

	// Deleted files may be kept around with this flag set.
	Deleted bool `cbor:"deleted" json:"deleted"`
}

type MetadataStore interface {
	// Returns metadata of the file identified by path. The boolean is
	// false when the file is unknown.
	GetFileMetadata(path string) (FileMetadata, bool, error)

	SetFileMetadata(path string, metadata FileMetadata) error

	// Returns paths of all files. Deleted files may or may not be listed.
	GetAllFilePaths() ([]string, error)
}

// Backend is the complete set of operations the block store consumes.
type Backend interface {
	RecordStore
	MetadataStore

	// Disconnect and free-up resources used by the backend.
	Disconnect() error
}
