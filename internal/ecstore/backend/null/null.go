// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/ecstore/internal/ecstore/backend"
)

// Null implementation of backend.Backend. Usefull for measuring performance
// of the buffering and caching layer alone. Every store is acknowledged and
// forgotten, hence nothing is ever found. It can also serve as a template for
// new backend implementation.
type null struct {
}

func NewNull() *null {
	return &null{}
}

func (n *null) Fetch(key int64) ([]byte, bool, error) {
	return nil, false, nil
}

func (n *null) Store(key int64, record []byte) error {
	return nil
}

func (n *null) Exists(key int64) (bool, error) {
	return false, nil
}

func (n *null) GetFileMetadata(path string) (backend.FileMetadata, bool, error) {
	return backend.FileMetadata{}, false, nil
}

func (n *null) SetFileMetadata(path string, metadata backend.FileMetadata) error {
	return nil
}

func (n *null) GetAllFilePaths() ([]string, error) {
	return nil, nil
}

func (n *null) Disconnect() error {
	return nil
}
