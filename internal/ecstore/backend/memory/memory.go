// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory implements the backend in process memory. It is used in
// tests and for measuring the block store itself without any network.
package memory

import (
	"sort"
	"sync"

	"github.com/asch/ecstore/internal/ecstore/backend"
)

// Memory keeps records and metadata in maps. It also counts operations and
// can be told to fail, which makes it usable as a test double.
type Memory struct {
	mutex    sync.Mutex
	records  map[int64][]byte
	metadata map[string]backend.FileMetadata

	// Returned by every operation while not nil.
	err          error
	disconnected bool

	fetches int
	stores  int
	exists  int
}

func New() *Memory {
	return &Memory{
		records:  make(map[int64][]byte),
		metadata: make(map[string]backend.FileMetadata),
	}
}

func (m *Memory) Fetch(key int64) ([]byte, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.fetches++
	if err := m.check(); err != nil {
		return nil, false, err
	}

	record, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}

	return append([]byte(nil), record...), true, nil
}

func (m *Memory) Store(key int64, record []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stores++
	if err := m.check(); err != nil {
		return err
	}

	m.records[key] = append([]byte(nil), record...)

	return nil
}

func (m *Memory) Exists(key int64) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.exists++
	if err := m.check(); err != nil {
		return false, err
	}

	_, ok := m.records[key]

	return ok, nil
}

// Delete removes the record, simulating data loss on the backend.
func (m *Memory) Delete(key int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.records, key)
}

func (m *Memory) GetFileMetadata(path string) (backend.FileMetadata, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.check(); err != nil {
		return backend.FileMetadata{}, false, err
	}

	md, ok := m.metadata[path]
	md.BlockKeys = append([]int64(nil), md.BlockKeys...)

	return md, ok, nil
}

func (m *Memory) SetFileMetadata(path string, metadata backend.FileMetadata) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.check(); err != nil {
		return err
	}

	metadata.BlockKeys = append([]int64(nil), metadata.BlockKeys...)
	m.metadata[path] = metadata

	return nil
}

// Returns sorted paths of all files.
func (m *Memory) GetAllFilePaths() ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(m.metadata))
	for p := range m.metadata {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return paths, nil
}

func (m *Memory) Disconnect() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.disconnected = true

	return nil
}

// SetError makes all following operations fail with err. Nil restores normal
// operation.
func (m *Memory) SetError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.err = err
}

// Counts returns number of Fetch, Store and Exists calls so far, including
// failed ones.
func (m *Memory) Counts() (fetches, stores, exists int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.fetches, m.stores, m.exists
}

// Len returns number of stored records.
func (m *Memory) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.records)
}

func (m *Memory) check() error {
	if m.disconnected {
		return backend.ErrDisconnected
	}

	return m.err
}
