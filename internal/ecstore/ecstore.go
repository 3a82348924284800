// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ecstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/ecstore/internal/config"
	"github.com/asch/ecstore/internal/ecstore/backend"
	"github.com/asch/ecstore/internal/ecstore/backend/memory"
	"github.com/asch/ecstore/internal/ecstore/backend/null"
	"github.com/asch/ecstore/internal/ecstore/backend/s3"
	"github.com/asch/ecstore/internal/ecstore/blocks"
	"github.com/asch/ecstore/internal/ecstore/key"
	"github.com/asch/ecstore/internal/ecstore/lru"
	"github.com/asch/ecstore/internal/ecstore/objproxy"
	"github.com/asch/ecstore/internal/metrics"
)

const (
	// Read granularity of the file system layer. One full stripe read
	// should hit roughly one aggregated record per position.
	DefaultFuseReadSize = 128*1024 + 20

	// Number of deserialized records kept in the read cache.
	DefaultReadCacheSize = 50

	// Capacity of each half of the existence cache.
	DefaultStatusCacheSize = 50

	// Default number of concurrent backend requests per direction.
	defaultWorkers = 16
)

var (
	ErrAlreadyInitialized = errors.New("ecstore: already initialized")
	ErrInvalidTotalSize   = errors.New("ecstore: total size must be positive")
	ErrBufferTooLarge     = errors.New("ecstore: buffer size exceeds record capacity")
)

// Options of the store. Zero values are replaced by defaults.
type Options struct {
	FuseReadSize    int
	ReadCacheSize   int
	StatusCacheSize int

	// Backend worker counts, see objproxy.
	Uploaders   int
	Downloaders int

	// Optional, nil disables metrics.
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.FuseReadSize <= 0 {
		o.FuseReadSize = DefaultFuseReadSize
	}
	if o.ReadCacheSize <= 0 {
		o.ReadCacheSize = DefaultReadCacheSize
	}
	if o.StatusCacheSize <= 0 {
		o.StatusCacheSize = DefaultStatusCacheSize
	}
	if o.Uploaders <= 0 {
		o.Uploaders = defaultWorkers
	}
	if o.Downloaders <= 0 {
		o.Downloaders = defaultWorkers
	}
}

// Store buffers block writes per stripe position, caches aggregated records
// for reads and memoizes record existence. Initialize() has to be called
// before any other operation and Disconnect() after the last one.
//
// Store is not safe for concurrent use. Use storeproxy to share it between
// goroutines.
type Store struct {
	backend backend.Backend

	// Proxy struct for the operations on records. It bounds the number of
	// concurrent backend requests and prioritizes foreground requests
	// over bulk flushes.
	objectStoreProxy *objproxy.ObjectProxy

	codec   *blocks.Codec
	options Options
	metrics *metrics.Metrics

	// Stripe width and number of blocks in one aggregated record. Both
	// are zero until Initialize().
	totalSize  int
	bufferSize int

	// One buffer and one key counter per position.
	writeBuffers []*blocks.Container
	counters     *key.Counters

	readCache     *lru.Cache[int64, *blocks.Container]
	positiveCache *lru.Set[int64]
	negativeCache *lru.Set[int64]
}

// Returns store with backend and record serialization chosen by the global
// configuration.
func NewWithDefaults(m *metrics.Metrics) (*Store, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}

	compression, err := blocks.ParseCompression(config.Cfg.Store.Compression)
	if err != nil {
		return nil, err
	}

	codec, err := blocks.NewCodec(compression)
	if err != nil {
		return nil, err
	}

	s := New(b, codec, Options{
		FuseReadSize:    config.Cfg.Store.FuseReadSize,
		ReadCacheSize:   config.Cfg.Store.ReadCacheSize,
		StatusCacheSize: config.Cfg.Store.StatusCacheSize,
		Uploaders:       config.Cfg.Backend.Uploaders,
		Downloaders:     config.Cfg.Backend.Downloaders,
		Metrics:         m,
	})

	return s, nil
}

func newBackend() (backend.Backend, error) {
	switch config.Cfg.Backend.Kind {
	case "memory":
		return memory.New(), nil
	case "null":
		return null.NewNull(), nil
	case "s3":
		return s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
			Prefix:    config.Cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", config.Cfg.Backend.Kind)
	}
}

// Returns empty store with allocated caches. It must be initialized with the
// stripe width before use.
func New(b backend.Backend, codec *blocks.Codec, o Options) *Store {
	o.setDefaults()

	s := Store{
		backend:          b,
		objectStoreProxy: objproxy.New(b, o.Uploaders, o.Downloaders),
		codec:            codec,
		options:          o,
		metrics:          o.Metrics,
		readCache:        lru.New[int64, *blocks.Container](o.ReadCacheSize),
		positiveCache:    lru.NewSet[int64](o.StatusCacheSize),
		negativeCache:    lru.NewSet[int64](o.StatusCacheSize),
	}

	s.readCache.OnEvict(func(int64, *blocks.Container) {
		s.metrics.ReadCacheEviction()
	})

	return &s
}

// Initialize sets the total size (stripe size + parity size). It allocates
// one write buffer and one key counter per position and derives the number of
// blocks aggregated into one record. It must be called exactly once before
// any other usage of the store.
func (s *Store) Initialize(totalSize int) error {
	if s.totalSize != 0 {
		return ErrAlreadyInitialized
	}
	if totalSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTotalSize, totalSize)
	}

	bufferSize := (s.options.FuseReadSize + totalSize - 1) / totalSize
	if bufferSize > blocks.MaxCapacity {
		return fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, bufferSize, blocks.MaxCapacity)
	}

	s.totalSize = totalSize
	s.bufferSize = bufferSize
	s.counters = key.New(totalSize, s.bufferSize)
	s.writeBuffers = make([]*blocks.Container, totalSize)

	for i := range s.writeBuffers {
		s.writeBuffers[i] = blocks.NewContainer(s.bufferSize)
	}

	log.Debug().Int("totalSize", totalSize).Int("bufferSize", s.bufferSize).Msg("Store initialized.")

	return nil
}

// Store a data block. This returns a key to later ask for the data. Position
// is in [0; totalSize) and says which stripe slot the block belongs to.
//
// When the block fills the buffer of the position, the buffer is flushed to
// the backend within this call. If that flush fails, the block stays buffered,
// the returned key is still valid and the error is returned. The flush is
// retried by the next StoreBlock() for the position or by FlushAll().
func (s *Store) StoreBlock(value int32, position int) (int64, error) {
	s.mustBeInitialized()
	s.checkPosition(position)

	// Leftover of a failed flush.
	if s.writeBuffers[position].IsFull() {
		if err := s.flush(position); err != nil {
			return 0, err
		}
	}

	k := s.counters.Current(position)

	// Cannot fail, the buffer has a free slot.
	s.writeBuffers[position].Append(value)

	if s.writeBuffers[position].IsFull() {
		return k, s.flush(position)
	}

	s.counters.Next(position)

	return k, nil
}

// Writes the buffer of the position to the backend and starts the next
// aggregation group of the position.
func (s *Store) flush(position int) error {
	if err := s.upload(position, true); err != nil {
		return err
	}

	s.commit(position)

	return nil
}

// Serializes the buffer of the position and stores it under its aggregation
// key. Empty buffers are not stored. It touches no shared state of the store,
// hence uploads of different positions can run in parallel.
func (s *Store) upload(position int, prio bool) error {
	buffer := s.writeBuffers[position]
	if buffer.Len() == 0 {
		return nil
	}

	group := s.counters.Group(position)

	record, err := s.codec.Serialize(buffer)
	if err != nil {
		return fmt.Errorf("serialize group %d: %w", group, err)
	}

	err = s.objectStoreProxy.Store(group, record, prio)
	if err != nil {
		s.metrics.BackendError(metrics.OpStore)
		log.Warn().Err(err).Int64("group", group).Int("position", position).Msg("Flush failed.")
		return fmt.Errorf("store group %d: %w", group, err)
	}

	log.Trace().Int64("group", group).Int("position", position).Int("blocks", buffer.Len()).Int("bytes", len(record)).Msg("Buffer flushed.")
	s.metrics.Flush(buffer.Len())

	return nil
}

// Replaces the flushed buffer with a fresh one and moves the counter of the
// position to its next aggregation group. The counter advances even for an
// empty buffer.
func (s *Store) commit(position int) {
	written := s.writeBuffers[position].Len() > 0
	s.writeBuffers[position] = blocks.NewContainer(s.bufferSize)
	group := s.counters.Advance(position)

	// The group may have been reported missing before the write.
	if written {
		s.negativeCache.Remove(group)
	}
}

// Force write all temporary blocks to the storage backend. Buffers of all
// positions are uploaded in parallel. Positions which failed keep their
// buffers and counters untouched, errors of all of them are returned joined.
func (s *Store) FlushAll() error {
	s.mustBeInitialized()

	errs := make([]error, s.totalSize)

	var wg sync.WaitGroup
	for p := 0; p < s.totalSize; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			errs[p] = s.upload(p, false)
		}(p)
	}
	wg.Wait()

	for p, err := range errs {
		if err == nil {
			s.commit(p)
		}
	}

	return errors.Join(errs...)
}

// Retrieve a data block from storage. The boolean is false when the block is
// not stored, which is not an error. Errors are returned only for backend
// failures and damaged records.
func (s *Store) RetrieveBlock(k int64) (int32, bool, error) {
	s.mustBeInitialized()

	if k < 0 {
		return 0, false, nil
	}

	group := k / int64(s.bufferSize)

	container, ok := s.readCache.Get(group)
	if ok {
		s.metrics.ReadCache(metrics.Hit)
	} else {
		s.metrics.ReadCache(metrics.Miss)

		var err error
		container, ok, err = s.fetchAndCache(group)
		if err != nil || !ok {
			return 0, false, err
		}
	}

	value, ok := container.Get(int(k % int64(s.bufferSize)))

	return value, ok, nil
}

// Fetch the aggregated record from the backend and cache it in readCache.
// Confirmed absence is memoized in the negative cache, backend failures are
// not memoized at all.
func (s *Store) fetchAndCache(group int64) (*blocks.Container, bool, error) {
	record, found, err := s.objectStoreProxy.Fetch(group, true)
	if err != nil {
		s.metrics.BackendError(metrics.OpFetch)
		log.Warn().Err(err).Int64("group", group).Msg("Fetch failed.")
		return nil, false, fmt.Errorf("fetch group %d: %w", group, err)
	}

	if !found {
		log.Trace().Int64("group", group).Msg("Group not found.")
		s.markAbsent(group)
		return nil, false, nil
	}

	container, err := s.codec.Deserialize(record)
	if err != nil {
		return nil, false, fmt.Errorf("group %d: %w", group, err)
	}
	if container.Cap() != s.bufferSize {
		return nil, false, fmt.Errorf("group %d: %w: capacity %d, buffer size %d", group, blocks.ErrCorruptRecord, container.Cap(), s.bufferSize)
	}

	s.readCache.Put(group, container)
	s.markPresent(group)

	return container, true, nil
}

// Ask if a specified block can be retrieved. Only flushed blocks are
// available, blocks still sitting in a write buffer are not.
//
// If this returns false, then retrieving the same key fails as well unless
// the block was flushed in the meantime. If this returns true and retrieving
// fails, then something happened in the meantime or a bug was encountered.
func (s *Store) IsBlockAvailable(k int64) (bool, error) {
	s.mustBeInitialized()

	if k < 0 {
		return false, nil
	}

	group := k / int64(s.bufferSize)

	if s.positiveCache.Contains(group) {
		s.metrics.ExistenceCache(metrics.Positive)
		return true, nil
	}

	if s.negativeCache.Contains(group) {
		s.metrics.ExistenceCache(metrics.Negative)
		return false, nil
	}

	s.metrics.ExistenceCache(metrics.Miss)

	exists, err := s.objectStoreProxy.Exists(group, true)
	if err != nil {
		s.metrics.BackendError(metrics.OpExists)
		log.Warn().Err(err).Int64("group", group).Msg("Existence check failed.")
		return false, fmt.Errorf("exists group %d: %w", group, err)
	}

	if exists {
		s.markPresent(group)
	} else {
		s.markAbsent(group)
	}

	return exists, nil
}

// The two halves of the existence cache are kept disjoint by always removing
// the key from the opposite half.

func (s *Store) markPresent(group int64) {
	s.negativeCache.Remove(group)
	s.positiveCache.Add(group)
}

func (s *Store) markAbsent(group int64) {
	s.positiveCache.Remove(group)
	s.negativeCache.Add(group)
}

// Compute the position in [0; totalSize) according to a block key.
func (s *Store) PositionFromBlockKey(k int64) int {
	s.mustBeInitialized()

	return floorMod(k/int64(s.bufferSize), s.totalSize)
}

// Compute the position in [0; totalSize) according to an aggregation key.
func (s *Store) PositionFromAggregationKey(group int64) int {
	s.mustBeInitialized()

	return floorMod(group, s.totalSize)
}

// Clear all caches. Useful between two runs of a benchmark. Write buffers and
// counters are kept.
func (s *Store) ClearCaches() {
	s.mustBeInitialized()

	s.clearCaches()
}

func (s *Store) clearCaches() {
	s.readCache.Clear()
	s.positiveCache.Clear()
	s.negativeCache.Clear()
}

// Get the metadata of the file identified by path.
func (s *Store) GetFileMetadata(path string) (backend.FileMetadata, bool, error) {
	return s.backend.GetFileMetadata(path)
}

// Set and store the metadata of the file identified by path.
func (s *Store) SetFileMetadata(path string, metadata backend.FileMetadata) error {
	return s.backend.SetFileMetadata(path, metadata)
}

// Returns paths of all files stored in the system. Deleted files may or may
// not be in the list.
func (s *Store) GetAllFilePaths() ([]string, error) {
	return s.backend.GetAllFilePaths()
}

// Disconnect stops the backend workers and frees up resources used by the
// backend. Buffered blocks are not flushed, call FlushAll() first.
func (s *Store) Disconnect() error {
	s.objectStoreProxy.Close()
	s.clearCaches()

	return s.backend.Disconnect()
}

func (s *Store) TotalSize() int {
	return s.totalSize
}

func (s *Store) BufferSize() int {
	return s.bufferSize
}

func (s *Store) String() string {
	return fmt.Sprintf("Store{totalSize=%d}", s.totalSize)
}

func (s *Store) mustBeInitialized() {
	if s.totalSize == 0 {
		panic("ecstore: Initialize() must be called before any other operation")
	}
}

func (s *Store) checkPosition(position int) {
	if position < 0 || position >= s.totalSize {
		panic(fmt.Sprintf("ecstore: position %d out of range [0; %d)", position, s.totalSize))
	}
}

// Modulo with the sign of the divisor, i.e. always in [0; n) for positive n.
func floorMod(x int64, n int) int {
	m := x % int64(n)
	if m < 0 {
		m += int64(n)
	}

	return int(m)
}
