// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Storeproxy package is a proxy for a BlockStore which is not safe for
// concurrent use. It serializes and prioritizes requests coming to the store
// and also improves cache locality since all operations are done by the same
// go routine.
package storeproxy

import (
	"errors"
	"sync"
)

// Returned by requests issued after Close().
var ErrClosed = errors.New("storeproxy: closed")

// Operations of the block store which are proxied. Implemented by
// ecstore.Store.
type BlockStore interface {
	StoreBlock(value int32, position int) (int64, error)
	RetrieveBlock(key int64) (int32, bool, error)
	IsBlockAvailable(key int64) (bool, error)
	FlushAll() error
	ClearCaches()
}

// Proxy to the BlockStore. Block reads, writes and existence checks have high
// priority, flushes and cache clearing are served only when no high priority
// request is waiting.
type StoreProxy struct {
	Instance BlockStore

	// Channels for internal communication specific to one type of request.
	storeChan     chan storeRequest
	retrieveChan  chan retrieveRequest
	availableChan chan availableRequest

	// General low priority channel used for multiple types of requests.
	lockChan chan lockRequest

	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type storeRequest struct {
	value    int32
	position int
	reply    chan storeReply
}

type storeReply struct {
	key int64
	err error
}

type retrieveRequest struct {
	key   int64
	reply chan retrieveReply
}

type retrieveReply struct {
	value int32
	found bool
	err   error
}

type availableRequest struct {
	key   int64
	reply chan availableReply
}

type availableReply struct {
	available bool
	err       error
}

// Runs fn exclusively on the worker.
type lockRequest struct {
	fn   func()
	done chan struct{}
}

// Returns proxy which can be directly used. It spawns one worker which handles
// all serialized and prioritized requests.
func New(instance BlockStore) *StoreProxy {
	p := StoreProxy{
		Instance:      instance,
		storeChan:     make(chan storeRequest),
		retrieveChan:  make(chan retrieveRequest),
		availableChan: make(chan availableRequest),
		lockChan:      make(chan lockRequest),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go p.worker()

	return &p
}

// Stores the block. Concurrent callers writing to the same position get
// consecutive keys in the order the worker received their requests.
func (p *StoreProxy) StoreBlock(value int32, position int) (int64, error) {
	reply := make(chan storeReply, 1)

	select {
	case p.storeChan <- storeRequest{value, position, reply}:
	case <-p.quit:
		return 0, ErrClosed
	}

	r := <-reply

	return r.key, r.err
}

func (p *StoreProxy) RetrieveBlock(key int64) (int32, bool, error) {
	reply := make(chan retrieveReply, 1)

	select {
	case p.retrieveChan <- retrieveRequest{key, reply}:
	case <-p.quit:
		return 0, false, ErrClosed
	}

	r := <-reply

	return r.value, r.found, r.err
}

func (p *StoreProxy) IsBlockAvailable(key int64) (bool, error) {
	reply := make(chan availableReply, 1)

	select {
	case p.availableChan <- availableRequest{key, reply}:
	case <-p.quit:
		return false, ErrClosed
	}

	r := <-reply

	return r.available, r.err
}

// Flushes all buffers with low priority.
func (p *StoreProxy) FlushAll() error {
	var err error

	if !p.exclusive(func() { err = p.Instance.FlushAll() }) {
		return ErrClosed
	}

	return err
}

// Clears all caches with low priority. Does nothing after Close().
func (p *StoreProxy) ClearCaches() {
	p.exclusive(p.Instance.ClearCaches)
}

// Stops the worker. The store itself is left untouched.
func (p *StoreProxy) Close() {
	p.quitOnce.Do(func() {
		close(p.quit)
	})
	<-p.stopped
}

// Runs fn on the worker and waits for it. Returns false if the proxy is
// closed.
func (p *StoreProxy) exclusive(fn func()) bool {
	done := make(chan struct{})

	select {
	case p.lockChan <- lockRequest{fn, done}:
	case <-p.quit:
		return false
	}

	<-done

	return true
}

// Worker is doing prioritization and serialization of the requests. Stores,
// retrieves and existence checks have highest priority. All other request are
// low priority.
func (p *StoreProxy) worker() {
	defer close(p.stopped)

	for {
		select {
		case r := <-p.storeChan:
			p.store(r)

		case r := <-p.retrieveChan:
			p.retrieve(r)

		case r := <-p.availableChan:
			p.available(r)

		default:
			select {
			case r := <-p.storeChan:
				p.store(r)

			case r := <-p.retrieveChan:
				p.retrieve(r)

			case r := <-p.availableChan:
				p.available(r)

			case l := <-p.lockChan:
				l.fn()
				close(l.done)

			case <-p.quit:
				return
			}
		}
	}
}

func (p *StoreProxy) store(r storeRequest) {
	key, err := p.Instance.StoreBlock(r.value, r.position)
	r.reply <- storeReply{key, err}
}

func (p *StoreProxy) retrieve(r retrieveRequest) {
	value, found, err := p.Instance.RetrieveBlock(r.key)
	r.reply <- retrieveReply{value, found, err}
}

func (p *StoreProxy) available(r availableRequest) {
	available, err := p.Instance.IsBlockAvailable(r.key)
	r.reply <- availableReply{available, err}
}
