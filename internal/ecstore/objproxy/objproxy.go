// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for backend.RecordStore which bounds the number
// of concurrent backend requests and performs prioritization of them.
package objproxy

import (
	"errors"
	"sync"

	"github.com/asch/ecstore/internal/ecstore/backend"
)

// Returned for requests issued after Close().
var ErrClosed = errors.New("objproxy: closed")

// Proxy for the record store which prioritizes requests. Requests coming to
// the priority channels are handled first. Like this bulk operations like
// flushing all buffers do not slow down the foreground reads and writes.
type ObjectProxy struct {
	Instance backend.RecordStore

	// Number of go routines to spawn for handling store requests and
	// fetch requests. Existence checks are served by fetch workers.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	quit     chan struct{}
	quitOnce sync.Once
	workers  sync.WaitGroup
}

type kind int

const (
	store kind = iota
	fetch
	exists
)

// Request is internal structure for wrapping the communication into channels.
type request struct {
	kind kind
	key  int64
	data []byte
	done chan response
}

type response struct {
	data  []byte
	found bool
	err   error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers.
func New(storeInstance backend.RecordStore, uploaders, downloaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}
	if downloaders < 1 {
		downloaders = 1
	}

	p := ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	p.workers.Add(p.uploaders + p.downloaders)

	for i := 0; i < p.uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads)
	}

	for i := 0; i < p.downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads)
	}

	return &p
}

// Proxy function for storing the record with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Store(key int64, record []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.do(c, request{kind: store, key: key, data: record}).err
}

// Proxy function for fetching the record with key.
func (p *ObjectProxy) Fetch(key int64, prio bool) ([]byte, bool, error) {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	r := p.do(c, request{kind: fetch, key: key})

	return r.data, r.found, r.err
}

// Proxy function for checking presence of the record with key.
func (p *ObjectProxy) Exists(key int64, prio bool) (bool, error) {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	r := p.do(c, request{kind: exists, key: key})

	return r.found, r.err
}

// Stops all workers. Requests in flight are finished, new ones fail with
// ErrClosed.
func (p *ObjectProxy) Close() {
	p.quitOnce.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

func (p *ObjectProxy) do(c chan request, r request) response {
	r.done = make(chan response, 1)

	select {
	case c <- r:
	case <-p.quit:
		return response{err: ErrClosed}
	}

	return <-r.done
}

// Generic function for prioritization used by both, uploader and downloader
// workers. Returns false when the proxy is closed.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
		return r, true
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Worker just calls the operation on the instance provided in New().
func (p *ObjectProxy) worker(prio chan request, normal chan request) {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}

		var resp response
		switch r.kind {
		case store:
			resp.err = p.Instance.Store(r.key, r.data)
		case fetch:
			resp.data, resp.found, resp.err = p.Instance.Fetch(r.key)
		case exists:
			resp.found, resp.err = p.Instance.Exists(r.key)
		}

		r.done <- resp
	}
}
