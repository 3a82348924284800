// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ecstore is the block storage layer between an erasure coded file system and
// a key-value backend. The file system stores small blocks, each belonging to
// one position of a stripe (data or parity shard). ecstore buffers the blocks
// per position and stores every full buffer as one aggregated record, so the
// backend sees few large requests instead of many small ones.
//
// Block keys handed out for one position are monotonic. Aggregation groups
// are assigned to positions round-robin, hence the position of any block key
// can be computed without consulting the backend.
//
// Reads are served from a bounded cache of deserialized records and existence
// checks from two bounded sets memoizing positive and negative answers of the
// backend. Both caches are pure accelerators, a miss always falls through to
// the backend.
//
// ecstore defines the backend interface in package backend. The backend can
// be trivially changed just by implementing it.
package ecstore
