package brt

import (
	"sync"

	"github.com/mit-pdos/go-zil/common"
)

const NSHARD uint64 = 251

// ref identifies one block run by device and starting unit.
type ref struct {
	vdev   common.Vdevid
	offset uint64
}

type shard struct {
	mu      *sync.Mutex
	refs    map[ref]uint64
	pending [common.TXG_SIZE][]ref
}

// Table counts extra references that block cloning takes on existing
// blocks. Adds are staged per txg and applied when that txg syncs, so
// a crash before sync leaves no stray references.
type Table struct {
	shards []*shard
}

func MkTable() *Table {
	shards := make([]*shard, 0, NSHARD)
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, &shard{
			mu:   new(sync.Mutex),
			refs: make(map[ref]uint64),
		})
	}
	return &Table{shards: shards}
}

func (t *Table) shardOf(r ref) *shard {
	return t.shards[(r.vdev*61+r.offset)%NSHARD]
}

// PendingAdd stages one reference to be taken when txg syncs.
func (t *Table) PendingAdd(vdev common.Vdevid, offset uint64, txg common.Txg) {
	r := ref{vdev: vdev, offset: offset}
	s := t.shardOf(r)
	s.mu.Lock()
	slot := txg & common.TXG_MASK
	s.pending[slot] = append(s.pending[slot], r)
	s.mu.Unlock()
}

// Sync applies the references staged for txg.
func (t *Table) Sync(txg common.Txg) {
	slot := txg & common.TXG_MASK
	for _, s := range t.shards {
		s.mu.Lock()
		for _, r := range s.pending[slot] {
			s.refs[r]++
		}
		s.pending[slot] = nil
		s.mu.Unlock()
	}
}

// RefCount returns the applied reference count for one block.
func (t *Table) RefCount(vdev common.Vdevid, offset uint64) uint64 {
	r := ref{vdev: vdev, offset: offset}
	s := t.shardOf(r)
	s.mu.Lock()
	n := s.refs[r]
	s.mu.Unlock()
	return n
}

// Entries returns the number of blocks with applied references.
func (t *Table) Entries() uint64 {
	var n uint64
	for _, s := range t.shards {
		s.mu.Lock()
		n += uint64(len(s.refs))
		s.mu.Unlock()
	}
	return n
}
