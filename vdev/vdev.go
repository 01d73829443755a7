package vdev

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
)

// Vdev is a block device with a volatile write cache. Writes land in
// the cache and are only durable after Flush. Crash drops the cache,
// which is what makes deferred cache flushing testable.
type Vdev struct {
	Id    common.Vdevid
	IsLog bool

	mu      *sync.Mutex
	d       disk.Disk
	cache   map[uint64]disk.Block
	flushes uint64
}

func MkVdev(id common.Vdevid, isLog bool, d disk.Disk) *Vdev {
	return &Vdev{
		Id:    id,
		IsLog: isLog,
		mu:    new(sync.Mutex),
		d:     d,
		cache: make(map[uint64]disk.Block),
	}
}

func (v *Vdev) Size() uint64 {
	return v.d.Size()
}

// Write stores one block in the volatile cache.
func (v *Vdev) Write(blkno uint64, blk disk.Block) {
	v.mu.Lock()
	v.cache[blkno] = util.CloneByteSlice(blk)
	v.mu.Unlock()
}

// WriteBytes stores len(data)/BlockSize consecutive blocks starting
// at blkno. len(data) must be a multiple of the block size.
func (v *Vdev) WriteBytes(blkno uint64, data []byte) {
	if uint64(len(data))%disk.BlockSize != 0 {
		panic("vdev: WriteBytes not block aligned")
	}
	n := uint64(len(data)) / disk.BlockSize
	v.mu.Lock()
	for i := uint64(0); i < n; i++ {
		v.cache[blkno+i] = util.CloneByteSlice(
			data[i*disk.BlockSize : (i+1)*disk.BlockSize])
	}
	v.mu.Unlock()
}

// Read returns the most recent contents of blkno, cached or durable.
func (v *Vdev) Read(blkno uint64) disk.Block {
	v.mu.Lock()
	blk, ok := v.cache[blkno]
	if ok {
		blk = util.CloneByteSlice(blk)
	}
	v.mu.Unlock()
	if !ok {
		blk = v.d.Read(blkno)
	}
	return blk
}

func (v *Vdev) ReadBytes(blkno uint64, nblocks uint64) []byte {
	data := make([]byte, 0, nblocks*disk.BlockSize)
	for i := uint64(0); i < nblocks; i++ {
		data = append(data, v.Read(blkno+i)...)
	}
	return data
}

// Flush makes every cached write durable.
func (v *Vdev) Flush() {
	v.mu.Lock()
	for blkno, blk := range v.cache {
		v.d.Write(blkno, blk)
		delete(v.cache, blkno)
	}
	v.flushes++
	v.mu.Unlock()
	v.d.Barrier()
	util.DPrintf(5, "vdev %d: flush\n", v.Id)
}

// Crash models a power loss: every unflushed write is gone.
func (v *Vdev) Crash() {
	v.mu.Lock()
	v.cache = make(map[uint64]disk.Block)
	v.mu.Unlock()
	util.DPrintf(1, "vdev %d: crash\n", v.Id)
}

func (v *Vdev) Flushes() uint64 {
	v.mu.Lock()
	n := v.flushes
	v.mu.Unlock()
	return n
}
