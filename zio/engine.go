package zio

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-zil/alloc"
	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/vdev"
)

var ErrNoSpace = errors.New("zio: no space on any vdev")

// Engine owns the pool's devices and their allocators and builds the
// zios that read, write, and flush them. The error hooks let tests
// inject failures at each stage.
type Engine struct {
	mu       *sync.Mutex
	vdevs    []*vdev.Vdev
	allocs   []*alloc.Alloc
	rotor    uint64
	allocErr func() error
	writeErr func(bp BlkPtr) error
	flushErr func(id common.Vdevid) error
}

// MkEngine takes the pool's devices in id order; vdevs[i].Id must be i.
func MkEngine(vdevs []*vdev.Vdev) *Engine {
	allocs := make([]*alloc.Alloc, 0, len(vdevs))
	for _, v := range vdevs {
		allocs = append(allocs, alloc.MkAlloc(v.Size()))
	}
	return &Engine{
		mu:     new(sync.Mutex),
		vdevs:  vdevs,
		allocs: allocs,
	}
}

func (e *Engine) NumVdevs() uint64 {
	return uint64(len(e.vdevs))
}

func (e *Engine) Vdev(id common.Vdevid) *vdev.Vdev {
	return e.vdevs[id]
}

func (e *Engine) SetAllocErr(f func() error) {
	e.mu.Lock()
	e.allocErr = f
	e.mu.Unlock()
}

func (e *Engine) SetWriteErr(f func(bp BlkPtr) error) {
	e.mu.Lock()
	e.writeErr = f
	e.mu.Unlock()
}

func (e *Engine) SetFlushErr(f func(id common.Vdevid) error) {
	e.mu.Lock()
	e.flushErr = f
	e.mu.Unlock()
}

func (e *Engine) allocClass(nblks uint64, wantLog bool) (BlkPtr, bool) {
	e.mu.Lock()
	n := uint64(len(e.vdevs))
	start := e.rotor
	e.rotor++
	e.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		id := (start + i) % n
		if e.vdevs[id].IsLog != wantLog {
			continue
		}
		off, ok := e.allocs[id].AllocRun(nblks)
		if ok {
			return BlkPtr{Vdev: id, Offset: off}, true
		}
	}
	return BlkPtr{}, false
}

// AllocLogBlock allocates sz bytes for a log block, preferring a
// dedicated log device when wantSlog is set and falling back to the
// main class when the log class is absent or full.
func (e *Engine) AllocLogBlock(txg common.Txg, sz uint64, wantSlog bool, slim bool) (BlkPtr, error) {
	e.mu.Lock()
	hook := e.allocErr
	e.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return BlkPtr{}, err
		}
	}
	nblks := util.CeilDiv(sz, disk.BlockSize)
	var bp BlkPtr
	var ok bool
	slog := false
	if wantSlog {
		bp, ok = e.allocClass(nblks, true)
		slog = ok
	}
	if !ok {
		bp, ok = e.allocClass(nblks, false)
	}
	if !ok {
		return BlkPtr{}, ErrNoSpace
	}
	bp.Size = nblks * disk.BlockSize
	bp.Birth = txg
	bp.Slog = slog
	bp.Slim = slim
	util.DPrintf(10, "zio: alloc %d blks vdev %d off %d slog %v\n",
		nblks, bp.Vdev, bp.Offset, slog)
	return bp, nil
}

func (e *Engine) FreeBlk(bp BlkPtr) {
	if bp.IsHole() {
		return
	}
	e.allocs[bp.Vdev].FreeRun(bp.Offset, bp.Blocks())
	util.DPrintf(10, "zio: free vdev %d off %d blks %d\n",
		bp.Vdev, bp.Offset, bp.Blocks())
}

// ClaimBlk marks a block found on disk as allocated. Claiming an
// already claimed block is harmless.
func (e *Engine) ClaimBlk(bp BlkPtr) {
	if bp.IsHole() {
		return
	}
	e.allocs[bp.Vdev].MarkRun(bp.Offset, bp.Blocks())
}

// ReadLog reads a log block and verifies its chain checksum against
// the expected seed.
func (e *Engine) ReadLog(bp BlkPtr) ([]byte, error) {
	buf := e.vdevs[bp.Vdev].ReadBytes(bp.Offset, bp.Blocks())
	if err := VerifyBlock(buf, bp.Cksum, bp.Slim); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRaw reads a run of blocks with no verification.
func (e *Engine) ReadRaw(bp BlkPtr) []byte {
	return e.vdevs[bp.Vdev].ReadBytes(bp.Offset, bp.Blocks())
}

// RootZio makes a no-op zio that exists to collect children.
func (e *Engine) RootZio(onDone func(z *Zio)) *Zio {
	return MkZio(nil, onDone)
}

// WriteZio makes a zio that writes data at bp. data may be shorter
// than bp.Size when the tail of the block was never used.
func (e *Engine) WriteZio(bp BlkPtr, data []byte, onDone func(z *Zio)) *Zio {
	return MkZio(func() error {
		e.mu.Lock()
		hook := e.writeErr
		e.mu.Unlock()
		if hook != nil {
			if err := hook(bp); err != nil {
				return err
			}
		}
		e.vdevs[bp.Vdev].WriteBytes(bp.Offset, data)
		return nil
	}, onDone)
}

// FlushZio makes a zio that flushes one device's write cache.
func (e *Engine) FlushZio(id common.Vdevid, onDone func(z *Zio)) *Zio {
	return MkZio(func() error {
		e.mu.Lock()
		hook := e.flushErr
		e.mu.Unlock()
		if hook != nil {
			if err := hook(id); err != nil {
				return err
			}
		}
		e.vdevs[id].Flush()
		return nil
	}, onDone)
}

// FlushAll flushes every device; the pool syncer runs this to make a
// txg durable.
func (e *Engine) FlushAll() {
	for _, v := range e.vdevs {
		v.Flush()
	}
}

// CrashAll drops every device's write cache.
func (e *Engine) CrashAll() {
	for _, v := range e.vdevs {
		v.Crash()
	}
}
