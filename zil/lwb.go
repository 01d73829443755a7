package zil

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// Lwb is one log write block in flight: the buffer being filled with
// records, the block it will land in, and the zios that write and
// flush it. Its state field is protected by zl.mu.
type Lwb struct {
	blk  zio.BlkPtr
	slog bool
	slim bool

	state   LwbState
	buf     []byte
	sz      uint64
	nmax    uint64
	nused   uint64
	nfilled uint64

	rootZio  *zio.Zio
	writeZio *zio.Zio
	childZio *zio.Zio

	allocTxg  common.Txg
	maxTxg    common.Txg
	issuedTxg common.Txg
	issuedTs  time.Time
	err       error
	prioBulk  bool

	vdevLock *sync.Mutex
	vdevs    map[common.Vdevid]bool

	itxs    []*Itx
	waiters []*CommitWaiter
}

// allocLwb appends a new lwb to the chain. With bp set the block is
// already allocated (log creation and claim reopen); otherwise only
// the buffer size is known and the block arrives when the predecessor
// issues.
func (zl *Zilog) allocLwb(sz uint64, bp *zio.BlkPtr, slog bool,
	txgn common.Txg, state LwbState) *Lwb {
	lwb := &Lwb{
		state:    state,
		vdevLock: new(sync.Mutex),
		vdevs:    make(map[common.Vdevid]bool),
	}
	if bp != nil {
		lwb.blk = *bp
		lwb.slim = bp.Slim
		lwb.slog = slog
		sz = bp.Size
	} else {
		lwb.slim = zl.tun.SlimZil
	}
	lwb.sz = sz
	lwb.buf = make([]byte, sz)
	lwb.allocTxg = txgn
	lwb.maxTxg = txgn
	if lwb.slim {
		lwb.nmax = sz
		lwb.nused = zio.ChainSize
		lwb.nfilled = zio.ChainSize
	} else {
		lwb.nmax = sz - zio.ChainSize
	}

	zl.mu.Lock()
	zl.lwbs = append(zl.lwbs, lwb)
	if state == LWB_STATE_OPENED {
		zl.lastLwbOpened = lwb
	}
	zl.mu.Unlock()

	util.DPrintf(8, "zil %d: alloc lwb sz %d slim %v state %d\n",
		zl.os.Id, sz, lwb.slim, state)
	return lwb
}

// Assumes caller holds zl.mu.
func (zl *Zilog) prevLwbLocked(lwb *Lwb) *Lwb {
	for i, l := range zl.lwbs {
		if l == lwb {
			if i == 0 {
				return nil
			}
			return zl.lwbs[i-1]
		}
	}
	return nil
}

// Assumes caller holds zl.mu.
func (zl *Zilog) nextLwbLocked(lwb *Lwb) *Lwb {
	for i, l := range zl.lwbs {
		if l == lwb {
			if i == len(zl.lwbs)-1 {
				return nil
			}
			return zl.lwbs[i+1]
		}
	}
	return nil
}

// Assumes caller holds zl.mu.
func (zl *Zilog) removeLwbLocked(lwb *Lwb) {
	for i, l := range zl.lwbs {
		if l == lwb {
			zl.lwbs = append(zl.lwbs[:i], zl.lwbs[i+1:]...)
			return
		}
	}
	panic("removeLwbLocked: lwb not on chain")
}

func (zl *Zilog) lwbAddTxg(lwb *Lwb, txgn common.Txg) {
	zl.mu.Lock()
	if txgn > lwb.maxTxg {
		lwb.maxTxg = txgn
	}
	zl.mu.Unlock()
}

// AddBlock records a device the lwb's flush must cover. Backends call
// this for indirect data blocks written outside the log.
func (zl *Zilog) AddBlock(lwb *Lwb, bp zio.BlkPtr) {
	if zl.tun.NoCacheFlush || bp.IsHole() {
		return
	}
	lwb.vdevLock.Lock()
	lwb.vdevs[bp.Vdev] = true
	lwb.vdevLock.Unlock()
}

// lwbFlushDefer hands lwb's flush obligations to nlwb. Only nlwb's
// vdev set is still concurrently updated; lwb's write has completed,
// so its set is private now.
func (zl *Zilog) lwbFlushDefer(lwb *Lwb, nlwb *Lwb) {
	nlwb.vdevLock.Lock()
	for id := range lwb.vdevs {
		nlwb.vdevs[id] = true
	}
	lwb.vdevs = make(map[common.Vdevid]bool)
	nlwb.vdevLock.Unlock()
	util.DPrintf(8, "zil %d: flush deferred to next lwb\n", zl.os.Id)
}

// lwbWriteDone runs when the lwb's write zio completes. If nobody is
// waiting on this lwb and its successor is already in flight, the
// cache flushes are deferred to the successor; otherwise a flush zio
// per touched device is hung off the root zio.
func (zl *Zilog) lwbWriteDone(lwb *Lwb, z *zio.Zio) {
	err := z.Err()

	zl.mu.Lock()
	lwb.state = LWB_STATE_WRITE_DONE
	nlwb := zl.nextLwbLocked(lwb)
	if nlwb != nil && nlwb.state != LWB_STATE_ISSUED {
		nlwb = nil
	}
	nwaiters := len(lwb.waiters)
	zl.mu.Unlock()

	if err != nil {
		lwb.vdevLock.Lock()
		lwb.vdevs = make(map[common.Vdevid]bool)
		lwb.vdevLock.Unlock()
		return
	}

	if nwaiters == 0 && nlwb != nil {
		zl.lwbFlushDefer(lwb, nlwb)
		return
	}

	lwb.vdevLock.Lock()
	vdevs := lwb.vdevs
	lwb.vdevs = make(map[common.Vdevid]bool)
	lwb.vdevLock.Unlock()
	for id := range vdevs {
		f := zl.eng.FlushZio(id, nil)
		lwb.rootZio.AddChild(f)
		f.Issue()
	}
}

// lwbFlushVdevsDone runs when the root zio, and with it the write and
// every flush, has completed. The lwb's records are now stable (or
// failed); waiters are released with the outcome and the itxs are
// destroyed, firing their callbacks.
func (zl *Zilog) lwbFlushVdevsDone(lwb *Lwb, z *zio.Zio) {
	err := z.Err()
	now := time.Now()

	lwb.buf = nil
	itxs := lwb.itxs
	lwb.itxs = nil
	for _, itx := range itxs {
		ItxDestroy(itx)
	}

	zl.mu.Lock()
	if !lwb.issuedTs.IsZero() {
		lat := uint64(now.Sub(lwb.issuedTs))
		zl.lastLwbLatency = (zl.lastLwbLatency*7 + lat) / 8
	}
	lwb.rootZio = nil
	lwb.writeZio = nil
	lwb.childZio = nil
	lwb.state = LWB_STATE_FLUSH_DONE
	waiters := lwb.waiters
	lwb.waiters = nil
	zl.mu.Unlock()

	for _, zcw := range waiters {
		zcw.markDone(err)
	}

	zl.lwbIoLock.Lock()
	zl.lwbInflight[lwb.issuedTxg&common.TXG_MASK]--
	zl.cvLwbIo.Broadcast()
	zl.lwbIoLock.Unlock()

	util.DPrintf(5, "zil %d: lwb flush done err %v\n", zl.os.Id, err)
}

// setZioDependency orders this lwb's completion after its
// predecessor's, so waiters observe commits in log order even when
// flushes are deferred across blocks. Assumes caller holds zl.mu.
func (zl *Zilog) setZioDependency(lwb *Lwb) {
	prev := zl.prevLwbLocked(lwb)
	if prev == nil || prev.state == LWB_STATE_FLUSH_DONE {
		return
	}
	if prev.state == LWB_STATE_ISSUED {
		lwb.writeZio.AddChild(prev.writeZio)
	}
	lwb.rootZio.AddChild(prev.rootZio)
}

// flushWaitAll blocks until every lwb issued in txg has finished its
// write and flush. Runs in sync context before log blocks born in the
// txg may be freed.
func (zl *Zilog) flushWaitAll(txgn common.Txg) {
	zl.lwbIoLock.Lock()
	for zl.lwbInflight[txgn&common.TXG_MASK] > 0 {
		zl.cvLwbIo.Wait()
	}
	zl.lwbIoLock.Unlock()
}
