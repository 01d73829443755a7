package zil

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-zil/brt"
	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/txg"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// GetDataFunc fetches the data of an indirect or deferred write when
// its record is committed to an lwb. For WR_NEED_COPY the payload is
// copied into dbuf; for WR_INDIRECT the backend writes the data block
// itself, registers it with AddBlock, and hangs its write off czio.
// ErrNoent, ErrExist and ErrAlready mean the write no longer matters
// and its record is left out of the lwb.
type GetDataFunc func(private interface{}, gen uint64, wr *LrWrite,
	dbuf []byte, lwb *Lwb, czio *zio.Zio) error

// Zilog is the intent log of one objset. The issuer lock serializes
// commit writers; mu protects the lwb chain and the fields noted on
// it; the itxg buckets carry their own locks.
type Zilog struct {
	mu         *sync.Mutex
	issuerLock *sync.Mutex

	os   *Objset
	pool *txg.Pool
	eng  *zio.Engine
	brt  *brt.Table
	tun  *Tunables

	getData GetDataFunc

	itxg        [common.TXG_SIZE]itxg
	dirtyMaxTxg common.Txg

	lwbs           []*Lwb
	lastLwbOpened  *Lwb
	lastLwbLatency uint64

	lwbIoLock       *sync.Mutex
	cvLwbIo         *sync.Cond
	lwbInflight     [common.TXG_SIZE]uint64
	lwbMaxIssuedTxg common.Txg

	commitList []*Itx
	lrSeq      common.Seq

	curSize    uint64
	curLeft    uint64
	curMax     uint64
	parallel   uint64
	burstRotor uint64
	prevOpt    [ZIL_BURSTS]uint64
	prevMin    [ZIL_BURSTS]uint64

	maxBlockSize uint64

	suspend    uint64
	suspending bool
	cvSuspend  *sync.Cond

	replay       bool
	replayingSeq common.Seq
	replayedSeq  [common.TXG_SIZE]common.Seq

	destroyTxg common.Txg
	keepFirst  bool

	parseBlkSeq   common.Seq
	parseLrSeq    common.Seq
	parseBlkCount uint64
	parseLrCount  uint64
}

// MkZilog sets up the in-memory log state for os and hooks it, along
// with the block reference table, into the pool's sync and clean
// phases. The log itself is created lazily by the first commit.
func MkZilog(os *Objset, pool *txg.Pool, eng *zio.Engine,
	tbl *brt.Table, tun *Tunables) *Zilog {
	zl := &Zilog{
		mu:         new(sync.Mutex),
		issuerLock: new(sync.Mutex),
		os:         os,
		pool:       pool,
		eng:        eng,
		brt:        tbl,
		tun:        tun,
		lwbIoLock:  new(sync.Mutex),
		destroyTxg: common.TXG_INITIAL - 1,
	}
	zl.cvLwbIo = sync.NewCond(zl.lwbIoLock)
	zl.cvSuspend = sync.NewCond(zl.mu)

	for i := range zl.itxg {
		zl.itxg[i].mu = new(sync.Mutex)
	}

	zl.maxBlockSize = util.Min(tun.MaxBlockSize, 128<<10)
	for i := range zl.prevOpt {
		zl.prevOpt[i] = zl.maxBlockSize - zio.ChainSize
	}
	zl.lastLwbLatency = uint64(time.Millisecond)

	pool.OnSync(tbl.Sync)
	pool.OnSync(zl.Sync)
	pool.OnClean(zl.Clean)
	return zl
}

// Open attaches the backend's data fetcher. Commits may run once the
// log is open.
func (zl *Zilog) Open(getData GetDataFunc) {
	zl.mu.Lock()
	if len(zl.lwbs) != 0 {
		panic("zil: open with live lwbs")
	}
	zl.mu.Unlock()
	zl.getData = getData
	util.DPrintf(3, "zil %d: open\n", zl.os.Id)
}

// Close pushes out whatever is queued, waits for every txg the log
// touched, and drops the trailing unissued lwb. After Close no itxs
// remain in flight.
func (zl *Zilog) Close() {
	if !zl.os.IsSnapshot() {
		zl.Commit(common.NULLOBJID)
	}

	zl.mu.Lock()
	txgn := zl.dirtyMaxTxg
	if len(zl.lwbs) > 0 {
		tail := zl.lwbs[len(zl.lwbs)-1]
		txgn = util.Max(txgn, tail.allocTxg)
		txgn = util.Max(txgn, tail.maxTxg)
	}
	zl.mu.Unlock()
	zl.lwbIoLock.Lock()
	txgn = util.Max(txgn, zl.lwbMaxIssuedTxg)
	zl.lwbIoLock.Unlock()

	if txgn != 0 {
		zl.pool.WaitSynced(txgn)
	}

	zl.mu.Lock()
	if len(zl.lwbs) > 0 {
		lwb := zl.lwbs[len(zl.lwbs)-1]
		if lwb.state != LWB_STATE_NEW && lwb.state != LWB_STATE_OPENED {
			panic("zil: close with lwb in flight")
		}
		lwb.buf = nil
		zl.removeLwbLocked(lwb)
	}
	if len(zl.lwbs) != 0 {
		panic("zil: close left lwbs behind")
	}
	zl.lastLwbOpened = nil
	zl.mu.Unlock()
	zl.getData = nil
	util.DPrintf(3, "zil %d: close\n", zl.os.Id)
}

// Free releases the in-memory log state. The itx buckets must have
// drained through Clean by now.
func (zl *Zilog) Free() {
	zl.mu.Lock()
	if len(zl.lwbs) != 0 {
		panic("zil: free with live lwbs")
	}
	zl.mu.Unlock()
	for i := range zl.itxg {
		ig := &zl.itxg[i]
		ig.mu.Lock()
		if ig.txg != 0 {
			panic("zil: free with queued itxs")
		}
		ig.mu.Unlock()
	}
}

// Tunables returns the live tuning knobs of this log.
func (zl *Zilog) Tunables() *Tunables {
	return zl.tun
}

// Objset returns the objset this log belongs to.
func (zl *Zilog) Objset() *Objset {
	return zl.os
}
