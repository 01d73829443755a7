package zil

import (
	"math/rand"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// initLogChain seeds the checksum of the first block of a fresh
// chain. The random words make stale blocks from an earlier chain
// fail verification; the sequence word starts at 1.
func (zl *Zilog) initLogChain(bp *zio.BlkPtr) {
	bp.Cksum[0] = rand.Uint64()
	bp.Cksum[1] = rand.Uint64()
	bp.Cksum[2] = zl.os.Id
	bp.Cksum[zio.ZC_SEQ] = 1
}

// zilCreate allocates the first log block and hangs an lwb off it.
// Called with the issuer lock held, when a commit finds no lwb to
// fill. Returns nil if no block could be allocated; the caller falls
// back to txg sync.
func (zl *Zilog) zilCreate() *Lwb {
	zl.pool.WaitSynced(zl.destroyTxgLocked())

	zh := zl.os.Header()
	blk := zh.Log
	slog := false

	if blk.IsHole() {
		tx := zl.pool.Begin()
		txgn := tx.Txg()
		wantSlog := zl.os.Logbias() == LOGBIAS_LATENCY
		bp, err := zl.eng.AllocLogBlock(txgn, ZIL_MIN_BLKSZ, wantSlog,
			zl.tun.SlimZil)
		if err == nil {
			zl.initLogChain(&bp)
			zl.os.ModifyHeader(func(zh *Header) {
				zh.Log = bp
			})
			blk = bp
			slog = bp.Slog
		}
		tx.Commit()
		zl.pool.WaitSynced(txgn)
		if err != nil {
			util.DPrintf(3, "zil %d: create failed: %v\n", zl.os.Id, err)
			return nil
		}
	} else {
		slog = blk.Slog
	}

	return zl.allocLwb(blk.Size, &blk, slog, zl.pool.OpenTxg(),
		LWB_STATE_NEW)
}

func (zl *Zilog) destroyTxgLocked() common.Txg {
	zl.mu.Lock()
	t := zl.destroyTxg
	zl.mu.Unlock()
	return t
}

// Destroy tears down the on-disk log. The header itself is zeroed
// later, by Sync when destroyTxg syncs; with keepFirst the first
// block survives and gets a fresh chain seed there. Returns false if
// there was no log to destroy.
func (zl *Zilog) Destroy(keepFirst bool) bool {
	zl.pool.WaitSynced(zl.destroyTxgLocked())

	zh := zl.os.Header()

	zl.mu.Lock()
	if zh.Log.IsHole() && len(zl.lwbs) == 0 {
		zl.mu.Unlock()
		return false
	}
	zl.mu.Unlock()

	tx := zl.pool.Begin()
	txgn := tx.Txg()

	zl.mu.Lock()
	zl.destroyTxg = txgn
	zl.keepFirst = keepFirst

	if len(zl.lwbs) > 0 {
		for i, lwb := range zl.lwbs {
			lwb.buf = nil
			if !lwb.blk.IsHole() && !(keepFirst && i == 0) {
				zl.eng.FreeBlk(lwb.blk)
			}
		}
		zl.lwbs = nil
		zl.lastLwbOpened = nil
		zl.mu.Unlock()
	} else {
		zl.mu.Unlock()
		if !keepFirst {
			zl.destroySync(zh.ClaimTxg)
		}
	}

	tx.Commit()
	return true
}

// destroySync walks the chain freeing every log block and the data
// blocks of indirect writes born after the claim.
func (zl *Zilog) destroySync(claimTxg common.Txg) {
	freeBlk := func(bp zio.BlkPtr, ctxg common.Txg) error {
		zl.eng.FreeBlk(bp)
		return nil
	}
	freeLr := func(rec *Record, ctxg common.Txg) error {
		if rec.Hdr.Txtype != TX_WRITE {
			return nil
		}
		wr := rec.AsWrite()
		if !wr.Blkptr.IsHole() && wr.Blkptr.Birth >= ctxg {
			zl.eng.FreeBlk(wr.Blkptr)
		}
		return nil
	}
	err := zl.parse(freeBlk, freeLr, claimTxg)
	if err != nil {
		util.DPrintf(3, "zil %d: destroy parse: %v\n", zl.os.Id, err)
	}
}
