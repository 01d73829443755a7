package zil

import (
	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// Sync runs in sync context once txgn's main-pool state is durable.
// It publishes the replay progress of the txg, finishes a pending
// destroy, and retires flushed lwbs by advancing the header's chain
// pointer past them and freeing their blocks.
func (zl *Zilog) Sync(txgn common.Txg) {
	zl.flushWaitAll(txgn)

	zl.mu.Lock()

	slot := txgn & common.TXG_MASK
	if zl.replayedSeq[slot] != 0 {
		seq := zl.replayedSeq[slot]
		zl.replayedSeq[slot] = 0
		zl.os.ModifyHeader(func(zh *Header) {
			zh.ReplaySeq = seq
		})
	}

	if zl.destroyTxg == txgn {
		blk := zl.os.Header().Log
		keep := zl.keepFirst
		for i := range zl.replayedSeq {
			zl.replayedSeq[i] = 0
		}
		zl.os.ModifyHeader(func(zh *Header) {
			*zh = Header{}
			if keep {
				// A fresh seed keeps stale blocks from the old
				// chain from verifying against the kept block.
				zl.initLogChain(&blk)
				zh.Log = blk
			}
		})
	}

	for len(zl.lwbs) > 0 {
		lwb := zl.lwbs[0]
		zl.os.ModifyHeader(func(zh *Header) {
			zh.Log = lwb.blk
		})
		if lwb.state != LWB_STATE_FLUSH_DONE ||
			lwb.allocTxg > txgn || lwb.maxTxg > txgn {
			break
		}
		zl.lwbs = zl.lwbs[1:]
		if !lwb.blk.IsHole() {
			zl.eng.FreeBlk(lwb.blk)
		}
		if len(zl.lwbs) == 0 {
			// Allocation failed somewhere and the chain drained;
			// zero the pointer so the block is not freed twice.
			zl.os.ModifyHeader(func(zh *Header) {
				zh.Log = zio.BlkPtr{}
			})
		}
	}

	zl.mu.Unlock()
	util.DPrintf(8, "zil %d: sync txg %d\n", zl.os.Id, txgn)
}
