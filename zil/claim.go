package zil

import (
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// claimBlock marks one log block as in use so the allocator cannot
// hand it out while the chain awaits replay.
func (zl *Zilog) claimBlock(bp zio.BlkPtr, firstTxg common.Txg) error {
	if bp.Birth < firstTxg {
		return nil
	}
	zl.eng.ClaimBlk(bp)
	return nil
}

// claimRecord claims the out-of-log blocks a record references: the
// data block of an indirect write, and the source blocks of a clone.
// Clone sources born before the claim get a pending reference in the
// block reference table; sources born inside the claiming txg cannot
// be accounted yet and fail the claim.
func (zl *Zilog) claimRecord(rec *Record, firstTxg common.Txg) error {
	switch rec.Hdr.Txtype {
	case TX_WRITE:
		wr := rec.AsWrite()
		if !wr.Blkptr.IsHole() && wr.Blkptr.Birth >= firstTxg {
			zl.eng.ClaimBlk(wr.Blkptr)
		}
		return nil
	case TX_CLONE_RANGE:
		cl := rec.AsClone()
		for _, bp := range cl.Bps {
			if bp.IsHole() {
				continue
			}
			if bp.Birth >= firstTxg {
				return ErrBusy
			}
			zl.brt.PendingAdd(bp.Vdev, bp.Offset, firstTxg)
		}
		return nil
	}
	return nil
}

// Claim walks the log chain at pool import and records what it found
// in the header: the claimed sequence bounds and whether replay is
// needed. A second Claim of an already-claimed log is a no-op.
func (zl *Zilog) Claim(firstTxg common.Txg) error {
	zh := zl.os.Header()
	if zh.ClaimTxg != 0 {
		return nil
	}

	err := zl.parse(zl.claimBlock, zl.claimRecord, firstTxg)
	if err != nil {
		return err
	}

	zl.mu.Lock()
	blkSeq := zl.parseBlkSeq
	lrSeq := zl.parseLrSeq
	blkCount := zl.parseBlkCount
	lrCount := zl.parseLrCount
	zl.mu.Unlock()

	zl.os.ModifyHeader(func(zh *Header) {
		zh.ClaimTxg = firstTxg
		zh.ClaimBlkSeq = blkSeq
		zh.ClaimLrSeq = lrSeq
		if lrCount > 0 || blkCount > 1 {
			zh.Flags |= ZIL_REPLAY_NEEDED
		}
		zh.Flags |= ZIL_CLAIM_LR_SEQ_VALID
	})

	log.Info().Uint64("objset", zl.os.Id).Uint64("blks", blkCount).
		Uint64("lrs", lrCount).Msg("log chain claimed")
	return nil
}

// clearBlock frees a log block the pool was rewound past. Blocks born
// before the rewind point still belong to the main pool state and are
// left alone.
func (zl *Zilog) clearBlock(bp zio.BlkPtr, firstTxg common.Txg) error {
	if bp.Birth >= firstTxg {
		zl.eng.FreeBlk(bp)
	}
	return nil
}

// Clear throws the log chain away instead of claiming it. Used when
// the pool state was rewound to a checkpoint and the chain references
// a future that no longer exists: blocks born at or after firstTxg are
// freed and the header is zeroed.
func (zl *Zilog) Clear(firstTxg common.Txg) error {
	clearLr := func(rec *Record, ctxg common.Txg) error {
		if rec.Hdr.Txtype == TX_WRITE {
			wr := rec.AsWrite()
			if !wr.Blkptr.IsHole() && wr.Blkptr.Birth >= firstTxg {
				zl.eng.FreeBlk(wr.Blkptr)
			}
		}
		return nil
	}
	err := zl.parse(zl.clearBlock, clearLr, firstTxg)

	zl.os.ModifyHeader(func(zh *Header) {
		*zh = Header{}
	})
	util.DPrintf(3, "zil %d: cleared\n", zl.os.Id)
	return err
}

// CheckLogChain verifies a log chain is readable without claiming
// anything. A checksum mismatch just marks the end of the chain and
// is not an error.
func (zl *Zilog) CheckLogChain() error {
	verify := func(bp zio.BlkPtr, ctxg common.Txg) error {
		return nil
	}
	return zl.parse(verify, nil, zl.os.Header().ClaimTxg)
}

// ClaimAll claims every dataset's log concurrently and returns the
// first failure.
func ClaimAll(zls []*Zilog, firstTxg common.Txg) error {
	var g errgroup.Group
	for _, zl := range zls {
		zl := zl
		g.Go(func() error {
			return zl.Claim(firstTxg)
		})
	}
	return g.Wait()
}
