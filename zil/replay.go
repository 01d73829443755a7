package zil

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
)

// ReplayFunc applies one log record of its transaction type. For
// TX_WRITE, data holds the write payload whether it was copied into
// the record or read back from an indirect block.
type ReplayFunc func(arg interface{}, rec *Record, data []byte) error

// ReplayVector maps transaction types to their replay functions. A
// nil entry means the type cannot appear in this objset's log.
type ReplayVector [TX_MAX_TYPE]ReplayFunc

type replayArg struct {
	vector *ReplayVector
	arg    interface{}
}

// replayError backs the replaying sequence off the failed record so a
// later replay attempt retries it, and decorates the error with where
// replay stopped.
func (zl *Zilog) replayError(rec *Record, err error) error {
	zl.mu.Lock()
	zl.replayingSeq--
	zl.mu.Unlock()
	return errors.Wrapf(err, "replay of txtype %d seq %d failed",
		rec.Hdr.Txtype&^TX_CI, rec.Hdr.Seq)
}

// replayLogRecord applies one record. Records at or below the
// header's replay progress, or born before the claim, were already
// applied or synced and are skipped.
func (zl *Zilog) replayLogRecord(ra *replayArg, rec *Record,
	claimTxg common.Txg) error {
	zh := zl.os.Header()

	zl.mu.Lock()
	zl.replayingSeq = rec.Hdr.Seq
	zl.mu.Unlock()

	if rec.Hdr.Seq <= zh.ReplaySeq {
		return nil
	}
	if rec.Hdr.Txg < claimTxg {
		return nil
	}

	txtype := rec.Hdr.Txtype &^ TX_CI
	if txtype == 0 || txtype >= TX_MAX_TYPE {
		return zl.replayError(rec, ErrInval)
	}
	fn := ra.vector[txtype]
	if fn == nil {
		return zl.replayError(rec, ErrInval)
	}

	var data []byte
	if txtype == TX_WRITE {
		wr := rec.AsWrite()
		if rec.Hdr.Reclen == LrWriteSize && !wr.Blkptr.IsHole() {
			data = make([]byte, util.RoundUp(wr.Length, 8))
			if err := zl.readLogData(&wr, data); err != nil {
				return zl.replayError(rec, err)
			}
			data = data[:wr.Length]
		} else {
			data = rec.WriteData()
			if uint64(len(data)) > wr.Length {
				data = data[:wr.Length]
			}
		}
	}

	err := fn(ra.arg, rec, data)
	if err != nil {
		// The backend may not see removes until their txg syncs, so a
		// replayed create can spuriously collide. Sync out whatever is
		// pending and try the record once more.
		zl.pool.WaitSynced(0)
		err = fn(ra.arg, rec, data)
	}
	if err != nil {
		// Objects created out of order by an interrupted replay make
		// some records fail benignly; for those types the failure is
		// ignored and replay moves on, everything else is fatal.
		if txOutOfOrder(txtype) && (err == ErrNoent || err == ErrExist) {
			return nil
		}
		return zl.replayError(rec, err)
	}
	return nil
}

// Replay applies the claimed log chain through the replay vector and
// then destroys it. With nothing to replay the chain is still torn
// down, keeping its first block as the anchor of the next chain.
func (zl *Zilog) Replay(arg interface{}, vector *ReplayVector) {
	zh := zl.os.Header()

	if zh.Flags&ZIL_REPLAY_NEEDED == 0 || zl.tun.ReplayDisable {
		zl.Destroy(true)
		return
	}

	zl.pool.WaitSynced(0)

	zl.mu.Lock()
	zl.replay = true
	zl.mu.Unlock()

	ra := &replayArg{vector: vector, arg: arg}
	visitLr := func(rec *Record, ctxg common.Txg) error {
		return zl.replayLogRecord(ra, rec, ctxg)
	}
	err := zl.parse(nil, visitLr, zh.ClaimTxg)
	if err != nil {
		log.Error().Err(err).Uint64("objset", zl.os.Id).
			Msg("replay stopped")
	}

	zl.Destroy(false)
	zl.pool.WaitSynced(zl.destroyTxgLocked())

	zl.mu.Lock()
	zl.replay = false
	zl.mu.Unlock()
	util.DPrintf(3, "zil %d: replay done\n", zl.os.Id)
}

// Replaying reports whether the current operation is a log replay,
// and if so records the replay progress against tx's txg so Sync can
// publish it. Replay functions call this from inside their tx.
func (zl *Zilog) Replaying(txgn common.Txg) bool {
	if zl.os.Sync() == SYNC_DISABLED {
		return true
	}
	zl.mu.Lock()
	r := zl.replay
	if r {
		zl.replayedSeq[txgn&common.TXG_MASK] = zl.replayingSeq
	}
	zl.mu.Unlock()
	if r {
		zl.zilogDirty(txgn)
	}
	return r
}
