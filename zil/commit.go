package zil

import (
	"time"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
)

// getCommitList splices the sync itxs of every txg not yet synced onto
// the commit list, in txg order, and accounts their sizes toward the
// burst in progress. While the log is suspending nothing is spliced;
// instead the highest pending txg is returned so the caller can wait
// for it to sync. Assumes the caller holds the issuer lock.
func (zl *Zilog) getCommitList() common.Txg {
	var otxg, wtxg common.Txg
	if zl.pool.Frozen() {
		otxg = common.ZILTEST_TXG
	} else {
		otxg = zl.pool.LastSyncedTxg() + 1
	}

	for txgn := otxg; txgn < otxg+common.TXG_CONCURRENT_STATES; txgn++ {
		ig := &zl.itxg[txgn&common.TXG_MASK]
		ig.mu.Lock()
		if ig.txg != txgn {
			ig.mu.Unlock()
			continue
		}

		if zl.suspendCount() > 0 {
			wtxg = util.Max(wtxg, txgn)
		} else {
			spliced := ig.i.syncList
			ig.i.syncList = nil
			zl.commitList = append(zl.commitList, spliced...)
			for _, itx := range spliced {
				sz := itxFullSize(itx)
				zl.curSize += sz
				zl.curLeft += sz
				zl.curMax = util.Max(zl.curMax, itxRecordSize(itx))
			}
		}
		ig.mu.Unlock()
	}
	return wtxg
}

func (zl *Zilog) suspendCount() uint64 {
	zl.mu.Lock()
	s := zl.suspend
	zl.mu.Unlock()
	return s
}

// pruneCommitList releases the TX_COMMIT itxs at the head of the
// commit list. Their writes are already in earlier lwbs, so the
// waiters just attach to the last opened lwb, or are skipped outright
// when no lwb is outstanding. Assumes the caller holds the issuer
// lock.
func (zl *Zilog) pruneCommitList() {
	for len(zl.commitList) > 0 {
		itx := zl.commitList[0]
		if itx.Lr.Txtype != TX_COMMIT {
			break
		}

		zl.mu.Lock()
		lwb := zl.lastLwbOpened
		if lwb == nil || lwb.state == LWB_STATE_FLUSH_DONE {
			zl.mu.Unlock()
			itx.Private.(*CommitWaiter).skip()
		} else {
			itx.Private.(*CommitWaiter).linkLwb(lwb)
			zl.mu.Unlock()
		}
		itx.Private = nil

		zl.commitList = zl.commitList[1:]
		ItxDestroy(itx)
	}
}

// processCommitList moves itxs from the commit list into lwbs until
// the list drains or zcw's commit record lands in a closed lwb. Closed
// lwbs are collected in ilwbs for the caller to issue after dropping
// the issuer lock. Assumes the caller holds the issuer lock.
func (zl *Zilog) processCommitList(zcw *CommitWaiter, ilwbs *[]*Lwb) {
	if len(zl.commitList) == 0 {
		return
	}

	var lwb *Lwb
	zl.mu.Lock()
	if len(zl.lwbs) > 0 {
		lwb = zl.lwbs[len(zl.lwbs)-1]
	}
	zl.mu.Unlock()

	if lwb == nil {
		lwb = zl.zilCreate()
	} else if lwb.state == LWB_STATE_OPENED {
		// Another writer left an open lwb behind; bursts are
		// overlapping, so plan block sizes for full parallelism.
		zl.parallel = ZIL_BURSTS
	} else {
		zl.mu.Lock()
		prev := zl.prevLwbLocked(lwb)
		zl.mu.Unlock()
		if prev != nil && prev.state != LWB_STATE_FLUSH_DONE {
			zl.parallel = util.Max(zl.parallel, ZIL_BURSTS/2)
		}
	}

	var nolwbItxs []*Itx
	var nolwbWaiters []*CommitWaiter

	for len(zl.commitList) > 0 {
		itx := zl.commitList[0]
		txgn := itx.Lr.Txg
		synced := txgn <= zl.pool.LastSyncedTxg()
		frozen := txgn > zl.pool.FreezeTxg()

		if frozen || !synced || itx.Lr.Txtype == TX_COMMIT {
			if lwb != nil {
				lwb = zl.lwbAssign(lwb, itx, ilwbs)
				if lwb == nil {
					// Block allocation failed; collect the rest of
					// the list and fall back to txg sync below.
					zl.commitList = zl.commitList[1:]
					zl.curLeft -= itxFullSize(itx)
					nolwbItxs = append(nolwbItxs, itx)
					continue
				}
				if (zcw.lwb != nil && zcw.lwb != lwb) || zcw.Done() {
					// zcw's commit record is in an lwb that has
					// already moved past OPENED; later itxs belong
					// to the next burst.
					zl.parallel = ZIL_BURSTS
					zl.commitList = zl.commitList[1:]
					zl.curLeft -= itxFullSize(itx)
					break
				}
			} else {
				if itx.Lr.Txtype == TX_COMMIT {
					nolwbWaiters = append(nolwbWaiters,
						itx.Private.(*CommitWaiter))
					itx.Private = nil
				}
				nolwbItxs = append(nolwbItxs, itx)
			}
			zl.commitList = zl.commitList[1:]
			zl.curLeft -= itxFullSize(itx)
		} else {
			zl.commitList = zl.commitList[1:]
			zl.curLeft -= itxFullSize(itx)
			ItxDestroy(itx)
		}
	}

	if lwb == nil {
		for _, l := range *ilwbs {
			zl.lwbWriteIssue(l)
		}
		*ilwbs = nil
		zl.commitWriterStall()
		for _, w := range nolwbWaiters {
			w.skip()
		}
		for _, itx := range nolwbItxs {
			ItxDestroy(itx)
		}
		return
	}

	if lwb.state == LWB_STATE_OPENED {
		if zl.parallel == 0 || zl.suspendCount() > 0 {
			zl.burstDone()
		}
		*ilwbs = append(*ilwbs, lwb)
		nlwb := zl.lwbWriteClose(lwb, LWB_STATE_NEW)
		if nlwb == nil {
			for _, l := range *ilwbs {
				zl.lwbWriteIssue(l)
			}
			*ilwbs = nil
			zl.commitWriterStall()
		}
	}
}

// commitWriter runs one pass of the commit pipeline on behalf of zcw:
// gather itxs, prune stale commit records, fill lwbs, and issue the
// ones that closed. Returns the highest txg the caller must wait on
// when suspension kept itxs off the log.
func (zl *Zilog) commitWriter(zcw *CommitWaiter) common.Txg {
	zl.issuerLock.Lock()

	if zcw.lwb != nil || zcw.Done() {
		// Another commit writer already took care of this waiter.
		zl.issuerLock.Unlock()
		return 0
	}

	var ilwbs []*Lwb
	wtxg := zl.getCommitList()
	zl.pruneCommitList()
	zl.processCommitList(zcw, &ilwbs)
	zl.issuerLock.Unlock()

	for _, lwb := range ilwbs {
		zl.lwbWriteIssue(lwb)
	}
	return wtxg
}

// commitWriterStall waits for every outstanding lwb to finish by
// forcing a txg sync. Used when a log block could not be allocated;
// after the sync the itxs are stable in the main pool and the lwb
// chain has drained. Assumes the caller holds the issuer lock.
func (zl *Zilog) commitWriterStall() {
	util.DPrintf(3, "zil %d: commit writer stall\n", zl.os.Id)
	zl.pool.WaitSynced(0)
}

// commitWaiter blocks until zcw is signaled. While zcw's lwb is still
// open the wait is bounded; if the lwb dawdles past CommitTimeoutPct
// percent of the averaged lwb write latency, the waiter closes it
// itself rather than keep accumulating records.
func (zl *Zilog) commitWaiter(zcw *CommitWaiter) {
	pct := util.Max(zl.tun.CommitTimeoutPct, 1)
	timeout := time.Duration(zl.lastLwbLatency * pct / 100)

	for {
		zcw.mu.Lock()
		if zcw.done {
			zcw.mu.Unlock()
			return
		}
		lwb := zcw.lwb
		zcw.mu.Unlock()

		if lwb != nil && lwb.state == LWB_STATE_OPENED {
			select {
			case <-zcw.doneCh:
				return
			case <-time.After(timeout):
				zl.commitWaiterTimeout(zcw)
			}
		} else {
			<-zcw.doneCh
			return
		}
	}
}

// commitWaiterTimeout closes the open lwb holding zcw's commit record
// after the waiter has given up on more itxs arriving to fill it.
func (zl *Zilog) commitWaiterTimeout(zcw *CommitWaiter) {
	zl.issuerLock.Lock()

	zcw.mu.Lock()
	if zcw.done {
		zcw.mu.Unlock()
		zl.issuerLock.Unlock()
		return
	}
	lwb := zcw.lwb
	if lwb.state != LWB_STATE_OPENED {
		// The commit writer got to it first.
		zcw.mu.Unlock()
		zl.issuerLock.Unlock()
		return
	}
	zcw.mu.Unlock()

	zl.burstDone()
	nlwb := zl.lwbWriteClose(lwb, LWB_STATE_NEW)
	if nlwb == nil {
		zl.commitWriterStall()
		zl.issuerLock.Unlock()
		return
	}
	zl.issuerLock.Unlock()
	zl.lwbWriteIssue(lwb)
}

// commitItxAssign queues a TX_COMMIT itx carrying zcw, in its own tx
// so it lands in the currently open txg.
func (zl *Zilog) commitItxAssign(zcw *CommitWaiter) {
	tx := zl.pool.Begin()
	itx := ItxCreate(TX_COMMIT, nil)
	itx.Sync = true
	itx.Private = zcw
	zl.ItxAssign(itx, tx)
	tx.Commit()
}

// Commit forces the itxs of foid (or of all objects, with NULLOBJID)
// to stable storage and returns once they are. With sync disabled the
// call is a no-op; the data goes out with the next txg sync instead.
func (zl *Zilog) Commit(foid common.Objid) {
	if zl.os.IsSnapshot() {
		panic("zil: commit on snapshot")
	}
	if zl.os.Sync() == SYNC_DISABLED {
		return
	}
	if !zl.pool.Writeable() {
		return
	}
	if zl.suspendCount() > 0 {
		// Log writes are quiesced; the txg sync covers us.
		zl.pool.WaitSynced(0)
		return
	}
	zl.commitImpl(foid)
}

func (zl *Zilog) commitImpl(foid common.Objid) {
	zl.asyncToSync(foid)

	zcw := mkCommitWaiter()
	zl.commitItxAssign(zcw)

	wtxg := zl.commitWriter(zcw)
	if wtxg != 0 {
		// Suspension kept itxs off the log; syncing through wtxg
		// makes them durable and releases the waiter from its
		// cleaned bucket.
		zl.pool.WaitSynced(wtxg)
	}
	zl.commitWaiter(zcw)

	if zcw.Err() != nil {
		// The lwb write failed; fall back to a full txg sync.
		zl.pool.WaitSynced(0)
	}
}
