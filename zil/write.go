package zil

import (
	"time"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// Assumes caller holds the issuer lock.
func (zl *Zilog) lwbWriteOpen(lwb *Lwb) {
	if lwb.state == LWB_STATE_NEW {
		zl.mu.Lock()
		lwb.state = LWB_STATE_OPENED
		zl.lastLwbOpened = lwb
		zl.mu.Unlock()
	}
}

// lwbWriteClose retires the open lwb and allocates its successor,
// sized from what is left of the current burst plus, under parallel
// load, a prediction of what is about to arrive. Returns nil after an
// allocation failure, which the caller turns into a writer stall.
// Assumes caller holds the issuer lock.
func (zl *Zilog) lwbWriteClose(lwb *Lwb, state LwbState) *Lwb {
	if lwb.state != LWB_STATE_OPENED {
		panic("lwbWriteClose: lwb not opened")
	}
	zl.mu.Lock()
	lwb.state = LWB_STATE_CLOSED
	zl.mu.Unlock()

	if lwb.err != nil {
		return nil
	}

	var m, plan uint64
	if zl.curLeft > 0 {
		plan = zl.lwbPlan(zl.curLeft, &m)
		if zl.parallel > 0 {
			plan2 := zl.lwbPlan(zl.curLeft+zl.lwbPredict(), &m)
			if plan < plan2 {
				plan = plan2
			}
		}
	} else {
		plan = zl.lwbPredict()
	}
	blksz := util.RoundUp(plan+zio.ChainSize, ZIL_MIN_BLKSZ)
	blksz = util.Min(blksz, zl.maxBlockSize)
	return zl.allocLwb(blksz, nil, false, 0, state)
}

// lwbAssign reserves space in the lwb chain for one itx, closing full
// blocks as it goes and splitting an oversized write across blocks.
// The actual record bytes are filled in later by lwbCommit. Assumes
// caller holds the issuer lock.
func (zl *Zilog) lwbAssign(lwb *Lwb, itx *Itx, ilwbs *[]*Lwb) *Lwb {
	zl.lwbWriteOpen(lwb)

	if itx.Lr.Txtype == TX_COMMIT {
		zl.mu.Lock()
		itx.Private.(*CommitWaiter).linkLwb(lwb)
		zl.mu.Unlock()
		itx.Private = nil
		lwb.itxs = append(lwb.itxs, itx)
		return lwb
	}

	reclen := itx.Lr.Reclen
	dlen := itxDataSize(itx)

	for {
		lwbSp := lwb.nmax - lwb.nused
		maxLogData := zl.MaxLogData(LrWriteSize)

		// Open a new block if the record does not fit, or if only
		// part of its data fits and finishing the block wastes less
		// than carrying an awkward remainder forward.
		if reclen > lwbSp || (reclen+dlen > lwbSp &&
			lwbSp < zl.maxWasteSpace() &&
			(dlen%maxLogData == 0 || lwbSp < reclen+dlen%maxLogData)) {
			*ilwbs = append(*ilwbs, lwb)
			lwb = zl.lwbWriteClose(lwb, LWB_STATE_OPENED)
			if lwb == nil {
				return nil
			}
			lwbSp = lwb.nmax - lwb.nused
		}

		dnow := util.Min(dlen, lwbSp-reclen)
		var citx *Itx
		if dlen > dnow {
			citx = itxClone(itx)
			citx.Wr.Length = dnow
			itx.Wr.Offset += dnow
			itx.Wr.Length -= dnow
		} else {
			citx = itx
		}

		zl.lrSeq++
		citx.Lr.Seq = zl.lrSeq
		lwb.nused += reclen + dnow
		if lwb.nused > lwb.nmax {
			panic("lwbAssign: lwb overfilled")
		}

		zl.lwbAddTxg(lwb, itx.Lr.Txg)
		lwb.itxs = append(lwb.itxs, citx)

		dlen -= dnow
		if dlen == 0 {
			break
		}
	}

	// On a frozen pool a write that slipped past the freeze point can
	// only become stable through the syncer.
	if itx.Lr.Txtype == TX_WRITE && itx.Lr.Txg > zl.pool.FreezeTxg() {
		zl.pool.WaitSynced(itx.Lr.Txg)
	}

	return lwb
}

func putRecordAt(buf []byte, pos uint64, n uint64, enc marshal.Enc) {
	copy(buf[pos:pos+n], enc.Finish())
}

func zeroRange(buf []byte, from uint64, to uint64) {
	for i := from; i < to; i++ {
		buf[i] = 0
	}
}

// lwbCommit fills the space lwbAssign reserved with the itx's record
// bytes. For indirect and fetched writes the data comes from the
// get_data callback; a record whose data is gone by now is simply
// skipped, and the next record is written where it would have been.
func (zl *Zilog) lwbCommit(itx *Itx, lwb *Lwb) {
	if itx.Lr.Txtype == TX_COMMIT {
		return
	}

	reclen := itx.Lr.Reclen
	dlen := itxDataSize(itx)
	pos := lwb.nfilled
	hdr := itx.Lr

	if itx.Lr.Txtype == TX_WRITE && itx.WrState != WR_COPIED {
		wr := *itx.Wr
		var dbuf []byte
		if itx.WrState == WR_NEED_COPY {
			dbuf = lwb.buf[pos+reclen : pos+reclen+dlen]
			hdr.Reclen = reclen + dlen
		} else {
			if lwb.childZio == nil {
				lwb.childZio = zio.MkZio(nil, nil)
			}
		}

		err := zl.getData(itx.Private, itx.Gen, &wr, dbuf, lwb, lwb.childZio)
		if err != nil {
			switch err {
			case ErrNoent, ErrExist, ErrAlready:
			case ErrIO:
				zl.pool.WaitSynced(itx.Lr.Txg)
			default:
				log.Warn().Err(err).Uint64("objset", zl.os.Id).
					Msg("get_data failed, falling back to txg sync")
				zl.pool.WaitSynced(itx.Lr.Txg)
			}
			return
		}
		if dbuf != nil {
			zeroRange(dbuf, wr.Length, dlen)
		}

		enc := marshal.NewEnc(LrWriteSize)
		hdr.Encode(enc)
		wr.Encode(enc)
		putRecordAt(lwb.buf, pos, LrWriteSize, enc)
	} else if itx.Lr.Txtype == TX_WRITE {
		enc := marshal.NewEnc(LrWriteSize)
		hdr.Encode(enc)
		itx.Wr.Encode(enc)
		putRecordAt(lwb.buf, pos, LrWriteSize, enc)
		copy(lwb.buf[pos+LrWriteSize:], itx.Data)
		zeroRange(lwb.buf, pos+LrWriteSize+uint64(len(itx.Data)), pos+reclen)
	} else if itx.Lr.Txtype == TX_CLONE_RANGE {
		n := LrCloneBase + uint64(len(itx.Cl.Bps))*zio.BlkptrSize
		enc := marshal.NewEnc(n)
		hdr.Encode(enc)
		itx.Cl.Encode(enc)
		putRecordAt(lwb.buf, pos, n, enc)
		zeroRange(lwb.buf, pos+n, pos+reclen)
	} else {
		enc := marshal.NewEnc(LrHdrSize)
		hdr.Encode(enc)
		putRecordAt(lwb.buf, pos, LrHdrSize, enc)
		copy(lwb.buf[pos+LrHdrSize:], itx.Body)
		zeroRange(lwb.buf, pos+LrHdrSize+uint64(len(itx.Body)), pos+reclen)
	}

	lwb.nfilled += reclen + dlen
}

// lwbWriteIssue fills a closed lwb and sends it down the zio
// pipeline. If the lwb's block has not arrived from its predecessor
// yet, it parks in READY state; whichever issue call later hands it
// the block continues the chain from here.
func (zl *Zilog) lwbWriteIssue(lwb *Lwb) {
	if lwb.state != LWB_STATE_CLOSED {
		panic("lwbWriteIssue: lwb not closed")
	}

	for _, itx := range lwb.itxs {
		zl.lwbCommit(itx, lwb)
	}
	lwb.nused = lwb.nfilled
	if lwb.nused > lwb.nmax {
		panic("lwbWriteIssue: lwb overfilled")
	}

	l := lwb
	lwb.rootZio = zl.eng.RootZio(func(z *zio.Zio) {
		zl.lwbFlushVdevsDone(l, z)
	})

	zl.mu.Lock()
	lwb.state = LWB_STATE_READY
	if lwb.blk.IsHole() && lwb.err == nil {
		zl.mu.Unlock()
		return
	}
	zl.mu.Unlock()

	for lwb != nil {
		lwb = zl.lwbIssueOne(lwb)
	}
}

// lwbIssueOne issues one ready lwb: allocates its successor's block
// inside a short-lived tx, finalizes the chain trailer and checksum,
// wires completion dependencies, and kicks the zios. Returns the
// successor if it was already parked in READY state.
func (zl *Zilog) lwbIssueOne(lwb *Lwb) *Lwb {
	var zilc zio.Chain
	zilc.Nused = lwb.nused

	wsz := lwb.sz
	if lwb.err == nil && lwb.slim {
		wsz = util.RoundUp(lwb.nused, ZIL_MIN_BLKSZ)
	}

	tx := zl.pool.Begin()
	txgn := tx.Txg()

	zl.mu.Lock()
	nlwb := zl.nextLwbLocked(lwb)
	zl.mu.Unlock()

	var nextBp zio.BlkPtr
	var slog bool
	aerr := lwb.err
	if aerr == nil && nlwb != nil {
		wantSlog := zl.os.Logbias() == LOGBIAS_LATENCY
		nextBp, aerr = zl.eng.AllocLogBlock(txgn, nlwb.sz, wantSlog, nlwb.slim)
		if aerr == nil {
			slog = nextBp.Slog
			nextBp.Cksum = lwb.blk.Cksum
			nextBp.Cksum[zio.ZC_SEQ]++
		} else {
			nextBp = zio.BlkPtr{}
		}
	}
	zilc.NextBlk = nextBp

	zl.lwbIoLock.Lock()
	lwb.issuedTxg = txgn
	zl.lwbInflight[txgn&common.TXG_MASK]++
	if txgn > zl.lwbMaxIssuedTxg {
		zl.lwbMaxIssuedTxg = txgn
	}
	zl.lwbIoLock.Unlock()
	tx.Commit()

	l := lwb
	if lwb.err == nil {
		zio.PutChain(lwb.buf, zio.ChainOff(lwb.sz, lwb.slim), zilc)
		data := lwb.buf
		if lwb.slim {
			data = lwb.buf[:wsz]
		}
		zio.StampBlock(data, lwb.blk.Cksum, lwb.slim)
		lwb.prioBulk = lwb.slog && zl.curSize > zl.tun.SlogBulk
		lwb.writeZio = zl.eng.WriteZio(lwb.blk, data, func(z *zio.Zio) {
			zl.lwbWriteDone(l, z)
		})
		zl.AddBlock(lwb, lwb.blk)
	} else {
		// The block was never allocated; a bare zio carries the error
		// through the pipeline so ordering and waiters still work.
		werr := lwb.err
		lwb.writeZio = zio.MkZio(func() error { return werr }, func(z *zio.Zio) {
			zl.lwbWriteDone(l, z)
		})
	}
	lwb.rootZio.AddChild(lwb.writeZio)
	if lwb.childZio != nil {
		lwb.writeZio.AddChild(lwb.childZio)
	}

	zl.mu.Lock()
	zl.setZioDependency(lwb)
	lwb.state = LWB_STATE_ISSUED
	lwb.issuedTs = time.Now()
	if nlwb != nil {
		nlwb.blk = nextBp
		nlwb.err = aerr
		nlwb.slog = slog
		nlwb.allocTxg = txgn
		if nlwb.state != LWB_STATE_READY {
			nlwb = nil
		}
	}
	childZio := lwb.childZio
	writeZio := lwb.writeZio
	rootZio := lwb.rootZio
	zl.mu.Unlock()

	util.DPrintf(5, "zil %d: issue lwb nused %d of %d txg %d\n",
		zl.os.Id, lwb.nused, lwb.sz, txgn)

	if childZio != nil {
		childZio.Issue()
	}
	writeZio.Issue()
	rootZio.Issue()

	return nlwb
}
