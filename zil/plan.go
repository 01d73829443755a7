package zil

import (
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// MaxLogData returns how much payload fits in a maximum-size log
// block after the chain trailer and one record header of hdrSize.
func (zl *Zilog) MaxLogData(hdrSize uint64) uint64 {
	return zl.maxBlockSize - zio.ChainSize - hdrSize
}

// maxWasteSpace is how much tail space we tolerate losing in a block
// before splitting a record across blocks.
func (zl *Zilog) maxWasteSpace() uint64 {
	return zl.MaxLogData(LrWriteSize) / 8
}

// MaxCopiedData caps how many bytes of write data may be embedded
// directly in a log record.
func (zl *Zilog) MaxCopiedData() uint64 {
	return util.Min(zl.tun.MaxCopiedData, zl.MaxLogData(LrWriteSize))
}

// lwbPlan picks a block payload size for a burst of size bytes and
// reports the smallest first write that makes the plan worthwhile.
// Small bursts fit one block; big bursts use maximum blocks; medium
// bursts are split evenly so the last block is not mostly empty.
func (zl *Zilog) lwbPlan(size uint64, minsize *uint64) uint64 {
	md := zl.maxBlockSize - zio.ChainSize
	if size <= md {
		*minsize = size
		return size
	}
	if size > 8*md {
		*minsize = 0
		return md
	}
	n := util.CeilDiv(size, md-LrWriteSize)
	chunk := util.CeilDiv(size, n)
	waste := util.Max(zl.maxWasteSpace(), zl.curMax)
	if chunk <= md-waste {
		*minsize = util.Max(size-(md-waste)*(n-1), waste)
		return chunk
	}
	*minsize = 0
	return md
}

// lwbPredict guesses the next block size from the plans of recent
// bursts and the burst in progress. Of the recorded minimal first
// write sizes it prefers the second largest when that halves the
// block, accepting one extra write for the space.
func (zl *Zilog) lwbPredict() uint64 {
	var m, o uint64
	if zl.curSize > 0 {
		o = zl.lwbPlan(zl.curSize, &m)
	} else {
		o = ^uint64(0)
		m = 0
	}

	for i := uint64(0); i < ZIL_BURSTS; i++ {
		o = util.Min(o, zl.prevOpt[i])
	}

	m1 := util.Max(m, o)
	m2 := o
	for i := uint64(0); i < ZIL_BURSTS; i++ {
		m = zl.prevMin[i]
		if m >= m1 {
			m2 = m1
			m1 = m
		} else if m > m2 {
			m2 = m
		}
	}

	if m1 < m2*2 {
		return m1
	}
	return m2
}

// burstDone closes out burst accounting once the commit list drains,
// recording the burst's plan in the predictor history and easing the
// parallelism counter.
func (zl *Zilog) burstDone() {
	if len(zl.commitList) != 0 || zl.curSize == 0 {
		return
	}

	if zl.parallel > 0 {
		zl.parallel--
	}

	r := (zl.burstRotor + 1) & (ZIL_BURSTS - 1)
	zl.burstRotor = r
	zl.prevOpt[r] = zl.lwbPlan(zl.curSize, &zl.prevMin[r])

	zl.curSize = 0
	zl.curMax = 0
	zl.curLeft = 0
}
