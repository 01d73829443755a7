package zil

import (
	"github.com/biogo/store/llrb"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

type parseBlkFunc func(bp zio.BlkPtr, txgn common.Txg) error
type parseLrFunc func(rec *Record, txgn common.Txg) error

// parseBpNode dedupes block visits by device location, so a visitor
// that frees or claims blocks stays idempotent across restarts.
type parseBpNode struct {
	vdev   common.Vdevid
	offset uint64
}

func (n *parseBpNode) Compare(c llrb.Comparable) int {
	o := c.(*parseBpNode)
	if n.vdev != o.vdev {
		if n.vdev < o.vdev {
			return -1
		}
		return 1
	}
	if n.offset < o.offset {
		return -1
	}
	if n.offset > o.offset {
		return 1
	}
	return 0
}

// bpVisited marks bp and reports whether it had already been seen.
func bpVisited(tree *llrb.Tree, bp zio.BlkPtr) bool {
	key := &parseBpNode{vdev: bp.Vdev, offset: bp.Offset}
	if tree.Get(key) != nil {
		return true
	}
	tree.Insert(key)
	return false
}

// readLogBlock reads and verifies one log block and returns its record
// region together with the pointer to the next block. The chain
// trailer's embedded next pointer must carry this block's checksum
// with the sequence word advanced; a mismatch means the chain ends
// here.
func (zl *Zilog) readLogBlock(bp zio.BlkPtr) ([]byte, zio.BlkPtr, error) {
	buf, err := zl.eng.ReadLog(bp)
	if err != nil {
		return nil, zio.BlkPtr{}, err
	}

	expect := bp.Cksum
	expect[zio.ZC_SEQ]++
	chain := zio.GetChain(buf, zio.ChainOff(bp.Size, bp.Slim))
	if !chain.NextBlk.IsHole() && chain.NextBlk.Cksum != expect {
		return nil, zio.BlkPtr{}, zio.ErrCksum
	}

	var records []byte
	if bp.Slim {
		records = buf[zio.ChainSize:chain.Nused]
	} else {
		records = buf[:chain.Nused]
	}
	return records, chain.NextBlk, nil
}

// readLogData fetches the data block of an indirect write record, for
// replay. A hole pointer means the write was a hole; the caller gets
// zeros.
func (zl *Zilog) readLogData(wr *LrWrite, buf []byte) error {
	if wr.Blkptr.IsHole() {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, zl.eng.ReadRaw(wr.Blkptr))
	return nil
}

// parse walks the log chain from the header, calling visitBlk on each
// block and visitLr on each record. Once the header records a claim
// the walk is bounded by the claimed sequence numbers; before that it
// runs to the end of the chain. Returns the first block- or
// record-visitor error, or ErrInval for a record whose length does
// not fit its block; chain-end conditions (holes, checksum mismatch,
// torn blocks) are not errors.
func (zl *Zilog) parse(visitBlk parseBlkFunc, visitLr parseLrFunc,
	claimTxg common.Txg) error {
	zh := zl.os.Header()

	blkSeqLimit := ^common.Seq(0)
	lrSeqLimit := ^common.Seq(0)
	if zh.ClaimTxg != 0 {
		blkSeqLimit = zh.ClaimBlkSeq
		if zh.Flags&ZIL_CLAIM_LR_SEQ_VALID != 0 {
			lrSeqLimit = zh.ClaimLrSeq
		}
	}

	var maxBlkSeq, maxLrSeq common.Seq
	var blkCount, lrCount uint64
	var done error
	tree := &llrb.Tree{}

	for blk := zh.Log; !blk.IsHole(); {
		blkSeq := common.Seq(blk.Cksum[zio.ZC_SEQ])
		if blkSeq > blkSeqLimit {
			break
		}

		if visitBlk != nil && !bpVisited(tree, blk) {
			if err := visitBlk(blk, claimTxg); err != nil {
				done = err
				break
			}
		}
		maxBlkSeq = blkSeq
		blkCount++

		if maxLrSeq == lrSeqLimit && maxBlkSeq == blkSeqLimit {
			break
		}

		records, next, err := zl.readLogBlock(blk)
		if err != nil {
			break
		}

		stop := false
		for off := uint64(0); visitLr != nil && off < uint64(len(records)); {
			rest := uint64(len(records)) - off
			if rest < LrHdrSize {
				done = ErrInval
				break
			}
			hdr := DecLrHdr(marshal.NewDec(records[off : off+LrHdrSize]))
			if hdr.Reclen < LrHdrSize || hdr.Reclen > rest {
				done = ErrInval
				break
			}
			if hdr.Seq > lrSeqLimit {
				stop = true
				break
			}
			rec := &Record{Hdr: hdr, Raw: records[off : off+hdr.Reclen]}
			if err := visitLr(rec, claimTxg); err != nil {
				done = err
				break
			}
			maxLrSeq = hdr.Seq
			lrCount++
			off += hdr.Reclen
		}
		if done != nil || stop {
			break
		}
		blk = next
	}

	zl.mu.Lock()
	zl.parseBlkSeq = maxBlkSeq
	zl.parseLrSeq = maxLrSeq
	zl.parseBlkCount = blkCount
	zl.parseLrCount = lrCount
	zl.mu.Unlock()

	util.DPrintf(5, "zil %d: parse blks %d lrs %d err %v\n",
		zl.os.Id, blkCount, lrCount, done)
	return done
}
