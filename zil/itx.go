package zil

import (
	"sync"

	"github.com/biogo/store/llrb"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/txg"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

// Itx is one in-memory intent log transaction. It is queued on its
// txg's bucket at assign time and destroyed once it reaches disk or
// its txg syncs, whichever comes first.
type Itx struct {
	Lr LrHdr

	// Wr is set for TX_WRITE, Cl for TX_CLONE_RANGE; every other type
	// carries its payload in Body.
	Wr   *LrWrite
	Cl   *LrClone
	Body []byte

	WrState int
	Data    []byte // inline data for WR_COPIED

	Sync bool
	Oid  common.Objid
	Gen  uint64

	Private      interface{}
	Callback     func(arg interface{})
	CallbackData interface{}
}

func ItxCreate(txtype uint64, body []byte) *Itx {
	return &Itx{
		Lr: LrHdr{
			Txtype: txtype,
			Reclen: util.RoundUp(LrHdrSize+uint64(len(body)), 8),
		},
		Body: body,
		Sync: true,
	}
}

func ItxCreateWrite(foid common.Objid, offset uint64, length uint64,
	wrState int, data []byte) *Itx {
	reclen := LrWriteSize
	var d []byte
	if wrState == WR_COPIED {
		d = util.CloneByteSlice(data)
		reclen = util.RoundUp(LrWriteSize+uint64(len(data)), 8)
	}
	return &Itx{
		Lr:      LrHdr{Txtype: TX_WRITE, Reclen: reclen},
		Wr:      &LrWrite{Foid: foid, Offset: offset, Length: length},
		WrState: wrState,
		Data:    d,
		Sync:    true,
		Oid:     foid,
	}
}

func ItxCreateClone(foid common.Objid, offset uint64, length uint64,
	bps []zio.BlkPtr) *Itx {
	return &Itx{
		Lr: LrHdr{
			Txtype: TX_CLONE_RANGE,
			Reclen: cloneReclen(uint64(len(bps))),
		},
		Cl:   &LrClone{Foid: foid, Offset: offset, Length: length, Bps: bps},
		Sync: true,
		Oid:  foid,
	}
}

// itxClone copies an itx for a partial assignment. The clone never
// carries the callback; only the original fires it.
func itxClone(itx *Itx) *Itx {
	c := &Itx{
		Lr:      itx.Lr,
		Body:    itx.Body,
		WrState: itx.WrState,
		Data:    itx.Data,
		Sync:    itx.Sync,
		Oid:     itx.Oid,
		Gen:     itx.Gen,
		Private: itx.Private,
	}
	if itx.Wr != nil {
		w := *itx.Wr
		c.Wr = &w
	}
	if itx.Cl != nil {
		cl := *itx.Cl
		c.Cl = &cl
	}
	return c
}

func ItxDestroy(itx *Itx) {
	if itx.Callback != nil {
		itx.Callback(itx.CallbackData)
	}
}

func itxRecordSize(itx *Itx) uint64 {
	return itx.Lr.Reclen
}

func itxDataSize(itx *Itx) uint64 {
	if itx.Lr.Txtype == TX_WRITE && itx.WrState == WR_NEED_COPY {
		return util.RoundUp(itx.Wr.Length, 8)
	}
	return 0
}

func itxFullSize(itx *Itx) uint64 {
	return itxRecordSize(itx) + itxDataSize(itx)
}

// itxAsyncNode holds one object's not-yet-forced async itxs, keyed by
// object id in an llrb tree.
type itxAsyncNode struct {
	oid  common.Objid
	itxs []*Itx
}

func (n *itxAsyncNode) Compare(c llrb.Comparable) int {
	o := c.(*itxAsyncNode)
	if n.oid < o.oid {
		return -1
	}
	if n.oid > o.oid {
		return 1
	}
	return 0
}

type itxs struct {
	syncList  []*Itx
	asyncTree *llrb.Tree
}

func mkItxs() *itxs {
	return &itxs{asyncTree: &llrb.Tree{}}
}

// itxg buckets the itxs assigned to one in-flight txg.
type itxg struct {
	mu  *sync.Mutex
	txg common.Txg
	i   *itxs
}

// ItxAssign queues itx against the tx's txg. On a frozen pool itxs
// are routed to the ZILTEST_TXG bucket so the syncer never consumes
// them. A stale bucket left over from a wrapped txg is cleaned here,
// after the bucket lock is dropped.
func (zl *Zilog) ItxAssign(itx *Itx, tx *txg.Tx) {
	t := itx.Lr.Txtype &^ TX_CI
	if t == TX_RENAME || t == TX_RENAME_EXCHANGE || t == TX_RENAME_WHITEOUT {
		zl.asyncToSync(itx.Oid)
	}

	realTxg := tx.Txg()
	txgn := realTxg
	if zl.pool.Frozen() {
		txgn = common.ZILTEST_TXG
	}
	ig := &zl.itxg[txgn&common.TXG_MASK]

	ig.mu.Lock()
	var clean *itxs
	if ig.txg != txgn {
		if ig.txg != 0 {
			clean = ig.i
		}
		ig.txg = txgn
		ig.i = mkItxs()
	}
	itx.Lr.Txg = realTxg
	if itx.Sync {
		ig.i.syncList = append(ig.i.syncList, itx)
	} else {
		var node *itxAsyncNode
		if c := ig.i.asyncTree.Get(&itxAsyncNode{oid: itx.Oid}); c != nil {
			node = c.(*itxAsyncNode)
		} else {
			node = &itxAsyncNode{oid: itx.Oid}
			ig.i.asyncTree.Insert(node)
		}
		node.itxs = append(node.itxs, itx)
	}
	ig.mu.Unlock()

	zl.zilogDirty(realTxg)
	if clean != nil {
		zl.itxgClean(clean)
	}
}

func (zl *Zilog) zilogDirty(txgn common.Txg) {
	zl.mu.Lock()
	if txgn > zl.dirtyMaxTxg {
		zl.dirtyMaxTxg = txgn
	}
	zl.mu.Unlock()
}

// asyncToSync moves one object's async itxs (or every object's, when
// foid is NULLOBJID) onto the sync lists, preserving order.
func (zl *Zilog) asyncToSync(foid common.Objid) {
	for idx := range zl.itxg {
		ig := &zl.itxg[idx]
		ig.mu.Lock()
		if ig.txg == 0 {
			ig.mu.Unlock()
			continue
		}
		if foid != common.NULLOBJID {
			if c := ig.i.asyncTree.Get(&itxAsyncNode{oid: foid}); c != nil {
				node := c.(*itxAsyncNode)
				ig.i.syncList = append(ig.i.syncList, node.itxs...)
				node.itxs = nil
			}
		} else {
			ig.i.asyncTree.Do(func(c llrb.Comparable) bool {
				node := c.(*itxAsyncNode)
				ig.i.syncList = append(ig.i.syncList, node.itxs...)
				node.itxs = nil
				return false
			})
		}
		ig.mu.Unlock()
	}
}

// RemoveAsync discards the pending async itxs of one object, firing
// their callbacks. Used when the object is freed before its itxs were
// ever forced out.
func (zl *Zilog) RemoveAsync(oid common.Objid) {
	if oid == common.NULLOBJID {
		panic("RemoveAsync: no object")
	}
	var release []*Itx
	for idx := range zl.itxg {
		ig := &zl.itxg[idx]
		ig.mu.Lock()
		if ig.txg == 0 {
			ig.mu.Unlock()
			continue
		}
		if c := ig.i.asyncTree.Get(&itxAsyncNode{oid: oid}); c != nil {
			node := c.(*itxAsyncNode)
			release = append(release, node.itxs...)
			node.itxs = nil
		}
		ig.mu.Unlock()
	}
	for _, itx := range release {
		ItxDestroy(itx)
	}
}

// itxgClean destroys a bucket's itxs. A TX_COMMIT itx found here
// means the waiter's txg already synced, so the waiter is released
// without an lwb.
func (zl *Zilog) itxgClean(i *itxs) {
	for _, itx := range i.syncList {
		if itx.Lr.Txtype == TX_COMMIT {
			itx.Private.(*CommitWaiter).skip()
		}
		ItxDestroy(itx)
	}
	i.asyncTree.Do(func(c llrb.Comparable) bool {
		node := c.(*itxAsyncNode)
		for _, itx := range node.itxs {
			ItxDestroy(itx)
		}
		node.itxs = nil
		return false
	})
	util.DPrintf(10, "zil %d: itxg cleaned\n", zl.os.Id)
}

// Clean releases the itxs of a synced txg. Runs after every txg sync.
func (zl *Zilog) Clean(syncedTxg common.Txg) {
	ig := &zl.itxg[syncedTxg&common.TXG_MASK]
	ig.mu.Lock()
	if ig.txg == 0 || ig.txg == common.ZILTEST_TXG || ig.txg > syncedTxg {
		ig.mu.Unlock()
		return
	}
	i := ig.i
	ig.i = nil
	ig.txg = 0
	ig.mu.Unlock()
	zl.itxgClean(i)
}
