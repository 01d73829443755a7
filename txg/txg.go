package txg

import (
	"sync"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
)

// SyncFunc runs against one transaction group during sync.
type SyncFunc func(txg common.Txg)

// Pool drives transaction groups through open, quiescing, and synced
// states. At most TXG_CONCURRENT_STATES groups hold unsynced work at
// once. Sync is demand-driven: the syncer goroutine sleeps until some
// caller asks WaitSynced for a txg past lastSynced, then advances one
// group at a time.
type Pool struct {
	mu       *sync.Mutex
	condWork *sync.Cond // syncer sleeps here; Commit and WaitSynced poke it
	condSync *sync.Cond // broadcast whenever lastSynced advances

	openTxg    common.Txg
	lastSynced common.Txg
	wantTxg    common.Txg
	freezeTxg  common.Txg
	active     []uint64
	writeable  bool
	shutdown   bool

	syncers  []SyncFunc
	cleaners []SyncFunc
}

func MkPool() *Pool {
	mu := new(sync.Mutex)
	return &Pool{
		mu:         mu,
		condWork:   sync.NewCond(mu),
		condSync:   sync.NewCond(mu),
		openTxg:    common.TXG_INITIAL,
		lastSynced: common.TXG_INITIAL - 1,
		wantTxg:    common.TXG_INITIAL - 1,
		freezeTxg:  ^uint64(0),
		active:     make([]uint64, common.TXG_SIZE),
		writeable:  true,
	}
}

// OnSync registers f to run for every txg while it syncs. Register
// before Start.
func (p *Pool) OnSync(f SyncFunc) {
	p.mu.Lock()
	p.syncers = append(p.syncers, f)
	p.mu.Unlock()
}

// OnClean registers f to run after a txg has synced.
func (p *Pool) OnClean(f SyncFunc) {
	p.mu.Lock()
	p.cleaners = append(p.cleaners, f)
	p.mu.Unlock()
}

func (p *Pool) Start() {
	go p.syncer()
}

func (p *Pool) syncer() {
	p.mu.Lock()
	for {
		for !p.shutdown && p.wantTxg <= p.lastSynced {
			p.condWork.Wait()
		}
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		target := p.lastSynced + 1
		if p.openTxg == target {
			p.openTxg = target + 1
		}
		for p.active[target&common.TXG_MASK] > 0 {
			p.condWork.Wait()
		}
		syncers := p.syncers
		cleaners := p.cleaners
		p.mu.Unlock()

		util.DPrintf(5, "txg %d: syncing\n", target)
		for _, f := range syncers {
			f(target)
		}

		p.mu.Lock()
		p.lastSynced = target
		p.condSync.Broadcast()
		p.mu.Unlock()

		for _, f := range cleaners {
			f(target)
		}
		p.mu.Lock()
	}
}

// Tx holds one transaction group open until Commit.
type Tx struct {
	pool *Pool
	txg  common.Txg
	done bool
}

func (p *Pool) Begin() *Tx {
	p.mu.Lock()
	for p.openTxg-p.lastSynced > common.TXG_CONCURRENT_STATES {
		p.condSync.Wait()
	}
	txg := p.openTxg
	p.active[txg&common.TXG_MASK]++
	p.mu.Unlock()
	return &Tx{pool: p, txg: txg}
}

func (tx *Tx) Txg() common.Txg {
	return tx.txg
}

func (tx *Tx) Commit() {
	p := tx.pool
	p.mu.Lock()
	if tx.done {
		p.mu.Unlock()
		panic("txg: double commit")
	}
	tx.done = true
	p.active[tx.txg&common.TXG_MASK]--
	p.condWork.Broadcast()
	p.mu.Unlock()
}

// WaitSynced blocks until txg is durable. txg 0 means the currently
// open transaction group.
func (p *Pool) WaitSynced(txg common.Txg) {
	p.mu.Lock()
	if txg == 0 {
		txg = p.openTxg
	}
	if txg > p.wantTxg {
		p.wantTxg = txg
		p.condWork.Broadcast()
	}
	for p.lastSynced < txg && !p.shutdown {
		p.condSync.Wait()
	}
	p.mu.Unlock()
}

func (p *Pool) OpenTxg() common.Txg {
	p.mu.Lock()
	txg := p.openTxg
	p.mu.Unlock()
	return txg
}

func (p *Pool) LastSyncedTxg() common.Txg {
	p.mu.Lock()
	txg := p.lastSynced
	p.mu.Unlock()
	return txg
}

// Freeze pins the pool at the current open txg; itxs assigned after
// this bypass the syncer.
func (p *Pool) Freeze() {
	p.mu.Lock()
	p.freezeTxg = p.openTxg
	p.mu.Unlock()
}

func (p *Pool) FreezeTxg() common.Txg {
	p.mu.Lock()
	txg := p.freezeTxg
	p.mu.Unlock()
	return txg
}

func (p *Pool) Frozen() bool {
	return p.FreezeTxg() != ^uint64(0)
}

func (p *Pool) Writeable() bool {
	p.mu.Lock()
	w := p.writeable
	p.mu.Unlock()
	return w
}

func (p *Pool) SetWriteable(w bool) {
	p.mu.Lock()
	p.writeable = w
	p.mu.Unlock()
}

// Stop shuts the syncer down and releases every waiter.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.shutdown = true
	p.condWork.Broadcast()
	p.condSync.Broadcast()
	p.mu.Unlock()
}
