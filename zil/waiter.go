package zil

import (
	"sync"
)

// CommitWaiter tracks one zil Commit call from the moment its
// TX_COMMIT itx enters the pipeline until the lwb holding it is on
// stable storage. doneCh closes exactly once, when the waiter is
// signaled or skipped.
type CommitWaiter struct {
	mu     *sync.Mutex
	doneCh chan struct{}
	lwb    *Lwb
	done   bool
	err    error
}

func mkCommitWaiter() *CommitWaiter {
	return &CommitWaiter{
		mu:     new(sync.Mutex),
		doneCh: make(chan struct{}),
	}
}

func (zcw *CommitWaiter) Done() bool {
	zcw.mu.Lock()
	d := zcw.done
	zcw.mu.Unlock()
	return d
}

func (zcw *CommitWaiter) Err() error {
	zcw.mu.Lock()
	err := zcw.err
	zcw.mu.Unlock()
	return err
}

// markDone releases the waiter with the lwb's write error, if any.
func (zcw *CommitWaiter) markDone(err error) {
	zcw.mu.Lock()
	if zcw.done {
		panic("commit waiter signaled twice")
	}
	zcw.lwb = nil
	zcw.err = err
	zcw.done = true
	close(zcw.doneCh)
	zcw.mu.Unlock()
}

// skip releases a waiter whose itxs are already stable, so it never
// attaches to an lwb.
func (zcw *CommitWaiter) skip() {
	zcw.markDone(nil)
}

// linkLwb attaches the waiter to the lwb that will carry its commit
// record. Assumes the caller holds zl.mu.
func (zcw *CommitWaiter) linkLwb(lwb *Lwb) {
	zcw.mu.Lock()
	if zcw.lwb != nil {
		panic("commit waiter already linked")
	}
	zcw.lwb = lwb
	zcw.mu.Unlock()
	lwb.waiters = append(lwb.waiters, zcw)
}
