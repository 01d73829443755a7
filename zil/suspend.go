package zil

import (
	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
)

// Suspend quiesces the log: pending itxs are committed, the chain is
// destroyed, and until Resume every Commit falls back to txg sync.
// Returns true when this call took a suspend reference, either by
// suspending the log or by joining a suspend already in place; every
// such call must be paired with Resume. False means the log was empty
// and nothing needs resuming. A log awaiting replay cannot be suspended,
// and an encrypted dataset whose key is not loaded fails with
// ErrAccess until the caller loads the key and retries.
func (zl *Zilog) Suspend() (bool, error) {
	zh := zl.os.Header()
	if zh.Flags&ZIL_REPLAY_NEEDED != 0 {
		return false, ErrBusy
	}

	zl.mu.Lock()
	if zh.Log.IsHole() && zl.suspend == 0 && !zl.suspending {
		zl.mu.Unlock()
		return false, nil
	}
	zl.mu.Unlock()

	// Tearing down an encrypted chain reads and frees its blocks, so
	// the key mapping must be held for the whole suspend.
	if zl.os.Encrypted() && !zl.os.BindKeyMapping() {
		return false, ErrAccess
	}

	zl.mu.Lock()
	zl.suspend++
	if zl.suspend > 1 {
		// Someone else is already suspending or has suspended; wait
		// for them to finish.
		for zl.suspending {
			zl.cvSuspend.Wait()
		}
		zl.mu.Unlock()
		return true, nil
	}
	zl.suspending = true
	zl.mu.Unlock()

	util.DPrintf(3, "zil %d: suspending\n", zl.os.Id)

	// Push everything queued so far out through the log, then let the
	// txg sync make it all durable before tearing the chain down.
	zl.commitImpl(common.NULLOBJID)
	zl.pool.WaitSynced(0)
	zl.Destroy(false)

	zl.mu.Lock()
	zl.suspending = false
	zl.cvSuspend.Broadcast()
	zl.mu.Unlock()
	return true, nil
}

// Resume reopens the log after a matching Suspend.
func (zl *Zilog) Resume() {
	zl.mu.Lock()
	if zl.suspend == 0 {
		panic("zil: resume without suspend")
	}
	zl.suspend--
	zl.mu.Unlock()
	if zl.os.Encrypted() {
		zl.os.UnbindKeyMapping()
	}
	util.DPrintf(3, "zil %d: resumed\n", zl.os.Id)
}

// Reset quiesces the log and immediately reopens it, leaving an empty
// chain behind. A log that was already empty needs no resume.
func (zl *Zilog) Reset() error {
	cookie, err := zl.Suspend()
	if err != nil {
		return err
	}
	if cookie {
		zl.Resume()
	}
	return nil
}
