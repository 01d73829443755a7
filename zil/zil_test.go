package zil_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-zil/brt"
	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/txg"
	"github.com/mit-pdos/go-zil/vdev"
	"github.com/mit-pdos/go-zil/zil"
	"github.com/mit-pdos/go-zil/zio"
)

func data(sz int) []byte {
	d := make([]byte, sz)
	rand.Read(d)
	return d
}

// env wires a pool, devices, and one dataset's log together the way
// an objset owner would.
type env struct {
	pool *txg.Pool
	eng  *zio.Engine
	tbl  *brt.Table
	os   *zil.Objset
	zl   *zil.Zilog

	mu    *sync.Mutex
	files map[uint64][]byte
}

func mkEnv(withSlog bool) *env {
	vdevs := []*vdev.Vdev{
		vdev.MkVdev(0, false, disk.NewMemDisk(8192)),
	}
	if withSlog {
		vdevs = append(vdevs, vdev.MkVdev(1, true, disk.NewMemDisk(2048)))
	}
	e := &env{
		pool:  txg.MkPool(),
		eng:   zio.MkEngine(vdevs),
		tbl:   brt.MkTable(),
		os:    zil.MkObjset(3, "fs"),
		mu:    new(sync.Mutex),
		files: make(map[uint64][]byte),
	}
	e.zl = zil.MkZilog(e.os, e.pool, e.eng, e.tbl, zil.MkTunables())
	e.pool.Start()
	e.zl.Open(e.getData)
	return e
}

// reopen stands in for an import after a crash: a fresh zilog over
// the same devices and header.
func (e *env) reopen() *zil.Zilog {
	e.eng.CrashAll()
	zl := zil.MkZilog(e.os, e.pool, e.eng, e.tbl, zil.MkTunables())
	zl.Open(e.getData)
	return zl
}

func (e *env) getData(private interface{}, gen uint64, wr *zil.LrWrite,
	dbuf []byte, lwb *zil.Lwb, czio *zio.Zio) error {
	e.mu.Lock()
	src := e.files[wr.Foid]
	e.mu.Unlock()
	if src == nil {
		return zil.ErrNoent
	}

	if dbuf != nil {
		copy(dbuf, src[wr.Offset:wr.Offset+wr.Length])
		return nil
	}

	// Indirect: the data goes in its own block, hung off the lwb's
	// child zio so the log write waits for it.
	bp, err := e.eng.AllocLogBlock(e.pool.OpenTxg(),
		wr.Length, false, false)
	if err != nil {
		return zil.ErrIO
	}
	buf := make([]byte, bp.Size)
	copy(buf, src[wr.Offset:wr.Offset+wr.Length])
	w := e.eng.WriteZio(bp, buf, nil)
	czio.AddChild(w)
	w.Issue()
	wr.Blkptr = bp
	e.zl.AddBlock(lwb, bp)
	return nil
}

func (e *env) setFile(foid uint64, contents []byte) {
	e.mu.Lock()
	e.files[foid] = contents
	e.mu.Unlock()
}

func (e *env) logWrite(zl *zil.Zilog, foid uint64, off uint64,
	d []byte, wrState int, sync bool) {
	e.mu.Lock()
	f := e.files[foid]
	if uint64(len(f)) < off+uint64(len(d)) {
		nf := make([]byte, off+uint64(len(d)))
		copy(nf, f)
		f = nf
	}
	copy(f[off:], d)
	e.files[foid] = f
	e.mu.Unlock()

	tx := e.pool.Begin()
	itx := zil.ItxCreateWrite(foid, off, uint64(len(d)), wrState, d)
	itx.Sync = sync
	zl.ItxAssign(itx, tx)
	tx.Commit()
}

type appliedWrite struct {
	foid   uint64
	offset uint64
	data   []byte
}

// replayAll claims and replays the log, returning the writes and
// clones the vector saw in order.
func (e *env) replayAll(t *testing.T, zl *zil.Zilog,
	firstTxg common.Txg) ([]appliedWrite, []zil.LrClone) {
	t.Helper()
	require.NoError(t, zl.Claim(firstTxg))

	var writes []appliedWrite
	var clones []zil.LrClone
	var vec zil.ReplayVector
	vec[zil.TX_WRITE] = func(arg interface{}, rec *zil.Record,
		d []byte) error {
		tx := e.pool.Begin()
		defer tx.Commit()
		if !zl.Replaying(tx.Txg()) {
			t.Fatal("replay vector called outside replay")
		}
		wr := rec.AsWrite()
		writes = append(writes, appliedWrite{
			foid:   wr.Foid,
			offset: wr.Offset,
			data:   append([]byte{}, d...),
		})
		return nil
	}
	vec[zil.TX_CLONE_RANGE] = func(arg interface{}, rec *zil.Record,
		d []byte) error {
		tx := e.pool.Begin()
		defer tx.Commit()
		if !zl.Replaying(tx.Txg()) {
			t.Fatal("replay vector called outside replay")
		}
		clones = append(clones, rec.AsClone())
		return nil
	}
	zl.Replay(nil, &vec)
	return writes, clones
}

// warmLog forces log creation so later commits hit the fast path
// instead of the create-and-sync path.
func warmLog(t *testing.T, e *env) {
	t.Helper()
	e.logWrite(e.zl, 99, 0, data(64), zil.WR_COPIED, true)
	e.zl.Commit(99)
	require.False(t, e.os.Header().Log.IsHole())
}

func TestCommitNoItxsWritesNoLog(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()

	e.zl.Commit(common.NULLOBJID)
	assert.True(t, e.os.Header().Log.IsHole())
}

func TestCommitAfterTxgSyncWritesNothing(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()

	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.pool.WaitSynced(0)

	// The write is already durable through the txg, so the commit has
	// nothing to put on a log.
	e.zl.Commit(7)
	assert.True(t, e.os.Header().Log.IsHole())
}

func TestCommitCopiedThenClaimReplay(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	d0 := data(512)
	d1 := data(1024)
	e.logWrite(e.zl, 7, 0, d0, zil.WR_COPIED, true)
	e.logWrite(e.zl, 7, 512, d1, zil.WR_COPIED, true)
	e.zl.Commit(7)

	zl2 := e.reopen()
	require.NoError(t, zl2.Claim(firstTxg))
	assert.NotZero(t, e.os.Header().Flags&zil.ZIL_REPLAY_NEEDED)

	writes, _ := e.replayAll(t, zl2, firstTxg)
	require.Len(t, writes, 2)
	assert.Equal(t, appliedWrite{7, 0, d0}, writes[0])
	assert.Equal(t, appliedWrite{7, 512, d1}, writes[1])

	// Replay tore the chain down; the header is clean again.
	e.pool.WaitSynced(0)
	zh := e.os.Header()
	assert.True(t, zh.Log.IsHole())
	assert.Zero(t, zh.Flags&zil.ZIL_REPLAY_NEEDED)
}

func TestCommitNeedCopyFetchesData(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	d0 := data(2000)
	e.logWrite(e.zl, 7, 0, d0, zil.WR_NEED_COPY, true)
	e.zl.Commit(7)

	writes, _ := e.replayAll(t, e.reopen(), firstTxg)
	require.Len(t, writes, 1)
	assert.Equal(t, d0, writes[0].data)
}

func TestCommitIndirectWrite(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	d0 := data(8192)
	e.logWrite(e.zl, 7, 0, d0, zil.WR_INDIRECT, true)
	e.zl.Commit(7)

	writes, _ := e.replayAll(t, e.reopen(), firstTxg)
	require.Len(t, writes, 1)
	assert.Equal(t, uint64(7), writes[0].foid)
	assert.Equal(t, d0, writes[0].data)
}

func TestCommitSkipsVanishedWrite(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_NEED_COPY, true)
	d1 := data(256)
	e.logWrite(e.zl, 8, 0, d1, zil.WR_COPIED, true)

	// Object 7 disappears before its data is fetched; its record is
	// dropped while object 8's survives.
	e.setFile(7, nil)
	e.zl.Commit(common.NULLOBJID)

	writes, _ := e.replayAll(t, e.reopen(), firstTxg)
	require.Len(t, writes, 1)
	assert.Equal(t, uint64(8), writes[0].foid)
	assert.Equal(t, d1, writes[0].data)
}

func TestMultiBlockChainReplaysInOrder(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	var want [][]byte
	for i := 0; i < 80; i++ {
		d := data(7000)
		want = append(want, d)
		e.logWrite(e.zl, 7, uint64(i)*7000, d, zil.WR_COPIED, true)
	}
	e.zl.Commit(7)

	writes, _ := e.replayAll(t, e.reopen(), firstTxg)
	require.Len(t, writes, len(want))
	for i, w := range writes {
		assert.Equal(t, uint64(i)*7000, w.offset, "record %d", i)
		assert.Equal(t, want[i], w.data, "record %d", i)
	}
}

func TestAsyncItxsWaitForTheirObject(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	d0 := data(512)
	e.logWrite(e.zl, 7, 0, d0, zil.WR_COPIED, false)

	// Committing another object must not force object 7's async itx
	// out.
	e.zl.Commit(8)
	zl2 := e.reopen()
	writes, _ := e.replayAll(t, zl2, firstTxg)
	assert.Empty(t, writes)

	// Committing object 7 does.
	e.pool.WaitSynced(0)
	e2 := mkEnv(false)
	defer e2.pool.Stop()
	warmLog(t, e2)
	firstTxg = e2.pool.LastSyncedTxg() + 1
	e2.logWrite(e2.zl, 7, 0, d0, zil.WR_COPIED, false)
	e2.zl.Commit(7)
	writes, _ = e2.replayAll(t, e2.reopen(), firstTxg)
	require.Len(t, writes, 1)
	assert.Equal(t, d0, writes[0].data)
}

func TestRemoveAsyncFiresCallbacks(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()

	fired := 0
	tx := e.pool.Begin()
	itx := zil.ItxCreateWrite(7, 0, 64, zil.WR_COPIED, data(64))
	itx.Sync = false
	itx.Callback = func(arg interface{}) { fired++ }
	e.zl.ItxAssign(itx, tx)
	tx.Commit()

	e.zl.RemoveAsync(7)
	assert.Equal(t, 1, fired)

	// Nothing left for a commit to log.
	e.zl.Commit(7)
	assert.True(t, e.os.Header().Log.IsHole())
}

func TestCommitSyncDisabledIsNoop(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()

	e.os.SetSync(zil.SYNC_DISABLED)
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)
	assert.True(t, e.os.Header().Log.IsHole())
}

func TestAllocFailureFallsBackToTxgSync(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()

	e.eng.SetAllocErr(func() error { return zio.ErrNoSpace })
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)

	// The commit cannot create a log; it must still return with the
	// data durable through the txg.
	e.zl.Commit(7)
	assert.True(t, e.os.Header().Log.IsHole())
	assert.GreaterOrEqual(t, e.pool.LastSyncedTxg(),
		common.TXG_INITIAL)
}

func TestFlushErrorFallsBackToTxgSync(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	e.eng.SetFlushErr(func(id common.Vdevid) error { return zil.ErrIO })
	synced := e.pool.LastSyncedTxg()
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)

	// The waiter saw the flush error and forced a txg sync instead.
	assert.Greater(t, e.pool.LastSyncedTxg(), synced)
}

func TestSuspendResume(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	did, err := e.zl.Suspend()
	require.NoError(t, err)
	require.True(t, did)

	// Suspended: the chain is gone and commits ride the txg.
	e.pool.WaitSynced(0)
	assert.True(t, e.os.Header().Log.IsHole())
	synced := e.pool.LastSyncedTxg()
	e.logWrite(e.zl, 7, 512, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)
	assert.True(t, e.os.Header().Log.IsHole())
	assert.Greater(t, e.pool.LastSyncedTxg(), synced)

	e.zl.Resume()
	e.logWrite(e.zl, 7, 1024, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)
	assert.False(t, e.os.Header().Log.IsHole())
}

func TestSuspendEmptyLogNeedsNoResume(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()

	did, err := e.zl.Suspend()
	require.NoError(t, err)
	assert.False(t, did)
}

func TestSuspendBusyWhileReplayNeeded(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)

	zl2 := e.reopen()
	require.NoError(t, zl2.Claim(firstTxg))
	_, err := zl2.Suspend()
	assert.Equal(t, zil.ErrBusy, err)
}

func TestSuspendEncryptedNeedsKey(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	e.os.SetEncrypted(true)
	warmLog(t, e)

	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	_, err := e.zl.Suspend()
	assert.Equal(t, zil.ErrAccess, err)

	e.os.LoadKey()
	did, err := e.zl.Suspend()
	require.NoError(t, err)
	require.True(t, did)

	// The suspend holds a key mapping until its matching resume.
	assert.Equal(t, zil.ErrBusy, e.os.UnloadKey())
	e.zl.Resume()
	require.NoError(t, e.os.UnloadKey())
}

func TestResetLeavesEmptyChain(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	require.NoError(t, e.zl.Reset())

	e.pool.WaitSynced(0)
	assert.True(t, e.os.Header().Log.IsHole())

	// The log is usable again without an explicit Resume.
	e.logWrite(e.zl, 7, 512, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)
	assert.False(t, e.os.Header().Log.IsHole())
}

func TestClearThrowsChainAway(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)

	zl2 := e.reopen()
	require.NoError(t, zl2.Clear(firstTxg))

	zh := e.os.Header()
	assert.True(t, zh.Log.IsHole())
	assert.Zero(t, zh.Flags)

	// Nothing is left to claim or replay.
	require.NoError(t, zl2.Claim(firstTxg))
	assert.Zero(t, e.os.Header().Flags&zil.ZIL_REPLAY_NEEDED)
}

func TestClaimIsIdempotent(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)

	zl2 := e.reopen()
	require.NoError(t, zl2.Claim(firstTxg))
	zh := e.os.Header()
	require.NoError(t, zl2.Claim(firstTxg+1))
	assert.Equal(t, zh, e.os.Header(), "second claim changed the header")
}

func TestClaimAllDatasets(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)

	zl2 := e.reopen()
	require.NoError(t, zil.ClaimAll([]*zil.Zilog{zl2}, firstTxg))
	assert.NotZero(t, e.os.Header().Flags&zil.ZIL_REPLAY_NEEDED)
}

func TestReplayWithoutClaimKeepsFirstBlock(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	// No claim happened, so replay just resets the chain, keeping its
	// first block with a fresh seed.
	oldLog := e.os.Header().Log
	zl2 := e.reopen()
	var vec zil.ReplayVector
	zl2.Replay(nil, &vec)
	e.pool.WaitSynced(0)

	zh := e.os.Header()
	assert.False(t, zh.Log.IsHole())
	assert.Equal(t, oldLog.Vdev, zh.Log.Vdev)
	assert.Equal(t, oldLog.Offset, zh.Log.Offset)
	assert.NotEqual(t, oldLog.Cksum, zh.Log.Cksum, "chain seed not reseeded")
	assert.Equal(t, uint64(1), zh.Log.Cksum[zio.ZC_SEQ])
}

func TestCloneRangeClaimAndReplay(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	bps := []zio.BlkPtr{
		{Vdev: 0, Offset: 100, Size: 4096, Birth: 2},
		{Vdev: 0, Offset: 101, Size: 4096, Birth: 2},
	}
	tx := e.pool.Begin()
	itx := zil.ItxCreateClone(7, 0, 8192, bps)
	e.zl.ItxAssign(itx, tx)
	tx.Commit()
	e.zl.Commit(7)

	zl2 := e.reopen()
	_, clones := e.replayAll(t, zl2, firstTxg)
	require.Len(t, clones, 1)
	assert.Equal(t, uint64(7), clones[0].Foid)
	assert.Equal(t, bps, clones[0].Bps)

	// The claim staged references for the cloned blocks.
	e.pool.WaitSynced(firstTxg)
	assert.Equal(t, uint64(1), e.tbl.RefCount(0, 100))
	assert.Equal(t, uint64(1), e.tbl.RefCount(0, 101))
}

func TestCloneOfUnsyncedBlockFailsClaim(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	bps := []zio.BlkPtr{
		{Vdev: 0, Offset: 100, Size: 4096, Birth: firstTxg + 1},
	}
	tx := e.pool.Begin()
	itx := zil.ItxCreateClone(7, 0, 4096, bps)
	e.zl.ItxAssign(itx, tx)
	tx.Commit()
	e.zl.Commit(7)

	zl2 := e.reopen()
	err := zl2.Claim(firstTxg)
	assert.Equal(t, zil.ErrBusy, err)
}

func TestCommitCallbacksFireOnDestroy(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	fired := 0
	tx := e.pool.Begin()
	itx := zil.ItxCreateWrite(7, 0, 64, zil.WR_COPIED, data(64))
	itx.Callback = func(arg interface{}) { fired++ }
	e.zl.ItxAssign(itx, tx)
	tx.Commit()
	e.zl.Commit(7)
	assert.Equal(t, 1, fired, "callback fires once the itx is stable")
}

func TestCloseDrainsTheLog(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Close()
	e.zl.Free()
}

func TestConcurrentCommits(t *testing.T) {
	e := mkEnv(false)
	defer e.pool.Stop()
	warmLog(t, e)

	firstTxg := e.pool.LastSyncedTxg() + 1
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			foid := uint64(10 + g)
			e.setFile(foid, make([]byte, 0))
			for i := 0; i < 8; i++ {
				e.logWrite(e.zl, foid, uint64(i)*256, data(256),
					zil.WR_COPIED, true)
				e.zl.Commit(foid)
			}
		}(g)
	}
	wg.Wait()

	writes, _ := e.replayAll(t, e.reopen(), firstTxg)
	// Some itxs may have become durable through txg syncs instead of
	// the log, but whatever is on the log must be ordered per object.
	seen := make(map[uint64]uint64)
	for _, w := range writes {
		last, ok := seen[w.foid]
		if ok {
			assert.Greater(t, w.offset, last,
				"object %d replayed out of order", w.foid)
		}
		seen[w.foid] = w.offset
	}
}

func TestSlogPreferredForLatency(t *testing.T) {
	e := mkEnv(true)
	defer e.pool.Stop()
	warmLog(t, e)

	e.logWrite(e.zl, 7, 0, data(512), zil.WR_COPIED, true)
	e.zl.Commit(7)

	// With a log device present and latency bias, chain blocks land
	// on the slog.
	logVdev := e.eng.Vdev(1)
	assert.Greater(t, logVdev.Flushes(), uint64(0),
		"slog never flushed, so nothing was written to it")
}
