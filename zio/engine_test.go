package zio_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/vdev"
	"github.com/mit-pdos/go-zil/zio"
)

func mkEngine(mainBlks uint64, logBlks uint64) *zio.Engine {
	vdevs := []*vdev.Vdev{
		vdev.MkVdev(0, false, disk.NewMemDisk(mainBlks)),
	}
	if logBlks > 0 {
		vdevs = append(vdevs, vdev.MkVdev(1, true, disk.NewMemDisk(logBlks)))
	}
	return zio.MkEngine(vdevs)
}

func TestAllocLogBlockPrefersSlog(t *testing.T) {
	assert := assert.New(t)
	eng := mkEngine(64, 16)

	bp, err := eng.AllocLogBlock(5, 4096, true, true)
	assert.NoError(err)
	assert.Equal(common.Vdevid(1), bp.Vdev)
	assert.True(bp.Slog)
	assert.True(bp.Slim)
	assert.Equal(uint64(4096), bp.Size)
	assert.Equal(common.Txg(5), bp.Birth)

	bp, err = eng.AllocLogBlock(5, 4096, false, true)
	assert.NoError(err)
	assert.Equal(common.Vdevid(0), bp.Vdev)
	assert.False(bp.Slog)
}

func TestAllocLogBlockFallsBackToMain(t *testing.T) {
	assert := assert.New(t)
	eng := mkEngine(64, 0)

	bp, err := eng.AllocLogBlock(5, 8192, true, false)
	assert.NoError(err)
	assert.Equal(common.Vdevid(0), bp.Vdev)
	assert.False(bp.Slog, "no log class to allocate from")
	assert.Equal(uint64(8192), bp.Size)
	assert.Equal(uint64(2), bp.Blocks())
}

func TestAllocLogBlockNoSpace(t *testing.T) {
	assert := assert.New(t)
	eng := mkEngine(8, 0)

	bp, err := eng.AllocLogBlock(5, 8*4096, false, false)
	assert.NoError(err)

	_, err = eng.AllocLogBlock(5, 4096, false, false)
	assert.Equal(zio.ErrNoSpace, err)

	eng.FreeBlk(bp)
	_, err = eng.AllocLogBlock(5, 4096, false, false)
	assert.NoError(err)
}

func TestAllocErrHook(t *testing.T) {
	assert := assert.New(t)
	eng := mkEngine(64, 0)
	boom := errors.New("boom")

	eng.SetAllocErr(func() error { return boom })
	_, err := eng.AllocLogBlock(5, 4096, false, false)
	assert.Equal(boom, err)

	eng.SetAllocErr(nil)
	_, err = eng.AllocLogBlock(5, 4096, false, false)
	assert.NoError(err)
}

func TestClaimBlkIdempotent(t *testing.T) {
	assert := assert.New(t)
	eng := mkEngine(8, 0)

	claimed := zio.BlkPtr{Vdev: 0, Offset: 0, Size: 8 * 4096}
	eng.ClaimBlk(claimed)
	eng.ClaimBlk(claimed)
	eng.ClaimBlk(zio.BlkPtr{})

	_, err := eng.AllocLogBlock(5, 4096, false, false)
	assert.Equal(zio.ErrNoSpace, err, "claimed blocks are allocated")

	eng.FreeBlk(claimed)
	_, err = eng.AllocLogBlock(5, 4096, false, false)
	assert.NoError(err)
}

func TestWriteReadLog(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	eng := mkEngine(64, 0)

	seed := zio.Cksum{3, 1, 4, 1}
	buf := mkSlimBlock(300)
	zio.StampBlock(buf, seed, true)

	bp := zio.BlkPtr{Vdev: 0, Offset: 3, Size: 4096, Slim: true, Cksum: seed}
	w := eng.WriteZio(bp, buf, nil)
	w.Issue()
	require.NoError(w.Wait())

	got, err := eng.ReadLog(bp)
	require.NoError(err)
	assert.Equal(buf, got)

	bad := bp
	bad.Cksum[zio.ZC_SEQ]++
	_, err = eng.ReadLog(bad)
	assert.Equal(zio.ErrCksum, err)

	assert.Equal(buf, eng.ReadRaw(bp), "raw read skips verification")
}

func TestWriteErrHook(t *testing.T) {
	assert := assert.New(t)
	eng := mkEngine(64, 0)
	boom := errors.New("boom")

	eng.SetWriteErr(func(bp zio.BlkPtr) error {
		if bp.Offset == 7 {
			return boom
		}
		return nil
	})

	w := eng.WriteZio(zio.BlkPtr{Vdev: 0, Offset: 7, Size: 4096},
		make([]byte, 4096), nil)
	w.Issue()
	assert.Equal(boom, w.Wait())

	w = eng.WriteZio(zio.BlkPtr{Vdev: 0, Offset: 8, Size: 4096},
		make([]byte, 4096), nil)
	w.Issue()
	assert.NoError(w.Wait())
}

func TestCrashDropsUnflushedWrites(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	eng := mkEngine(64, 0)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = 0xab
	}
	bp := zio.BlkPtr{Vdev: 0, Offset: 5, Size: 4096}

	w := eng.WriteZio(bp, data, nil)
	w.Issue()
	require.NoError(w.Wait())
	eng.CrashAll()
	assert.Equal(make([]byte, 4096), eng.ReadRaw(bp),
		"unflushed write is lost")

	w = eng.WriteZio(bp, data, nil)
	w.Issue()
	require.NoError(w.Wait())
	f := eng.FlushZio(0, nil)
	f.Issue()
	require.NoError(f.Wait())
	eng.CrashAll()
	assert.Equal(data, eng.ReadRaw(bp), "flushed write survives")
}

func TestFlushErrHook(t *testing.T) {
	assert := assert.New(t)
	eng := mkEngine(64, 16)
	boom := errors.New("boom")

	eng.SetFlushErr(func(id common.Vdevid) error {
		if id == 1 {
			return boom
		}
		return nil
	})

	f := eng.FlushZio(1, nil)
	f.Issue()
	assert.Equal(boom, f.Wait())

	f = eng.FlushZio(0, nil)
	f.Issue()
	assert.NoError(f.Wait())
}
