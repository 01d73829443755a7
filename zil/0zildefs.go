package zil

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-zil/util"
)

// log carries the lifecycle events and warnings that remain visible
// when debug tracing is off; hot-path tracing goes through
// util.DPrintf.
var log = util.Logger("zil")

const (
	// ZIL_MIN_BLKSZ is the granularity of log block sizes.
	ZIL_MIN_BLKSZ uint64 = 4096

	// ZIL_BURSTS is the history depth of the block size predictor and
	// the saturation value of the parallelism counter.
	ZIL_BURSTS uint64 = 8
)

// Log record types. TX_COMMIT never reaches disk; it exists to carry
// a commit waiter through the itx pipeline.
const (
	TX_CREATE          uint64 = 1
	TX_MKDIR           uint64 = 2
	TX_MKXATTR         uint64 = 3
	TX_SYMLINK         uint64 = 4
	TX_REMOVE          uint64 = 5
	TX_RMDIR           uint64 = 6
	TX_LINK            uint64 = 7
	TX_RENAME          uint64 = 8
	TX_WRITE           uint64 = 9
	TX_TRUNCATE        uint64 = 10
	TX_SETATTR         uint64 = 11
	TX_ACL_V0          uint64 = 12
	TX_ACL             uint64 = 13
	TX_CREATE_ACL      uint64 = 14
	TX_CREATE_ATTR     uint64 = 15
	TX_CREATE_ACL_ATTR uint64 = 16
	TX_MKDIR_ACL       uint64 = 17
	TX_MKDIR_ATTR      uint64 = 18
	TX_MKDIR_ACL_ATTR  uint64 = 19
	TX_WRITE2          uint64 = 20
	TX_SETSAXATTR      uint64 = 21
	TX_RENAME_EXCHANGE uint64 = 22
	TX_RENAME_WHITEOUT uint64 = 23
	TX_CLONE_RANGE     uint64 = 24
	TX_MAX_TYPE        uint64 = 25

	TX_COMMIT uint64 = 26

	// TX_CI marks a record whose name lookup was case-insensitive.
	TX_CI uint64 = 1 << 63
)

// txOutOfOrder reports whether records of this type may be replayed
// against an object that was since recreated.
func txOutOfOrder(txtype uint64) bool {
	return txtype == TX_WRITE || txtype == TX_TRUNCATE ||
		txtype == TX_SETATTR || txtype == TX_ACL_V0 ||
		txtype == TX_ACL || txtype == TX_WRITE2
}

// Write states for TX_WRITE itxs.
const (
	WR_INDIRECT  = iota // data goes in its own block, written via a child zio
	WR_COPIED           // data was copied into the itx at create time
	WR_NEED_COPY        // data is fetched at commit time into the log block
)

// Header flags.
const (
	ZIL_REPLAY_NEEDED      uint64 = 1 << 0
	ZIL_CLAIM_LR_SEQ_VALID uint64 = 1 << 1
)

// Dataset sync policies.
const (
	SYNC_STANDARD uint64 = 0
	SYNC_ALWAYS   uint64 = 1
	SYNC_DISABLED uint64 = 2
)

// Log allocation bias.
const (
	LOGBIAS_LATENCY    uint64 = 0
	LOGBIAS_THROUGHPUT uint64 = 1
)

// LwbState tracks a log write block through the write pipeline. The
// transitions are NEW, OPENED, CLOSED, READY, ISSUED, WRITE_DONE,
// FLUSH_DONE, in that order.
type LwbState int

const (
	LWB_STATE_NEW LwbState = iota
	LWB_STATE_OPENED
	LWB_STATE_CLOSED
	LWB_STATE_READY
	LWB_STATE_ISSUED
	LWB_STATE_WRITE_DONE
	LWB_STATE_FLUSH_DONE
)

var (
	ErrIO      = errors.New("zil: I/O error")
	ErrNoent   = errors.New("zil: no such object")
	ErrExist   = errors.New("zil: object exists")
	ErrAlready = errors.New("zil: operation already applied")
	ErrBusy    = errors.New("zil: busy")
	ErrAccess  = errors.New("zil: permission denied")
	ErrInval   = errors.New("zil: invalid record")
)

// Tunables collects the knobs that shape log behavior. One instance
// may be shared by every zilog in a pool.
type Tunables struct {
	// CommitTimeoutPct scales the commit waiter timeout as a
	// percentage of the last lwb latency.
	CommitTimeoutPct uint64

	// SlogBulk is the burst size above which an lwb written to a slog
	// is marked bulk (Lwb.prioBulk). The zio engine has no priority
	// classes, so the mark does not change how the write is issued.
	SlogBulk uint64

	// MaxBlockSize caps log block sizes.
	MaxBlockSize uint64

	// MaxCopiedData caps how much write data is embedded directly in
	// a log record.
	MaxCopiedData uint64

	// ImmediateWriteSz is the write size at or above which callers
	// should log indirectly.
	ImmediateWriteSz uint64

	// SlimZil selects the compact block format with the chain trailer
	// at the front.
	SlimZil bool

	// NoCacheFlush skips device cache flushes after log writes.
	NoCacheFlush bool

	// ReplayDisable skips log replay at open.
	ReplayDisable bool
}

func MkTunables() *Tunables {
	return &Tunables{
		CommitTimeoutPct: 10,
		SlogBulk:         64 << 20,
		MaxBlockSize:     128 << 10,
		MaxCopiedData:    7680,
		ImmediateWriteSz: 32768,
		SlimZil:          true,
	}
}
