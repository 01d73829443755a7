package common

const (
	// TXG_SIZE is the number of transaction-group states kept in the
	// per-txg rings. TXG_CONCURRENT_STATES of them can hold not yet
	// synced work at any time.
	TXG_SIZE              uint64 = 4
	TXG_MASK              uint64 = TXG_SIZE - 1
	TXG_CONCURRENT_STATES uint64 = 3
	TXG_INITIAL           uint64 = TXG_SIZE

	// ZILTEST_TXG routes itxs around the syncer when the pool is frozen.
	ZILTEST_TXG uint64 = 1<<64 - 1 - TXG_SIZE
)

type Txg = uint64
type Seq = uint64
type Objid = uint64
type Vdevid = uint64

const NULLOBJID Objid = 0
