package zil

import (
	"sync"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/zio"
)

// Header is the durable root of one dataset's log: the chain head
// plus the claim and replay bookkeeping. It only changes in sync
// context, so a crash rolls it back to the last synced txg.
type Header struct {
	ClaimTxg    common.Txg
	ReplaySeq   common.Seq
	Log         zio.BlkPtr
	ClaimBlkSeq common.Seq
	ClaimLrSeq  common.Seq
	Flags       uint64
}

// Objset stands in for the dataset owning a log: its identity, its
// log header, and its sync and logbias policies.
type Objset struct {
	Id   common.Objid
	Name string

	mu       *sync.Mutex
	zh       Header
	sync     uint64
	logbias  uint64
	snapshot bool

	encrypted bool
	keyLoaded bool
	keyRefs   uint64
}

func MkObjset(id common.Objid, name string) *Objset {
	return &Objset{
		Id:      id,
		Name:    name,
		mu:      new(sync.Mutex),
		sync:    SYNC_STANDARD,
		logbias: LOGBIAS_LATENCY,
	}
}

func (os *Objset) Header() Header {
	os.mu.Lock()
	zh := os.zh
	os.mu.Unlock()
	return zh
}

// ModifyHeader applies f to the header; the change becomes durable
// with the txg that carries it.
func (os *Objset) ModifyHeader(f func(zh *Header)) {
	os.mu.Lock()
	f(&os.zh)
	os.mu.Unlock()
}

func (os *Objset) Sync() uint64 {
	os.mu.Lock()
	s := os.sync
	os.mu.Unlock()
	return s
}

func (os *Objset) SetSync(s uint64) {
	os.mu.Lock()
	os.sync = s
	os.mu.Unlock()
}

func (os *Objset) Logbias() uint64 {
	os.mu.Lock()
	l := os.logbias
	os.mu.Unlock()
	return l
}

func (os *Objset) SetLogbias(l uint64) {
	os.mu.Lock()
	os.logbias = l
	os.mu.Unlock()
}

func (os *Objset) IsSnapshot() bool {
	os.mu.Lock()
	s := os.snapshot
	os.mu.Unlock()
	return s
}

func (os *Objset) SetSnapshot(s bool) {
	os.mu.Lock()
	os.snapshot = s
	os.mu.Unlock()
}

// Encrypted reports whether this dataset's log blocks are encrypted.
func (os *Objset) Encrypted() bool {
	os.mu.Lock()
	e := os.encrypted
	os.mu.Unlock()
	return e
}

func (os *Objset) SetEncrypted(e bool) {
	os.mu.Lock()
	os.encrypted = e
	os.mu.Unlock()
}

// LoadKey makes the dataset's wrapping key available, so key mappings
// can be bound against it.
func (os *Objset) LoadKey() {
	os.mu.Lock()
	os.keyLoaded = true
	os.mu.Unlock()
}

// UnloadKey drops the wrapping key. Fails while any key mapping is
// still bound.
func (os *Objset) UnloadKey() error {
	os.mu.Lock()
	if os.keyRefs != 0 {
		os.mu.Unlock()
		return ErrBusy
	}
	os.keyLoaded = false
	os.mu.Unlock()
	return nil
}

// BindKeyMapping takes a reference on the dataset's key mapping and
// reports whether the bind succeeded. It fails when the key has not
// been loaded.
func (os *Objset) BindKeyMapping() bool {
	os.mu.Lock()
	if !os.keyLoaded {
		os.mu.Unlock()
		return false
	}
	os.keyRefs++
	os.mu.Unlock()
	return true
}

// UnbindKeyMapping releases a reference taken by BindKeyMapping.
func (os *Objset) UnbindKeyMapping() {
	os.mu.Lock()
	if os.keyRefs == 0 {
		panic("zil: unbind without key mapping")
	}
	os.keyRefs--
	os.mu.Unlock()
}
