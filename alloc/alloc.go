package alloc

import (
	"sync"

	"github.com/mit-pdos/go-zil/util"
)

// Alloc uses a bit map to allocate and free runs of unit numbers.
// Bit i corresponds to unit i.
type Alloc struct {
	lock   *sync.Mutex // protects bitmap and next
	bitmap []byte
	len    uint64
	next   uint64 // first unit to try
}

func MkAlloc(len uint64) *Alloc {
	a := &Alloc{
		lock:   new(sync.Mutex),
		bitmap: make([]byte, util.CeilDiv(len, 8)),
		len:    len,
		next:   0,
	}
	return a
}

func (a *Alloc) isSet(n uint64) bool {
	return a.bitmap[n/8]&(1<<(n%8)) != 0
}

func (a *Alloc) set(n uint64) {
	a.bitmap[n/8] = a.bitmap[n/8] | (1 << (n % 8))
}

func (a *Alloc) clear(n uint64) {
	a.bitmap[n/8] = a.bitmap[n/8] & ^(byte(1) << (n % 8))
}

// AllocRun finds n consecutive free units, marks them allocated, and
// returns the first one. Search is next-fit starting at the rotor
// position, wrapping around once.
func (a *Alloc) AllocRun(n uint64) (uint64, bool) {
	if n == 0 || n > a.len {
		return 0, false
	}
	a.lock.Lock()
	num := a.next
	tries := int64(a.len)
	for tries > 0 {
		if num+n > a.len {
			tries -= int64(a.len - num)
			num = 0
			continue
		}
		var i uint64
		for i = 0; i < n; i++ {
			if a.isSet(num + i) {
				break
			}
		}
		if i == n {
			for j := uint64(0); j < n; j++ {
				a.set(num + j)
			}
			a.next = num + n
			a.lock.Unlock()
			util.DPrintf(10, "AllocRun: %d len %d\n", num, n)
			return num, true
		}
		num += i + 1
		tries -= int64(i + 1)
	}
	a.lock.Unlock()
	return 0, false
}

// MarkRun marks [start, start+n) allocated without searching; used
// when claiming blocks found on disk.
func (a *Alloc) MarkRun(start uint64, n uint64) {
	if start+n > a.len {
		panic("MarkRun")
	}
	a.lock.Lock()
	for i := uint64(0); i < n; i++ {
		a.set(start + i)
	}
	a.lock.Unlock()
}

func (a *Alloc) FreeRun(start uint64, n uint64) {
	if start+n > a.len {
		panic("FreeRun")
	}
	a.lock.Lock()
	for i := uint64(0); i < n; i++ {
		a.clear(start + i)
	}
	a.lock.Unlock()
}

func (a *Alloc) NumFree() uint64 {
	a.lock.Lock()
	var free uint64
	for n := uint64(0); n < a.len; n++ {
		if !a.isSet(n) {
			free++
		}
	}
	a.lock.Unlock()
	return free
}
