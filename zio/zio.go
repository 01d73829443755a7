package zio

import (
	"sync"
)

// Zio is one node in an I/O dependency graph. A zio runs its exec
// function once it has been issued and every child has completed.
// Errors flow upward: a child's error becomes its parents' error
// unless the parent already failed. The onDone callback fires after
// exec, before parents are notified, so a callback may still hang new
// children off a not-yet-runnable parent.
type Zio struct {
	mu      *sync.Mutex
	cond    *sync.Cond
	exec    func() error
	onDone  func(z *Zio)
	parents []*Zio
	pending uint64
	issued  bool
	started bool
	done    bool
	err     error
}

func MkZio(exec func() error, onDone func(z *Zio)) *Zio {
	mu := new(sync.Mutex)
	return &Zio{
		mu:     mu,
		cond:   sync.NewCond(mu),
		exec:   exec,
		onDone: onDone,
	}
}

// AddChild makes z wait for c. If c already completed its error is
// folded into z immediately.
func (z *Zio) AddChild(c *Zio) {
	z.mu.Lock()
	z.pending++
	z.mu.Unlock()
	c.mu.Lock()
	if c.done {
		err := c.err
		c.mu.Unlock()
		z.childDone(err)
		return
	}
	c.parents = append(c.parents, z)
	c.mu.Unlock()
}

func (z *Zio) childDone(err error) {
	z.mu.Lock()
	if z.err == nil && err != nil {
		z.err = err
	}
	z.pending--
	run := z.issued && !z.started && z.pending == 0
	if run {
		z.started = true
	}
	z.mu.Unlock()
	if run {
		z.run()
	}
}

// Issue hands z to the pipeline. It runs as soon as its children are
// done, possibly in the caller's goroutine.
func (z *Zio) Issue() {
	z.mu.Lock()
	z.issued = true
	run := !z.started && z.pending == 0
	if run {
		z.started = true
	}
	z.mu.Unlock()
	if run {
		z.run()
	}
}

func (z *Zio) run() {
	var err error
	if z.exec != nil {
		err = z.exec()
	}
	z.mu.Lock()
	if z.err == nil {
		z.err = err
	}
	z.done = true
	parents := z.parents
	z.parents = nil
	err = z.err
	z.cond.Broadcast()
	z.mu.Unlock()
	if z.onDone != nil {
		z.onDone(z)
	}
	for _, p := range parents {
		p.childDone(err)
	}
}

// Wait blocks until z completes and returns its error.
func (z *Zio) Wait() error {
	z.mu.Lock()
	for !z.done {
		z.cond.Wait()
	}
	err := z.err
	z.mu.Unlock()
	return err
}

func (z *Zio) Done() bool {
	z.mu.Lock()
	done := z.done
	z.mu.Unlock()
	return done
}

func (z *Zio) Err() error {
	z.mu.Lock()
	err := z.err
	z.mu.Unlock()
	return err
}
