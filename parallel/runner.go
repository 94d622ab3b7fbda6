// Package parallel provides an in-process multi-rank execution harness:
// one goroutine per mesh partition, cooperating through explicit
// point-to-point mailboxes and barriered collectives. The distributed dof
// protocols are written against Comm only, so the same code path is
// exercised whether the ranks are goroutines here or real processes behind
// an equivalent transport.
package parallel

import (
	"fmt"
	"strings"
	"sync"
)

// Barrier is a reusable rendezvous for NP ranks.
type Barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	np    int
	count int
	gen   int
}

func NewBarrier(np int) *Barrier {
	b := &Barrier{np: np}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Barrier) Wait() {
	b.mu.Lock()
	gen := b.gen
	b.count++
	if b.count == b.np {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
	} else {
		for gen == b.gen {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// Runner owns the shared state backing one group of NP ranks: the barrier
// and the scratch slots used by the collectives. A Runner is reusable
// across any number of Run calls with the same NP.
type Runner struct {
	NP      int
	barrier *Barrier
	slotsI  []int64
	slotsB  []bool
	slotsF  [][]float64

	sharedMu sync.Mutex
	shared   map[string]any
}

func NewRunner(np int) *Runner {
	if np < 1 {
		panic(fmt.Sprintf("runner requires at least one rank, got %d", np))
	}
	return &Runner{
		NP:      np,
		barrier: NewBarrier(np),
		slotsI:  make([]int64, np),
		slotsB:  make([]bool, np),
		slotsF:  make([][]float64, np),
		shared:  make(map[string]any),
	}
}

// Shared returns the group-wide object registered under key, creating it
// with mk on first access. All ranks asking for the same key get the same
// instance; this is how the ranks of a group end up posting into one
// MailBox. The concrete type behind a key must be consistent across calls.
func Shared[T any](c *Comm, key string, mk func() T) T {
	r := c.runner
	r.sharedMu.Lock()
	defer r.sharedMu.Unlock()
	if v, ok := r.shared[key]; ok {
		return v.(T)
	}
	v := mk()
	r.shared[key] = v
	return v
}

// DropShared discards every group object registered under a key with the
// given prefix. Protocols that mint generation-tagged keys call this when
// a generation is retired, so a long-lived Runner does not accumulate dead
// mailboxes. Idempotent; safe to call from every rank.
func (r *Runner) DropShared(prefix string) {
	r.sharedMu.Lock()
	defer r.sharedMu.Unlock()
	for k := range r.shared {
		if strings.HasPrefix(k, prefix) {
			delete(r.shared, k)
		}
	}
}

// DropShared retires shared keys on the rank's runner; see Runner.DropShared.
func (c *Comm) DropShared(prefix string) { c.runner.DropShared(prefix) }

// Run executes body once per rank, each on its own goroutine, and waits for
// all of them. Per-rank errors are collected; the lowest-rank error is
// returned so the result is deterministic. The dof protocols report fatal
// conditions collectively (every rank sees them), so an erroring rank does
// not strand the others at a barrier.
func (r *Runner) Run(body func(c *Comm) error) error {
	var wg sync.WaitGroup
	errs := make([]error, r.NP)
	for n := 0; n < r.NP; n++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = body(&Comm{runner: r, rank: rank})
		}(n)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Comm is one rank's handle on the group. Every collective must be entered
// by all NP ranks; the dof protocols call CheckParticipants first so a
// mismatched entry fails fast instead of deadlocking.
type Comm struct {
	runner *Runner
	rank   int
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.runner.NP }

func (c *Comm) Barrier() { c.runner.barrier.Wait() }

// AllGatherInt64 returns every rank's contribution, indexed by rank.
func (c *Comm) AllGatherInt64(v int64) []int64 {
	r := c.runner
	r.slotsI[c.rank] = v
	c.Barrier()
	out := make([]int64, r.NP)
	copy(out, r.slotsI)
	c.Barrier()
	return out
}

// ExclusiveScanInt64 performs the exclusive-prefix-sum collective used for
// global numbering: the result has length NP+1, result[rank] is the sum of
// all lower ranks' contributions and result[NP] the global total.
func (c *Comm) ExclusiveScanInt64(v int64) []int64 {
	all := c.AllGatherInt64(v)
	offsets := make([]int64, c.Size()+1)
	for n, vn := range all {
		offsets[n+1] = offsets[n] + vn
	}
	return offsets
}

// AllGatherFloat64Slice returns a copy of every rank's slice, indexed by
// rank. Slices may have different lengths.
func (c *Comm) AllGatherFloat64Slice(v []float64) [][]float64 {
	r := c.runner
	r.slotsF[c.rank] = v
	c.Barrier()
	out := make([][]float64, r.NP)
	for n := range out {
		out[n] = append([]float64(nil), r.slotsF[n]...)
	}
	c.Barrier()
	return out
}

// AllReduceAnd returns the logical AND of every rank's flag. This is the
// all-processes-idle termination test of the row propagation protocol.
func (c *Comm) AllReduceAnd(v bool) bool {
	r := c.runner
	r.slotsB[c.rank] = v
	c.Barrier()
	out := true
	for _, b := range r.slotsB {
		out = out && b
	}
	c.Barrier()
	return out
}

// AllReduceOr returns the logical OR of every rank's flag.
func (c *Comm) AllReduceOr(v bool) bool {
	return !c.AllReduceAnd(!v)
}

// AllReduceMaxInt64 returns the maximum over all ranks.
func (c *Comm) AllReduceMaxInt64(v int64) int64 {
	all := c.AllGatherInt64(v)
	out := all[0]
	for _, vn := range all[1:] {
		if vn > out {
			out = vn
		}
	}
	return out
}

// AllReduceSumInt64 returns the sum over all ranks.
func (c *Comm) AllReduceSumInt64(v int64) int64 {
	var out int64
	for _, vn := range c.AllGatherInt64(v) {
		out += vn
	}
	return out
}

// CheckParticipants verifies that every rank entered a build with the same
// view of the participant count. A mismatch is a programming error in the
// caller and is reported on every rank.
func (c *Comm) CheckParticipants(nRanks int) error {
	lo := -c.AllReduceMaxInt64(int64(-nRanks))
	hi := c.AllReduceMaxInt64(int64(nRanks))
	if lo != hi || int(hi) != c.Size() {
		return fmt.Errorf("collective mismatch: rank %d sees %d participants, group has %d",
			c.rank, nRanks, c.Size())
	}
	return nil
}
