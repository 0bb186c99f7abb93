package scheduler

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	"go-demos/loop"
)

func newTestPartition(t *testing.T, n int) (*Partition, *fakePartition) {
	t.Helper()
	l := loop.New(loop.NewFakeClock(epoch))
	b := newFakeBackend(l)
	rt, err := b.NewPartition("p")
	require.NoError(t, err)
	pt := NewPartition(l, NewDispatcher(l, nil), "p", rt)
	for i := 0; i < n; i++ {
		_, err := pt.AddProcess(ProcessSpec{Name: string(rune('a' + i)), Budget: time.Millisecond}, nil)
		require.NoError(t, err)
	}
	return pt, rt.(*fakePartition)
}

func TestSeekPendingProcessProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("seek returns the first pending process from the cursor and moves past it", prop.ForAll(
		func(n int, running, completed uint8, cursor int) bool {
			pt, _ := newTestPartition(t, n)
			for i, p := range pt.procs {
				p.running = running&(1<<i) != 0
				p.completed = completed&(1<<i) != 0
			}
			start := cursor % n
			pt.cursor = start

			got := pt.SeekPendingProcess()

			var want *Process
			for i := 0; i < n; i++ {
				p := pt.procs[(start+i)%n]
				if p.running && !p.completed {
					want = p
					break
				}
			}
			if want == nil {
				return got == nil && pt.completed && pt.cursor == start
			}
			return got == want && !pt.completed && pt.procs[(pt.cursor+n-1)%n] == want
		},
		gen.IntRange(1, 8),
		gen.UInt8(),
		gen.UInt8(),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}

func TestResetClearsCompletion(t *testing.T) {
	pt, rt := newTestPartition(t, 3)
	for _, p := range pt.procs {
		p.running = true
		p.completed = true
	}
	pt.cursor = 2
	pt.completed = true

	require.NoError(t, pt.Reset(false, cpuset.New(1, 2), nil))
	assert.False(t, pt.Completed())
	for _, p := range pt.procs {
		assert.False(t, p.Completed())
	}
	assert.Equal(t, 2, pt.cursor)
	assert.Equal(t, cpuset.New(1, 2), rt.cpus)

	require.NoError(t, pt.Reset(true, cpuset.New(1, 2), nil))
	assert.Equal(t, 0, pt.cursor)
	assert.Equal(t, 1, rt.setCPUs, "unchanged cpu set is not written again")

	require.NoError(t, pt.Reset(true, cpuset.New(), nil))
	assert.Equal(t, cpuset.New(1, 2), pt.CPUs(), "empty cpu set keeps the previous one")
}

func TestEmptyCallbackFiresOnTransition(t *testing.T) {
	pt, rt := newTestPartition(t, 2)
	require.NoError(t, pt.Exec(context.Background()))
	assert.False(t, pt.IsEmpty())

	fired := 0
	pt.AddEmptyCallback(func() { fired++ })

	rt.procs["a"].exit()
	pt.loop.Drain()
	assert.Equal(t, 0, fired)

	rt.procs["b"].exit()
	pt.loop.Drain()
	assert.Equal(t, 1, fired)
	assert.True(t, pt.IsEmpty())
}

func TestRecomputeBudgetStaysInRange(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 11))
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("actual budget is within budget ± jitter/2", prop.ForAll(
		func(budget int64, ratio float64) bool {
			b := time.Duration(budget)
			j := time.Duration(float64(budget) * ratio)
			p := newProcess(&Partition{name: "p"}, ProcessSpec{Name: "x", Budget: b, Jitter: j}, rnd)
			for i := 0; i < 10; i++ {
				p.RecomputeBudget()
				got := p.ActualBudget()
				if got < b-j/2 || got > b+j/2 || got < 0 {
					return false
				}
			}
			return true
		},
		gen.Int64Range(int64(time.Microsecond), int64(time.Second)),
		gen.Float64Range(0, 2),
	))

	properties.TestingRun(t)
}

func TestRecomputeBudgetWithoutJitter(t *testing.T) {
	p := newProcess(&Partition{name: "p"}, ProcessSpec{Name: "x", Budget: 7 * time.Millisecond}, nil)
	p.RecomputeBudget()
	assert.Equal(t, 7*time.Millisecond, p.ActualBudget())
}
