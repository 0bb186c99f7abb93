package power

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	"go-demos/loop"
	"go-demos/scheduler"
)

const mhz = 1_000_000

type fakeCluster struct {
	name      string
	cpus      cpuset.CPUSet
	available []uint64
	writes    []uint64
}

func newCluster(name string, cpus cpuset.CPUSet) *fakeCluster {
	return &fakeCluster{name: name, cpus: cpus, available: []uint64{600 * mhz, 900 * mhz, 1200 * mhz}}
}

func (c *fakeCluster) Name() string         { return c.name }
func (c *fakeCluster) CPUs() cpuset.CPUSet  { return c.cpus }
func (c *fakeCluster) MinFrequency() uint64 { return c.available[0] }
func (c *fakeCluster) MaxFrequency() uint64 { return c.available[len(c.available)-1] }

func (c *fakeCluster) Validate(freq uint64) error {
	for _, f := range c.available {
		if f == freq {
			return nil
		}
	}
	return errors.Errorf("frequency %d not available on %s", freq, c.name)
}

func (c *fakeCluster) SetFrequency(freq uint64) error {
	if err := c.Validate(freq); err != nil {
		return err
	}
	c.writes = append(c.writes, freq)
	return nil
}

func (c *fakeCluster) last() uint64 {
	if len(c.writes) == 0 {
		return 0
	}
	return c.writes[len(c.writes)-1]
}

// 调度表只用于策略的校验和事件，不会真正启动进程
type stubBackend struct{}
type stubPartition struct{}
type stubProcess struct{}

func (stubBackend) NewPartition(string) (scheduler.PartitionRuntime, error) {
	return stubPartition{}, nil
}
func (stubPartition) SetCPUs(cpuset.CPUSet) error { return nil }
func (stubPartition) NewProcess(string, scheduler.ProcessHooks) (scheduler.ProcessRuntime, error) {
	return stubProcess{}, nil
}
func (stubPartition) Close() error                    { return nil }
func (stubProcess) Spawn(string, string) (int, error) { return 1, nil }
func (stubProcess) Freeze() error                     { return nil }
func (stubProcess) Thaw() error                       { return nil }
func (stubProcess) Kill() error                       { return nil }
func (stubProcess) Release() error                    { return nil }
func (stubProcess) TakeCompletion() (bool, error)     { return false, nil }
func (stubProcess) Close() error                      { return nil }

func build(t *testing.T, desc scheduler.Description) *scheduler.Scheduler {
	t.Helper()
	l := loop.New(loop.NewFakeClock(time.Unix(0, 0)))
	d := scheduler.NewDispatcher(l, scheduler.NopPolicy{})
	s, err := scheduler.Build(l, d, stubBackend{}, desc, rand.New(rand.NewPCG(1, 2)), scheduler.Options{})
	require.NoError(t, err)
	return s
}

func twoSliceDesc(f1, f2 uint64) scheduler.Description {
	return scheduler.Description{
		Partitions: []scheduler.PartitionDesc{
			{Name: "a", Processes: []scheduler.ProcessSpec{{Name: "a0", Cmd: "true", Budget: time.Millisecond}}},
			{Name: "b", Processes: []scheduler.ProcessSpec{{Name: "b0", Cmd: "true", Budget: time.Millisecond}}},
		},
		Windows: []scheduler.WindowDesc{{
			Length: 10 * time.Millisecond,
			Slices: []scheduler.SliceDesc{
				{SC: "a", CPUs: cpuset.New(0), Frequency: f1},
				{SC: "b", CPUs: cpuset.New(1), Frequency: f2},
			},
		}},
	}
}

func TestFixedPolicies(t *testing.T) {
	c := newCluster("policy0", cpuset.New(0, 1))

	_, err := NewLow([]Cluster{c})
	require.NoError(t, err)
	assert.Equal(t, uint64(600*mhz), c.last())

	_, err = NewHigh([]Cluster{c})
	require.NoError(t, err)
	assert.Equal(t, uint64(1200*mhz), c.last())
}

func TestMinBE(t *testing.T) {
	c := newCluster("policy0", cpuset.New(0, 1))
	p, err := NewMinBE([]Cluster{c})
	require.NoError(t, err)
	assert.Equal(t, uint64(1200*mhz), c.last(), "initialisation runs at the maximum frequency")

	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.BEStart}))
	assert.Equal(t, uint64(600*mhz), c.last())
	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.SCStart}))
	assert.Equal(t, uint64(1200*mhz), c.last())
	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.WindowEnd}))
	assert.Len(t, c.writes, 3)
}

// 两个切片共享一个集群并请求不同的频率，启动前的校验必须失败
func TestPerSliceConflictRejectedBeforeSpawn(t *testing.T) {
	c := newCluster("policy0", cpuset.New(0, 1))
	p, err := NewPerSlice([]Cluster{c})
	require.NoError(t, err)

	s := build(t, twoSliceDesc(600*mhz, 900*mhz))
	err = p.Validate(s.Windows())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduled slices require different frequencies on the CPU(s) 0-1")
	assert.Empty(t, c.writes)
}

func TestPerSliceSeparateClusters(t *testing.T) {
	c0 := newCluster("policy0", cpuset.New(0))
	c1 := newCluster("policy1", cpuset.New(1))
	p, err := NewPerSlice([]Cluster{c0, c1})
	require.NoError(t, err)

	s := build(t, twoSliceDesc(600*mhz, 900*mhz))
	require.NoError(t, p.Validate(s.Windows()))

	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.WindowStart, Window: s.Windows()[0]}))
	assert.Equal(t, uint64(600*mhz), c0.last())
	assert.Equal(t, uint64(900*mhz), c1.last())
}

func TestPerSliceUnavailableFrequency(t *testing.T) {
	c := newCluster("policy0", cpuset.New(0, 1))
	p, err := NewPerSlice([]Cluster{c})
	require.NoError(t, err)

	s := build(t, twoSliceDesc(700*mhz, 0))
	assert.Error(t, p.Validate(s.Windows()))
}

func TestPerProcessConflict(t *testing.T) {
	c := newCluster("policy0", cpuset.New(0, 1))
	p, err := NewPerProcess([]Cluster{c})
	require.NoError(t, err)

	desc := twoSliceDesc(0, 0)
	desc.Partitions[0].Processes[0].Frequency = 600 * mhz
	desc.Partitions[1].Processes[0].Frequency = 900 * mhz
	s := build(t, desc)
	require.NoError(t, p.Validate(s.Windows()))

	w := s.Windows()[0]
	a := s.Partitions()[0].Processes()[0]
	b := s.Partitions()[1].Processes()[0]

	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.ProcessStart, Window: w, Slice: w.Slices[0], Process: a}))
	assert.Equal(t, uint64(600*mhz), c.last())

	err = p.Handle(scheduler.Event{Kind: scheduler.ProcessStart, Window: w, Slice: w.Slices[1], Process: b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduled processes require different frequencies")

	// a 结束之后 b 可以运行
	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.ProcessEnd, Window: w, Slice: w.Slices[0], Process: a}))
	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.ProcessStart, Window: w, Slice: w.Slices[1], Process: b}))
	assert.Equal(t, uint64(900*mhz), c.last())
}

func TestNewByName(t *testing.T) {
	p, err := New("", "")
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())
	require.NoError(t, p.Close())

	p, err = New("NONE", "")
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())

	_, err = New("turbo", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown power policy")

	_, err = New("low:1", t.TempDir())
	assert.Error(t, err)

	// 没有 cpufreq 时除 none 以外的策略都无法创建
	_, err = New("high", t.TempDir())
	assert.Error(t, err)
}
