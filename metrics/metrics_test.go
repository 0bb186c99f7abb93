package metrics

import (
	"io"
	"math/rand/v2"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	"go-demos/loop"
	"go-demos/scheduler"
)

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

func schedule(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	l := loop.New(loop.NewFakeClock(time.Unix(0, 0)))
	d := scheduler.NewDispatcher(l, nil)
	s, err := scheduler.Build(l, d, stubBackend{}, scheduler.Description{
		Partitions: []scheduler.PartitionDesc{
			{Name: "SC1", Processes: []scheduler.ProcessSpec{{Name: "proc0", Cmd: "true", Budget: time.Millisecond}}},
		},
		Windows: []scheduler.WindowDesc{{
			Length: 10 * time.Millisecond,
			Slices: []scheduler.SliceDesc{{SC: "SC1", CPUs: cpuset.New(0)}},
		}},
	}, rand.New(rand.NewPCG(1, 2)), scheduler.Options{})
	require.NoError(t, err)
	return s
}

func TestCollectorCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	s := schedule(t)
	w := s.Windows()[0]
	pt := s.Partitions()[0]
	p := pt.Processes()[0]

	events := []scheduler.Event{
		{Kind: scheduler.MajorFrameStart},
		{Kind: scheduler.WindowStart, Window: w},
		{Kind: scheduler.ProcessStart, Window: w, Slice: w.Slices[0], Process: p, Partition: pt},
		{Kind: scheduler.ProcessEnd, Window: w, Slice: w.Slices[0], Process: p, Partition: pt, Reason: scheduler.ReasonBudget},
		{Kind: scheduler.ProcessStart, Window: w, Slice: w.Slices[0], Process: p, Partition: pt},
		{Kind: scheduler.ProcessEnd, Window: w, Slice: w.Slices[0], Process: p, Partition: pt, Reason: scheduler.ReasonCompleted},
		{Kind: scheduler.StaleCompletion, Process: p, Partition: pt},
		{Kind: scheduler.WindowEnd, Window: w},
		{Kind: scheduler.PartitionEmpty, Partition: pt},
	}
	for _, ev := range events {
		require.NoError(t, c.Handle(ev))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.frames))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.windows.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activations.WithLabelValues("SC1", "proc0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completions.WithLabelValues("SC1", "proc0", "budget")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completions.WithLabelValues("SC1", "proc0", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stale))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.empty))
}

func TestCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	require.NoError(t, c.Handle(scheduler.Event{Kind: scheduler.MajorFrameStart}))

	srv, err := Serve("127.0.0.1:0", reg)
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "demos_major_frames_total 1")
}
