package scheduler

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	"go-demos/loop"
)

var epoch = time.Unix(1700000000, 0)

type fakeBackend struct {
	loop     *loop.Loop
	parts    map[string]*fakePartition
	autoExit bool
	nextPid  int
	// onSpawn 在每个进程启动时调用
	onSpawn func(name string)
}

func newFakeBackend(l *loop.Loop) *fakeBackend {
	return &fakeBackend{loop: l, parts: make(map[string]*fakePartition), autoExit: true, nextPid: 100}
}

func (b *fakeBackend) NewPartition(name string) (PartitionRuntime, error) {
	pt := &fakePartition{name: name, backend: b, procs: make(map[string]*fakeProc)}
	b.parts[name] = pt
	return pt, nil
}

type fakePartition struct {
	name    string
	backend *fakeBackend
	cpus    cpuset.CPUSet
	setCPUs int
	procs   map[string]*fakeProc
	closed  bool
}

func (pt *fakePartition) SetCPUs(cpus cpuset.CPUSet) error {
	pt.cpus = cpus
	pt.setCPUs++
	return nil
}

func (pt *fakePartition) NewProcess(name string, hooks ProcessHooks) (ProcessRuntime, error) {
	p := &fakeProc{name: name, hooks: hooks, backend: pt.backend}
	pt.procs[name] = p
	return p, nil
}

func (pt *fakePartition) Close() error {
	pt.closed = true
	return nil
}

type fakeProc struct {
	name    string
	hooks   ProcessHooks
	backend *fakeBackend

	pid      int
	spawned  bool
	frozen   bool
	killed   bool
	exited   bool
	closed   bool
	thaws    int
	releases int
	// completion 模拟 completed_fd 中尚未被读取的计数
	completion bool
}

func (p *fakeProc) Spawn(cmd, dir string) (int, error) {
	p.spawned = true
	p.frozen = true
	p.backend.nextPid++
	p.pid = p.backend.nextPid
	if p.backend.onSpawn != nil {
		p.backend.onSpawn(p.name)
	}
	return p.pid, nil
}

func (p *fakeProc) Freeze() error {
	p.frozen = true
	return nil
}

func (p *fakeProc) Thaw() error {
	p.frozen = false
	p.thaws++
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed = true
	if p.backend.autoExit {
		p.exit()
	}
	return nil
}

func (p *fakeProc) Release() error {
	p.releases++
	return nil
}

func (p *fakeProc) TakeCompletion() (bool, error) {
	v := p.completion
	p.completion = false
	return v, nil
}

func (p *fakeProc) Close() error {
	p.closed = true
	return nil
}

// complete 模拟进程调用 demos_completed：写 completed_fd 并由轮询 goroutine 通知循环
func (p *fakeProc) complete() {
	p.completion = true
	p.backend.loop.Post(p.hooks.CompletionReady)
}

// exit 模拟进程退出后 cgroup.events 变为 populated 0
func (p *fakeProc) exit() {
	p.backend.loop.Post(func() {
		if p.exited {
			return
		}
		p.exited = true
		p.hooks.Populated(false)
	})
}

type recorder struct {
	events []Event
}

func (r *recorder) Handle(ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds(kinds ...EventKind) []Event {
	var out []Event
	for _, ev := range r.events {
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// offsets 返回某个进程指定事件相对 epoch 的时间
func (r *recorder) offsets(kind EventKind, process string) []time.Duration {
	var out []time.Duration
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Process != nil && ev.Process.Name() == process {
			out = append(out, ev.Time.Sub(epoch))
		}
	}
	return out
}

func (r *recorder) sequence(kind EventKind) []string {
	var out []string
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Process != nil {
			out = append(out, ev.Process.Name())
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	clk     *loop.FakeClock
	loop    *loop.Loop
	backend *fakeBackend
	rec     *recorder
	sched   *Scheduler
}

func newHarness(t *testing.T, desc Description, policy PowerPolicy, opts Options) *harness {
	t.Helper()
	clk := loop.NewFakeClock(epoch)
	l := loop.New(clk)
	b := newFakeBackend(l)
	rec := &recorder{}
	d := NewDispatcher(l, policy, rec)
	s, err := Build(l, d, b, desc, rand.New(rand.NewPCG(1, 2)), opts)
	require.NoError(t, err)
	require.NoError(t, s.Setup(context.Background()))
	return &harness{t: t, clk: clk, loop: l, backend: b, rec: rec, sched: s}
}

func (h *harness) start() {
	h.sched.Start()
	h.loop.Drain()
}

func (h *harness) advance(d time.Duration) {
	h.clk.Step(h.loop, d)
}

func (h *harness) proc(partition, name string) *fakeProc {
	h.t.Helper()
	pt, ok := h.backend.parts[partition]
	require.True(h.t, ok, "partition %s", partition)
	p, ok := pt.procs[name]
	require.True(h.t, ok, "process %s", name)
	return p
}

func (h *harness) elapsed() time.Duration {
	return h.clk.Now().Sub(epoch)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func proc(name string, budget time.Duration) ProcessSpec {
	return ProcessSpec{Name: name, Cmd: "true", Budget: budget}
}

func durations(ns ...int) []time.Duration {
	out := make([]time.Duration, len(ns))
	for i, n := range ns {
		out[i] = ms(n)
	}
	return out
}
