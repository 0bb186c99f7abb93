package cgroups

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"
)

func tempRoot(t *testing.T) *Cgroup {
	t.Helper()
	root, err := Open(t.TempDir())
	require.NoError(t, err)
	return root
}

func TestCreateAndRemove(t *testing.T) {
	root := tempRoot(t)

	cg, err := Create(root, "part")
	require.NoError(t, err)
	assert.DirExists(t, cg.Path())

	_, err = Create(root, "part")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, cg.Remove())
	assert.NoDirExists(t, cg.Path())
	require.NoError(t, cg.Remove(), "second remove is a no-op")

	// 通过 Open 打开的 cgroup 不会被删除
	require.NoError(t, root.Remove())
	assert.DirExists(t, root.Path())
}

func TestAddProcessAndProcs(t *testing.T) {
	root := tempRoot(t)
	cg, err := Create(root, "proc")
	require.NoError(t, err)

	require.NoError(t, cg.AddProcess(42))
	pids, err := cg.Procs()
	require.NoError(t, err)
	assert.Equal(t, []int{42}, pids)

	require.NoError(t, os.WriteFile(cg.File("cgroup.procs"), []byte("1\n2\n\n3\n"), 0644))
	pids, err = cg.Procs()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, pids)

	require.NoError(t, os.WriteFile(cg.File("cgroup.procs"), []byte("x\n"), 0644))
	_, err = cg.Procs()
	assert.Error(t, err)
}

func TestFreezerState(t *testing.T) {
	root := tempRoot(t)
	f, err := NewFreezer(root, "frz")
	require.NoError(t, err)

	require.NoError(t, f.Freeze())
	content, err := os.ReadFile(f.File("freezer.state"))
	require.NoError(t, err)
	assert.Equal(t, Frozen, string(content))

	require.NoError(t, f.Thaw())
	content, err = os.ReadFile(f.File("freezer.state"))
	require.NoError(t, err)
	assert.Equal(t, Thawed, string(content))

	// 空 cgroup 上 KillAll 只是冻结再解冻
	require.NoError(t, os.WriteFile(f.File("cgroup.procs"), nil, 0644))
	require.NoError(t, f.KillAll())

	// cgroupfs 中控制文件随目录一起消失，临时目录中需要手动删除
	require.NoError(t, os.Remove(f.File("freezer.state")))
	require.NoError(t, os.Remove(f.File("cgroup.procs")))
	require.NoError(t, f.Close())
	assert.NoDirExists(t, f.Path())
}

func TestCpusetInheritAndSet(t *testing.T) {
	root := tempRoot(t)
	require.NoError(t, os.WriteFile(root.File("cpuset.cpus"), []byte("0-3\n"), 0644))
	require.NoError(t, os.WriteFile(root.File("cpuset.mems"), []byte("0\n"), 0644))

	c, err := NewCpuset(root, "part")
	require.NoError(t, err)
	assert.True(t, c.CPUs().Equals(cpuset.New(0, 1, 2, 3)))

	require.NoError(t, c.SetCPUs(cpuset.New(1, 2)))
	content, err := os.ReadFile(c.File("cpuset.cpus"))
	require.NoError(t, err)
	assert.Equal(t, "1-2", string(content))

	// 集合没有变化时不写入
	require.NoError(t, os.WriteFile(c.File("cpuset.cpus"), []byte("marker"), 0644))
	require.NoError(t, c.SetCPUs(cpuset.New(2, 1)))
	content, err = os.ReadFile(c.File("cpuset.cpus"))
	require.NoError(t, err)
	assert.Equal(t, "marker", string(content))
}

func TestCpusetWithoutParentValues(t *testing.T) {
	root := tempRoot(t)
	_, err := NewCpuset(root, "part")
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(root.Path(), "part"))
}

func TestEventsPopulated(t *testing.T) {
	root := tempRoot(t)
	ev, err := NewEvents(root, "ev")
	require.NoError(t, err)

	_, err = ev.Populated()
	require.Error(t, err)

	require.NoError(t, os.WriteFile(ev.EventsFile(), []byte("populated 1\nfrozen 0\n"), 0644))
	populated, err := ev.Populated()
	require.NoError(t, err)
	assert.True(t, populated)

	require.NoError(t, os.WriteFile(ev.EventsFile(), []byte("populated 0\nfrozen 0\n"), 0644))
	populated, err = ev.Populated()
	require.NoError(t, err)
	assert.False(t, populated)

	require.NoError(t, os.WriteFile(ev.EventsFile(), []byte("frozen 0\n"), 0644))
	_, err = ev.Populated()
	assert.Error(t, err)
}

// chanPoster 把回调交给测试 goroutine 执行，模拟事件循环
type chanPoster chan func()

func (c chanPoster) Post(fn func()) { c <- fn }

func TestWatcherReportsChanges(t *testing.T) {
	root := tempRoot(t)
	ev, err := NewEvents(root, "ev")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ev.EventsFile(), []byte("populated 1\n"), 0644))

	post := make(chanPoster, 16)
	w, err := NewWatcher(post)
	require.NoError(t, err)
	defer w.Close()

	var seen []bool
	require.NoError(t, w.Watch(ev, func(populated bool) { seen = append(seen, populated) }))

	wait := func(cond func() bool) {
		deadline := time.After(5 * time.Second)
		for !cond() {
			select {
			case fn := <-post:
				fn()
			case <-deadline:
				t.Fatalf("timed out, seen %v", seen)
			}
		}
	}
	wait(func() bool { return len(seen) >= 1 })
	assert.Equal(t, []bool{true}, seen)

	require.NoError(t, os.WriteFile(ev.EventsFile(), []byte("populated 0\n"), 0644))
	wait(func() bool { return len(seen) >= 2 })
	assert.Equal(t, []bool{true, false}, seen)

	w.Unwatch(ev)
	require.NoError(t, os.WriteFile(ev.EventsFile(), []byte("populated 1\n"), 0644))
	time.Sleep(50 * time.Millisecond)
	for len(post) > 0 {
		(<-post)()
	}
	assert.Equal(t, []bool{true, false}, seen)
}
