package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"

	"go-demos/config"
	"go-demos/container"
	"go-demos/scheduler"
)

// useInfoDir 把实例信息目录指向临时目录
func useInfoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := container.DefaultInfoLocation
	container.DefaultInfoLocation = dir + "/%s/"
	t.Cleanup(func() { container.DefaultInfoLocation = old })
	return dir
}

func TestSyncPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &syncPrinter{out: &buf, window: "win", majorFrame: "mf"}
	for _, kind := range []scheduler.EventKind{
		scheduler.MajorFrameStart, scheduler.WindowStart, scheduler.SCStart,
		scheduler.WindowEnd, scheduler.WindowStart,
	} {
		require.NoError(t, p.Handle(scheduler.Event{Kind: kind}))
	}
	assert.Equal(t, "mf\nwin\nwin\n", buf.String())

	buf.Reset()
	p = &syncPrinter{out: &buf, majorFrame: "mf"}
	require.NoError(t, p.Handle(scheduler.Event{Kind: scheduler.WindowStart}))
	assert.Empty(t, buf.String())
}

func TestSchedulerCPUs(t *testing.T) {
	desc := scheduler.Description{Windows: []scheduler.WindowDesc{
		{Slices: []scheduler.SliceDesc{{CPUs: cpuset.New(0, 1)}}},
		{Slices: []scheduler.SliceDesc{{CPUs: cpuset.New(2)}}},
	}}
	assert.Equal(t, "3", schedulerCPUs(cpuset.New(0, 1, 2, 3), desc).String())
	// 所有 CPU 都被切片使用时，调度器可以运行在任意一个上
	assert.Equal(t, "0-2", schedulerCPUs(cpuset.New(0, 1, 2), desc).String())
}

func TestFromUnixSet(t *testing.T) {
	var set unix.CPUSet
	set.Set(1)
	set.Set(2)
	set.Set(70)
	assert.Equal(t, "1-2,70", fromUnixSet(&set).String())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("windows: [{length: 10, sc_processes: ./file}]\n"), 0o644))

	cfg, err := loadConfig(path, "windows: [{length: 10, sc_processes: ./inline}]")
	require.NoError(t, err)
	assert.Equal(t, "./file", cfg.Partitions[0].Processes[0].Cmd)

	cfg, err = loadConfig("", "windows: [{length: 10, sc_processes: ./inline}]")
	require.NoError(t, err)
	assert.Equal(t, "./inline", cfg.Partitions[0].Processes[0].Cmd)

	_, err = loadConfig("", "")
	assert.Error(t, err)
}

func TestWritePlan(t *testing.T) {
	cfg, err := config.Parse([]byte(`
partitions:
  - {name: SC1, processes: [{cmd: ./a, budget: 30}, {cmd: ./b, budget: 30}]}
  - {name: BE1, cmd: ./c, budget: 10}
windows:
  - length: 50
    slices:
      - {cpu: 0, sc_partition: SC1, be_partition: BE1, frequency: 1200}
  - length: 100
    be_partition: BE1
`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writePlan(&buf, cfg, cpuset.New(0, 1), false))
	out := buf.String()
	assert.Contains(t, out, "name: SC1")
	assert.Contains(t, out, "WINDOW")
	assert.Contains(t, out, "1200 MHz")
	assert.Contains(t, out, "major frame length: 150ms")
	assert.Contains(t, out, "warning: window 0: SC partition SC1 needs 60ms")

	buf.Reset()
	require.NoError(t, writePlan(&buf, cfg, cpuset.New(0, 1), true))
	assert.NotContains(t, buf.String(), "WINDOW")
}

func TestInstanceInfoLifecycle(t *testing.T) {
	useInfoDir(t)
	opts := runOptions{CgroupName: "demos-test", ConfigFile: "schedule.yaml"}
	require.NoError(t, recordInstanceInfo(1234, opts))

	info, err := getInstanceInfoByName("demos-test")
	require.NoError(t, err)
	assert.Equal(t, "1234", info.Pid)
	assert.Equal(t, "none", info.Policy)
	assert.True(t, filepath.IsAbs(info.Config))
	assert.Equal(t, container.RUNNING, info.Status)
	_, err = time.Parse("2006-01-02 15:04:05", info.CreatedTime)
	assert.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, listInstances(&buf))
	assert.Contains(t, buf.String(), "demos-test")
	assert.Contains(t, buf.String(), "1234")

	deleteInstanceInfo("demos-test")
	_, err = getInstanceInfoByName("demos-test")
	assert.Error(t, err)
}

func TestListWithoutInstances(t *testing.T) {
	dir := useInfoDir(t)
	container.DefaultInfoLocation = filepath.Join(dir, "missing") + "/%s/"
	var buf bytes.Buffer
	require.NoError(t, listInstances(&buf))
	assert.Contains(t, buf.String(), "NAME")
}

func TestStopRemovesStaleInstance(t *testing.T) {
	dir := useInfoDir(t)
	info := container.InstanceInfo{Pid: "99999999", Name: "stale", Status: container.RUNNING}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "stale"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale", container.ConfigName), data, 0o644))

	require.NoError(t, stopInstance("stale"))
	assert.NoDirExists(t, filepath.Join(dir, "stale"))

	assert.Error(t, stopInstance("missing"))
}
