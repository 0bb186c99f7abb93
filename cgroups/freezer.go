package cgroups

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	Frozen = "FROZEN"
	Thawed = "THAWED"
)

// Freezer 是 cgroup v1 freezer 的句柄。freezer.state 在创建时打开并一直保持，
// 每次冻结/解冻只需要一次 pwrite。
type Freezer struct {
	*Cgroup
	state *os.File
}

// NewFreezer 在 parent 下创建 freezer cgroup
func NewFreezer(parent *Cgroup, name string) (*Freezer, error) {
	cg, err := Create(parent, name)
	if err != nil {
		return nil, err
	}
	state, err := os.OpenFile(cg.File("freezer.state"), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		cg.Remove()
		return nil, fmt.Errorf("open freezer.state in %s: %v", cg.path, err)
	}
	return &Freezer{Cgroup: cg, state: state}, nil
}

// Freeze 冻结 cgroup 中的所有进程
func (f *Freezer) Freeze() error {
	return f.setState(Frozen)
}

// Thaw 解冻 cgroup 中的所有进程
func (f *Freezer) Thaw() error {
	return f.setState(Thawed)
}

func (f *Freezer) setState(state string) error {
	if _, err := f.state.WriteAt([]byte(state), 0); err != nil {
		return fmt.Errorf("write %s to %s: %v", state, f.state.Name(), err)
	}
	return nil
}

// KillAll 向 cgroup 中的所有进程发送 SIGKILL。
// 先冻结再发送信号，避免进程在此期间 fork 出新的进程，最后解冻让信号被处理。
func (f *Freezer) KillAll() error {
	if err := f.Freeze(); err != nil {
		return err
	}
	pids, err := f.Procs()
	if err != nil {
		return fmt.Errorf("list processes in %s: %v", f.path, err)
	}
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			log.Warnf("kill process %d error %v", pid, err)
		}
	}
	return f.Thaw()
}

// Close 关闭 freezer.state 并删除 cgroup
func (f *Freezer) Close() error {
	if f.state != nil {
		f.state.Close()
		f.state = nil
	}
	return f.Remove()
}
