package container

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"go-demos/cgroups"
	"go-demos/scheduler"
)

// completionPollInterval 是完成通知轮询 goroutine 检查停止信号的间隔
const completionPollInterval = 100 * time.Millisecond

// Backend 用 cgroup 和 eventfd 实现 scheduler.Backend。
// 分区和进程的 cgroup 分别创建在顶层 freezer、cpuset 和 unified cgroup 之下。
type Backend struct {
	post    cgroups.Poster
	freezer *cgroups.Cgroup
	cpuset  *cgroups.Cgroup
	unified *cgroups.Cgroup
	watcher *cgroups.Watcher

	// Stdout、Stderr 是受管进程的输出
	Stdout io.Writer
	Stderr io.Writer
}

// NewBackend 使用 CgroupManager 创建好的顶层 cgroup 创建后端，
// post 把 cgroup 事件和完成通知投递到事件循环
func NewBackend(post cgroups.Poster, mgr *cgroups.CgroupManager) (*Backend, error) {
	if mgr.Freezer() == nil || mgr.Cpuset() == nil || mgr.Unified() == nil {
		return nil, fmt.Errorf("top-level cgroups of %s are not created", mgr.Name)
	}
	watcher, err := cgroups.NewWatcher(post)
	if err != nil {
		return nil, fmt.Errorf("create cgroup events watcher: %v", err)
	}
	return &Backend{
		post:    post,
		freezer: mgr.Freezer(),
		cpuset:  mgr.Cpuset(),
		unified: mgr.Unified(),
		watcher: watcher,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}, nil
}

// Close 停止 cgroup 事件监视
func (b *Backend) Close() error {
	return b.watcher.Close()
}

// NewPartition 创建分区的 freezer、cpuset 和 events cgroup
func (b *Backend) NewPartition(name string) (scheduler.PartitionRuntime, error) {
	pr := &partitionRuntime{backend: b, name: name}
	var err error
	if pr.freezer, err = cgroups.Create(b.freezer, name); err != nil {
		return nil, err
	}
	if pr.cpuset, err = cgroups.NewCpuset(b.cpuset, name); err != nil {
		pr.Close()
		return nil, err
	}
	if pr.events, err = cgroups.Create(b.unified, name); err != nil {
		pr.Close()
		return nil, err
	}
	return pr, nil
}

type partitionRuntime struct {
	backend *Backend
	name    string
	freezer *cgroups.Cgroup
	cpuset  *cgroups.Cpuset
	events  *cgroups.Cgroup
}

func (pr *partitionRuntime) SetCPUs(cpus cpuset.CPUSet) error {
	return pr.cpuset.SetCPUs(cpus)
}

// NewProcess 创建进程的 freezer 和 events cgroup 以及两个 eventfd，进程此时还没有启动
func (pr *partitionRuntime) NewProcess(name string, hooks scheduler.ProcessHooks) (scheduler.ProcessRuntime, error) {
	p := &processRuntime{
		part:  pr,
		name:  name,
		hooks: hooks,
		log:   log.WithFields(log.Fields{"partition": pr.name, "process": name}),
		stop:  make(chan struct{}),
	}
	var err error
	if p.freezer, err = cgroups.NewFreezer(pr.freezer, name); err != nil {
		return nil, err
	}
	if p.events, err = cgroups.NewEvents(pr.events, name); err != nil {
		p.Close()
		return nil, err
	}
	if p.completed, err = NewEventFd("completed"); err != nil {
		p.Close()
		return nil, err
	}
	if p.newPeriod, err = NewEventFd("new_period"); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Close 删除分区的 cgroup，此时分区中的进程 cgroup 必须已经删除
func (pr *partitionRuntime) Close() error {
	var errs []error
	if pr.events != nil {
		errs = append(errs, pr.events.Remove())
	}
	if pr.cpuset != nil {
		errs = append(errs, pr.cpuset.Close())
	}
	if pr.freezer != nil {
		errs = append(errs, pr.freezer.Remove())
	}
	return firstError(errs...)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type processRuntime struct {
	part  *partitionRuntime
	name  string
	hooks scheduler.ProcessHooks
	log   *log.Entry

	freezer   *cgroups.Freezer
	events    *cgroups.Events
	completed *EventFd
	newPeriod *EventFd

	cmd     *exec.Cmd
	watched bool
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// Spawn 以冻结状态启动进程：先冻结空的 freezer cgroup，再把新进程移入，
// 最后才通过管道把命令发给它，所以用户命令在第一次解冻之前不会执行
func (p *processRuntime) Spawn(command, dir string) (int, error) {
	if err := p.freezer.Freeze(); err != nil {
		return 0, err
	}
	cmd, writePipe, err := NewParentProcess(dir, p.part.backend.Stdout, p.part.backend.Stderr,
		p.completed.File(), p.newPeriod.File())
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		writePipe.Close()
		closeExtraFiles(cmd)
		return 0, fmt.Errorf("start process %s error %v", p.name, err)
	}
	// 子进程已经持有管道读端，父进程中的副本不再需要
	cmd.ExtraFiles[0].Close()
	p.cmd = cmd
	pid := cmd.Process.Pid

	go p.reap()

	for _, cg := range []*cgroups.Cgroup{p.freezer.Cgroup, p.events.Cgroup, p.part.cpuset.Cgroup} {
		if err := cg.AddProcess(pid); err != nil {
			p.abort(writePipe)
			return 0, err
		}
	}
	if err := p.part.backend.watcher.Watch(p.events, p.hooks.Populated); err != nil {
		p.abort(writePipe)
		return 0, fmt.Errorf("watch %s error %v", p.events.EventsFile(), err)
	}
	p.watched = true

	if err := sendUserCommand(command, writePipe); err != nil {
		p.abort(nil)
		return 0, err
	}

	p.wg.Add(1)
	go p.pollCompletion()
	return pid, nil
}

// abort 杀死启动到一半的进程。冻结中的进程收不到 SIGKILL，所以通过 freezer 的 KillAll 解冻。
func (p *processRuntime) abort(writePipe *os.File) {
	if writePipe != nil {
		writePipe.Close()
	}
	p.cmd.Process.Kill()
	if err := p.freezer.KillAll(); err != nil {
		p.log.Warnf("kill partially started process error %v", err)
	}
}

func closeExtraFiles(cmd *exec.Cmd) {
	if len(cmd.ExtraFiles) > 0 {
		cmd.ExtraFiles[0].Close()
	}
}

// reap 回收子进程，进程退出本身通过 cgroup.events 报告
func (p *processRuntime) reap() {
	err := p.cmd.Wait()
	p.log.WithField("pid", p.cmd.Process.Pid).Debugf("process reaped: %v", err)
}

// pollCompletion 等待 completed_fd 变为可读并通知事件循环。
// 通知发出之后要等事件循环处理完才继续轮询，否则同一个通知会被重复投递。
func (p *processRuntime) pollCompletion() {
	defer p.wg.Done()
	ack := make(chan struct{}, 1)
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		ready, err := p.completed.Wait(completionPollInterval)
		if err != nil {
			p.log.Errorf("poll completion error %v", err)
			return
		}
		if !ready {
			continue
		}
		p.part.backend.post.Post(func() {
			p.hooks.CompletionReady()
			ack <- struct{}{}
		})
		select {
		case <-ack:
		case <-p.stop:
			return
		}
	}
}

func (p *processRuntime) Freeze() error {
	return p.freezer.Freeze()
}

func (p *processRuntime) Thaw() error {
	return p.freezer.Thaw()
}

func (p *processRuntime) Kill() error {
	return p.freezer.KillAll()
}

func (p *processRuntime) Release() error {
	return p.newPeriod.Write(1)
}

func (p *processRuntime) TakeCompletion() (bool, error) {
	_, ok, err := p.completed.TryRead()
	return ok, err
}

// Close 停止完成通知的轮询，关闭 eventfd 并删除进程的 cgroup。
// 进程必须已经退出，否则 cgroup 删除会失败。
func (p *processRuntime) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	p.wg.Wait()
	if p.watched {
		p.part.backend.watcher.Unwatch(p.events)
	}
	for _, fd := range []*EventFd{p.completed, p.newPeriod} {
		if fd != nil {
			fd.Close()
		}
	}
	var errs []error
	if p.events != nil {
		errs = append(errs, p.events.Close())
	}
	if p.freezer != nil {
		errs = append(errs, p.freezer.Close())
	}
	return firstError(errs...)
}
