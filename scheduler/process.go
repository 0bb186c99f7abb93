package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// staleWarnInterval 同一进程两条过期完成警告之间的最短间隔
const staleWarnInterval = 10 * time.Second

// ProcessSpec 描述一个受管进程
type ProcessSpec struct {
	Name string
	// Cmd 通过 /bin/sh -c 执行
	Cmd string
	// Dir 为空时继承调度器的工作目录
	Dir    string
	Budget time.Duration
	// Jitter 预算的随机抖动范围，实际预算在 [Budget-Jitter/2, Budget+Jitter/2] 中均匀选取
	Jitter time.Duration
	// HasInit 表示进程在第一次调度之前有一个无预算的初始化阶段
	HasInit bool
	// Continuous 进程用完预算后不标记为完成，同一窗口中会被再次调度
	Continuous bool
	// Frequency 进程请求的 CPU 频率（Hz），0 表示不关心
	Frequency uint64
}

// Process 是调度器视角的一个受管进程。
// 所有方法都只能在事件循环的 goroutine 中调用。
type Process struct {
	spec ProcessSpec
	part *Partition
	rt   ProcessRuntime
	rnd  *rand.Rand
	log  *log.Entry

	pid          int
	actualBudget time.Duration
	// running 进程已启动且尚未退出
	running bool
	// completed 进程在当前激活中已经结束（完成或用完预算）
	completed bool
	// thawed 进程当前处于解冻状态
	thawed bool
	// waitingRelease 进程阻塞在完成通知中，下次恢复时需要先写 new_period_fd
	waitingRelease bool
	killed         bool

	staleWarn       *rate.Limiter
	staleSuppressed int
}

func newProcess(part *Partition, spec ProcessSpec, rnd *rand.Rand) *Process {
	return &Process{
		spec:         spec,
		part:         part,
		rnd:          rnd,
		actualBudget: spec.Budget,
		staleWarn:    rate.NewLimiter(rate.Every(staleWarnInterval), 1),
		log: log.WithFields(log.Fields{
			"partition": part.name,
			"process":   spec.Name,
		}),
	}
}

func (p *Process) Name() string                { return p.spec.Name }
func (p *Process) Spec() ProcessSpec           { return p.spec }
func (p *Process) Partition() *Partition       { return p.part }
func (p *Process) Pid() int                    { return p.pid }
func (p *Process) Running() bool               { return p.running }
func (p *Process) Completed() bool             { return p.completed }
func (p *Process) Thawed() bool                { return p.thawed }
func (p *Process) ActualBudget() time.Duration { return p.actualBudget }

// pending 表示进程在当前激活中还可以被调度
func (p *Process) pending() bool {
	return p.running && !p.completed
}

// Exec 以冻结状态启动进程
func (p *Process) Exec() error {
	pid, err := p.rt.Spawn(p.spec.Cmd, p.spec.Dir)
	if err != nil {
		return errors.Wrapf(err, "spawn process %s", p.spec.Name)
	}
	p.pid = pid
	p.running = true
	p.log.WithField("pid", pid).Debugf("process spawned: %s", p.spec.Cmd)
	return nil
}

// Resume 解冻进程。如果进程阻塞在上一次的完成通知中，先释放它。
func (p *Process) Resume() {
	if p.waitingRelease {
		if err := p.rt.Release(); err != nil {
			p.fail(errors.Wrap(err, "release process"))
			return
		}
		p.waitingRelease = false
	}
	if err := p.rt.Thaw(); err != nil {
		p.fail(errors.Wrap(err, "thaw process"))
		return
	}
	p.thawed = true
}

// Suspend 冻结进程，可重复调用。
// 冻结之后仍留在 fd 中的完成通知属于刚刚结束的激活，
// 这里把它取走并记为过期，进程会在下次恢复时被释放。
func (p *Process) Suspend() {
	if err := p.rt.Freeze(); err != nil {
		p.fail(errors.Wrap(err, "freeze process"))
		return
	}
	wasThawed := p.thawed
	p.thawed = false
	if !wasThawed {
		return
	}
	ok, err := p.rt.TakeCompletion()
	if err != nil {
		p.fail(errors.Wrap(err, "read completion"))
		return
	}
	if ok {
		p.waitingRelease = true
		p.staleCompletion()
	}
}

// RecomputeBudget 重新抽取本次激活的实际预算
func (p *Process) RecomputeBudget() {
	if p.spec.Jitter <= 0 {
		p.actualBudget = p.spec.Budget
		return
	}
	lo := p.spec.Budget - p.spec.Jitter/2
	hi := p.spec.Budget + p.spec.Jitter/2
	if lo < 0 {
		lo = 0
	}
	p.actualBudget = lo + time.Duration(p.rnd.Int64N(int64(hi-lo)+1))
}

// MarkCompleted 把进程标记为在当前激活中已完成
func (p *Process) MarkCompleted() {
	p.completed = true
}

// Kill 杀死进程，退出会通过 populated 事件异步报告
func (p *Process) Kill() error {
	if !p.running {
		return nil
	}
	p.killed = true
	return p.rt.Kill()
}

func (p *Process) onCompletionReady() {
	ok, err := p.rt.TakeCompletion()
	if err != nil {
		p.fail(errors.Wrap(err, "read completion"))
		return
	}
	if !ok {
		return
	}
	p.waitingRelease = true
	if !p.thawed {
		p.staleCompletion()
		return
	}
	p.part.processCompleted(p)
}

func (p *Process) staleCompletion() {
	if p.staleWarn.Allow() {
		p.log.WithField("suppressed", p.staleSuppressed).
			Warn("completion arrived after the process was suspended, deferring it to the next activation")
		p.staleSuppressed = 0
	} else {
		p.staleSuppressed++
	}
	p.part.events.emit(Event{Kind: StaleCompletion, Process: p, Partition: p.part})
}

func (p *Process) onPopulated(populated bool) {
	if populated || !p.running {
		return
	}
	p.running = false
	p.thawed = false
	p.waitingRelease = false
	if p.killed {
		p.log.Debug("process terminated")
	} else {
		p.log.Warn("process exited unexpectedly")
	}
	p.part.processExited(p)
}

func (p *Process) fail(err error) {
	p.part.loop.Fail(errors.Wrapf(err, "process %s/%s", p.part.name, p.spec.Name))
}
