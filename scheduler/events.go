package scheduler

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go-demos/loop"
)

// EventKind 是调度事件的类型
type EventKind int

const (
	WindowStart EventKind = iota
	SCStart
	BEStart
	WindowEnd
	ProcessStart
	ProcessEnd
	// MajorFrameStart 在每个主帧的第一个窗口开始之前发出
	MajorFrameStart
	// StaleCompletion 表示一个完成通知到达时进程已经被挂起，不计入当前激活
	StaleCompletion
	// PartitionEmpty 表示分区中的所有进程都已退出
	PartitionEmpty
)

func (k EventKind) String() string {
	switch k {
	case WindowStart:
		return "window_start"
	case SCStart:
		return "sc_start"
	case BEStart:
		return "be_start"
	case WindowEnd:
		return "window_end"
	case ProcessStart:
		return "process_start"
	case ProcessEnd:
		return "process_end"
	case MajorFrameStart:
		return "major_frame_start"
	case StaleCompletion:
		return "stale_completion"
	case PartitionEmpty:
		return "partition_empty"
	}
	return "unknown"
}

// StopReason 说明进程的一次激活为什么结束
type StopReason int

const (
	ReasonNone StopReason = iota
	// ReasonCompleted 进程主动报告了本周期的工作完成
	ReasonCompleted
	// ReasonBudget 进程用完了预算
	ReasonBudget
	// ReasonExited 进程退出
	ReasonExited
	// ReasonPreempted 窗口结束时进程仍在运行
	ReasonPreempted
)

func (r StopReason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonBudget:
		return "budget"
	case ReasonExited:
		return "exited"
	case ReasonPreempted:
		return "preempted"
	}
	return "none"
}

// Event 是调度器在关键时间点发出的事件。
// Window/Slice/Process/Partition 只在与事件相关时才会被设置。
type Event struct {
	Kind      EventKind
	Time      time.Time
	Window    *Window
	Slice     *Slice
	Process   *Process
	Partition *Partition
	Reason    StopReason
}

// Listener 接收调度事件，返回的错误只会被记录下来
type Listener interface {
	Handle(ev Event) error
}

// PowerPolicy 在调度事件上调整 CPU 频率。
// Validate 在启动前对完整的调度表做一次检查，
// Handle 返回错误会导致调度器失败并关闭。
type PowerPolicy interface {
	Validate(windows []*Window) error
	Handle(ev Event) error
}

// NopPolicy 不做任何调整
type NopPolicy struct{}

func (NopPolicy) Validate([]*Window) error { return nil }
func (NopPolicy) Handle(Event) error       { return nil }

// Dispatcher 把事件依次分发给功耗策略和其他监听者
type Dispatcher struct {
	loop      *loop.Loop
	policy    PowerPolicy
	listeners []Listener
}

// NewDispatcher 创建事件分发器，policy 为 nil 时使用 NopPolicy
func NewDispatcher(l *loop.Loop, policy PowerPolicy, listeners ...Listener) *Dispatcher {
	if policy == nil {
		policy = NopPolicy{}
	}
	return &Dispatcher{loop: l, policy: policy, listeners: listeners}
}

// AddListener 注册一个监听者，只能在调度开始之前调用
func (d *Dispatcher) AddListener(l Listener) {
	d.listeners = append(d.listeners, l)
}

// Policy 返回当前的功耗策略
func (d *Dispatcher) Policy() PowerPolicy {
	return d.policy
}

func (d *Dispatcher) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = d.loop.Now()
	}
	if err := d.policy.Handle(ev); err != nil {
		d.loop.Fail(errors.Wrapf(err, "power policy failed on %s", ev.Kind))
	}
	for _, l := range d.listeners {
		if err := l.Handle(ev); err != nil {
			log.Warnf("event listener failed on %s: %v", ev.Kind, err)
		}
	}
}
