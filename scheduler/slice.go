package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"

	"go-demos/loop"
)

type slicePhase int

const (
	phaseIdle slicePhase = iota
	phaseSC
	phaseSCDone
	phaseBE
)

// Slice 把一个 SC 分区和一个 BE 分区绑定到一组 CPU 上。
// 在窗口中先运行 SC 分区，所有切片的 SC 部分都结束后再运行 BE 分区。
type Slice struct {
	SC        *Partition
	BE        *Partition
	CPUs      cpuset.CPUSet
	Frequency uint64

	win    *Window
	index  int
	loop   *loop.Loop
	events *Dispatcher
	timer  *loop.Timer

	phase   slicePhase
	part    *Partition
	current *Process
	// epoch 在每次开始和停止时递增，用于丢弃上一次激活遗留的回调
	epoch uint64
}

func newSlice(w *Window, sc, be *Partition, cpus cpuset.CPUSet, freq uint64) *Slice {
	s := &Slice{
		SC:        sc,
		BE:        be,
		CPUs:      cpus,
		Frequency: freq,
		win:       w,
		index:     len(w.Slices),
		loop:      w.loop,
		events:    w.events,
	}
	s.timer = loop.NewTimer(w.loop, s.onTimeout)
	return s
}

// Window 返回切片所属的窗口
func (s *Slice) Window() *Window {
	return s.win
}

// Index 返回切片在窗口中的位置
func (s *Slice) Index() int {
	return s.index
}

// Current 返回当前正在运行的进程
func (s *Slice) Current() *Process {
	return s.current
}

// StartSC 开始运行 SC 分区，没有 SC 分区时立即报告完成
func (s *Slice) StartSC(t time.Time) {
	s.epoch++
	s.phase = phaseSC
	if s.SC == nil {
		s.partitionDone(t)
		return
	}
	s.activate(s.SC, true, t)
}

// StartBE 开始运行 BE 分区
func (s *Slice) StartBE(t time.Time) {
	s.epoch++
	s.phase = phaseBE
	if s.BE == nil {
		s.phase = phaseIdle
		return
	}
	s.activate(s.BE, false, t)
}

// Stop 挂起当前进程并断开两个分区
func (s *Slice) Stop(t time.Time) {
	s.epoch++
	s.timer.Stop()
	if p := s.current; p != nil {
		s.current = nil
		p.Suspend()
		s.events.emit(Event{Kind: ProcessEnd, Time: t, Window: s.win, Slice: s, Process: p, Partition: p.part, Reason: ReasonPreempted})
	}
	if s.SC != nil {
		s.SC.Disconnect()
	}
	if s.BE != nil {
		s.BE.Disconnect()
	}
	s.part = nil
	s.phase = phaseIdle
}

func (s *Slice) activate(pt *Partition, moveToFirst bool, t time.Time) {
	epoch := s.epoch
	err := pt.Reset(moveToFirst, s.CPUs, func(p *Process) {
		s.onProcessEvent(epoch, p)
	})
	if err != nil {
		s.loop.Fail(errors.Wrap(err, "activate partition"))
		return
	}
	s.part = pt
	s.scheduleNext(t)
}

func (s *Slice) scheduleNext(t time.Time) {
	p := s.part.SeekPendingProcess()
	if p == nil {
		s.partitionDone(t)
		return
	}
	s.current = p
	p.RecomputeBudget()
	s.timer.Start(t.Add(p.ActualBudget()))
	p.Resume()
	s.events.emit(Event{Kind: ProcessStart, Time: t, Window: s.win, Slice: s, Process: p, Partition: p.part})
}

func (s *Slice) onProcessEvent(epoch uint64, p *Process) {
	if epoch != s.epoch || p != s.current {
		return
	}
	reason := ReasonCompleted
	if !p.running {
		reason = ReasonExited
	}
	s.finishCurrent(s.loop.Now(), reason)
}

func (s *Slice) onTimeout() {
	if s.current == nil {
		return
	}
	s.finishCurrent(s.timer.Deadline(), ReasonBudget)
}

// finishCurrent 结束当前进程的激活并调度分区中的下一个进程
func (s *Slice) finishCurrent(t time.Time, reason StopReason) {
	s.timer.Stop()
	p := s.current
	s.current = nil
	p.Suspend()
	if !(reason == ReasonBudget && p.spec.Continuous) {
		p.MarkCompleted()
	}
	s.events.emit(Event{Kind: ProcessEnd, Time: t, Window: s.win, Slice: s, Process: p, Partition: p.part, Reason: reason})
	if s.part == nil {
		return
	}
	s.scheduleNext(t)
}

func (s *Slice) partitionDone(t time.Time) {
	s.part = nil
	if s.phase == phaseSC {
		s.phase = phaseSCDone
		s.win.scDone(t)
		return
	}
	s.phase = phaseIdle
}
