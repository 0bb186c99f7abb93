package scheduler

import (
	"time"

	"k8s.io/utils/cpuset"

	"go-demos/loop"
)

// MajorFrame 循环地依次运行各个窗口
type MajorFrame struct {
	windows []*Window
	cursor  int
	timer   *loop.Timer
	loop    *loop.Loop
	events  *Dispatcher
	running bool
	frames  uint64
}

// NewMajorFrame 创建主帧，windows 不能为空
func NewMajorFrame(l *loop.Loop, d *Dispatcher, windows []*Window) *MajorFrame {
	mf := &MajorFrame{windows: windows, loop: l, events: d}
	mf.timer = loop.NewTimer(l, mf.onTimeout)
	return mf
}

// Windows 返回主帧中的所有窗口
func (mf *MajorFrame) Windows() []*Window {
	return mf.windows
}

// Current 返回当前窗口
func (mf *MajorFrame) Current() *Window {
	return mf.windows[mf.cursor]
}

// Running 返回主帧是否正在运行
func (mf *MajorFrame) Running() bool {
	return mf.running
}

// Frames 返回已经开始的主帧数量
func (mf *MajorFrame) Frames() uint64 {
	return mf.frames
}

// Start 从当前窗口开始运行
func (mf *MajorFrame) Start(t time.Time) {
	if mf.running {
		return
	}
	mf.running = true
	mf.startWindow(t)
}

// Stop 停止计时并停止当前窗口
func (mf *MajorFrame) Stop(t time.Time) {
	if !mf.running {
		return
	}
	mf.running = false
	mf.timer.Stop()
	mf.Current().Stop(t)
}

func (mf *MajorFrame) startWindow(t time.Time) {
	if mf.cursor == 0 {
		mf.frames++
		mf.events.emit(Event{Kind: MajorFrameStart, Time: t})
	}
	w := mf.Current()
	w.Start(t)
	if !mf.running {
		// 窗口启动过程中触发了关闭
		return
	}
	// 下一个窗口的开始时间以本窗口的计划结束时间为准，不累积延迟
	mf.timer.Start(t.Add(w.Length))
}

func (mf *MajorFrame) onTimeout() {
	if !mf.running {
		return
	}
	t := mf.timer.Deadline()
	mf.Current().Stop(t)
	mf.cursor = (mf.cursor + 1) % len(mf.windows)
	mf.startWindow(t)
}

// FindWidestCPUSet 返回包含分区的所有切片中 CPU 数最多的那个 CPU 集合，
// 分区不在任何切片中时返回空集合
func (mf *MajorFrame) FindWidestCPUSet(pt *Partition) cpuset.CPUSet {
	var widest cpuset.CPUSet
	for _, w := range mf.windows {
		for _, s := range w.Slices {
			if s.SC != pt && s.BE != pt {
				continue
			}
			if s.CPUs.Size() > widest.Size() {
				widest = s.CPUs
			}
		}
	}
	return widest
}
