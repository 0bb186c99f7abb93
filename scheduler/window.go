package scheduler

import (
	"time"

	"k8s.io/utils/cpuset"

	"go-demos/loop"
)

// Window 是主帧中的一个时间段，其中的切片并行运行
type Window struct {
	Length time.Duration
	Slices []*Slice

	index  int
	loop   *loop.Loop
	events *Dispatcher

	scFinished int
	active     bool
	starting   bool
	stopping   bool
}

// NewWindow 创建一个窗口
func NewWindow(l *loop.Loop, d *Dispatcher, index int, length time.Duration) *Window {
	return &Window{Length: length, index: index, loop: l, events: d}
}

// Index 返回窗口在主帧中的位置
func (w *Window) Index() int {
	return w.index
}

// AddSlice 向窗口添加一个切片，sc 和 be 都可以为 nil
func (w *Window) AddSlice(sc, be *Partition, cpus cpuset.CPUSet, freq uint64) *Slice {
	s := newSlice(w, sc, be, cpus, freq)
	w.Slices = append(w.Slices, s)
	return s
}

// Start 启动所有切片的 SC 部分。
// 如果所有切片在启动过程中就已经完成 SC（例如都没有 SC 分区），
// BE 会在 WindowStart/SCStart 事件之后才开始。
func (w *Window) Start(t time.Time) {
	w.scFinished = 0
	w.active = true
	w.starting = true
	defer func() { w.starting = false }()
	for _, s := range w.Slices {
		s.StartSC(t)
		if !w.active {
			return
		}
	}
	w.events.emit(Event{Kind: WindowStart, Time: t, Window: w})
	w.events.emit(Event{Kind: SCStart, Time: t, Window: w})
	w.starting = false
	if w.active && w.scFinished == len(w.Slices) {
		w.startBE(t)
	}
}

// Stop 停止所有切片
func (w *Window) Stop(t time.Time) {
	if !w.active {
		return
	}
	w.active = false
	w.events.emit(Event{Kind: WindowEnd, Time: t, Window: w})
	w.stopping = true
	for _, s := range w.Slices {
		s.Stop(t)
	}
	w.stopping = false
}

func (w *Window) scDone(t time.Time) {
	w.scFinished++
	if w.starting || w.stopping || !w.active {
		return
	}
	if w.scFinished == len(w.Slices) {
		w.startBE(t)
	}
}

func (w *Window) startBE(t time.Time) {
	for _, s := range w.Slices {
		s.StartBE(t)
	}
	w.events.emit(Event{Kind: BEStart, Time: t, Window: w})
}
