package loop

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Loop 是调度器的单线程事件循环。
// 定时器、eventfd、cgroup 事件以及信号等事件源都运行在各自的 goroutine 中，
// 它们只通过 Post 把回调投递到循环里，由 Run 所在的 goroutine 依次执行。
// 因此所有调度状态（窗口、切片、分区、进程）都只会被一个 goroutine 访问，无需加锁。
type Loop struct {
	clock Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}

	err    error
	failed bool
	onFail func(error)
}

// New 创建一个新的事件循环，clock 为 nil 时使用系统时钟
func New(clock Clock) *Loop {
	if clock == nil {
		clock = RealClock()
	}
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Clock 返回循环使用的时钟
func (l *Loop) Clock() Clock {
	return l.clock
}

// Now 返回当前时间
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post 把回调投递到循环中，可以在任意 goroutine 中调用。
// 循环停止后投递的回调会被丢弃。
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run 在当前 goroutine 中执行循环，直到 Stop 被调用。
// 返回值是第一次 Fail 时记录的错误。
func (l *Loop) Run() error {
	for {
		l.Drain()
		if l.Stopped() {
			return l.Err()
		}
		<-l.wake
	}
}

// Drain 依次执行队列中所有已投递的回调（包括执行过程中新投递的回调），
// 返回执行的回调数量。测试中用它来驱动循环。
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if l.stopped || len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// Stop 停止循环，尚未执行的回调被丢弃
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	if dropped > 0 {
		log.Debugf("event loop stopped with %d pending callbacks", dropped)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stopped 返回循环是否已经停止
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// OnFail 设置致命错误处理函数，只会被调用一次
func (l *Loop) OnFail(fn func(error)) {
	l.onFail = fn
}

// Fail 报告一个致命错误。只记录第一次的错误，
// 如果设置了 OnFail 则调用它，否则直接停止循环。
// 必须在循环的 goroutine 中调用。
func (l *Loop) Fail(err error) {
	if l.failed {
		log.Warnf("additional failure ignored: %v", err)
		return
	}
	l.failed = true
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()

	log.Errorf("scheduler failure: %v", err)
	if l.onFail != nil {
		l.onFail(err)
		return
	}
	l.Stop()
}

// Err 返回记录的致命错误
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
