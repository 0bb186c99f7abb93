package loop

import "time"

// Timer 是绑定在事件循环上的一次性绝对时间定时器。
// 每次 Start/Stop 都会增加代数，过期的触发在循环中被丢弃，
// 所以 Stop 之后回调一定不会再被执行。
// Timer 的方法只能在循环的 goroutine 中调用。
type Timer struct {
	loop     *Loop
	cb       func()
	gen      uint64
	armed    bool
	deadline time.Time
	stopper  Stopper
}

// NewTimer 创建一个定时器，到期时在循环中调用 cb
func NewTimer(l *Loop, cb func()) *Timer {
	return &Timer{loop: l, cb: cb}
}

// Start 设置定时器在绝对时间 deadline 到期，之前的设置会被取消
func (t *Timer) Start(deadline time.Time) {
	t.Stop()
	t.gen++
	gen := t.gen
	t.armed = true
	t.deadline = deadline

	d := deadline.Sub(t.loop.Now())
	if d < 0 {
		d = 0
	}
	t.stopper = t.loop.Clock().AfterFunc(d, func() {
		t.loop.Post(func() {
			if !t.armed || t.gen != gen {
				return
			}
			t.armed = false
			t.cb()
		})
	})
}

// Stop 取消定时器，对未设置的定时器调用也是安全的
func (t *Timer) Stop() {
	if t.stopper != nil {
		t.stopper.Stop()
		t.stopper = nil
	}
	if t.armed {
		t.armed = false
		t.gen++
	}
}

// Armed 返回定时器是否处于等待触发状态
func (t *Timer) Armed() bool {
	return t.armed
}

// Deadline 返回最近一次设置的到期时间
func (t *Timer) Deadline() time.Time {
	return t.deadline
}
