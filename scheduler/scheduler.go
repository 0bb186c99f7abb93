package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"go-demos/loop"
)

// DefaultShutdownGrace 是致命错误后等待进程退出的最长时间
const DefaultShutdownGrace = 5 * time.Second

// Options 控制调度器的运行
type Options struct {
	// Timeout 大于 0 时，调度开始 Timeout 之后自动关闭
	Timeout time.Duration
	// ShutdownGrace 致命错误后等待所有进程退出的时间
	ShutdownGrace time.Duration
	// OnReady 在初始化阶段结束、主帧开始之前调用
	OnReady func()
	// OnShutdown 在开始关闭时调用一次
	OnShutdown func()
}

// PartitionDesc 描述一个分区及其进程
type PartitionDesc struct {
	Name      string
	Processes []ProcessSpec
}

// SliceDesc 描述窗口中的一个切片，SC/BE 为分区名，空字符串表示没有
type SliceDesc struct {
	SC        string
	BE        string
	CPUs      cpuset.CPUSet
	Frequency uint64
}

// WindowDesc 描述一个窗口
type WindowDesc struct {
	Length time.Duration
	Slices []SliceDesc
}

// Description 是经过校验的完整调度表
type Description struct {
	Partitions []PartitionDesc
	Windows    []WindowDesc
}

// Scheduler 把主帧、分区管理器和事件循环组合在一起
type Scheduler struct {
	loop       *loop.Loop
	events     *Dispatcher
	partitions []*Partition
	windows    []*Window
	mf         *MajorFrame
	manager    *Manager
	opts       Options

	timeoutTimer *loop.Timer
	graceTimer   *loop.Timer
	shutdown     bool
}

// Build 根据调度表创建所有分区、进程和窗口。
// 出错时已经创建的运行时资源会被释放。
func Build(l *loop.Loop, d *Dispatcher, backend Backend, desc Description, rnd *rand.Rand, opts Options) (*Scheduler, error) {
	if len(desc.Windows) == 0 {
		return nil, errors.New("no windows")
	}
	var partitions []*Partition
	byName := make(map[string]*Partition)
	cleanup := func() {
		for i := len(partitions) - 1; i >= 0; i-- {
			partitions[i].Close()
		}
	}

	for _, pd := range desc.Partitions {
		if _, ok := byName[pd.Name]; ok {
			cleanup()
			return nil, errors.Errorf("duplicate partition %q", pd.Name)
		}
		rt, err := backend.NewPartition(pd.Name)
		if err != nil {
			cleanup()
			return nil, errors.Wrapf(err, "create partition %s", pd.Name)
		}
		pt := NewPartition(l, d, pd.Name, rt)
		partitions = append(partitions, pt)
		byName[pd.Name] = pt
		for _, spec := range pd.Processes {
			if _, err := pt.AddProcess(spec, rnd); err != nil {
				cleanup()
				return nil, err
			}
		}
	}

	lookup := func(name string) (*Partition, error) {
		if name == "" {
			return nil, nil
		}
		pt, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("unknown partition %q", name)
		}
		return pt, nil
	}

	var windows []*Window
	for i, wd := range desc.Windows {
		w := NewWindow(l, d, i, wd.Length)
		for _, sd := range wd.Slices {
			sc, err := lookup(sd.SC)
			if err != nil {
				cleanup()
				return nil, err
			}
			be, err := lookup(sd.BE)
			if err != nil {
				cleanup()
				return nil, err
			}
			w.AddSlice(sc, be, sd.CPUs, sd.Frequency)
		}
		windows = append(windows, w)
	}
	return New(l, d, partitions, windows, opts), nil
}

// New 用已经创建好的分区和窗口组装调度器
func New(l *loop.Loop, d *Dispatcher, partitions []*Partition, windows []*Window, opts Options) *Scheduler {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	mf := NewMajorFrame(l, d, windows)
	s := &Scheduler{
		loop:       l,
		events:     d,
		partitions: partitions,
		windows:    windows,
		mf:         mf,
		manager:    NewManager(l, mf, partitions),
		opts:       opts,
	}
	s.timeoutTimer = loop.NewTimer(l, s.onTimeout)
	s.graceTimer = loop.NewTimer(l, s.onGraceExpired)
	return s
}

func (s *Scheduler) MajorFrame() *MajorFrame  { return s.mf }
func (s *Scheduler) Manager() *Manager        { return s.manager }
func (s *Scheduler) Partitions() []*Partition { return s.partitions }
func (s *Scheduler) Windows() []*Window       { return s.windows }

// Setup 校验功耗策略并以冻结状态启动所有进程。
// 启动失败或 ctx 被取消时会等待已启动的进程退出后再返回错误，
// 此时错误满足 errors.Is(err, ctx.Err())。
func (s *Scheduler) Setup(ctx context.Context) error {
	if err := s.events.policy.Validate(s.windows); err != nil {
		return errors.Wrap(err, "power policy validation")
	}
	if err := s.manager.SpawnAll(ctx); err != nil {
		s.drain()
		return err
	}
	return nil
}

// drain 运行事件循环直到所有进程退出或 ShutdownGrace 到期
func (s *Scheduler) drain() {
	if s.manager.AllEmpty() {
		return
	}
	s.manager.SetCompletionCallback(func() { s.loop.Post(s.loop.Stop) })
	s.graceTimer.Start(s.loop.Now().Add(s.opts.ShutdownGrace))
	if err := s.loop.Run(); err != nil {
		log.Warnf("cleanup after failed spawn: %v", err)
	}
}

// Run 执行初始化阶段和调度，直到所有进程退出、超时、ctx 被取消
// 或发生致命错误。返回致命错误（如果有）。
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		// 在 Setup 和 Run 之间被取消，不再进入初始化阶段
		s.loop.OnFail(s.onFail)
		s.manager.SetCompletionCallback(s.onCompletion)
		s.loop.Post(s.onCancel)
		return s.loop.Run()
	}
	s.Start()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.loop.Post(s.onCancel)
		case <-done:
		}
	}()
	return s.loop.Run()
}

// Start 把初始化阶段投递到事件循环，Run 会调用它；测试中用它配合 Drain 驱动调度
func (s *Scheduler) Start() {
	s.loop.OnFail(s.onFail)
	s.manager.SetCompletionCallback(s.onCompletion)
	s.loop.Post(s.start)
}

// Shutdown 开始关闭，必须在事件循环中调用
func (s *Scheduler) Shutdown() {
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.timeoutTimer.Stop()
	if s.opts.OnShutdown != nil {
		s.opts.OnShutdown()
	}
	s.manager.InitiateShutdown()
}

// Close 释放所有分区和进程的运行时资源，必须在 Run 返回之后调用
func (s *Scheduler) Close() error {
	var first error
	for _, pt := range s.partitions {
		if err := pt.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Scheduler) start() {
	if s.opts.Timeout > 0 {
		s.timeoutTimer.Start(s.loop.Now().Add(s.opts.Timeout))
	}
	s.manager.RunInit(func() {
		log.Info("starting scheduler")
		if s.opts.OnReady != nil {
			s.opts.OnReady()
		}
		s.mf.Start(s.loop.Now())
	})
}

func (s *Scheduler) onCancel() {
	log.Info("termination requested")
	s.Shutdown()
}

func (s *Scheduler) onTimeout() {
	log.Info("timeout reached")
	s.Shutdown()
}

func (s *Scheduler) onFail(err error) {
	if s.manager.completed {
		s.loop.Stop()
		return
	}
	s.graceTimer.Start(s.loop.Now().Add(s.opts.ShutdownGrace))
	s.Shutdown()
}

func (s *Scheduler) onGraceExpired() {
	log.Warn("processes did not exit in time, giving up")
	s.loop.Stop()
}

func (s *Scheduler) onCompletion() {
	s.timeoutTimer.Stop()
	s.graceTimer.Stop()
	s.mf.Stop(s.loop.Now())
	log.Info("all processes exited, stopping")
	s.loop.Post(s.loop.Stop)
}
