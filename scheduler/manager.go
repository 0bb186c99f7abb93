package scheduler

import (
	"context"

	log "github.com/sirupsen/logrus"

	"go-demos/loop"
)

// Manager 管理所有分区的生命周期：启动、初始化阶段、关闭以及完成检测
type Manager struct {
	loop       *loop.Loop
	mf         *MajorFrame
	partitions []*Partition

	initPending  map[*Process]struct{}
	initializing bool
	ready        func()

	shuttingDown bool
	completed    bool
	completionCb func()
}

// NewManager 创建分区管理器
func NewManager(l *loop.Loop, mf *MajorFrame, partitions []*Partition) *Manager {
	m := &Manager{loop: l, mf: mf, partitions: partitions}
	for _, pt := range partitions {
		pt.AddEmptyCallback(m.checkCompletion)
	}
	return m
}

// Partitions 返回所有分区
func (m *Manager) Partitions() []*Partition {
	return m.partitions
}

// SetCompletionCallback 设置所有分区都变空时的回调，最多被调用一次
func (m *Manager) SetCompletionCallback(cb func()) {
	m.completionCb = cb
}

// ShuttingDown 返回是否已经开始关闭
func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown
}

// SpawnAll 以冻结状态启动所有进程。
// 启动失败或 ctx 被取消时尽力杀死已经启动的进程并返回错误。
func (m *Manager) SpawnAll(ctx context.Context) error {
	for _, pt := range m.partitions {
		if err := pt.Exec(ctx); err != nil {
			log.Errorf("spawn failed, killing already started processes: %v", err)
			m.KillAll()
			return err
		}
	}
	return nil
}

// RunInit 执行初始化阶段：所有带初始化阶段的进程在各自分区最宽的 CPU 集合上
// 同时运行，直到它们都报告初始化完成（或退出），然后调用 ready。
func (m *Manager) RunInit(ready func()) {
	m.ready = ready
	m.initializing = true
	m.initPending = make(map[*Process]struct{})

	for _, pt := range m.partitions {
		if err := pt.Reset(true, m.mf.FindWidestCPUSet(pt), m.onInitEvent); err != nil {
			m.loop.Fail(err)
			return
		}
	}
	for _, pt := range m.partitions {
		for _, p := range pt.procs {
			if p.spec.HasInit && p.running {
				m.initPending[p] = struct{}{}
			}
		}
	}
	if len(m.initPending) == 0 {
		m.finishInit()
		return
	}
	log.Infof("waiting for %d processes to initialize", len(m.initPending))
	for _, pt := range m.partitions {
		for _, p := range pt.procs {
			if _, ok := m.initPending[p]; ok {
				p.Resume()
			}
		}
	}
}

func (m *Manager) onInitEvent(p *Process) {
	if !m.initializing {
		return
	}
	if _, ok := m.initPending[p]; !ok {
		return
	}
	delete(m.initPending, p)
	if p.running {
		p.Suspend()
		p.log.Debug("initialization completed")
	} else {
		p.log.Warn("process exited during initialization")
	}
	if len(m.initPending) == 0 {
		m.finishInit()
	}
}

func (m *Manager) finishInit() {
	m.initializing = false
	for _, pt := range m.partitions {
		pt.Disconnect()
	}
	if m.shuttingDown {
		return
	}
	log.Info("all processes initialized")
	if m.ready != nil {
		m.ready()
	}
}

// InitiateShutdown 停止主帧并杀死所有进程，
// 所有分区变空后完成回调会被调用
func (m *Manager) InitiateShutdown() {
	if m.shuttingDown {
		return
	}
	m.shuttingDown = true
	log.Info("shutting down")
	m.mf.Stop(m.loop.Now())
	if m.initializing {
		m.initializing = false
		for _, pt := range m.partitions {
			pt.Disconnect()
		}
	}
	m.KillAll()
	m.checkCompletion()
}

// KillAll 杀死所有分区中的进程
func (m *Manager) KillAll() {
	for _, pt := range m.partitions {
		pt.KillAll()
	}
}

// AllEmpty 返回是否所有分区都已经没有存活的进程
func (m *Manager) AllEmpty() bool {
	for _, pt := range m.partitions {
		if !pt.IsEmpty() {
			return false
		}
	}
	return true
}

func (m *Manager) checkCompletion() {
	if m.completed || !m.AllEmpty() {
		return
	}
	m.completed = true
	log.Info("all partitions are empty")
	if m.completionCb != nil {
		m.completionCb()
	}
}
