package scheduler

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"go-demos/loop"
)

// Partition 是一组进程的有序集合，在一个切片中同一时刻只运行其中一个进程。
type Partition struct {
	name   string
	rt     PartitionRuntime
	loop   *loop.Loop
	events *Dispatcher
	log    *log.Entry

	procs []*Process
	// cursor 指向最后一次调度的进程的下一个位置，BE 分区跨窗口保持它以实现轮转
	cursor    int
	completed bool
	cpus      cpuset.CPUSet

	// completionCb 由当前使用分区的切片（或初始化阶段）安装，
	// 进程报告完成或退出时被调用
	completionCb func(p *Process)
	emptyCbs     []func()
	empty        bool
}

// NewPartition 创建一个空分区
func NewPartition(l *loop.Loop, d *Dispatcher, name string, rt PartitionRuntime) *Partition {
	return &Partition{
		name:   name,
		rt:     rt,
		loop:   l,
		events: d,
		log:    log.WithField("partition", name),
		empty:  true,
	}
}

// AddProcess 向分区添加一个进程，只能在启动之前调用
func (pt *Partition) AddProcess(spec ProcessSpec, rnd *rand.Rand) (*Process, error) {
	p := newProcess(pt, spec, rnd)
	rt, err := pt.rt.NewProcess(spec.Name, ProcessHooks{
		CompletionReady: p.onCompletionReady,
		Populated:       p.onPopulated,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create process %s in partition %s", spec.Name, pt.name)
	}
	p.rt = rt
	pt.procs = append(pt.procs, p)
	return p, nil
}

func (pt *Partition) Name() string          { return pt.name }
func (pt *Partition) Processes() []*Process { return pt.procs }
func (pt *Partition) Completed() bool       { return pt.completed }
func (pt *Partition) IsEmpty() bool         { return pt.empty }
func (pt *Partition) CPUs() cpuset.CPUSet   { return pt.cpus }

// Exec 启动分区中的所有进程，ctx 被取消后不再启动新的进程
func (pt *Partition) Exec(ctx context.Context) error {
	defer pt.updateEmpty()
	for _, p := range pt.procs {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "spawn partition %s interrupted", pt.name)
		}
		if err := p.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Reset 为新的一次激活准备分区：设置 CPU、清除完成标记并安装回调。
// moveToFirst 为 true 时从第一个进程重新开始（SC 分区），
// 否则从上次停下的位置继续（BE 分区）。
func (pt *Partition) Reset(moveToFirst bool, cpus cpuset.CPUSet, cb func(p *Process)) error {
	if !cpus.IsEmpty() && !cpus.Equals(pt.cpus) {
		if err := pt.rt.SetCPUs(cpus); err != nil {
			return errors.Wrapf(err, "set cpus %s for partition %s", cpus, pt.name)
		}
		pt.cpus = cpus
	}
	pt.completed = false
	for _, p := range pt.procs {
		p.completed = false
	}
	if moveToFirst {
		pt.cursor = 0
	}
	pt.completionCb = cb
	return nil
}

// Disconnect 移除当前安装的回调
func (pt *Partition) Disconnect() {
	pt.completionCb = nil
}

// SeekPendingProcess 从游标开始循环查找下一个尚未完成且仍在运行的进程，
// 并把游标移到它的后继。即使返回的进程被窗口结束打断，
// BE 分区下次也会从它之后的进程开始。找不到时把分区标记为完成，游标不变。
func (pt *Partition) SeekPendingProcess() *Process {
	n := len(pt.procs)
	for i := 0; i < n; i++ {
		idx := (pt.cursor + i) % n
		if pt.procs[idx].pending() {
			pt.cursor = (idx + 1) % n
			return pt.procs[idx]
		}
	}
	pt.completed = true
	return nil
}

// KillAll 杀死分区中所有仍在运行的进程
func (pt *Partition) KillAll() {
	for _, p := range pt.procs {
		if err := p.Kill(); err != nil {
			p.log.Warnf("kill process failed: %v", err)
		}
	}
}

// AddEmptyCallback 注册分区变空时的回调
func (pt *Partition) AddEmptyCallback(cb func()) {
	pt.emptyCbs = append(pt.emptyCbs, cb)
}

// Close 释放分区及其所有进程的运行时资源，必须在所有进程退出后调用
func (pt *Partition) Close() error {
	var first error
	for _, p := range pt.procs {
		if p.rt == nil {
			continue
		}
		if err := p.rt.Close(); err != nil {
			p.log.Warnf("release process resources failed: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	if err := pt.rt.Close(); err != nil {
		pt.log.Warnf("release partition resources failed: %v", err)
		if first == nil {
			first = err
		}
	}
	return first
}

func (pt *Partition) processCompleted(p *Process) {
	if pt.completionCb != nil {
		pt.completionCb(p)
	}
}

func (pt *Partition) processExited(p *Process) {
	if pt.completionCb != nil {
		pt.completionCb(p)
	}
	if pt.updateEmpty() {
		pt.log.Info("all processes exited")
		pt.events.emit(Event{Kind: PartitionEmpty, Partition: pt})
		for _, cb := range pt.emptyCbs {
			cb()
		}
	}
}

// updateEmpty 重新计算分区是否为空，返回是否刚刚变为空
func (pt *Partition) updateEmpty() bool {
	wasEmpty := pt.empty
	pt.empty = true
	for _, p := range pt.procs {
		if p.running {
			pt.empty = false
			break
		}
	}
	return !wasEmpty && pt.empty
}
