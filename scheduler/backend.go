package scheduler

import "k8s.io/utils/cpuset"

// ProcessHooks 是运行时向调度核心报告进程状态变化的回调。
// 运行时必须保证两个回调都在事件循环的 goroutine 中执行。
type ProcessHooks struct {
	// CompletionReady 在进程的完成通知 fd 变为可读时调用
	CompletionReady func()
	// Populated 在进程 cgroup 的 populated 状态变化时调用，
	// populated 为 false 表示进程（及其子进程）已经全部退出
	Populated func(populated bool)
}

// ProcessRuntime 是一个受管进程在操作系统层面的句柄：
// 它自己的 freezer cgroup、events cgroup 以及两个 eventfd。
type ProcessRuntime interface {
	// Spawn 以冻结状态启动进程，返回 pid
	Spawn(cmd, dir string) (int, error)
	Freeze() error
	Thaw() error
	// Kill 向 cgroup 中的所有进程发送 SIGKILL
	Kill() error
	// Release 唤醒阻塞在 demos_completed 中等待新周期的进程
	Release() error
	// TakeCompletion 非阻塞地读取一次完成通知，没有通知时返回 false
	TakeCompletion() (bool, error)
	Close() error
}

// PartitionRuntime 是分区在操作系统层面的句柄
type PartitionRuntime interface {
	SetCPUs(cpus cpuset.CPUSet) error
	NewProcess(name string, hooks ProcessHooks) (ProcessRuntime, error)
	Close() error
}

// Backend 创建分区运行时，生产环境中由 cgroup 实现，测试中使用内存实现
type Backend interface {
	NewPartition(name string) (PartitionRuntime, error)
}
