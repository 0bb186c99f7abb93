package subsystems

// FreezerSubSystem 代表 cgroup v1 的 freezer 子系统，
// 调度器通过写 freezer.state 来暂停和恢复进程
type FreezerSubSystem struct {
}

// Set 创建 freezer cgroup，顶层 cgroup 不需要额外参数
func (s *FreezerSubSystem) Set(cgroupPath string, res *ResourceConfig) (string, error) {
	return GetCgroupPath(s.Name(), cgroupPath, true)
}

// Remove 删除 freezer cgroup 目录
func (s *FreezerSubSystem) Remove(cgroupPath string) error {
	return removeCgroup(s.Name(), cgroupPath)
}

func (s *FreezerSubSystem) Name() string {
	return "freezer"
}

// UnifiedSubSystem 代表 cgroup v2 层级。调度器不使用其中的控制器，
// 只通过 cgroup.events 中的 populated 字段检测进程退出
type UnifiedSubSystem struct {
}

func (s *UnifiedSubSystem) Set(cgroupPath string, res *ResourceConfig) (string, error) {
	return GetCgroupPath(s.Name(), cgroupPath, true)
}

func (s *UnifiedSubSystem) Remove(cgroupPath string) error {
	return removeCgroup(s.Name(), cgroupPath)
}

func (s *UnifiedSubSystem) Name() string {
	return UnifiedName
}
