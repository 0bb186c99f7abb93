package subsystems

// ResourceConfig 用于创建顶层 cgroup 时传递的资源参数
type ResourceConfig struct {
	// CpuSet 表示顶层 cpuset cgroup 允许使用的 CPU（如 "0-3", "0,2"），
	// 为空时继承父 cgroup 的设置
	CpuSet string

	// Mems 表示允许使用的内存节点，为空时继承父 cgroup 的设置
	Mems string
}

// Subsystem 是调度器使用的所有 cgroup 层级的统一接口
// 每个层级（freezer/cpuset/unified）都需要实现该接口，便于统一创建和清理
type Subsystem interface {
	// Name 返回子系统的名字，用来在 mountinfo 和 /proc/self/cgroup 中查找对应的层级
	Name() string

	// Set 创建（如果不存在）cgroup 并写入该子系统需要的参数，返回 cgroup 的绝对路径
	Set(path string, res *ResourceConfig) (string, error)

	// Remove 移除该子系统中指定的 cgroup
	Remove(path string) error
}

// SubsystemsIns 是调度器需要的所有 Subsystem 实例的集合
var (
	SubsystemsIns = []Subsystem{
		&FreezerSubSystem{}, // 冻结/解冻进程
		&CpusetSubSystem{},  // CPU 核绑定
		&UnifiedSubSystem{}, // cgroup v2，用于检测进程退出
	}
)
