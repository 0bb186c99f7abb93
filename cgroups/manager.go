package cgroups

import (
	"fmt"
	"path"

	log "github.com/sirupsen/logrus"

	"go-demos/cgroups/subsystems"
)

// CgroupManager 负责创建和删除调度器实例的顶层 cgroup：
// 在 freezer、cpuset 和 unified 三个层级中，各自在当前进程所属的 cgroup 下创建名为 Name 的子 cgroup。
type CgroupManager struct {
	// Name 顶层 cgroup 的名字，同时也是实例名
	Name string
	// Resource 创建 cpuset cgroup 时使用的资源配置
	Resource *subsystems.ResourceConfig

	// paths 记录每个子系统中已经创建的 cgroup（相对于挂载点）
	paths map[string]string
	roots map[string]*Cgroup
}

// NewCgroupManager 创建管理器，此时还不会创建任何 cgroup
func NewCgroupManager(name string) *CgroupManager {
	return &CgroupManager{
		Name:  name,
		paths: make(map[string]string),
		roots: make(map[string]*Cgroup),
	}
}

// Set 在所有子系统中创建顶层 cgroup。任何一步失败都会删除已经创建的 cgroup。
func (c *CgroupManager) Set(res *subsystems.ResourceConfig) error {
	if res == nil {
		res = &subsystems.ResourceConfig{}
	}
	c.Resource = res
	for _, subSysIns := range subsystems.SubsystemsIns {
		name := subSysIns.Name()
		own, err := subsystems.FindOwnCgroup(name)
		if err != nil {
			c.Destroy()
			return fmt.Errorf("find own %s cgroup: %v%s", name, err, mountHint(name, err))
		}
		rel := path.Join(own, c.Name)
		full, err := subSysIns.Set(rel, res)
		if err != nil {
			c.Destroy()
			return fmt.Errorf("create %s cgroup %s: %v%s", name, rel, err, mountHint(name, err))
		}
		log.Debugf("created %s cgroup %s", name, full)
		c.paths[name] = rel
		c.roots[name] = &Cgroup{path: full}
	}
	return nil
}

// Freezer 返回顶层 freezer cgroup
func (c *CgroupManager) Freezer() *Cgroup {
	return c.roots["freezer"]
}

// Cpuset 返回顶层 cpuset cgroup
func (c *CgroupManager) Cpuset() *Cgroup {
	return c.roots["cpuset"]
}

// Unified 返回顶层 cgroup v2 cgroup
func (c *CgroupManager) Unified() *Cgroup {
	return c.roots[subsystems.UnifiedName]
}

// Destroy 按创建的相反顺序删除所有顶层 cgroup。
// 删除失败时（例如还有遗留的进程）记录需要手动清理的路径。
func (c *CgroupManager) Destroy() error {
	var first error
	for i := len(subsystems.SubsystemsIns) - 1; i >= 0; i-- {
		subSysIns := subsystems.SubsystemsIns[i]
		rel, ok := c.paths[subSysIns.Name()]
		if !ok {
			continue
		}
		if err := subSysIns.Remove(rel); err != nil {
			log.Warnf("remove cgroup %v, manual cleanup of %s cgroup %s is needed", err, subSysIns.Name(), rel)
			if first == nil {
				first = err
			}
			continue
		}
		delete(c.paths, subSysIns.Name())
		delete(c.roots, subSysIns.Name())
	}
	return first
}

func mountHint(subsystem string, err error) string {
	if !subsystems.IsNotFound(err) {
		return ""
	}
	switch subsystem {
	case subsystems.UnifiedName:
		return " (cgroup v2 must be mounted, e.g. systemd hybrid or unified hierarchy)"
	default:
		return fmt.Sprintf(" (mount it with: mount -t cgroup -o %[1]s none /sys/fs/cgroup/%[1]s)", subsystem)
	}
}
