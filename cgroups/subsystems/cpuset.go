package subsystems

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// CpusetSubSystem 代表 cpuset 子系统，实现了 Subsystem 接口。
// cpuset 用于指定进程可以在哪些 CPU 上运行（CPU 亲和性）
type CpusetSubSystem struct {
}

// Set 创建 cpuset cgroup 并写入 cpuset.cpus 和 cpuset.mems。
// cgroup v1 中新建的 cpuset 两个文件都是空的，进程无法加入，
// 所以没有配置的值从父 cgroup 复制。
func (s *CpusetSubSystem) Set(cgroupPath string, res *ResourceConfig) (string, error) {
	subsysCgroupPath, err := GetCgroupPath(s.Name(), cgroupPath, true)
	if err != nil {
		return "", err
	}
	if err := InheritCpuset(subsysCgroupPath, res.CpuSet, res.Mems); err != nil {
		return "", err
	}
	return subsysCgroupPath, nil
}

// InheritCpuset 写入 cgroup 的 cpuset.cpus 和 cpuset.mems，
// 值为空时使用父目录中的值
func InheritCpuset(cgroupPath, cpus, mems string) error {
	parent := path.Dir(cgroupPath)
	for _, item := range []struct{ file, value string }{
		{"cpuset.cpus", cpus},
		{"cpuset.mems", mems},
	} {
		value := item.value
		if value == "" {
			content, err := os.ReadFile(path.Join(parent, item.file))
			if err != nil {
				return fmt.Errorf("read parent %s error %v", item.file, err)
			}
			value = strings.TrimSpace(string(content))
		}
		if err := os.WriteFile(path.Join(cgroupPath, item.file), []byte(value), 0644); err != nil {
			return fmt.Errorf("set %s to %q error %v", item.file, value, err)
		}
	}
	return nil
}

// Remove 删除某个 cgroup 在 cpuset 子系统中的目录
func (s *CpusetSubSystem) Remove(cgroupPath string) error {
	return removeCgroup(s.Name(), cgroupPath)
}

// Name 返回该子系统的名称
func (s *CpusetSubSystem) Name() string {
	return "cpuset"
}

// removeCgroup 删除 cgroup 目录。cgroupfs 中的控制文件不能单独删除，
// 只能对空的 cgroup 目录执行 rmdir
func removeCgroup(subsystem, cgroupPath string) error {
	subsysCgroupPath, err := GetCgroupPath(subsystem, cgroupPath, false)
	if err != nil {
		return err
	}
	if err := os.Remove(subsysCgroupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s error %v", subsysCgroupPath, err)
	}
	return nil
}
