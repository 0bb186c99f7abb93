package cgroups

import (
	"fmt"

	"k8s.io/utils/cpuset"

	"go-demos/cgroups/subsystems"
)

// Cpuset 是 cpuset cgroup 的句柄，记住最后写入的 CPU 集合以避免重复写入
type Cpuset struct {
	*Cgroup
	cpus cpuset.CPUSet
}

// NewCpuset 在 parent 下创建 cpuset cgroup，cpus 和 mems 初始值从 parent 继承
func NewCpuset(parent *Cgroup, name string) (*Cpuset, error) {
	cg, err := Create(parent, name)
	if err != nil {
		return nil, err
	}
	if err := subsystems.InheritCpuset(cg.path, "", ""); err != nil {
		cg.Remove()
		return nil, err
	}
	c := &Cpuset{Cgroup: cg}
	current, err := cg.read("cpuset.cpus")
	if err == nil {
		if set, err := cpuset.Parse(current); err == nil {
			c.cpus = set
		}
	}
	return c, nil
}

// CPUs 返回当前的 CPU 集合
func (c *Cpuset) CPUs() cpuset.CPUSet {
	return c.cpus
}

// SetCPUs 写入 cpuset.cpus，集合没有变化时不写入
func (c *Cpuset) SetCPUs(cpus cpuset.CPUSet) error {
	if cpus.Equals(c.cpus) {
		return nil
	}
	if err := c.write("cpuset.cpus", cpus.String()); err != nil {
		return fmt.Errorf("set cpuset.cpus of %s to %s: %v", c.path, cpus.String(), err)
	}
	c.cpus = cpus
	return nil
}

// Close 删除 cgroup
func (c *Cpuset) Close() error {
	return c.Remove()
}
