package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"
)

// Validate 检查规范形式的配置是否可以被调度
func (c *Config) Validate() error {
	if len(c.Partitions) == 0 {
		return errors.New("configuration error: no partitions defined")
	}
	if len(c.Windows) == 0 {
		return errors.New("configuration error: no windows defined")
	}

	names := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if p.Name == "" {
			return errors.New("configuration error: partition without a name")
		}
		if err := validName(p.Name); err != nil {
			return errors.Wrap(err, "configuration error: partition")
		}
		if names[p.Name] {
			return errors.Errorf("configuration error: duplicate partition name %q", p.Name)
		}
		names[p.Name] = true
		if len(p.Processes) == 0 {
			return errors.Errorf("configuration error: partition %s has no processes", p.Name)
		}
		procNames := make(map[string]bool)
		for i, proc := range p.Processes {
			if err := proc.validate(); err != nil {
				return errors.Wrapf(err, "configuration error: partition %s, process %d", p.Name, i)
			}
			name := proc.name(i)
			if err := validName(name); err != nil {
				return errors.Wrapf(err, "configuration error: partition %s, process %d", p.Name, i)
			}
			if procNames[name] {
				return errors.Errorf("configuration error: duplicate process name %q in partition %s", name, p.Name)
			}
			procNames[name] = true
		}
	}

	for i, w := range c.Windows {
		if w.Length <= 0 {
			return errors.Errorf("configuration error: window %d: length must be positive, got %d", i, w.Length)
		}
		if len(w.Slices) == 0 {
			return errors.Errorf("configuration error: window %d has no slices", i)
		}
		// 同一窗口中一个分区只能出现一次，否则它会同时在两个切片中被调度
		used := make(map[string]bool)
		for j, s := range w.Slices {
			if _, err := parseCPUs(s.CPU); err != nil {
				return errors.Wrapf(err, "configuration error: window %d, slice %d", i, j)
			}
			for _, ref := range []string{s.SCPartition, s.BEPartition} {
				if ref == "" {
					continue
				}
				if !names[ref] {
					return errors.Errorf("configuration error: window %d, slice %d: unknown partition %q", i, j, ref)
				}
				if used[ref] {
					return errors.Errorf("configuration error: window %d: partition %s is scheduled more than once", i, ref)
				}
				used[ref] = true
			}
		}
	}
	return nil
}

func (p Process) validate() error {
	if p.Cmd == "" {
		return errors.New("missing command")
	}
	if p.Budget <= 0 {
		return errors.Errorf("budget must be positive, got %d", p.Budget)
	}
	// 实际预算在 [budget-jitter/2, budget+jitter/2] 中选取，不能为负
	if p.Jitter < 0 || p.Jitter > 2*p.Budget {
		return errors.Errorf("jitter %d out of range [0, %d]", p.Jitter, 2*p.Budget)
	}
	return nil
}

// name 返回进程的名字，没有显式命名的进程按位置命名为 proc<i>
func (p Process) name(i int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("proc%d", i)
}

// validName 检查名字能否直接作为 cgroup 目录名使用
func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return errors.Errorf("invalid name %q", name)
	}
	return nil
}

func parseCPUs(s string) (cpuset.CPUSet, error) {
	if s == "" {
		return cpuset.New(), nil
	}
	cpus, err := cpuset.Parse(s)
	if err != nil {
		return cpuset.New(), errors.Wrapf(err, "invalid cpu list %q", s)
	}
	return cpus, nil
}
