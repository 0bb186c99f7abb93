package config

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"go-demos/scheduler"
)

const mhz = 1_000_000

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Description 把配置转换为调度器使用的描述。
// 切片的 CPU 列表与 allowed 取交集；为空的列表表示 allowed 中的所有 CPU，
// 交集为空时退回到 allowed 中编号最小的 CPU。
func (c *Config) Description(allowed cpuset.CPUSet) (scheduler.Description, error) {
	var desc scheduler.Description
	if allowed.IsEmpty() {
		return desc, errors.New("no CPUs available to the scheduler")
	}

	for _, p := range c.Partitions {
		pd := scheduler.PartitionDesc{Name: p.Name}
		for i, proc := range p.Processes {
			pd.Processes = append(pd.Processes, scheduler.ProcessSpec{
				Name:       proc.name(i),
				Cmd:        proc.Cmd,
				Dir:        proc.Dir,
				Budget:     ms(proc.Budget),
				Jitter:     ms(proc.Jitter),
				HasInit:    proc.Init,
				Continuous: proc.Continuous,
				Frequency:  proc.Frequency * mhz,
			})
		}
		desc.Partitions = append(desc.Partitions, pd)
	}

	for i, w := range c.Windows {
		wd := scheduler.WindowDesc{Length: ms(w.Length)}
		for j, s := range w.Slices {
			cpus, err := sliceCPUs(s.CPU, allowed)
			if err != nil {
				return desc, errors.Wrapf(err, "window %d, slice %d", i, j)
			}
			wd.Slices = append(wd.Slices, scheduler.SliceDesc{
				SC:        s.SCPartition,
				BE:        s.BEPartition,
				CPUs:      cpus,
				Frequency: s.Frequency * mhz,
			})
		}
		desc.Windows = append(desc.Windows, wd)
	}
	return desc, nil
}

func sliceCPUs(s string, allowed cpuset.CPUSet) (cpuset.CPUSet, error) {
	if s == "" {
		return allowed, nil
	}
	requested, err := parseCPUs(s)
	if err != nil {
		return cpuset.New(), err
	}
	cpus := requested.Intersection(allowed)
	if cpus.IsEmpty() {
		fallback := cpuset.New(allowed.List()[0])
		log.Warnf("none of the CPUs %s is available (allowed %s), using CPU %s", requested, allowed, fallback)
		return fallback, nil
	}
	if !cpus.Equals(requested) {
		log.Warnf("slice CPUs narrowed from %s to %s", requested, cpus)
	}
	return cpus, nil
}
