package power

import (
	"github.com/pkg/errors"

	"go-demos/cpufreq"
	"go-demos/scheduler"
)

// perSlice 在窗口开始时按切片请求的频率设置集群。
// 同一窗口中共享集群的切片必须请求相同的频率。
type perSlice struct {
	base
}

// NewPerSlice 创建 per-slice 策略
func NewPerSlice(clusters []Cluster) (Policy, error) {
	return &perSlice{base{name: "per-slice", clusters: clusters}}, nil
}

// Validate 检查每个切片请求的频率是否可用，以及同一窗口中的切片是否在某个集群上冲突
func (p *perSlice) Validate(windows []*scheduler.Window) error {
	for _, w := range windows {
		for _, s := range w.Slices {
			if s.Frequency == 0 {
				continue
			}
			for _, c := range overlapping(p.clusters, s.CPUs) {
				if err := c.Validate(s.Frequency); err != nil {
					return errors.Wrapf(err, "window %d", w.Index())
				}
			}
		}
		if _, err := p.plan(w); err != nil {
			return errors.Wrapf(err, "window %d", w.Index())
		}
	}
	return nil
}

func (p *perSlice) Handle(ev scheduler.Event) error {
	if ev.Kind != scheduler.WindowStart {
		return nil
	}
	freqs, err := p.plan(ev.Window)
	if err != nil {
		return err
	}
	for _, c := range p.clusters {
		if freq, ok := freqs[c]; ok {
			if err := c.SetFrequency(freq); err != nil {
				return err
			}
		}
	}
	return nil
}

// plan 计算窗口中每个集群应该使用的频率
func (p *perSlice) plan(w *scheduler.Window) (map[Cluster]uint64, error) {
	freqs := make(map[Cluster]uint64)
	for _, s := range w.Slices {
		if s.Frequency == 0 {
			continue
		}
		for _, c := range overlapping(p.clusters, s.CPUs) {
			if prev, ok := freqs[c]; ok && prev != s.Frequency {
				return nil, errors.Errorf("scheduled slices require different frequencies on the CPU(s) %s: %s, %s",
					c.CPUs().String(), cpufreq.FormatHz(prev), cpufreq.FormatHz(s.Frequency))
			}
			freqs[c] = s.Frequency
		}
	}
	return freqs, nil
}
