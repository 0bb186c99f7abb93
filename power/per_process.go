package power

import (
	"github.com/pkg/errors"

	"go-demos/cpufreq"
	"go-demos/scheduler"
)

// perProcess 在进程开始运行时按进程请求的频率设置集群。
// 同一时刻在同一集群上运行的进程必须请求相同的频率，冲突在运行时才能发现。
type perProcess struct {
	base
	// requesting 记录每个集群上正在运行且请求了频率的进程
	requesting map[Cluster][]*scheduler.Process
}

// NewPerProcess 创建 per-process 策略
func NewPerProcess(clusters []Cluster) (Policy, error) {
	return &perProcess{
		base:       base{name: "per-process", clusters: clusters},
		requesting: make(map[Cluster][]*scheduler.Process),
	}, nil
}

// Validate 检查进程请求的频率在它可能运行的集群上是否可用
func (p *perProcess) Validate(windows []*scheduler.Window) error {
	for _, w := range windows {
		for _, s := range w.Slices {
			for _, part := range []*scheduler.Partition{s.SC, s.BE} {
				if part == nil {
					continue
				}
				for _, proc := range part.Processes() {
					freq := proc.Spec().Frequency
					if freq == 0 {
						continue
					}
					for _, c := range overlapping(p.clusters, s.CPUs) {
						if err := c.Validate(freq); err != nil {
							return errors.Wrapf(err, "process %s/%s", part.Name(), proc.Name())
						}
					}
				}
			}
		}
	}
	return nil
}

func (p *perProcess) Handle(ev scheduler.Event) error {
	switch ev.Kind {
	case scheduler.ProcessStart:
		return p.start(ev.Process, ev.Slice)
	case scheduler.ProcessEnd:
		p.end(ev.Process)
	}
	return nil
}

func (p *perProcess) start(proc *scheduler.Process, s *scheduler.Slice) error {
	freq := proc.Spec().Frequency
	if freq == 0 {
		return nil
	}
	for _, c := range overlapping(p.clusters, s.CPUs) {
		procs := p.requesting[c]
		// 所有已登记的进程请求的频率都相同，只需要和第一个比较
		if len(procs) > 0 && procs[0].Spec().Frequency != freq {
			return errors.Errorf("scheduled processes require different frequencies on the CPU(s) %s: %s, %s (process 1: %q, process 2: %q)",
				c.CPUs().String(), cpufreq.FormatHz(procs[0].Spec().Frequency), cpufreq.FormatHz(freq),
				procs[0].Spec().Cmd, proc.Spec().Cmd)
		}
		p.requesting[c] = append(procs, proc)
		if err := c.SetFrequency(freq); err != nil {
			return err
		}
	}
	return nil
}

func (p *perProcess) end(proc *scheduler.Process) {
	for c, procs := range p.requesting {
		kept := procs[:0]
		for _, other := range procs {
			if other != proc {
				kept = append(kept, other)
			}
		}
		p.requesting[c] = kept
	}
}
