// Package power 实现调度器的功耗策略：在调度事件上调整 CPU 集群的频率。
package power

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"go-demos/cpufreq"
	"go-demos/scheduler"
)

// Cluster 是一组总是以相同频率运行的 CPU，由 cpufreq.Policy 实现
type Cluster interface {
	Name() string
	CPUs() cpuset.CPUSet
	MinFrequency() uint64
	MaxFrequency() uint64
	Validate(freq uint64) error
	SetFrequency(freq uint64) error
}

// Policy 是一个可以被关闭的功耗策略，Close 恢复 cpufreq 的原始状态
type Policy interface {
	scheduler.PowerPolicy
	Name() string
	Close() error
}

// Names 是所有可选的策略名
var Names = []string{"none", "low", "high", "minbe", "per-slice", "per-process"}

// New 按 "NAME[:ARG,...]" 的格式创建策略。
// 除 none 以外的策略都需要 cpufreq，root 为空时使用默认的 sysfs 路径。
func New(spec, root string) (Policy, error) {
	name, args, _ := strings.Cut(strings.ToLower(strings.TrimSpace(spec)), ":")
	if name == "" || name == "none" {
		log.Info("power management disabled (select a power policy with -p to enable it)")
		return &nopPolicy{}, nil
	}
	if args != "" {
		return nil, errors.Errorf("power policy %s does not accept arguments: %q", name, args)
	}
	ctor, ok := constructors[name]
	if !ok {
		return nil, errors.Errorf("unknown power policy selected: %s (available: %s)", name, strings.Join(Names, ", "))
	}
	m, err := cpufreq.Open(root)
	if err != nil {
		return nil, err
	}
	clusters := make([]Cluster, 0, len(m.Policies()))
	for _, p := range m.Policies() {
		clusters = append(clusters, p)
	}
	policy, err := ctor(clusters)
	if err != nil {
		m.Close()
		return nil, err
	}
	log.Infof("using power policy %s", name)
	return &managed{Policy: policy, closer: m}, nil
}

var constructors = map[string]func([]Cluster) (Policy, error){
	"low":         NewLow,
	"high":        NewHigh,
	"minbe":       NewMinBE,
	"per-slice":   NewPerSlice,
	"per-process": NewPerProcess,
}

// managed 在关闭策略时一并恢复 cpufreq
type managed struct {
	Policy
	closer interface{ Close() error }
}

func (m *managed) Close() error {
	if err := m.Policy.Close(); err != nil {
		m.closer.Close()
		return err
	}
	return m.closer.Close()
}

type nopPolicy struct {
	scheduler.NopPolicy
}

func (*nopPolicy) Name() string { return "none" }
func (*nopPolicy) Close() error { return nil }

// base 提供空的事件处理，具体策略只覆盖自己关心的部分
type base struct {
	name     string
	clusters []Cluster
}

func (b *base) Name() string                       { return b.name }
func (b *base) Validate([]*scheduler.Window) error { return nil }
func (b *base) Handle(scheduler.Event) error       { return nil }
func (b *base) Close() error                       { return nil }

func (b *base) setAll(pick func(Cluster) uint64) error {
	for _, c := range b.clusters {
		if err := c.SetFrequency(pick(c)); err != nil {
			return err
		}
	}
	return nil
}

func minFreq(c Cluster) uint64 { return c.MinFrequency() }
func maxFreq(c Cluster) uint64 { return c.MaxFrequency() }

// overlapping 返回与 cpus 有交集的集群
func overlapping(clusters []Cluster, cpus cpuset.CPUSet) []Cluster {
	var result []Cluster
	for _, c := range clusters {
		if c.CPUs().Intersection(cpus).Size() > 0 {
			result = append(result, c)
		}
	}
	return result
}
