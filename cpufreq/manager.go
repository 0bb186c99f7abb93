package cpufreq

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
)

// DefaultRoot 是 cpufreq 在 sysfs 中的位置
const DefaultRoot = "/sys/devices/system/cpu/cpufreq"

// Manager 管理所有 cpufreq 策略，负责切换和恢复调速器
type Manager struct {
	root     string
	policies []*Policy
	byName   map[string]*Policy

	// pstateFile 是 intel_pstate 驱动的状态文件，originalPstate 非空时退出时需要恢复
	pstateFile     string
	originalPstate string
}

// Open 检查 cpufreq 的支持情况和权限，把所有策略的调速器切换到 userspace。
// root 为空时使用 DefaultRoot。
func Open(root string) (*Manager, error) {
	if root == "" {
		root = DefaultRoot
	}
	if err := checkSupport(root); err != nil {
		return nil, err
	}
	m := &Manager{
		root:       root,
		byName:     make(map[string]*Policy),
		pstateFile: filepath.Join(filepath.Dir(root), "intel_pstate", "status"),
	}
	if err := m.setupIntelPstate(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		m.Close()
		return nil, errors.Wrapf(err, "list %s", root)
	}
	for _, entry := range entries {
		// 调速器也可能在这里创建自己的配置目录
		if !strings.HasPrefix(entry.Name(), "policy") {
			continue
		}
		p, err := NewPolicy(filepath.Join(root, entry.Name()))
		if err != nil {
			m.Close()
			return nil, err
		}
		m.policies = append(m.policies, p)
		m.byName[p.Name()] = p
		if err := p.SetGovernor(Userspace); err != nil {
			m.Close()
			return nil, err
		}
	}
	sort.Slice(m.policies, func(i, j int) bool {
		return firstCPU(m.policies[i]) < firstCPU(m.policies[j])
	})
	log.Debugf("cpufreq set up with %d policies", len(m.policies))
	return m, nil
}

func firstCPU(p *Policy) int {
	if !p.Active() {
		return math.MaxInt
	}
	return p.CPUs().List()[0]
}

func checkSupport(root string) error {
	path := filepath.Join(root, "policy0", "scaling_governor")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err == nil {
		f.Close()
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return errors.New("cannot activate power management policy, cpufreq seems not to be supported by your kernel;" +
			" re-run without a power policy to run without active power management")
	case os.IsPermission(err):
		return errors.New("cannot activate power management policy, no permission to control CPU frequency scaling;" +
			" run as root or grant write access to " + root)
	}
	return errors.Wrap(err, "failed to open CPU policy governor file for writing")
}

// setupIntelPstate 在 intel_pstate 处于 active 模式时切换到 passive 模式，否则无法手动设置频率
func (m *Manager) setupIntelPstate() error {
	content, err := os.ReadFile(m.pstateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read intel_pstate status")
	}
	status := strings.TrimSpace(string(content))
	switch status {
	case "off":
		return errors.New("the system has an Intel CPU but a non-standard cpufreq driver is used;" +
			" switch to the intel_pstate driver or run without a power policy")
	case "active":
		log.Debug("switching intel_pstate driver to passive mode")
		if err := os.WriteFile(m.pstateFile, []byte("passive"), 0644); err != nil {
			return errors.Wrap(err, "switch intel_pstate to passive mode")
		}
		m.originalPstate = status
	}
	return nil
}

// Policies 返回按第一个 CPU 排序的所有策略
func (m *Manager) Policies() []*Policy {
	return m.policies
}

// Policy 按名字（如 "policy0"）查找策略
func (m *Manager) Policy(name string) (*Policy, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// Overlapping 返回与 cpus 有交集的所有策略
func (m *Manager) Overlapping(cpus cpuset.CPUSet) []*Policy {
	var result []*Policy
	for _, p := range m.policies {
		if p.CPUs().Intersection(cpus).Size() > 0 {
			result = append(result, p)
		}
	}
	return result
}

// Close 先恢复所有调速器，再恢复 intel_pstate 的模式
func (m *Manager) Close() error {
	var first error
	for _, p := range m.policies {
		if err := p.Restore(); err != nil {
			log.Warnf("restore cpufreq governor of %s error %v", p.Name(), err)
			if first == nil {
				first = err
			}
		}
	}
	if m.originalPstate != "" {
		log.Debugf("resetting intel_pstate driver mode to %s", m.originalPstate)
		if err := os.WriteFile(m.pstateFile, []byte(m.originalPstate), 0644); err != nil && first == nil {
			first = errors.Wrap(err, "reset intel_pstate mode")
		}
		m.originalPstate = ""
	}
	return first
}
