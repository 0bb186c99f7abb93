// Package cpufreq 通过 sysfs 中的 cpufreq 接口控制 CPU 频率。
//
// 每个 /sys/devices/system/cpu/cpufreq/policy<N> 目录对应一组总是以相同频率运行的 CPU（一个集群）。
// 调度器把所有集群的调速器切换到 userspace，然后通过 scaling_setspeed 设置频率，
// 退出时恢复原来的调速器。sysfs 中的频率单位是 kHz，这个包对外统一使用 Hz。
package cpufreq

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
)

// Userspace 是允许从用户态设置频率的调速器
const Userspace = "userspace"

// Policy 是一个 cpufreq 策略（CPU 集群）
type Policy struct {
	dir  string
	name string

	originalGovernor string
	governor         string

	min       uint64
	max       uint64
	available []uint64
	cpus      cpuset.CPUSet

	// current 是最后一次写入的频率，0 表示还没有写入
	current uint64
	log     *log.Entry
}

// NewPolicy 读取策略目录中的频率范围和 CPU 列表，此时不修改调速器
func NewPolicy(dir string) (*Policy, error) {
	p := &Policy{
		dir:  dir,
		name: filepath.Base(dir),
	}
	p.log = log.WithField("cpufreq", p.name)

	var err error
	if p.governor, err = p.readString("scaling_governor"); err != nil {
		return nil, errors.Wrapf(err, "failed to read current cpufreq governor for policy %s", p.name)
	}
	p.originalGovernor = p.governor
	if p.min, err = p.readFreq("scaling_min_freq"); err != nil {
		return nil, err
	}
	if p.max, err = p.readFreq("scaling_max_freq"); err != nil {
		return nil, err
	}
	if p.available, err = p.readAvailable(); err != nil {
		return nil, err
	}
	affected, err := p.readString("affected_cpus")
	if err != nil {
		return nil, errors.Wrapf(err, "read affected CPUs of %s", p.name)
	}
	if p.cpus, err = cpuset.Parse(strings.Join(strings.Fields(affected), ",")); err != nil {
		return nil, errors.Wrapf(err, "parse affected CPUs %q of %s", affected, p.name)
	}
	return p, nil
}

func (p *Policy) Name() string           { return p.name }
func (p *Policy) CPUs() cpuset.CPUSet    { return p.cpus }
func (p *Policy) MinFrequency() uint64   { return p.min }
func (p *Policy) MaxFrequency() uint64   { return p.max }
func (p *Policy) Governor() string       { return p.governor }
func (p *Policy) Available() []uint64    { return p.available }
func (p *Policy) HasAvailableList() bool { return p.available != nil }

// Active 表示策略下至少有一个在线的 CPU，离线集群的写操作都会被忽略
func (p *Policy) Active() bool {
	return p.cpus.Size() > 0
}

// Validate 检查频率是否在支持的范围内，并且（如果系统列出了可用频率）是其中之一
func (p *Policy) Validate(freq uint64) error {
	if freq < p.min {
		return errors.Errorf("CPU frequency %s for %s is less than the supported minimum of %s",
			FormatHz(freq), p.name, FormatHz(p.min))
	}
	if freq > p.max {
		return errors.Errorf("CPU frequency %s for %s is more than the supported maximum of %s",
			FormatHz(freq), p.name, FormatHz(p.max))
	}
	if p.available != nil && !slices.Contains(p.available, freq) {
		return errors.Errorf("CPU frequency %d Hz is not listed as an available frequency for %s (available: %s)",
			freq, p.name, p.availableString())
	}
	return nil
}

// SetFrequency 设置集群的频率，频率没有变化时不写入
func (p *Policy) SetFrequency(freq uint64) error {
	if !p.Active() {
		return nil
	}
	if err := p.Validate(freq); err != nil {
		return err
	}
	if freq == p.current {
		return nil
	}
	p.log.Debugf("changing CPU frequency to %s", FormatHz(freq))
	if err := p.write("scaling_setspeed", strconv.FormatUint(freq/1000, 10)); err != nil {
		return errors.Wrapf(err, "could not set frequency for cpufreq policy %s", p.name)
	}
	p.current = freq
	return nil
}

// Frequency 读取集群当前的频率
func (p *Policy) Frequency() (uint64, error) {
	return p.readFreq("scaling_cur_freq")
}

// SetGovernor 切换调速器
func (p *Policy) SetGovernor(governor string) error {
	if !p.Active() || governor == p.governor {
		return nil
	}
	p.log.Debugf("setting cpufreq governor to %s", governor)
	if err := p.write("scaling_governor", governor); err != nil {
		return errors.Wrapf(err, "failed to set cpufreq governor to %s for policy %s", governor, p.name)
	}
	p.governor = governor
	p.current = 0
	return nil
}

// Restore 恢复原来的调速器
func (p *Policy) Restore() error {
	return p.SetGovernor(p.originalGovernor)
}

func (p *Policy) readString(file string) (string, error) {
	content, err := os.ReadFile(filepath.Join(p.dir, file))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (p *Policy) readFreq(file string) (uint64, error) {
	s, err := p.readString(file)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s of %s", file, p.name)
	}
	khz, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s of %s", file, p.name)
	}
	return khz * 1000, nil
}

// readAvailable 读取 scaling_available_frequencies，文件不存在（如 intel_pstate）时返回 nil
func (p *Policy) readAvailable() ([]uint64, error) {
	s, err := p.readString("scaling_available_frequencies")
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read available frequencies of %s", p.name)
	}
	freqs := []uint64{}
	for _, field := range strings.Fields(s) {
		khz, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse available frequencies of %s", p.name)
		}
		freqs = append(freqs, khz*1000)
	}
	slices.Sort(freqs)
	return freqs, nil
}

func (p *Policy) write(file, value string) error {
	return os.WriteFile(filepath.Join(p.dir, file), []byte(value), 0644)
}

func (p *Policy) availableString() string {
	if p.available == nil {
		return "unknown"
	}
	strs := make([]string, 0, len(p.available))
	for _, f := range p.available {
		strs = append(strs, FormatHz(f))
	}
	return strings.Join(strs, ", ")
}

// FormatHz 以 MHz 为单位格式化频率
func FormatHz(freq uint64) string {
	return fmt.Sprintf("%d MHz", freq/1000000)
}
