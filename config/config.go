// Package config 读取、规范化和校验调度表的 YAML 配置。
//
// 配置允许多种简写（见 normalize.go），加载之后统一转换成规范形式：
//
//	partitions:
//	  - name: SC1
//	    processes:
//	      - {cmd: ./sc1, budget: 100, jitter: 0, init: false}
//	windows:
//	  - length: 500
//	    slices:
//	      - {cpu: 0-1, sc_partition: SC1, be_partition: BE1}
//
// 所有时间的单位都是毫秒，频率的单位是 MHz。
package config

import (
	"os"

	"github.com/pkg/errors"
	yaml "go.yaml.in/yaml/v3"
)

// Process 是规范形式中的一个进程
type Process struct {
	Name       string `yaml:"name,omitempty"`
	Cmd        string `yaml:"cmd"`
	Dir        string `yaml:"dir,omitempty"`
	Budget     int    `yaml:"budget"`
	Jitter     int    `yaml:"jitter"`
	Init       bool   `yaml:"init"`
	Continuous bool   `yaml:"continuous,omitempty"`
	Frequency  uint64 `yaml:"frequency,omitempty"`
}

// Partition 是规范形式中的一个分区
type Partition struct {
	Name      string    `yaml:"name"`
	Processes []Process `yaml:"processes"`
}

// Slice 是规范形式中的一个切片，CPU 为空表示调度器允许使用的所有 CPU
type Slice struct {
	CPU         string `yaml:"cpu,omitempty"`
	SCPartition string `yaml:"sc_partition,omitempty"`
	BEPartition string `yaml:"be_partition,omitempty"`
	Frequency   uint64 `yaml:"frequency,omitempty"`
}

// Window 是规范形式中的一个窗口
type Window struct {
	Length int     `yaml:"length"`
	Slices []Slice `yaml:"slices"`
}

// Config 是规范化之后的完整配置
type Config struct {
	Partitions []Partition `yaml:"partitions"`
	Windows    []Window    `yaml:"windows"`
}

// Load 读取配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load configuration file %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "configuration file %s", path)
	}
	return cfg, nil
}

// Parse 解析、规范化并校验配置
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "configuration error")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("configuration is empty")
	}
	n := &normalizer{}
	cfg, err := n.config(doc.Content[0])
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump 以规范形式输出配置
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// Partition 按名字查找分区
func (c *Config) Partition(name string) (*Partition, bool) {
	for i := range c.Partitions {
		if c.Partitions[i].Name == name {
			return &c.Partitions[i], true
		}
	}
	return nil, false
}
