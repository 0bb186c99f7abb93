package config

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	yaml "go.yaml.in/yaml/v3"
)

// 没有显式预算时，SC 分区默认使用窗口长度的 60%，给 BE 分区留出时间
const (
	scBudgetShare = 0.6
	beBudgetShare = 1.0
)

// 以下键可以直接写在分区中，表示分区只有一个进程
var inlineProcessKeys = []string{"cmd", "name", "dir", "budget", "jitter", "init", "continuous", "frequency"}

type field struct {
	key   string
	value *yaml.Node
}

// normalizer 把各种简写转换为规范形式。
// 在窗口和切片中内联定义的分区按出现顺序追加到顶层分区之后。
type normalizer struct {
	anonymous int
	inline    []Partition
}

func nodeError(n *yaml.Node, format string, args ...interface{}) error {
	return errors.Errorf("line %d: %s", n.Line, fmt.Sprintf(format, args...))
}

func fields(n *yaml.Node) ([]field, error) {
	if n.Kind != yaml.MappingNode {
		return nil, nodeError(n, "expected a mapping")
	}
	result := make([]field, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		result = append(result, field{key: n.Content[i].Value, value: n.Content[i+1]})
	}
	return result, nil
}

func lookup(fs []field, key string) *yaml.Node {
	for _, f := range fs {
		if f.key == key {
			return f.value
		}
	}
	return nil
}

func decode(n *yaml.Node, key string, out interface{}) error {
	if err := n.Decode(out); err != nil {
		return nodeError(n, "invalid value for %s: %v", key, err)
	}
	return nil
}

func unexpected(f field) error {
	return nodeError(f.value, "unexpected config key: %s", f.key)
}

func (n *normalizer) config(root *yaml.Node) (*Config, error) {
	fs, err := fields(root)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	for _, f := range fs {
		switch f.key {
		case "partitions", "windows":
			if f.value.Kind != yaml.SequenceNode {
				return nil, nodeError(f.value, "%s must be a list", f.key)
			}
		default:
			return nil, unexpected(f)
		}
	}
	if parts := lookup(fs, "partitions"); parts != nil {
		for _, p := range parts.Content {
			part, err := n.partition(p, math.NaN())
			if err != nil {
				return nil, err
			}
			cfg.Partitions = append(cfg.Partitions, part)
		}
	}
	if wins := lookup(fs, "windows"); wins != nil {
		for _, w := range wins.Content {
			win, err := n.window(w)
			if err != nil {
				return nil, err
			}
			cfg.Windows = append(cfg.Windows, win)
		}
	}
	cfg.Partitions = append(cfg.Partitions, n.inline...)
	return cfg, nil
}

// process 规范化一个进程，defaultBudget 为 NaN 时预算必须显式给出
func (n *normalizer) process(node *yaml.Node, defaultBudget float64) (Process, error) {
	var p Process
	hasBudget := false
	switch node.Kind {
	case yaml.ScalarNode:
		p.Cmd = node.Value
	case yaml.MappingNode:
		fs, _ := fields(node)
		for _, f := range fs {
			var err error
			switch f.key {
			case "cmd":
				err = decode(f.value, f.key, &p.Cmd)
			case "name":
				err = decode(f.value, f.key, &p.Name)
			case "dir":
				err = decode(f.value, f.key, &p.Dir)
			case "budget":
				hasBudget = true
				err = decode(f.value, f.key, &p.Budget)
			case "jitter":
				err = decode(f.value, f.key, &p.Jitter)
			case "init":
				err = decode(f.value, f.key, &p.Init)
			case "continuous":
				err = decode(f.value, f.key, &p.Continuous)
			case "frequency":
				err = decode(f.value, f.key, &p.Frequency)
			default:
				err = unexpected(f)
			}
			if err != nil {
				return p, err
			}
		}
	default:
		return p, nodeError(node, "a process must be a command or a mapping")
	}
	if p.Cmd == "" {
		return p, nodeError(node, "missing process command")
	}
	if !hasBudget {
		if math.IsNaN(defaultBudget) {
			return p, nodeError(node, "missing budget for process %q", p.Cmd)
		}
		p.Budget = int(defaultBudget)
	}
	return p, nil
}

// processes 规范化进程列表，默认预算在进程之间平均分配
func (n *normalizer) processes(node *yaml.Node, total float64) ([]Process, error) {
	if node.Kind != yaml.SequenceNode {
		p, err := n.process(node, total)
		if err != nil {
			return nil, err
		}
		return []Process{p}, nil
	}
	if len(node.Content) == 0 {
		return nil, nodeError(node, "empty process list")
	}
	procs := make([]Process, 0, len(node.Content))
	for _, item := range node.Content {
		p, err := n.process(item, total/float64(len(node.Content)))
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// partition 规范化一个分区：可以是进程列表，也可以是带 name/processes 的映射，
// 或者直接在映射中写单个进程的字段
func (n *normalizer) partition(node *yaml.Node, total float64) (Partition, error) {
	var part Partition
	switch node.Kind {
	case yaml.SequenceNode:
		procs, err := n.processes(node, total)
		if err != nil {
			return part, err
		}
		part.Processes = procs
	case yaml.MappingNode:
		fs, _ := fields(node)
		inline := &yaml.Node{Kind: yaml.MappingNode, Line: node.Line}
		for _, f := range fs {
			switch {
			case f.key == "name":
				if err := decode(f.value, f.key, &part.Name); err != nil {
					return part, err
				}
			case f.key == "processes":
				procs, err := n.processes(f.value, total)
				if err != nil {
					return part, err
				}
				part.Processes = procs
			case isInlineProcessKey(f.key):
				inline.Content = append(inline.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: f.key}, f.value)
			default:
				return part, unexpected(f)
			}
		}
		if len(inline.Content) > 0 {
			if part.Processes != nil {
				return part, nodeError(node, "cannot have both 'processes' and inline process keys in a partition")
			}
			p, err := n.process(inline, total)
			if err != nil {
				return part, err
			}
			part.Processes = []Process{p}
		}
	default:
		return part, nodeError(node, "a partition must be a list of processes or a mapping")
	}
	if part.Name == "" {
		part.Name = fmt.Sprintf("anonymous_%d", n.anonymous)
		n.anonymous++
	}
	if len(part.Processes) == 0 {
		return part, nodeError(node, "partition %s has no processes", part.Name)
	}
	return part, nil
}

func isInlineProcessKey(key string) bool {
	for _, k := range inlineProcessKeys {
		if k == key {
			return true
		}
	}
	return false
}

// partitionRef 处理切片中的 *_partition：字符串是对已有分区的引用，否则是内联定义的分区
func (n *normalizer) partitionRef(node *yaml.Node, total float64) (string, error) {
	if node.Kind == yaml.ScalarNode {
		return node.Value, nil
	}
	part, err := n.partition(node, total)
	if err != nil {
		return "", err
	}
	n.inline = append(n.inline, part)
	return part.Name, nil
}

// processesRef 处理切片中的 *_processes，创建一个匿名分区
func (n *normalizer) processesRef(node *yaml.Node, total float64) (string, error) {
	procs, err := n.processes(node, total)
	if err != nil {
		return "", err
	}
	part := Partition{Name: fmt.Sprintf("anonymous_%d", n.anonymous), Processes: procs}
	n.anonymous++
	n.inline = append(n.inline, part)
	return part.Name, nil
}

func (n *normalizer) slice(fs []field, line int, length int) (Slice, error) {
	var s Slice
	if lookup(fs, "sc_partition") != nil && lookup(fs, "sc_processes") != nil ||
		lookup(fs, "be_partition") != nil && lookup(fs, "be_processes") != nil {
		return s, errors.Errorf("line %d: cannot have both '*_partition' and '*_processes' in the same slice", line)
	}
	sc := float64(length) * scBudgetShare
	be := float64(length) * beBudgetShare
	for _, f := range fs {
		var err error
		switch f.key {
		case "cpu":
			if f.value.Kind != yaml.ScalarNode {
				err = nodeError(f.value, "cpu must be a CPU list such as 0-3,5")
			}
			s.CPU = f.value.Value
		case "frequency":
			err = decode(f.value, f.key, &s.Frequency)
		case "sc_partition":
			s.SCPartition, err = n.partitionRef(f.value, sc)
		case "be_partition":
			s.BEPartition, err = n.partitionRef(f.value, be)
		case "sc_processes":
			s.SCPartition, err = n.processesRef(f.value, sc)
		case "be_processes":
			s.BEPartition, err = n.processesRef(f.value, be)
		default:
			err = unexpected(f)
		}
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

var windowSliceKeys = []string{"sc_partition", "be_partition", "sc_processes", "be_processes", "cpu", "frequency"}

func (n *normalizer) window(node *yaml.Node) (Window, error) {
	var w Window
	fs, err := fields(node)
	if err != nil {
		return w, err
	}
	lengthNode := lookup(fs, "length")
	if lengthNode == nil {
		return w, nodeError(node, "missing window length")
	}
	if err := decode(lengthNode, "length", &w.Length); err != nil {
		return w, err
	}

	slices := lookup(fs, "slices")
	var implicit []field
	for _, f := range fs {
		switch {
		case f.key == "length" || f.key == "slices":
		case isWindowSliceKey(f.key):
			if slices != nil {
				return w, nodeError(f.value, "cannot have both 'slices' and '%s' in window definition", f.key)
			}
			implicit = append(implicit, f)
		default:
			return w, unexpected(f)
		}
	}

	if slices == nil {
		s, err := n.slice(implicit, node.Line, w.Length)
		if err != nil {
			return w, err
		}
		w.Slices = []Slice{s}
		return w, nil
	}
	if slices.Kind != yaml.SequenceNode {
		return w, nodeError(slices, "slices must be a list")
	}
	for _, item := range slices.Content {
		sfs, err := fields(item)
		if err != nil {
			return w, err
		}
		s, err := n.slice(sfs, item.Line, w.Length)
		if err != nil {
			return w, err
		}
		w.Slices = append(w.Slices, s)
	}
	return w, nil
}

func isWindowSliceKey(key string) bool {
	for _, k := range windowSliceKeys {
		if k == key {
			return true
		}
	}
	return false
}
