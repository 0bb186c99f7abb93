package cgroups

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cgroup 是 cgroup 目录的句柄。通过 Create 创建的 cgroup 在 Remove 时会被删除，
// 通过 Open 打开的已有 cgroup 不会。
type Cgroup struct {
	path  string
	owned bool
}

// Open 打开一个已经存在的 cgroup
func Open(path string) (*Cgroup, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open cgroup %s: %v", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open cgroup %s: not a directory", path)
	}
	return &Cgroup{path: path}, nil
}

// Create 在 parent 下创建名为 name 的子 cgroup，同名 cgroup 已存在时返回错误
func Create(parent *Cgroup, name string) (*Cgroup, error) {
	p := filepath.Join(parent.path, name)
	if err := os.Mkdir(p, 0755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("cgroup %s already exists, is another instance running? %v", p, err)
		}
		return nil, fmt.Errorf("create cgroup %s: %v", p, err)
	}
	return &Cgroup{path: p, owned: true}, nil
}

// Path 返回 cgroup 的绝对路径
func (c *Cgroup) Path() string {
	return c.path
}

// File 返回 cgroup 中某个控制文件的路径
func (c *Cgroup) File(name string) string {
	return filepath.Join(c.path, name)
}

// AddProcess 把进程（连同它的所有线程）移动到该 cgroup
func (c *Cgroup) AddProcess(pid int) error {
	if err := c.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("add process %d to %s: %v", pid, c.path, err)
	}
	return nil
}

// Procs 返回 cgroup 中所有进程的 pid
func (c *Cgroup) Procs() ([]int, error) {
	f, err := os.Open(c.File("cgroup.procs"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %v", c.File("cgroup.procs"), err)
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}

// Remove 删除自己创建的 cgroup 目录。cgroup 中还有进程时删除会失败。
func (c *Cgroup) Remove() error {
	if !c.owned {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %v", c.path, err)
	}
	c.owned = false
	return nil
}

func (c *Cgroup) write(file, value string) error {
	return os.WriteFile(c.File(file), []byte(value), 0644)
}

func (c *Cgroup) read(file string) (string, error) {
	content, err := os.ReadFile(c.File(file))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}
