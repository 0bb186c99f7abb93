package cgroups

import (
	"fmt"
	"strings"
)

// Events 是 cgroup v2 中用于检测进程退出的 cgroup。
// 内核在 cgroup.events 的 populated 字段变化时产生文件修改通知。
type Events struct {
	*Cgroup
}

// NewEvents 在 parent 下创建 cgroup v2 的子 cgroup
func NewEvents(parent *Cgroup, name string) (*Events, error) {
	cg, err := Create(parent, name)
	if err != nil {
		return nil, err
	}
	return &Events{Cgroup: cg}, nil
}

// EventsFile 返回 cgroup.events 的路径
func (e *Events) EventsFile() string {
	return e.File("cgroup.events")
}

// Populated 读取 cgroup.events，返回 cgroup（及其子孙）中是否还有进程
func (e *Events) Populated() (bool, error) {
	content, err := e.read("cgroup.events")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "populated" {
			return fields[1] == "1", nil
		}
	}
	return false, fmt.Errorf("no populated field in %s", e.EventsFile())
}

// Close 删除 cgroup
func (e *Events) Close() error {
	return e.Remove()
}
