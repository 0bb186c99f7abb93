package subsystems

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

var (
	// MountInfoPath 当前进程的挂载信息，测试中可以替换
	MountInfoPath = "/proc/self/mountinfo"
	// ProcCgroupPath 当前进程所属的 cgroup，测试中可以替换
	ProcCgroupPath = "/proc/self/cgroup"
)

// UnifiedName 是 cgroup v2 层级使用的名字，它没有对应的控制器
const UnifiedName = "unified"

// NotFoundError 表示找不到某个子系统的挂载点或所属 cgroup
type NotFoundError struct {
	Subsystem string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mountpoint for %s not found", e.Subsystem)
}

// IsNotFound 判断错误是否为 NotFoundError
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*NotFoundError)
	return ok
}

// FindCgroupMountpoint 查找某个子系统（如 "freezer", "cpuset"）在 cgroup 中的挂载点
// 挂载点信息位于 /proc/self/mountinfo 文件中
// 对于 "unified"，查找文件系统类型为 cgroup2 的挂载点
func FindCgroupMountpoint(subsystem string) (string, error) {
	f, err := os.Open(MountInfoPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// 按行扫描文件内容
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), " ")
		if len(fields) < 10 {
			continue
		}
		// " - " 之后依次是文件系统类型、挂载源和超级块选项
		sep := -1
		for i, field := range fields {
			if field == "-" {
				sep = i
				break
			}
		}
		if sep < 0 || sep+1 >= len(fields) {
			continue
		}
		fsType := fields[sep+1]
		if subsystem == UnifiedName {
			if fsType == "cgroup2" {
				// 第5列是挂载点路径
				return fields[4], nil
			}
			continue
		}
		if fsType != "cgroup" {
			continue
		}
		// 最后一列包含了挂载的子系统名（以逗号分隔）
		for _, opt := range strings.Split(fields[len(fields)-1], ",") {
			if opt == subsystem {
				return fields[4], nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", &NotFoundError{Subsystem: subsystem}
}

// FindOwnCgroup 返回当前进程在某个子系统层级中的 cgroup 路径（相对于挂载点）
// /proc/self/cgroup 每行的格式为 "层级ID:控制器列表:路径"，cgroup v2 的层级ID为 0 且控制器列表为空
func FindOwnCgroup(subsystem string) (string, error) {
	f, err := os.Open(ProcCgroupPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if subsystem == UnifiedName {
			if parts[0] == "0" && parts[1] == "" {
				return parts[2], nil
			}
			continue
		}
		for _, ctrl := range strings.Split(parts[1], ",") {
			if ctrl == subsystem {
				return parts[2], nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", &NotFoundError{Subsystem: subsystem}
}

// GetCgroupPath 获取某个子系统下的指定 cgroup 路径
// subsystem：子系统名（如 "freezer", "cpuset"）
// cgroupPath：相对于挂载点的 cgroup 路径（如 "user.slice/demos"）
// autoCreate：是否自动创建该路径
// 返回值为完整的 cgroup 绝对路径（如 "/sys/fs/cgroup/freezer/user.slice/demos"）
func GetCgroupPath(subsystem string, cgroupPath string, autoCreate bool) (string, error) {
	// 查找 subsystem 对应的挂载点路径
	cgroupRoot, err := FindCgroupMountpoint(subsystem)
	if err != nil {
		return "", err
	}

	// 拼接成完整路径
	fullPath := path.Join(cgroupRoot, cgroupPath)

	// 判断路径是否存在，若不存在且允许自动创建，则创建目录
	if _, err := os.Stat(fullPath); err == nil || (autoCreate && os.IsNotExist(err)) {
		if os.IsNotExist(err) {
			if err := os.Mkdir(fullPath, 0755); err != nil {
				return "", fmt.Errorf("error create cgroup %v", err)
			}
		}
		return fullPath, nil
	} else {
		// 既不存在，也不能创建，或出现其他错误
		return "", fmt.Errorf("cgroup path error %v", err)
	}
}
