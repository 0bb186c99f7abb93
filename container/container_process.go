package container

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"go-demos/client"
)

// ------------------------
// 常量与路径配置
// ------------------------

var (
	RUNNING             string = "running"            // 调度器运行状态
	STOP                string = "stopped"            // 调度器停止状态
	DefaultInfoLocation string = "/var/run/demos/%s/" // 实例信息存储目录（如 state.json）
	ConfigName          string = "state.json"         // 实例信息文件名
	InitCommand         string = "init"               // 子进程重新执行自身时使用的隐藏命令
	SelfExe             string = "/proc/self/exe"     // 当前可执行文件
	Shell               string = "/bin/sh"            // 执行用户命令的 shell
)

// ------------------------
// 实例元信息结构体
// ------------------------

// InstanceInfo 记录一个正在运行的调度器实例，供 ps 和 stop 命令使用
type InstanceInfo struct {
	Pid         string `json:"pid"`        // 调度器进程的 PID
	Name        string `json:"name"`       // 实例名称，同时也是顶层 cgroup 的名字
	Config      string `json:"config"`     // 配置文件路径，内联配置时为 "-"
	Policy      string `json:"policy"`     // 使用的功耗策略
	CreatedTime string `json:"createTime"` // 启动时间
	Status      string `json:"status"`     // 当前状态
}

// ------------------------
// 创建新的子进程（受管进程的 init 阶段）
// dir 是进程的工作目录，为空时继承调度器的工作目录
// stdout、stderr 是进程的输出，为 nil 时丢弃
// completed、newPeriod 是完成通知使用的两个 eventfd，在子进程中分别是 4 号和 5 号 fd
// 返回创建的命令和管道写入端，用户命令在进程被移入 cgroup 之后通过管道发送
// ------------------------

func NewParentProcess(dir string, stdout, stderr io.Writer, completed, newPeriod *os.File) (*exec.Cmd, *os.File, error) {
	// 创建匿名管道，用于父子进程间通信
	readPipe, writePipe, err := NewPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("new pipe error %v", err)
	}

	// 获取当前进程执行文件的路径（用于调用自身执行 init 子命令）
	initCmd, err := os.Readlink(SelfExe)
	if err != nil {
		readPipe.Close()
		writePipe.Close()
		return nil, nil, fmt.Errorf("get init process error %v", err)
	}

	cmd := exec.Command(initCmd, InitCommand)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// 管道读端是 3 号 fd，两个 eventfd 依次是 4 号和 5 号
	cmd.ExtraFiles = []*os.File{readPipe, completed, newPeriod}
	cmd.Env = append(os.Environ(), client.FormatEnv(4, 5))

	return cmd, writePipe, nil
}

// NewPipe 创建一个匿名管道用于父子进程通信
func NewPipe() (*os.File, *os.File, error) {
	read, write, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	return read, write, nil
}
