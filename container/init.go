package container

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// RunInitProcess 是受管进程 init 阶段的入口函数。
// 进程以冻结状态被移入 cgroup 之后才会真正运行到这里：
// 从管道中读取用户命令，然后用 syscall.Exec 交给 /bin/sh 执行，
// 这样 eventfd（4 号和 5 号 fd）和 DEMOS_FDS 环境变量都会保留给用户程序。
func RunInitProcess() error {
	command, err := readUserCommand(os.NewFile(uintptr(3), "pipe"))
	if err != nil {
		return err
	}
	if command == "" {
		return fmt.Errorf("run init process get user command error, command is empty")
	}
	log.Debugf("exec %s -c %q", Shell, command)

	// 执行用户命令，替换当前 init 进程（成功时不返回）
	if err := syscall.Exec(Shell, []string{"sh", "-c", command}, os.Environ()); err != nil {
		return fmt.Errorf("exec %s error %v", Shell, err)
	}
	return nil
}

// readUserCommand 读取父进程写入管道的整条命令，父进程写完后会关闭写端
func readUserCommand(pipe *os.File) (string, error) {
	defer pipe.Close()
	msg, err := io.ReadAll(pipe)
	if err != nil {
		return "", fmt.Errorf("init read pipe error %v", err)
	}
	return strings.TrimSpace(string(msg)), nil
}

// sendUserCommand 把命令写入管道并关闭写端
func sendUserCommand(command string, writePipe *os.File) error {
	defer writePipe.Close()
	if _, err := writePipe.WriteString(command); err != nil {
		return fmt.Errorf("send command to init process error %v", err)
	}
	return nil
}
