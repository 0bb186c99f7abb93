package container

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// EventFd 是一个阻塞模式的 eventfd。
// 调度器一侧只通过 poll 判断可读之后再读取，所以不会阻塞事件循环。
type EventFd struct {
	file *os.File
	fd   int
}

// NewEventFd 创建 eventfd，设置 EFD_CLOEXEC，只有通过 ExtraFiles 传递的副本会被子进程继承
func NewEventFd(name string) (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd %s: %v", name, err)
	}
	return &EventFd{file: os.NewFile(uintptr(fd), name), fd: fd}, nil
}

// File 返回用于 exec.Cmd.ExtraFiles 的文件
func (e *EventFd) File() *os.File {
	return e.file
}

// Write 把 v 加到 eventfd 的计数器上
func (e *EventFd) Write(v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("write eventfd %s: %v", e.file.Name(), err)
		}
		return nil
	}
}

// TryRead 在计数器非零时读出并清零计数器，否则立即返回 false
func (e *EventFd) TryRead() (uint64, bool, error) {
	ready, err := e.Wait(0)
	if err != nil || !ready {
		return 0, false, err
	}
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("read eventfd %s: %v", e.file.Name(), err)
		}
		return binary.NativeEndian.Uint64(buf[:]), true, nil
	}
}

// Wait 等待 eventfd 变为可读，最多等待 timeout
func (e *EventFd) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll eventfd %s: %v", e.file.Name(), err)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Close 关闭 eventfd
func (e *EventFd) Close() error {
	return e.file.Close()
}
