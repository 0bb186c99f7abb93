// Package client 是受管进程一侧的完成通知协议。
//
// 调度器通过环境变量 DEMOS_FDS="completed_fd,new_period_fd" 把两个 eventfd 交给子进程。
// 进程在本周期的工作完成后向 completed_fd 写入 8 字节的 1，
// 然后阻塞读取 new_period_fd，直到调度器在下一次激活时唤醒它。
package client

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EnvFds 是传递 eventfd 编号的环境变量
const EnvFds = "DEMOS_FDS"

var (
	// ErrNoEnv 表示进程不是由调度器启动的
	ErrNoEnv = errors.New(EnvFds + " environment variable is missing")
	// ErrInitNotExpected 表示初始化完成通知已经发送过
	ErrInitNotExpected = errors.New("initialization completion is not expected now")
)

// Client 保存两个 eventfd，可以在多个 goroutine 中使用，但同一时刻只应有一个调用在等待
type Client struct {
	completed int
	newPeriod int

	mu       sync.Mutex
	initSent bool
}

// FormatEnv 返回传给子进程的环境变量
func FormatEnv(completedFd, newPeriodFd int) string {
	return fmt.Sprintf("%s=%d,%d", EnvFds, completedFd, newPeriodFd)
}

// ParseFds 解析 DEMOS_FDS 的值
func ParseFds(value string) (int, int, error) {
	var completed, newPeriod int
	if _, err := fmt.Sscanf(value, "%d,%d", &completed, &newPeriod); err != nil {
		return 0, 0, errors.Wrapf(err, "failed to parse %s=%q", EnvFds, value)
	}
	if completed < 0 || newPeriod < 0 {
		return 0, 0, errors.Errorf("invalid file descriptors in %s=%q", EnvFds, value)
	}
	return completed, newPeriod, nil
}

// New 使用给定的文件描述符创建客户端
func New(completedFd, newPeriodFd int) *Client {
	return &Client{completed: completedFd, newPeriod: newPeriodFd}
}

// FromEnv 从 DEMOS_FDS 创建客户端
func FromEnv() (*Client, error) {
	value, ok := os.LookupEnv(EnvFds)
	if !ok {
		return nil, ErrNoEnv
	}
	completed, newPeriod, err := ParseFds(value)
	if err != nil {
		return nil, err
	}
	return New(completed, newPeriod), nil
}

// Completed 通知调度器本周期的工作已经完成，并阻塞到进程再次被调度
func (c *Client) Completed() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if err := retry(func() (int, error) { return unix.Write(c.completed, buf[:]) }); err != nil {
		return errors.Wrap(err, "notify completion")
	}
	if err := retry(func() (int, error) { return unix.Read(c.newPeriod, buf[:]) }); err != nil {
		return errors.Wrap(err, "wait for new period")
	}
	return nil
}

// InitializationCompleted 通知调度器初始化阶段已经完成，并阻塞到第一次被调度。
// 每个进程只能调用一次。
func (c *Client) InitializationCompleted() error {
	c.mu.Lock()
	if c.initSent {
		c.mu.Unlock()
		return ErrInitNotExpected
	}
	c.initSent = true
	c.mu.Unlock()
	return c.Completed()
}

func retry(op func() (int, error)) error {
	for {
		_, err := op()
		if err != unix.EINTR {
			return err
		}
	}
}
