package client

import "sync"

var (
	defaultOnce   sync.Once
	defaultClient *Client
	defaultErr    error
)

// Default 返回根据环境变量创建的进程级客户端，只在第一次调用时解析环境变量
func Default() (*Client, error) {
	defaultOnce.Do(func() {
		defaultClient, defaultErr = FromEnv()
	})
	return defaultClient, defaultErr
}

// Completed 使用进程级客户端发送完成通知
func Completed() error {
	c, err := Default()
	if err != nil {
		return err
	}
	return c.Completed()
}

// InitializationCompleted 使用进程级客户端发送初始化完成通知
func InitializationCompleted() error {
	c, err := Default()
	if err != nil {
		return err
	}
	return c.InitializationCompleted()
}
