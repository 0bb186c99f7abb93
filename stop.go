package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go-demos/container"
)

// stopInstance 向指定实例发送 SIGTERM，实例会结束所有受管进程并删除自己的 cgroup
func stopInstance(name string) error {
	info, err := getInstanceInfoByName(name)
	if err != nil {
		return fmt.Errorf("instance %s is not running: %v", name, err)
	}
	pid, err := strconv.Atoi(info.Pid)
	if err != nil {
		return fmt.Errorf("convert pid %q error %v", info.Pid, err)
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			// 进程已经不存在，说明实例没有正常退出，清理遗留的状态文件
			log.Warnf("instance %s (pid %d) is gone, removing its state", name, pid)
			deleteInstanceInfo(name)
			return nil
		}
		return fmt.Errorf("stop instance %s error %v", name, err)
	}

	// 实例退出时会删除整个目录，这里只更新状态
	info.Status = container.STOP
	newContentBytes, err := json.Marshal(info)
	if err != nil {
		return err
	}
	configFilePath := filepath.Join(fmt.Sprintf(container.DefaultInfoLocation, name), container.ConfigName)
	if err := os.WriteFile(configFilePath, newContentBytes, 0o644); err != nil && !os.IsNotExist(err) {
		log.Warnf("Write file %s error %v", configFilePath, err)
	}
	log.Infof("sent SIGTERM to instance %s (pid %d)", name, pid)
	return nil
}
