package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"

	"go-demos/container"
)

// ListInstances 列出所有调度器实例的信息
func ListInstances() error {
	return listInstances(os.Stdout)
}

func listInstances(out io.Writer) error {
	// 去掉路径末尾的 "%s/"
	dirURL := strings.TrimSuffix(fmt.Sprintf(container.DefaultInfoLocation, ""), "/")

	entries, err := os.ReadDir(dirURL)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read dir %s error %v", dirURL, err)
	}

	var instances []*container.InstanceInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := getInstanceInfoByName(entry.Name())
		if err != nil {
			log.Warnf("Get instance info error %v", err)
			continue
		}
		instances = append(instances, info)
	}

	w := tabwriter.NewWriter(out, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "NAME\tPID\tSTATUS\tPOLICY\tCONFIG\tCREATED\n")
	for _, item := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			item.Name,
			item.Pid,
			item.Status,
			item.Policy,
			item.Config,
			item.CreatedTime)
	}
	return w.Flush()
}

// getInstanceInfoByName 读取实例的 state.json
func getInstanceInfoByName(name string) (*container.InstanceInfo, error) {
	configFilePath := filepath.Join(fmt.Sprintf(container.DefaultInfoLocation, name), container.ConfigName)
	content, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("read file %s error %v", configFilePath, err)
	}
	var info container.InstanceInfo
	if err := json.Unmarshal(content, &info); err != nil {
		return nil, fmt.Errorf("json unmarshal %s error %v", configFilePath, err)
	}
	return &info, nil
}
