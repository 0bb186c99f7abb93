package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// usage 定义了应用的使用说明
const usage = `time-partitioned process scheduler based on the cgroup freezer`

// version 在构建时通过 -ldflags "-X main.version=..." 设置
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "demos-sched"
	app.Usage = usage
	app.Version = version
	app.Flags = logFlags

	app.Commands = []cli.Command{
		initCommand,
		runCommand,
		planCommand,
		listCommand,
		stopCommand,
		completedCommand,
		versionCommand,
	}

	// 在子命令执行前配置日志
	app.Before = setupLogging
	app.After = func(*cli.Context) error {
		closeLogging()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		closeLogging()
		os.Exit(1)
	}
}
