package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"go-demos/client"
	"go-demos/container"
	"go-demos/power"
)

// DefaultCgroupName 是顶层 cgroup 的默认名字，同时运行的多个实例必须使用不同的名字
const DefaultCgroupName = "demos"

var configFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "c, config",
		Usage: "path to the configuration file",
	},
	cli.StringFlag{
		Name:  "C, config-str",
		Usage: "inline configuration in YAML format",
	},
}

// runCommand 启动调度器，直到所有进程退出、超时或收到 SIGINT/SIGTERM
var runCommand = cli.Command{
	Name:  "run",
	Usage: `Run the processes from the configuration under the time-partitioned scheduler ie: demos-sched run -c schedule.yaml`,
	Flags: append([]cli.Flag{
		cli.StringFlag{
			Name:  "p, power-policy",
			Usage: "power management policy in the form NAME[:ARG,...]; only one running instance may use it",
		},
		cli.StringFlag{
			Name:  "g, cgroup-name",
			Value: DefaultCgroupName,
			Usage: "name of the top-level cgroups, unique for each running instance",
		},
		cli.StringFlag{
			Name:  "m, window-message",
			Usage: "print this message to stdout at the beginning of each window",
		},
		cli.StringFlag{
			Name:  "M, mf-message",
			Usage: "print this message to stdout at the beginning of each major frame",
		},
		cli.IntFlag{
			Name:  "t, timeout",
			Usage: "stop all processes and exit after this many milliseconds",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve Prometheus metrics on this address, e.g. :9120",
		},
		cli.StringFlag{
			Name:  "trace-db",
			Usage: "record scheduling events into this SQLite database",
		},
		cli.BoolFlag{
			Name:  "rt",
			Usage: "run the scheduler itself with SCHED_FIFO priority on CPUs not used by any slice",
		},
	}, configFlags...),
	Action: func(context *cli.Context) error {
		opts := runOptions{
			ConfigFile:    context.String("config"),
			ConfigStr:     context.String("config-str"),
			PowerPolicy:   context.String("power-policy"),
			CgroupName:    context.String("cgroup-name"),
			WindowMessage: context.String("window-message"),
			MFMessage:     context.String("mf-message"),
			Timeout:       time.Duration(context.Int("timeout")) * time.Millisecond,
			MetricsAddr:   context.String("metrics-addr"),
			TraceDB:       context.String("trace-db"),
			Realtime:      context.Bool("rt"),
		}
		if opts.ConfigFile == "" && opts.ConfigStr == "" {
			return fmt.Errorf("missing configuration, use -c or -C")
		}
		if opts.Timeout < 0 {
			return fmt.Errorf("timeout must not be negative")
		}
		return Run(opts)
	},
}

// initCommand 是受管进程的第一阶段：等待调度器把自己放进 cgroup，然后执行用户命令
var initCommand = cli.Command{
	Name:   container.InitCommand,
	Usage:  "Init a scheduled process and exec the user's command. Do not call it outside",
	Hidden: true,
	Action: func(context *cli.Context) error {
		log.Debugf("init come on")
		return container.RunInitProcess()
	},
}

// planCommand 输出规范化之后的配置和一个主帧的时间线，不启动任何进程
var planCommand = cli.Command{
	Name:  "plan",
	Usage: "print the normalized configuration and the major frame timeline without running anything",
	Flags: append([]cli.Flag{
		cli.BoolFlag{
			Name:  "d, dump",
			Usage: "only dump the normalized configuration",
		},
	}, configFlags...),
	Action: func(context *cli.Context) error {
		return printPlan(context.String("config"), context.String("config-str"), context.Bool("dump"))
	},
}

// listCommand 列出所有正在运行的调度器实例
var listCommand = cli.Command{
	Name:  "ps",
	Usage: "list running scheduler instances",
	Action: func(context *cli.Context) error {
		return ListInstances()
	},
}

// stopCommand 请求一个调度器实例正常关闭
var stopCommand = cli.Command{
	Name:  "stop",
	Usage: "stop a running scheduler instance",
	Action: func(context *cli.Context) error {
		name := DefaultCgroupName
		if len(context.Args()) > 0 {
			name = context.Args().Get(0)
		}
		return stopInstance(name)
	},
}

// completedCommand 供 shell 脚本形式的受管进程使用：报告完成并阻塞到下一个周期
var completedCommand = cli.Command{
	Name:  "completed",
	Usage: "report that the calling scheduled process finished its work for this period and wait for the next one",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "init",
			Usage: "report the end of the initialization phase instead",
		},
	},
	Action: func(context *cli.Context) error {
		if context.Bool("init") {
			return client.InitializationCompleted()
		}
		return client.Completed()
	},
}

var versionCommand = cli.Command{
	Name:  "version",
	Usage: "print the version and the available power policies",
	Action: func(context *cli.Context) error {
		fmt.Printf("demos-sched version %s\n", version)
		fmt.Printf("power policies: %v\n", power.Names)
		return nil
	},
}
