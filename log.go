package main

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志相关的全局参数，对所有子命令生效
var logFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "log-level",
		Value:  "info",
		Usage:  "log level (trace, debug, info, warn, error)",
		EnvVar: "DEMOS_LOG_LEVEL",
	},
	cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "log format (text or json)",
	},
	cli.StringFlag{
		Name:  "log-file",
		Usage: "also write logs to this file, rotated by size",
	},
	cli.IntFlag{
		Name:  "log-max-size",
		Value: 50,
		Usage: "maximum size of the log file in megabytes before it is rotated",
	},
}

// logFile 在程序退出前关闭
var logFile io.Closer

// setupLogging 根据全局参数配置 logrus，日志总是输出到 stderr，
// stdout 留给受管进程和同步消息
func setupLogging(context *cli.Context) error {
	level, err := log.ParseLevel(context.GlobalString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}
	log.SetLevel(level)

	switch context.GlobalString("log-format") {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", context.GlobalString("log-format"))
	}

	var out io.Writer = os.Stderr
	if path := context.GlobalString("log-file"); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    context.GlobalInt("log-max-size"),
			MaxBackups: 3,
			Compress:   true,
		}
		logFile = lj
		out = io.MultiWriter(os.Stderr, lj)
	}
	log.SetOutput(out)
	return nil
}

func closeLogging() {
	if logFile != nil {
		logFile.Close()
	}
}
