package main

import (
	"os"

	"github.com/oceanweave/bwgov/pkg/cmd"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/natefinch/lumberjack.v2"
)

const usage = `bwgov limits the upload and download bandwidth of individual processes.
			   Each direction is enforced by the best kernel mechanism available on the host:
			   eBPF cgroup programs, tc HTB classes or nftables rules.`

func main() {
	app := cli.NewApp()
	app.Name = "bwgov"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "write logs to this file (rotated) instead of stdout",
		},
	}

	app.Commands = []cli.Command{
		cmd.RunCommand,
		cmd.BackendsCommand,
		cmd.DefaultCommand,
	}

	app.Before = func(context *cli.Context) error {
		// Log as JSON instead of the default ASCII formatter.
		log.SetFormatter(&log.JSONFormatter{})
		log.SetOutput(os.Stdout)
		if file := context.GlobalString("log-file"); file != "" {
			log.SetOutput(&lumberjack.Logger{
				Filename:   file,
				MaxSize:    50,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			})
		}
		// 不设置的话，默认为 INFO 级别，Debug 日志将不会打印出来
		if context.GlobalBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
