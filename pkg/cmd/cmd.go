package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/oceanweave/bwgov/pkg/config"
	"github.com/oceanweave/bwgov/pkg/constant"
	"github.com/oceanweave/bwgov/pkg/throttle"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var configFlag = cli.StringFlag{
	Name:  "config",
	Usage: "path of the saved preferences",
	Value: constant.DefaultConfigPath,
}

// RunCommand 首字母要大写，小写表示私有（别的包无法使用）
var RunCommand = cli.Command{
	Name: "run",
	Usage: `Throttle a process until interrupted
			bwgov run --pid 1234 --upload 100k --download 1m --filter internet
			only sockets the process opens after the limit is applied are throttled, reconnect to limit existing connections`,
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "pid",
			Usage: "process to throttle",
		},
		cli.StringFlag{
			Name:  "upload",
			Usage: "upload rate in bytes per second, k/m/g suffixes allowed",
		},
		cli.StringFlag{
			Name:  "download",
			Usage: "download rate in bytes per second, k/m/g suffixes allowed",
		},
		cli.StringFlag{
			Name:  "burst",
			Usage: "bucket capacity in bytes, defaults to one second of traffic",
		},
		cli.StringFlag{
			Name:  "filter",
			Usage: "traffic to limit: all, internet or local",
			Value: "all",
		},
		cli.StringFlag{
			Name:  "upload-backend",
			Usage: "prefer this backend for upload, falls back by priority when it is unavailable",
		},
		cli.StringFlag{
			Name:  "download-backend",
			Usage: "prefer this backend for download, falls back by priority when it is unavailable",
		},
		cli.StringFlag{
			Name:  "on-conflict",
			Usage: "what to do when the backend cannot filter: cancel, convert, switch or switch-default",
			Value: "cancel",
		},
		cli.StringSliceFlag{
			Name:  "interface",
			Usage: "egress interface for tc-htb, repeatable, defaults to the default route links",
		},
		cli.BoolFlag{
			Name:  "restore",
			Usage: "re-apply limits saved for processes that are still alive",
		},
		cli.BoolFlag{
			Name:  "save",
			Usage: "save the applied limits to the config file",
		},
		configFlag,
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve prometheus metrics on this address, e.g. :9310",
		},
		cli.DurationFlag{
			Name:  "interval",
			Usage: "statistics logging interval",
			Value: 5 * time.Second,
		},
	},
	/*
		这里是 run 命令执行的真正函数
		1. 解析限速参数，至少要有一个方向的速率（或者 --restore）
		2. 调用 Run 施加限速并等待信号
	*/
	Action: func(ctx *cli.Context) error {
		opts, err := runOptionsFrom(ctx)
		if err != nil {
			return err
		}
		return Run(opts)
	},
}

func runOptionsFrom(ctx *cli.Context) (runOptions, error) {
	opts := runOptions{
		pid:      ctx.Int("pid"),
		backends: map[backend.Direction]string{
			backend.Upload:   ctx.String("upload-backend"),
			backend.Download: ctx.String("download-backend"),
		},
		onConflict: ctx.String("on-conflict"),
		interfaces: ctx.StringSlice("interface"),
		restore:    ctx.Bool("restore"),
		save:       ctx.Bool("save"),
		configPath: ctx.String("config"),
		metrics:    ctx.String("metrics-addr"),
		interval:   ctx.Duration("interval"),
	}
	limits, err := buildLimits(ctx.String("upload"), ctx.String("download"), ctx.String("burst"), ctx.String("filter"))
	if err != nil {
		return opts, err
	}
	opts.limits = limits
	if opts.pid <= 0 && !opts.restore {
		return opts, fmt.Errorf("missing --pid")
	}
	if opts.pid > 0 && len(limits) == 0 {
		return opts, fmt.Errorf("missing --upload or --download rate")
	}
	if _, err := throttle.ParseOptionKind(opts.onConflict); err != nil {
		return opts, err
	}
	return opts, nil
}

// buildLimits 空字符串表示这个方向不限速
func buildLimits(upload, download, burst, filter string) (map[backend.Direction]backend.Limit, error) {
	f, err := backend.ParseLocalityFilter(filter)
	if err != nil {
		return nil, err
	}
	b, err := parseRate(burst)
	if err != nil {
		return nil, errors.WithMessage(err, "burst")
	}
	res := make(map[backend.Direction]backend.Limit)
	for dir, s := range map[backend.Direction]string{backend.Upload: upload, backend.Download: download} {
		r, err := parseRate(s)
		if err != nil {
			return nil, errors.WithMessage(err, dir.String())
		}
		if r == 0 {
			continue
		}
		limit := backend.Limit{Rate: r, Burst: b, Filter: f}
		if err := limit.Validate(); err != nil {
			return nil, err
		}
		res[dir] = limit
	}
	return res, nil
}

// BackendsCommand 列出本机支持的后端以及实时的可用性
var BackendsCommand = cli.Command{
	Name:  "backends",
	Usage: "list throttling backends and whether they can run on this host",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "direction",
			Usage: "only list upload or download backends",
		},
		configFlag,
	},
	Action: func(ctx *cli.Context) error {
		dirs := backend.Directions
		if s := ctx.String("direction"); s != "" {
			dir, err := backend.ParseDirection(s)
			if err != nil {
				return err
			}
			dirs = []backend.Direction{dir}
		}
		cfg := config.Load(ctx.String("config"))
		loc, err := cfg.LocalityTable()
		if err != nil {
			return err
		}
		registry := backend.DefaultRegistry(backend.NewEnv(loc, cfg.Interfaces))
		var statuses []backend.Status
		for _, dir := range dirs {
			statuses = append(statuses, registry.Statuses(dir)...)
		}
		listBackends(os.Stdout, statuses, cfg)
		return nil
	},
}

// listBackends 通过 tabwriter 把后端信息打印到屏幕上
func listBackends(out io.Writer, statuses []backend.Status, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "NAME\tDIRECTION\tTIER\tLOCALITY\tSTATUS\n")
	for _, st := range statuses {
		fmt.Fprint(w, backendRow(st, cfg.PreferredFor(st.Direction) == st.Name))
	}
	if err := w.Flush(); err != nil {
		log.Errorf("Flush error %v", err)
	}
}

func backendRow(st backend.Status, preferred bool) string {
	name := st.Name
	if preferred {
		name += "*"
	}
	locality := "no"
	if st.Locality {
		locality = "yes"
	}
	status := "available"
	switch {
	case st.Excluded != "":
		status = "excluded: " + st.Excluded
	case st.Err != nil:
		status = "unavailable: " + strings.ReplaceAll(st.Err.Error(), "\t", " ")
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n", name, st.Direction, st.Tier, locality, status)
}

// DefaultCommand 保存某个方向偏好的后端，之后的 run 优先使用它
var DefaultCommand = cli.Command{
	Name:  "default",
	Usage: "save the preferred backend for a direction, e.g. bwgov default --direction upload --backend ebpf",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "direction",
			Usage: "upload or download",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "backend name, see bwgov backends",
		},
		configFlag,
	},
	Action: func(ctx *cli.Context) error {
		dir, err := backend.ParseDirection(ctx.String("direction"))
		if err != nil {
			return err
		}
		name := ctx.String("backend")
		configPath := ctx.String("config")
		cfg := config.Load(configPath)
		registry := backend.DefaultRegistry(backend.NewEnv(nil, cfg.Interfaces))
		if err := setPreferred(registry, cfg, dir, name); err != nil {
			return err
		}
		return cfg.Save(configPath)
	},
}

// setPreferred 名字必须是已注册的后端；当前不可用只警告，偏好仍然保存
func setPreferred(registry *backend.Registry, cfg *config.Config, dir backend.Direction, name string) error {
	if _, err := registry.Lookup(dir, name); err != nil {
		return err
	}
	if err := registry.Check(dir, name); err != nil {
		log.Warnf("%s backend %s is not available right now: %v", dir, name, err)
	}
	cfg.SetPreferred(dir, name)
	log.Infof("preferred %s backend set to %s", dir, name)
	return nil
}
