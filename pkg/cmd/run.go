package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/oceanweave/bwgov/pkg/cglimit"
	"github.com/oceanweave/bwgov/pkg/config"
	"github.com/oceanweave/bwgov/pkg/metrics"
	"github.com/oceanweave/bwgov/pkg/throttle"
	"github.com/oceanweave/bwgov/pkg/util"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// runOptions run 命令解析后的参数
type runOptions struct {
	pid        int
	limits     map[backend.Direction]backend.Limit
	backends   map[backend.Direction]string
	onConflict string
	interfaces []string
	restore    bool
	save       bool
	configPath string
	metrics    string
	interval   time.Duration
}

// Run 施加限速并常驻，收到 SIGINT/SIGTERM 后撤销全部限速
/*
	1. 读取配置文件，得到本地网段、网卡和偏好的后端
	2. 按需恢复配置里保存的、进程仍然存活的限速
	3. 给 --pid 指定的进程施加上传/下载限速，冲突按 --on-conflict 处理
	4. 启动 /metrics，周期性打印统计，直到收到信号
	5. 退出时删除所有绑定、释放后端和 cgroup
*/
func Run(opts runOptions) (err error) {
	cfg := config.Load(opts.configPath)
	loc, err := cfg.LocalityTable()
	if err != nil {
		return errors.WithMessage(err, "parse locality from config")
	}
	if len(opts.interfaces) == 0 {
		opts.interfaces = cfg.Interfaces
	}
	env := backend.NewEnv(loc, opts.interfaces)
	log.Infof("cgroup generations: %s", cglimit.DescribeProbe(env.Cgroups.Probe()))
	mgr := throttle.NewManager(backend.DefaultRegistry(env), cfg.PreferredMap())
	defer func() {
		if sErr := shutdown(mgr, env); sErr != nil && err == nil {
			err = sErr
		}
	}()

	if err := useBackends(mgr, opts.backends); err != nil {
		return err
	}
	if opts.restore {
		restoreSaved(mgr, cfg, opts.onConflict)
	}
	if opts.pid > 0 {
		for _, dir := range backend.Directions {
			limit, ok := opts.limits[dir]
			if !ok {
				continue
			}
			b, err := applyLimit(mgr, cfg, opts.pid, dir, limit, opts.onConflict)
			if err != nil {
				return err
			}
			log.Infof("throttling %s (%s)", b, util.ProcessName(b.Pid))
			cfg.SetLimit(b.Pid, dir, b.Limit)
		}
	}
	if len(mgr.Bindings()) == 0 {
		return errors.New("no process is being throttled")
	}
	if opts.save {
		if err := cfg.Save(opts.configPath); err != nil {
			log.Errorf("save config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.metrics != "" {
		srv := serveMetrics(opts.metrics, mgr)
		defer srv.Close()
	}
	watch(ctx, mgr, opts.interval)
	return nil
}

// useBackends 命令行指定的后端作为本次会话的默认后端，排在保存的偏好之前
// 指定的后端不可用时 Apply 会跳过它，按优先级换下一个，不会直接失败
func useBackends(mgr *throttle.Manager, backends map[backend.Direction]string) error {
	for _, dir := range backend.Directions {
		name := backends[dir]
		if name == "" {
			continue
		}
		if err := mgr.SetDefault(dir, name); err != nil {
			return errors.WithMessagef(err, "--%s-backend", dir)
		}
	}
	return nil
}

// applyLimit 用当前默认后端施加一个方向上的限速
// 过滤模式冲突时按 choice 自动选择，switch-default 会同时更新配置里的偏好
func applyLimit(mgr *throttle.Manager, cfg *config.Config, pid int, dir backend.Direction, limit backend.Limit, choice string) (*throttle.Binding, error) {
	b, err := mgr.Apply(pid, dir, limit)
	c, ok := throttle.AsConflict(err)
	if !ok {
		return b, err
	}
	opt, err := pickOption(c, choice)
	if err != nil {
		return nil, err
	}
	b, err = mgr.Resolve(c, opt)
	if err != nil {
		return nil, err
	}
	if opt.Kind == throttle.SwitchAndDefault {
		cfg.SetPreferred(dir, opt.Backend)
	}
	return b, nil
}

// pickOption 命令行不能交互，按 --on-conflict 从提供的选项中选一个
func pickOption(c *throttle.Conflict, choice string) (throttle.Option, error) {
	if choice == "" {
		choice = throttle.Cancel.String()
	}
	kind, err := throttle.ParseOptionKind(choice)
	if err != nil {
		return throttle.Option{}, err
	}
	opt, ok := c.Pick(kind)
	if !ok {
		names := make([]string, 0, len(c.Options))
		for _, o := range c.Options {
			names = append(names, o.String())
		}
		return throttle.Option{}, errors.Errorf("%s: %q is not possible, options are: %s", c, choice, strings.Join(names, "; "))
	}
	return opt, nil
}

// restoreSaved 恢复配置里保存的限速，进程已经退出的记录直接丢弃，单条失败只记日志
func restoreSaved(mgr *throttle.Manager, cfg *config.Config, choice string) int {
	pids := make([]int, 0, len(cfg.Limits))
	for pid := range cfg.Limits {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	restored := 0
	for _, pid := range pids {
		if !util.ProcessAlive(pid) {
			log.Infof("saved limits for pid %d dropped, process is gone", pid)
			cfg.ForgetProcess(pid)
			continue
		}
		for _, dir := range backend.Directions {
			limit, ok := cfg.Limit(pid, dir)
			if !ok {
				continue
			}
			if _, err := applyLimit(mgr, cfg, pid, dir, limit, choice); err != nil {
				log.Errorf("restore pid %d %s: %v", pid, dir, err)
				continue
			}
			restored++
		}
	}
	log.Infof("restored %d saved limit(s)", restored)
	return restored
}

// serveMetrics 在单独的 goroutine 里提供 /metrics
func serveMetrics(addr string, mgr *throttle.Manager) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg, mgr.Stats); err != nil {
		log.Errorf("register metrics: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infof("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}

// warnLimiter 同一条绑定的重复告警每分钟最多一次
type warnLimiter struct {
	every    time.Duration
	limiters map[string]*rate.Limiter
}

func newWarnLimiter(every time.Duration) *warnLimiter {
	return &warnLimiter{every: every, limiters: make(map[string]*rate.Limiter)}
}

func (w *warnLimiter) Allow(key string) bool {
	l, ok := w.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(w.every), 1)
		w.limiters[key] = l
	}
	return l.Allow()
}

// watch 周期性打印统计，进程全部退出或者 ctx 结束时返回
func watch(ctx context.Context, mgr *throttle.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	warn := newWarnLimiter(time.Minute)
	misses := make(map[string]uint64)
	for {
		select {
		case <-ctx.Done():
			log.Infof("signal received, removing all limits")
			return
		case <-ticker.C:
			if report(mgr, warn, misses, util.ProcessAlive) == 0 {
				log.Infof("all throttled processes exited")
				return
			}
		}
	}
}

// report 打印一轮统计并返回还在限速的绑定数，进程退出的绑定顺手删掉
func report(mgr *throttle.Manager, warn *warnLimiter, misses map[string]uint64, alive func(int) bool) int {
	active := 0
	for _, st := range mgr.Stats() {
		key := st.Binding.String()
		if !alive(st.Pid) {
			log.Infof("pid %d exited, removing %s limit", st.Pid, st.Direction)
			if err := mgr.Remove(st.Pid, st.Direction); err != nil {
				log.Warnf("remove limit of exited pid %d: %v", st.Pid, err)
			}
			delete(misses, key)
			continue
		}
		active++
		if st.Err != nil {
			if warn.Allow(key) {
				log.Warnf("read stats of %s: %v", key, st.Err)
			}
			continue
		}
		if st.Stats.LookupMisses > misses[key] {
			if warn.Allow(key) {
				log.Warnf("%s: %d packet(s) passed before the limiter was configured", key, st.Stats.LookupMisses-misses[key])
			}
			misses[key] = st.Stats.LookupMisses
		}
		log.WithFields(log.Fields{
			"pid":       st.Pid,
			"direction": st.Direction.String(),
			"backend":   st.Backend,
			"rate":      formatRate(st.Limit.Rate) + "/s",
			"seen":      formatRate(st.Stats.BytesSeen),
			"dropped":   formatRate(st.Stats.BytesDropped),
			"packets":   st.Stats.PacketsSeen,
		}).Info("throttle stats")
	}
	return active
}

// shutdown 撤销所有限速，然后删除残留的 cgroup
func shutdown(mgr *throttle.Manager, env *backend.Env) error {
	err := mgr.Shutdown()
	if err != nil {
		log.Errorf("remove limits: %v", err)
	}
	if cErr := env.Cgroups.Destroy(); cErr != nil {
		log.Errorf("destroy cgroups: %v", cErr)
		if err == nil {
			err = cErr
		}
	}
	return err
}
