package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"

	"go-demos/cgroups"
	"go-demos/cgroups/subsystems"
	"go-demos/config"
	"go-demos/container"
	"go-demos/loop"
	"go-demos/metrics"
	"go-demos/power"
	"go-demos/scheduler"
	"go-demos/trace"
)

// runOptions 对应 run 命令的参数
type runOptions struct {
	ConfigFile    string
	ConfigStr     string
	PowerPolicy   string
	CgroupName    string
	WindowMessage string
	MFMessage     string
	Timeout       time.Duration
	MetricsAddr   string
	TraceDB       string
	Realtime      bool
}

// loadConfig 从文件或内联字符串读取配置，文件优先
func loadConfig(file, str string) (*config.Config, error) {
	if file != "" {
		return config.Load(file)
	}
	if str != "" {
		return config.Parse([]byte(str))
	}
	return nil, fmt.Errorf("missing configuration, use -c or -C")
}

// Run 启动调度器并阻塞到调度结束。
// 所有资源按创建的相反顺序释放：调度器、后端、顶层 cgroup、功耗策略。
func Run(opts runOptions) error {
	log.Debug("starting scheduler")
	cfg, err := loadConfig(opts.ConfigFile, opts.ConfigStr)
	if err != nil {
		return err
	}
	allowed, err := allowedCPUs()
	if err != nil {
		return err
	}
	desc, err := cfg.Description(allowed)
	if err != nil {
		return err
	}
	log.Infof("parsed %d partition(s) and %d window(s)", len(desc.Partitions), len(desc.Windows))

	policy, err := power.New(opts.PowerPolicy, "")
	if err != nil {
		return err
	}
	defer policy.Close()

	// 创建顶层 cgroup
	cgroupManager := cgroups.NewCgroupManager(opts.CgroupName)
	if err := cgroupManager.Set(&subsystems.ResourceConfig{}); err != nil {
		return err
	}
	defer cgroupManager.Destroy()

	l := loop.New(loop.RealClock())
	backend, err := container.NewBackend(l, cgroupManager)
	if err != nil {
		return err
	}
	defer backend.Close()

	d := scheduler.NewDispatcher(l, policy)
	if opts.WindowMessage != "" || opts.MFMessage != "" {
		d.AddListener(&syncPrinter{out: os.Stdout, window: opts.WindowMessage, majorFrame: opts.MFMessage})
	}
	if opts.MetricsAddr != "" {
		collector, err := metrics.NewCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		srv, err := metrics.Serve(opts.MetricsAddr, prometheus.DefaultGatherer)
		if err != nil {
			return err
		}
		defer srv.Close()
		d.AddListener(collector)
	}
	if opts.TraceDB != "" {
		rec, err := trace.Open(opts.TraceDB, trace.DefaultBuffer)
		if err != nil {
			return err
		}
		defer rec.Close()
		d.AddListener(rec)
	}

	sched, err := scheduler.Build(l, d, backend, desc, newRand(), scheduler.Options{
		Timeout: opts.Timeout,
		OnReady: func() {
			notify(daemon.SdNotifyReady)
		},
		OnShutdown: func() {
			notify(daemon.SdNotifyStopping)
		},
	})
	if err != nil {
		return err
	}
	defer sched.Close()

	if err := recordInstanceInfo(os.Getpid(), opts); err != nil {
		log.Warnf("record instance info error %v", err)
	}
	defer deleteInstanceInfo(opts.CgroupName)

	// 启动进程之前就由 ctx 接管 SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 进程在这里以冻结状态启动
	if err := sched.Setup(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("terminated during setup")
			return nil
		}
		return err
	}

	// 子进程已经创建，实时优先级不会被继承
	if opts.Realtime {
		setRealtime(schedulerCPUs(allowed, desc))
	}
	return sched.Run(ctx)
}

func newRand() *rand.Rand {
	seed := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(seed, seed>>32|1))
}

func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debugf("sd_notify %s: %v", state, err)
	}
}

// syncPrinter 在窗口和主帧开始时向 stdout 输出消息，用于和外部程序同步
type syncPrinter struct {
	out        io.Writer
	window     string
	majorFrame string
}

func (p *syncPrinter) Handle(ev scheduler.Event) error {
	var msg string
	switch ev.Kind {
	case scheduler.WindowStart:
		msg = p.window
	case scheduler.MajorFrameStart:
		msg = p.majorFrame
	}
	if msg == "" {
		return nil
	}
	_, err := fmt.Fprintln(p.out, msg)
	return err
}

// allowedCPUs 返回调度器自身的 CPU 亲和性，切片只能使用其中的 CPU
func allowedCPUs() (cpuset.CPUSet, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return cpuset.New(), fmt.Errorf("sched_getaffinity: %v", err)
	}
	return fromUnixSet(&set), nil
}

// 与 unix.CPUSet 的大小一致
const maxCPUs = 1024

func fromUnixSet(set *unix.CPUSet) cpuset.CPUSet {
	var cpus []int
	for i := 0; i < maxCPUs; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpuset.New(cpus...)
}

// schedulerCPUs 选择调度器自己运行的 CPU：优先使用没有被任何切片占用的 CPU
func schedulerCPUs(allowed cpuset.CPUSet, desc scheduler.Description) cpuset.CPUSet {
	used := cpuset.New()
	for _, w := range desc.Windows {
		for _, s := range w.Slices {
			used = used.Union(s.CPUs)
		}
	}
	if free := allowed.Difference(used); !free.IsEmpty() {
		return free
	}
	return allowed
}

// setRealtime 把调度器切换到 SCHED_FIFO 并绑定到 cpus，失败时只记录警告
func setRealtime(cpus cpuset.CPUSet) {
	attr := &unix.SchedAttr{Size: unix.SizeofSchedAttr, Policy: unix.SCHED_FIFO, Priority: 99}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		log.Warnf("running without real-time priority, consider running as root: %v", err)
	}
	var set unix.CPUSet
	for _, cpu := range cpus.List() {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Warnf("failed to set the CPU affinity of the scheduler: %v", err)
		return
	}
	log.Debugf("scheduler is running on CPUs %s", cpus)
}

// recordInstanceInfo 记录实例信息，供 ps 和 stop 使用
func recordInstanceInfo(pid int, opts runOptions) error {
	configPath := "-"
	if opts.ConfigFile != "" {
		if abs, err := filepath.Abs(opts.ConfigFile); err == nil {
			configPath = abs
		} else {
			configPath = opts.ConfigFile
		}
	}
	policy := opts.PowerPolicy
	if policy == "" {
		policy = "none"
	}
	info := &container.InstanceInfo{
		Pid:         strconv.Itoa(pid),
		Name:        opts.CgroupName,
		Config:      configPath,
		Policy:      policy,
		CreatedTime: time.Now().Format("2006-01-02 15:04:05"),
		Status:      container.RUNNING,
	}
	jsonBytes, err := json.Marshal(info)
	if err != nil {
		return err
	}

	dirURL := fmt.Sprintf(container.DefaultInfoLocation, opts.CgroupName)
	if err := os.MkdirAll(dirURL, 0o755); err != nil {
		return fmt.Errorf("mkdir %s error %v", dirURL, err)
	}
	fileName := filepath.Join(dirURL, container.ConfigName)
	if err := os.WriteFile(fileName, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("write %s error %v", fileName, err)
	}
	return nil
}

// deleteInstanceInfo 删除实例信息目录
func deleteInstanceInfo(name string) {
	dirURL := fmt.Sprintf(container.DefaultInfoLocation, name)
	if err := os.RemoveAll(dirURL); err != nil {
		log.Errorf("Remove dir %s error %v", dirURL, err)
	}
}
