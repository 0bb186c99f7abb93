// Package metrics 把调度事件导出为 Prometheus 指标。
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"go-demos/scheduler"
)

const namespace = "demos"

// Collector 是一个调度事件监听者，在事件循环中被调用
type Collector struct {
	windows     *prometheus.CounterVec
	activations *prometheus.CounterVec
	completions *prometheus.CounterVec
	stale       prometheus.Counter
	frames      prometheus.Counter
	empty       prometheus.Gauge
}

// NewCollector 创建指标并注册到 reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_activations_total",
			Help:      "Number of times each window was started.",
		}, []string{"window"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_activations_total",
			Help:      "Number of times each process was resumed.",
		}, []string{"partition", "process"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_completions_total",
			Help:      "Number of process activations that ended, by reason.",
		}, []string{"partition", "process", "reason"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_completions_total",
			Help:      "Completion notifications that arrived after the process was suspended.",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "major_frames_total",
			Help:      "Number of major frames started.",
		}),
		empty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions_empty",
			Help:      "Number of partitions whose processes have all exited.",
		}),
	}
	for _, col := range []prometheus.Collector{c.windows, c.activations, c.completions, c.stale, c.frames, c.empty} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrap(err, "failed to register metric collector")
		}
	}
	return c, nil
}

// Handle 实现 scheduler.Listener
func (c *Collector) Handle(ev scheduler.Event) error {
	switch ev.Kind {
	case scheduler.WindowStart:
		c.windows.WithLabelValues(strconv.Itoa(ev.Window.Index())).Inc()
	case scheduler.ProcessStart:
		c.activations.WithLabelValues(ev.Partition.Name(), ev.Process.Name()).Inc()
	case scheduler.ProcessEnd:
		c.completions.WithLabelValues(ev.Partition.Name(), ev.Process.Name(), ev.Reason.String()).Inc()
	case scheduler.StaleCompletion:
		c.stale.Inc()
	case scheduler.MajorFrameStart:
		c.frames.Inc()
	case scheduler.PartitionEmpty:
		c.empty.Inc()
	}
	return nil
}

// Server 通过 HTTP 提供 /metrics
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// Serve 在 addr 上启动 HTTP 服务，返回时已经开始监听
func Serve(addr string, gatherer prometheus.Gatherer) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "metrics listen on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s := &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", ln.Addr())
	return s, nil
}

// Addr 返回实际监听的地址
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close 关闭 HTTP 服务
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
