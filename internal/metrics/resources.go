package metrics

import (
	"log/slog"
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

// ResourceSample is one reading of a supervised process's resource usage.
type ResourceSample struct {
	Record     runtimeinfo.ProcessRecord
	CPUPercent float64
	MemoryRSS  uint64
	NumThreads int32
	NumFDs     int32 // Unix only
}

// Sample reads usage for rec. It fails when the process is gone.
func Sample(rec runtimeinfo.ProcessRecord) (ResourceSample, error) {
	proc, err := process.NewProcess(int32(rec.PID))
	if err != nil {
		return ResourceSample{}, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, err
	}
	s := ResourceSample{Record: rec, MemoryRSS: mem.RSS}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

// ResourceCollector samples the processes listed by Records on every scrape.
type ResourceCollector struct {
	Records func() []runtimeinfo.ProcessRecord
	Logger  *slog.Logger

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

func NewResourceCollector(records func() []runtimeinfo.ProcessRecord, logger *slog.Logger) *ResourceCollector {
	if logger == nil {
		logger = slog.Default()
	}
	labels := []string{"role", "pid", "version"}
	return &ResourceCollector{
		Records: records,
		Logger:  logger,
		cpu:     prometheus.NewDesc("nodex_process_cpu_percent", "CPU usage percentage of supervised processes.", labels, nil),
		rss:     prometheus.NewDesc("nodex_process_memory_rss_bytes", "Resident memory of supervised processes.", labels, nil),
		threads: prometheus.NewDesc("nodex_process_num_threads", "Thread count of supervised processes.", labels, nil),
		fds:     prometheus.NewDesc("nodex_process_num_fds", "Open file descriptors of supervised processes (Unix only).", labels, nil),
	}
}

func (c *ResourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
	ch <- c.fds
}

func (c *ResourceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, rec := range c.Records() {
		s, err := Sample(rec)
		if err != nil {
			c.Logger.Debug("resource sample failed", "pid", rec.PID, "error", err)
			continue
		}
		lv := []string{string(rec.Role), strconv.Itoa(rec.PID), rec.Version}
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUPercent, lv...)
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(s.MemoryRSS), lv...)
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(s.NumThreads), lv...)
		if s.NumFDs > 0 {
			ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(s.NumFDs), lv...)
		}
	}
}
