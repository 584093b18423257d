package metrics

import (
	"strconv"

	"github.com/oceanweave/bwgov/pkg/throttle"
	"github.com/prometheus/client_golang/prometheus"
)

// statsFn 一般就是 Manager.Stats
type statsFn func() []throttle.Stat

var bindingLabels = []string{"pid", "direction", "backend"}

type throttleCollector struct {
	fetch statsFn

	packetsSeen    *prometheus.Desc
	bytesSeen      *prometheus.Desc
	packetsDropped *prometheus.Desc
	bytesDropped   *prometheus.Desc
	lookupMisses   *prometheus.Desc
	rateLimit      *prometheus.Desc
	up             *prometheus.Desc
}

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("bwgov_"+name, help, bindingLabels, nil)
}

// NewCollector 每次抓取时读取一次全部绑定的计数
func NewCollector(fetch statsFn) prometheus.Collector {
	return &throttleCollector{
		fetch:          fetch,
		packetsSeen:    newDesc("packets_seen_total", "Packets that reached the limiter."),
		bytesSeen:      newDesc("bytes_seen_total", "Bytes that reached the limiter."),
		packetsDropped: newDesc("packets_dropped_total", "Packets dropped by the limiter."),
		bytesDropped:   newDesc("bytes_dropped_total", "Bytes dropped by the limiter."),
		lookupMisses:   newDesc("lookup_misses_total", "Packets seen before the limiter was configured."),
		rateLimit:      newDesc("rate_limit_bytes", "Configured rate in bytes per second."),
		up:             newDesc("binding_up", "1 if the counters of the binding could be read, otherwise 0"),
	}
}

func (c *throttleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsSeen
	ch <- c.bytesSeen
	ch <- c.packetsDropped
	ch <- c.bytesDropped
	ch <- c.lookupMisses
	ch <- c.rateLimit
	ch <- c.up
}

func (c *throttleCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.fetch() {
		labels := []string{strconv.Itoa(st.Pid), st.Direction.String(), st.Backend}
		ch <- prometheus.MustNewConstMetric(c.rateLimit, prometheus.GaugeValue, float64(st.Limit.Rate), labels...)
		if st.Err != nil {
			ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, labels...)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, labels...)
		ch <- prometheus.MustNewConstMetric(c.packetsSeen, prometheus.CounterValue, float64(st.Stats.PacketsSeen), labels...)
		ch <- prometheus.MustNewConstMetric(c.bytesSeen, prometheus.CounterValue, float64(st.Stats.BytesSeen), labels...)
		ch <- prometheus.MustNewConstMetric(c.packetsDropped, prometheus.CounterValue, float64(st.Stats.PacketsDropped), labels...)
		ch <- prometheus.MustNewConstMetric(c.bytesDropped, prometheus.CounterValue, float64(st.Stats.BytesDropped), labels...)
		ch <- prometheus.MustNewConstMetric(c.lookupMisses, prometheus.CounterValue, float64(st.Stats.LookupMisses), labels...)
	}
}

// Register 在给定注册表中注册限速指标采集器，reg 为 nil 时使用默认注册表
func Register(reg prometheus.Registerer, fetch statsFn) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(NewCollector(fetch))
}
