package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// KeyLister is the part of storage the gate collector reads.
type KeyLister interface {
	ListKeys(prefix string) ([]string, error)
}

// GateCollector reports how many concurrency flags are currently held, per
// operation kind. It reads storage on every scrape.
type GateCollector struct {
	db     KeyLister
	prefix string
	logger logger.Logger

	held *prometheus.Desc
}

// NewGateCollector reads keys shaped <prefix><user>:<kind>.
func NewGateCollector(db KeyLister, prefix string, l logger.Logger) *GateCollector {
	return &GateCollector{
		db:     db,
		prefix: prefix,
		logger: logger.EnsureLogger(l),
		held: prometheus.NewDesc(
			prometheus.BuildFQName(apNamespace, "gate", "held"),
			"Concurrency flags currently held",
			[]string{"kind"}, nil,
		),
	}
}

func (c *GateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.held
}

func (c *GateCollector) Collect(ch chan<- prometheus.Metric) {
	keys, err := c.db.ListKeys(c.prefix)
	if err != nil {
		c.logger.Error("cannot list gate keys for metrics", "error", err)
		return
	}

	counts := map[string]int{}
	for _, k := range keys {
		idx := strings.LastIndex(k, ":")
		if idx < 0 {
			continue
		}
		counts[k[idx+1:]]++
	}

	for kind, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.held, prometheus.GaugeValue, float64(n), kind)
	}
}
