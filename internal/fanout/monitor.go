package fanout

import (
	"context"
	"time"

	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/eventstore"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/metrics"
)

// MonitorConfig holds the queue watchdog settings.
type MonitorConfig struct {
	// Interval between depth samples.
	Interval time.Duration `yaml:"interval"`
	// AlertDepth is the per-channel backlog size that triggers warnings.
	AlertDepth uint64 `yaml:"alert_depth"`
}

// DefaultMonitorConfig returns the watchdog defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   30 * time.Second,
		AlertDepth: 10000,
	}
}

func (c *MonitorConfig) applyDefaults() {
	def := DefaultMonitorConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.AlertDepth == 0 {
		c.AlertDepth = def.AlertDepth
	}
}

// Monitor samples the depth of the system channels. It shares the fanout
// leader's tenure, so exactly one node polls sizes cluster-wide.
type Monitor struct {
	cfg        MonitorConfig
	partitions int
	store      eventstore.Adapter
	rl         *logging.RateLimited
}

// NewMonitor creates the system queue watchdog.
func NewMonitor(cfg MonitorConfig, partitions int, store eventstore.Adapter, rl *logging.RateLimited) *Monitor {
	cfg.applyDefaults()
	if partitions <= 0 {
		partitions = 1
	}
	return &Monitor{
		cfg:        cfg,
		partitions: partitions,
		store:      store,
		rl:         rl,
	}
}

// Run samples until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	channels := events.MasterChannels(m.partitions)
	channels = append(channels, events.SubscriptionChannel(events.CanarySubscription))
	for _, ch := range channels {
		depth, err := m.store.SizeEstimate(ctx, ch)
		if err != nil {
			if ctx.Err() == nil {
				m.rl.Warn("monitor-size/"+ch, "Queue depth estimate failed", "channel", ch, "error", err)
			}
			continue
		}
		metrics.ChannelDepth.WithLabelValues(ch).Set(float64(depth))
		if depth > m.cfg.AlertDepth {
			m.rl.Warn("monitor-depth/"+ch, "Queue backlog above alert threshold",
				"channel", ch, "depth", depth, "threshold", m.cfg.AlertDepth)
		}
	}
}
