package broadcast

import (
	"strings"
	"sync"
	"time"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/models"
)

// DefaultStatsInterval is the period between unsolicited stats snapshots.
const DefaultStatsInterval = 15 * time.Second

// Adapter subscribes to the event bus and republishes every event onto its
// broadcast channel, plus stats snapshots on change and on a fixed interval.
type Adapter struct {
	logger   *common.Logger
	bus      *events.Bus
	hub      *Hub
	stats    StatsFunc
	interval time.Duration

	cancel   func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	last models.Stats // adapter goroutine only
}

// AdapterOption configures the adapter
type AdapterOption func(*Adapter)

// WithStatsInterval overrides the periodic snapshot interval
func WithStatsInterval(interval time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.interval = interval
	}
}

// NewAdapter creates the bus-to-hub bridge. Call Start to begin forwarding.
func NewAdapter(logger *common.Logger, bus *events.Bus, hub *Hub, stats StatsFunc, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		logger:   logger,
		bus:      bus,
		hub:      hub,
		stats:    stats,
		interval: DefaultStatsInterval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start subscribes to the bus and launches the forwarding loop.
func (a *Adapter) Start() {
	ch, cancel := a.bus.Subscribe(nil)
	a.cancel = cancel
	go a.run(ch)
}

// Stop unsubscribes and waits for the forwarding loop to exit.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		close(a.quit)
		<-a.done
	})
}

func (a *Adapter) run(ch <-chan models.Event) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			a.hub.Broadcast(models.BroadcastMessage{
				Type:      string(evt.Type),
				Channel:   ChannelFor(evt.Type),
				Timestamp: evt.Timestamp,
				Payload:   evt,
			})
			if affectsStats(evt.Type) {
				a.snapshot(false)
			}

		case <-ticker.C:
			a.snapshot(true)

		case <-a.quit:
			return
		}
	}
}

// snapshot broadcasts the current stats. Unless forced, unchanged stats are
// suppressed so on-change snapshots stay quiet between transitions.
func (a *Adapter) snapshot(force bool) {
	if a.stats == nil {
		return
	}
	s := a.stats()
	if !force && s == a.last {
		return
	}
	a.last = s
	a.hub.Broadcast(models.BroadcastMessage{
		Type:      "stats",
		Channel:   models.ChannelStats,
		Timestamp: time.Now().UTC(),
		Payload:   s,
	})
}

// ChannelFor maps an event type onto its broadcast channel. Failures and
// retry activity land on alerts; everything scan-shaped on scans; cache
// traffic on cache; the rest of the job lifecycle on activity.
func ChannelFor(t models.EventType) string {
	s := string(t)
	switch {
	case t == models.EventJobFailed:
		return models.ChannelAlerts
	case strings.HasPrefix(s, "retry:"), strings.HasPrefix(s, "circuit:"):
		return models.ChannelAlerts
	case strings.HasPrefix(s, "scan:"):
		return models.ChannelScans
	case strings.HasPrefix(s, "cache:"):
		return models.ChannelCache
	default:
		return models.ChannelActivity
	}
}

func affectsStats(t models.EventType) bool {
	s := string(t)
	return strings.HasPrefix(s, "job:") || strings.HasPrefix(s, "retry:")
}
