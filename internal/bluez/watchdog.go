package bluez

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/capability"
)

// reconcileInterval is how often the watchdog checks the adapter's
// observed pairable/discovery state against what was last requested.
const reconcileInterval = 5 * time.Second

// Watchdog reissues SetPairable/StartDiscovery/StopDiscovery when, at one of
// its reconcileInterval ticks, the observed adapter state differs from the
// last request, per original_source's blercuadapter.cpp behaviour of
// defending against BlueZ silently dropping pairable/discoverable mode.
type Watchdog struct {
	adapter *Adapter
	log     *logrus.Entry

	wantPairable  bool
	wantDiscovery bool

	cancel context.CancelFunc
}

// NewWatchdog builds a watchdog over adapter; it does nothing until Run is
// called.
func NewWatchdog(adapter *Adapter, log *logrus.Entry) *Watchdog {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watchdog{adapter: adapter, log: log.WithField("component", "bluez.watchdog")}
}

// RequestPairable records the desired pairable state for the next
// reconciliation tick.
func (w *Watchdog) RequestPairable(on bool) { w.wantPairable = on }

// RequestDiscovery records the desired discovery state for the next
// reconciliation tick.
func (w *Watchdog) RequestDiscovery(on bool) { w.wantDiscovery = on }

// Run starts the periodic reconciliation loop; it returns once ctx is
// cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

func (w *Watchdog) reconcile(ctx context.Context) {
	v, err := w.adapter.adapterObj().GetProperty(adapterInterface + ".Pairable")
	if err == nil {
		var observed bool
		if v.Store(&observed) == nil && observed != w.wantPairable {
			w.log.WithFields(logrus.Fields{"want": w.wantPairable, "observed": observed}).
				Info("reconciling pairable state")
			if err := w.adapter.SetPairable(ctx, w.wantPairable, 0); err != nil {
				w.log.WithError(err).Warn("failed to reconcile pairable state")
			}
		}
	}

	v, err = w.adapter.adapterObj().GetProperty(adapterInterface + ".Discovering")
	if err == nil {
		var observed bool
		if v.Store(&observed) == nil && observed != w.wantDiscovery {
			w.log.WithFields(logrus.Fields{"want": w.wantDiscovery, "observed": observed}).
				Info("reconciling discovery state")
			var rerr error
			if w.wantDiscovery {
				rerr = w.adapter.StartDiscovery(ctx)
			} else {
				rerr = w.adapter.StopDiscovery(ctx)
			}
			if rerr != nil {
				w.log.WithError(rerr).Warn("failed to reconcile discovery state")
			}
		}
	}
}

var _ capability.BluetoothAdapter = (*Adapter)(nil)
