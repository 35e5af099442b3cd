package main

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/bluez"
	"github.com/sky-uk/blercud/internal/config"
	"github.com/sky-uk/blercud/internal/device"
	"github.com/sky-uk/blercud/internal/ipc"
	"github.com/sky-uk/blercud/internal/irdb"
)

// busName and basePath are the well-known D-Bus name and object path prefix this
// daemon claims, mirrored in internal/ipc's exported interface name.
const (
	busName  = "com.skyuk.Blercu"
	basePath = "/com/skyuk/Blercu/device"
)

// runDaemon wires the adapter layer, the per-device registry and the D-Bus
// IPC projection together and blocks until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	entry := logrus.NewEntry(log)

	adapter, err := bluez.Dial(ctx, cfg.AdapterPath, entry)
	if err != nil {
		return fmt.Errorf("dial bluez adapter: %w", err)
	}
	defer adapter.Close()

	conn := adapter.Conn()
	if _, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue); err != nil {
		return fmt.Errorf("request bus name %s: %w", busName, err)
	}

	profile := bluez.NewGattProfile(conn, cfg.AdapterPath, entry)
	bus := bluez.NewRecoveryBus()
	db := irdb.New()

	registry := device.NewRegistry(adapter, profile, bus, cfg, db, entry)
	manager := ipc.NewManager(conn, basePath, entry)
	registry.OnDeviceAdded(manager.Export)

	watchdog := bluez.NewWatchdog(adapter, entry)
	watchdog.RequestPairable(true)
	watchdog.RequestDiscovery(true)
	go watchdog.Run(ctx)

	adapter.ConsumeRecoveryBus(ctx, bus)

	if err := adapter.Power(ctx, true); err != nil {
		entry.WithError(err).Warn("failed to power on adapter at startup")
	}

	existing, err := adapter.ListDevices(ctx)
	if err != nil {
		entry.WithError(err).Warn("failed to list existing devices at startup")
	} else {
		registry.Seed(ctx, existing)
	}

	entry.WithField("adapter", cfg.AdapterPath).Info("blercud ready")
	registry.Run(ctx)
	return nil
}
