package ipc

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/device"
)

// Manager exports every device.Device the registry discovers under a
// common base object path, e.g. "/com/skyuk/Blercu/device".
type Manager struct {
	conn *dbus.Conn
	base string
	log  *logrus.Entry

	mu      sync.Mutex
	objects map[string]*DeviceObject
}

// NewManager builds an IPC manager over conn, ready to receive
// Registry.OnDeviceAdded callbacks.
func NewManager(conn *dbus.Conn, base string, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		conn:    conn,
		base:    base,
		log:     log.WithField("component", "ipc.manager"),
		objects: make(map[string]*DeviceObject),
	}
}

// Export exports d as a new D-Bus object; intended as a
// internal/device.Registry.OnDeviceAdded hook.
func (m *Manager) Export(d *device.Device) {
	obj, err := Export(m.conn, m.base, d, m.log)
	if err != nil {
		m.log.WithField("device", d.Address).WithError(err).Error("failed to export device over D-Bus")
		return
	}
	m.mu.Lock()
	m.objects[d.Address] = obj
	m.mu.Unlock()
}

// Lookup returns the exported object for address, or nil.
func (m *Manager) Lookup(address string) *DeviceObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[address]
}
