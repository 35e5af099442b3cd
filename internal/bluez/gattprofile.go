package bluez

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/capability"
	"github.com/sky-uk/blercud/internal/gatt"
)

// GattProfile implements capability.GattProfile over the same adapter's
// object-manager tree: services, characteristics and descriptors are
// BlueZ objects nested under a device's path, each carrying a "UUID"
// property and, for services/characteristics, handles to their children.
type GattProfile struct {
	conn *dbus.Conn
	path dbus.ObjectPath // adapter path, to scope the device prefix
	log  *logrus.Entry

	mu    sync.Mutex
	attrs map[string]*chardAttribute // keyed by dbus object path
}

// NewGattProfile builds a profile resolver sharing conn/adapterPath with an
// existing Adapter.
func NewGattProfile(conn *dbus.Conn, adapterPath string, log *logrus.Entry) *GattProfile {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GattProfile{
		conn:  conn,
		path:  dbus.ObjectPath(adapterPath),
		log:   log.WithField("component", "bluez.gattprofile"),
		attrs: make(map[string]*chardAttribute),
	}
}

func (g *GattProfile) obj(path dbus.ObjectPath) dbus.BusObject {
	return g.conn.Object(busName, path)
}

var _ capability.GattProfile = (*GattProfile)(nil)
var _ gatt.RawAttribute = (*chardAttribute)(nil)

// instanceFromPath parses the trailing decimal run of a BlueZ object path
// segment into spec.md §6.2's "opaque instance id"; e.g.
// ".../service0012/char0034" -> 34 for the characteristic segment.
func instanceFromPath(path dbus.ObjectPath) int {
	parts := strings.Split(string(path), "/")
	last := parts[len(parts)-1]
	i := len(last)
	for i > 0 && last[i-1] >= '0' && last[i-1] <= '9' {
		i--
	}
	n, _ := strconv.Atoi(last[i:])
	return n
}

func devicePathPrefix(adapterPath dbus.ObjectPath, address string) string {
	return string(adapterPath) + "/dev_" + strings.ReplaceAll(address, ":", "_")
}

// Discover walks the managed-object tree under address's device path and
// returns the fully-resolved service/characteristic/descriptor hierarchy.
func (g *GattProfile) Discover(ctx context.Context, address string) ([]capability.ServiceDescriptor, error) {
	var objects map[dbus.ObjectPath]managedObject
	err := g.obj("/").CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, mapCallError(err)
	}

	prefix := devicePathPrefix(g.path, address)

	services := make(map[dbus.ObjectPath]*capability.ServiceDescriptor)
	var serviceOrder []dbus.ObjectPath
	chars := make(map[dbus.ObjectPath]*capability.CharacteristicDescriptor)
	charParent := make(map[dbus.ObjectPath]dbus.ObjectPath)
	var charOrder []dbus.ObjectPath

	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix+"/") {
			continue
		}
		if props, ok := ifaces[gattServiceInterface]; ok {
			sd := &capability.ServiceDescriptor{Instance: instanceFromPath(path)}
			if v, ok := props["UUID"]; ok {
				_ = v.Store(&sd.UUID)
			}
			services[path] = sd
			serviceOrder = append(serviceOrder, path)
		}
	}
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix+"/") {
			continue
		}
		props, ok := ifaces[gattCharInterface]
		if !ok {
			continue
		}
		cd := &capability.CharacteristicDescriptor{Instance: instanceFromPath(path)}
		if v, ok := props["UUID"]; ok {
			_ = v.Store(&cd.UUID)
		}
		cd.Properties = permissionsFromFlags(props["Flags"])
		var parent dbus.ObjectPath
		if v, ok := props["Service"]; ok {
			_ = v.Store(&parent)
		}
		chars[path] = cd
		charParent[path] = parent
		charOrder = append(charOrder, path)
	}
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix+"/") {
			continue
		}
		props, ok := ifaces[gattDescInterface]
		if !ok {
			continue
		}
		dd := capability.DescriptorDescriptor{Instance: instanceFromPath(path)}
		if v, ok := props["UUID"]; ok {
			_ = v.Store(&dd.UUID)
		}
		dd.Properties = permissionsFromFlags(props["Flags"])
		var parent dbus.ObjectPath
		if v, ok := props["Characteristic"]; ok {
			_ = v.Store(&parent)
		}
		if cd, ok := chars[parent]; ok {
			cd.Descriptors = append(cd.Descriptors, dd)
		}
	}
	for _, path := range charOrder {
		cd := chars[path]
		parent := charParent[path]
		if sd, ok := services[parent]; ok {
			sd.Characteristics = append(sd.Characteristics, *cd)
		}
	}

	out := make([]capability.ServiceDescriptor, 0, len(serviceOrder))
	for _, path := range serviceOrder {
		out = append(out, *services[path])
	}
	return out, nil
}

func permissionsFromFlags(v dbus.Variant) gatt.Permission {
	var flags []string
	_ = v.Store(&flags)
	var p gatt.Permission
	for _, f := range flags {
		switch f {
		case "broadcast":
			p |= gatt.PermBroadcast
		case "read":
			p |= gatt.PermRead
		case "write":
			p |= gatt.PermWrite
		case "write-without-response":
			p |= gatt.PermWriteWithoutResponse
		case "notify":
			p |= gatt.PermNotify
		case "indicate":
			p |= gatt.PermIndicate
		case "authenticated-signed-writes":
			p |= gatt.PermAuthenticatedSignedWrites
		case "reliable-write":
			p |= gatt.PermReliableWrite
		case "writable-auxiliaries":
			p |= gatt.PermWritableAuxiliaries
		case "encrypt-read":
			p |= gatt.PermEncryptedRead
		case "encrypt-write":
			p |= gatt.PermEncryptedWrite
		}
	}
	return p
}

// findPath locates the object path matching serviceUUID/charUUID(/descUUID)
// and instance by re-walking GetManagedObjects. Resolved paths are not
// cached across calls because BlueZ reassigns them across disconnects.
func (g *GattProfile) findPath(ctx context.Context, address, serviceUUID, charUUID, descUUID string, instance int) (dbus.ObjectPath, string, error) {
	var objects map[dbus.ObjectPath]managedObject
	if err := g.obj("/").CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", "", mapCallError(err)
	}
	prefix := devicePathPrefix(g.path, address)

	var svcPath dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix+"/") {
			continue
		}
		props, ok := ifaces[gattServiceInterface]
		if !ok {
			continue
		}
		var uuid string
		if v, ok := props["UUID"]; ok {
			_ = v.Store(&uuid)
		}
		if strings.EqualFold(uuid, serviceUUID) {
			svcPath = path
			break
		}
	}
	if svcPath == "" {
		return "", "", blercuerror.New(blercuerror.FileNotFound, "service %s not found for %s", serviceUUID, address)
	}

	var charPath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharInterface]
		if !ok {
			continue
		}
		var parent dbus.ObjectPath
		if v, ok := props["Service"]; ok {
			_ = v.Store(&parent)
		}
		if parent != svcPath {
			continue
		}
		var uuid string
		if v, ok := props["UUID"]; ok {
			_ = v.Store(&uuid)
		}
		if strings.EqualFold(uuid, charUUID) && (instance == 0 || instanceFromPath(path) == instance) {
			charPath = path
			break
		}
	}
	if charPath == "" {
		return "", "", blercuerror.New(blercuerror.FileNotFound, "characteristic %s not found under %s", charUUID, serviceUUID)
	}
	if descUUID == "" {
		return charPath, gattCharInterface, nil
	}

	for path, ifaces := range objects {
		props, ok := ifaces[gattDescInterface]
		if !ok {
			continue
		}
		var parent dbus.ObjectPath
		if v, ok := props["Characteristic"]; ok {
			_ = v.Store(&parent)
		}
		if parent != charPath {
			continue
		}
		var uuid string
		if v, ok := props["UUID"]; ok {
			_ = v.Store(&uuid)
		}
		if strings.EqualFold(uuid, descUUID) {
			return path, gattDescInterface, nil
		}
	}
	return "", "", blercuerror.New(blercuerror.FileNotFound, "descriptor %s not found under %s", descUUID, charUUID)
}

// Characteristic resolves a gatt.RawAttribute bound to the named
// characteristic of address's GATT tree.
func (g *GattProfile) Characteristic(address, serviceUUID, charUUID string, instance int) (gatt.RawAttribute, error) {
	path, iface, err := g.findPath(context.Background(), address, serviceUUID, charUUID, "", instance)
	if err != nil {
		return nil, err
	}
	return g.attributeFor(path, iface), nil
}

// Descriptor resolves a gatt.RawAttribute bound to a characteristic's
// descriptor.
func (g *GattProfile) Descriptor(address, serviceUUID, charUUID, descUUID string, instance int) (gatt.RawAttribute, error) {
	path, iface, err := g.findPath(context.Background(), address, serviceUUID, charUUID, descUUID, instance)
	if err != nil {
		return nil, err
	}
	return g.attributeFor(path, iface), nil
}

func (g *GattProfile) attributeFor(path dbus.ObjectPath, iface string) *chardAttribute {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := string(path)
	if a, ok := g.attrs[key]; ok {
		return a
	}
	a := &chardAttribute{profile: g, path: path, iface: iface}
	g.attrs[key] = a
	return a
}

// chardAttribute implements gatt.RawAttribute over one GattCharacteristic1
// or GattDescriptor1 BlueZ object.
type chardAttribute struct {
	profile *GattProfile
	path    dbus.ObjectPath
	iface   string

	mu       sync.Mutex
	notifyCh chan []byte
	sigCh    chan *dbus.Signal
	stop     chan struct{}
}

func (c *chardAttribute) obj() dbus.BusObject { return c.profile.obj(c.path) }

func (c *chardAttribute) ReadValue(ctx context.Context) ([]byte, error) {
	var value []byte
	call := c.obj().CallWithContext(ctx, c.iface+".ReadValue", 0, map[string]dbus.Variant{})
	if err := call.Store(&value); err != nil {
		return nil, mapCallError(err)
	}
	return value, nil
}

func (c *chardAttribute) WriteValue(ctx context.Context, value []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	return mapCallError(c.obj().CallWithContext(ctx, c.iface+".WriteValue", 0, value, opts).Err)
}

func (c *chardAttribute) WriteValueWithoutResponse(ctx context.Context, value []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	return mapCallError(c.obj().CallWithContext(ctx, c.iface+".WriteValue", 0, value, opts).Err)
}

// EnableNotifications acquires StartNotify/StopNotify on a
// GattCharacteristic1 and forwards subsequent PropertiesChanged "Value"
// updates on the returned channel. Descriptors are not notifiable.
func (c *chardAttribute) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	if c.iface != gattCharInterface {
		return nil, 0, blercuerror.New(blercuerror.NotImplemented, "descriptor does not support notifications")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !enable {
		if c.stop == nil && c.notifyCh == nil {
			// already disabled: nothing to release
			return nil, 0, nil
		}
		if c.stop != nil {
			close(c.stop)
			c.stop = nil
		}
		if c.notifyCh != nil {
			close(c.notifyCh)
			c.notifyCh = nil
		}
		err := mapCallError(c.obj().CallWithContext(ctx, c.iface+".StopNotify", 0).Err)
		return nil, 0, err
	}

	if c.notifyCh != nil {
		return c.notifyCh, 23, nil
	}

	if err := c.obj().CallWithContext(ctx, c.iface+".StartNotify", 0).Err; err != nil {
		return nil, 0, mapCallError(err)
	}

	c.notifyCh = make(chan []byte, 16)
	c.stop = make(chan struct{})
	sigCh := make(chan *dbus.Signal, 16)
	c.profile.conn.Signal(sigCh)

	notifyCh := c.notifyCh
	stop := c.stop
	path := c.path
	go func() {
		for {
			select {
			case <-stop:
				c.profile.conn.RemoveSignal(sigCh)
				return
			case sig := <-sigCh:
				if sig.Path != path || sig.Name != propertiesInterface+"."+propertiesChangedMember {
					continue
				}
				if len(sig.Body) < 2 {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				v, ok := changed["Value"]
				if !ok {
					continue
				}
				var value []byte
				if v.Store(&value) != nil {
					continue
				}
				select {
				case notifyCh <- value:
				case <-stop:
					return
				}
			}
		}
	}()

	return c.notifyCh, 23, nil
}
