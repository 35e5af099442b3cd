// Package gatt implements the uniform GATT attribute access shim of
// spec.md §4.4: read/write/notify over a characteristic or descriptor,
// async results delivered through internal/future, stack-error mapping
// into the closed blercuerror taxonomy, a per-attribute timeout override,
// and an optional value cache.
//
// It sits on top of the RawAttribute capability, the narrow primitive a
// concrete Bluetooth-stack backend (internal/bluez) must provide; nothing
// in this package talks to D-Bus or any transport directly, matching
// spec.md §6.2's framing of GattProfile as an external collaborator.
package gatt

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
)

// Permission is the BLE attribute permission/property flag set (spec.md
// §3 "GATT attribute handle").
type Permission uint16

const (
	PermBroadcast Permission = 1 << iota
	PermRead
	PermWrite
	PermWriteWithoutResponse
	PermNotify
	PermIndicate
	PermAuthenticatedSignedWrites
	PermReliableWrite
	PermWritableAuxiliaries
	PermEncryptedRead
	PermEncryptedWrite
)

func (p Permission) Has(f Permission) bool { return p&f != 0 }

// Handle identifies one GATT attribute: a characteristic (DescriptorUUID
// empty) or a descriptor of a characteristic.
type Handle struct {
	ServiceUUID        string
	CharacteristicUUID string
	DescriptorUUID     string
	Instance           int // disambiguates duplicate UUIDs, per spec.md §3
}

func (h Handle) String() string {
	if h.DescriptorUUID == "" {
		return h.ServiceUUID + "/" + h.CharacteristicUUID
	}
	return h.ServiceUUID + "/" + h.CharacteristicUUID + "/" + h.DescriptorUUID
}

const (
	// DefaultTimeout is the default async-operation timeout (spec.md §5).
	DefaultTimeout = 25 * time.Second
	minTimeout     = 1 * time.Second
	maxTimeout     = 60 * time.Second
)

// ClampTimeout clamps a per-attribute timeout override to [1000, 60000] ms
// as required by spec.md §4.4.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d < minTimeout {
		return minTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

// RawAttribute is the narrow primitive a Bluetooth-stack backend exposes
// per GATT attribute; Attribute wraps it with caching, timeouts, and the
// Future-based async contract services actually consume.
type RawAttribute interface {
	// ReadValue performs one GATT read, blocking the calling goroutine
	// until the stack replies or ctx is done.
	ReadValue(ctx context.Context) ([]byte, error)
	// WriteValue performs a request-response (write-with-response) write.
	WriteValue(ctx context.Context, value []byte) error
	// WriteValueWithoutResponse performs a write-command, returning once
	// the stack has flushed it.
	WriteValueWithoutResponse(ctx context.Context, value []byte) error
	// EnableNotifications acquires (enable=true) or releases (enable=false)
	// the stack's notify pipe. The returned channel delivers one message
	// per attribute-value update, bounded by the ATT MTU; it is closed when
	// notifications are disabled or the attribute goes away. mtu is only
	// meaningful when enable is true and err is nil.
	EnableNotifications(ctx context.Context, enable bool) (ch <-chan []byte, mtu int, err error)
}

// Attribute is the uniform shim exposed to every service sub-machine.
type Attribute struct {
	Handle  Handle
	raw     RawAttribute
	timeout time.Duration
	log     *logrus.Entry

	cacheable bool
	cached    []byte
	hasCache  bool
}

// New builds a shim over raw with the default timeout.
func New(handle Handle, raw RawAttribute, log *logrus.Entry) *Attribute {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Attribute{
		Handle:  handle,
		raw:     raw,
		timeout: DefaultTimeout,
		log:     log.WithField("component", "gatt").WithField("attribute", handle.String()),
	}
}

// SetTimeout overrides the default per-attribute timeout (clamped).
func (a *Attribute) SetTimeout(d time.Duration) { a.timeout = ClampTimeout(d) }

// SetCacheable marks the attribute's read value as cacheable; see §4.4.
func (a *Attribute) SetCacheable(on bool) {
	a.cacheable = on
	if !on {
		a.hasCache = false
		a.cached = nil
	}
}

// InvalidateCache drops any cached value.
func (a *Attribute) InvalidateCache() {
	a.hasCache = false
	a.cached = nil
}

func mapError(err error) *blercuerror.Error {
	if err == nil {
		return nil
	}
	if be, ok := err.(*blercuerror.Error); ok {
		return be
	}
	if err == context.DeadlineExceeded {
		return blercuerror.New(blercuerror.TimedOut, "operation timed out")
	}
	return blercuerror.Wrap(err)
}

// ReadValue reads the attribute's current value, honouring the cache when
// SetCacheable(true) was called. Errors are reported through the returned
// Future as NoProxy/Timeout/stack-error mapped into the closed taxonomy.
func (a *Attribute) ReadValue() *future.Future[[]byte] {
	f, p := future.New[[]byte]()

	if a.cacheable && a.hasCache {
		p.Resolve(a.cached)
		return f
	}

	if a.raw == nil {
		p.Reject(blercuerror.New(blercuerror.General, "no proxy for attribute %s", a.Handle))
		return f
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	go func() {
		defer cancel()
		value, err := a.raw.ReadValue(ctx)
		if err != nil {
			a.log.WithError(err).Debug("read failed")
			p.Reject(mapError(err))
			return
		}
		if a.cacheable {
			a.cached = value
			a.hasCache = true
		}
		p.Resolve(value)
	}()
	return f
}

// WriteValue issues a request-response write. On success the cache (if
// enabled) is updated with the written bytes, per §4.4's invalidation
// policy.
func (a *Attribute) WriteValue(value []byte) *future.Future[struct{}] {
	return a.write(value, true)
}

// WriteValueWithoutResponse issues a write-command.
func (a *Attribute) WriteValueWithoutResponse(value []byte) *future.Future[struct{}] {
	return a.write(value, false)
}

func (a *Attribute) write(value []byte, withResponse bool) *future.Future[struct{}] {
	f, p := future.New[struct{}]()

	if a.raw == nil {
		p.Reject(blercuerror.New(blercuerror.General, "no proxy for attribute %s", a.Handle))
		return f
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	go func() {
		defer cancel()
		var err error
		if withResponse {
			err = a.raw.WriteValue(ctx, value)
		} else {
			err = a.raw.WriteValueWithoutResponse(ctx, value)
		}
		if err != nil {
			a.log.WithError(err).Debug("write failed")
			p.Reject(mapError(err))
			return
		}
		if a.cacheable {
			a.cached = append([]byte(nil), value...)
			a.hasCache = true
		}
		p.Resolve(struct{}{})
	}()
	return f
}

// EnableNotifications acquires or releases the stack's notify pipe.
// Disabling when already disabled is a no-op success, and MTU < 23 is
// surfaced as General("Invalid MTU"), per §4.4.
func (a *Attribute) EnableNotifications(enable bool) *future.Future[<-chan []byte] {
	f, p := future.New[<-chan []byte]()

	if a.raw == nil {
		p.Reject(blercuerror.New(blercuerror.General, "no proxy for attribute %s", a.Handle))
		return f
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	go func() {
		defer cancel()
		ch, mtu, err := a.raw.EnableNotifications(ctx, enable)
		if err != nil {
			a.log.WithError(err).Debug("notification enable/disable failed")
			p.Reject(mapError(err))
			return
		}
		if enable && mtu > 0 && mtu < 23 {
			p.Reject(blercuerror.New(blercuerror.General, "Invalid MTU"))
			return
		}
		p.Resolve(ch)
	}()
	return f
}
