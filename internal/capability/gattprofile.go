package capability

import (
	"context"

	"github.com/sky-uk/blercud/internal/gatt"
)

// DescriptorDescriptor (named per spec.md's own "descriptor" vocabulary) is
// one GATT descriptor's static metadata.
type DescriptorDescriptor struct {
	UUID       string
	Instance   int
	Properties gatt.Permission
}

// CharacteristicDescriptor is one GATT characteristic's static metadata.
type CharacteristicDescriptor struct {
	UUID        string
	Instance    int
	Properties  gatt.Permission
	Descriptors []DescriptorDescriptor
}

// ServiceDescriptor is one GATT service's static metadata.
type ServiceDescriptor struct {
	UUID            string
	Instance        int
	Characteristics []CharacteristicDescriptor
}

// GattProfile is the capability consumed by every service sub-machine
// (spec.md §6.2): enumerate the resolved GATT tree for a device, then
// obtain a gatt.RawAttribute bound to a specific characteristic or
// descriptor instance.
type GattProfile interface {
	// Discover returns the fully-resolved GATT tree for address. Callers
	// (the services aggregator) invoke this once services-resolved fires.
	Discover(ctx context.Context, address string) ([]ServiceDescriptor, error)

	// Characteristic returns a RawAttribute bound to the characteristic
	// identified by serviceUUID/charUUID/instance for address.
	Characteristic(address, serviceUUID, charUUID string, instance int) (gatt.RawAttribute, error)

	// Descriptor returns a RawAttribute bound to a characteristic's
	// descriptor.
	Descriptor(address, serviceUUID, charUUID, descUUID string, instance int) (gatt.RawAttribute, error)
}
