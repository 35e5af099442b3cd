package aggregator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/capability"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/gattuuid"
	"github.com/sky-uk/blercud/internal/services/aggregator"
)

// fakeRaw answers every read/write/notify call immediately and
// successfully; individual tests only care about sequencing, not payload
// semantics, so a single canned byte slice covers every characteristic.
type fakeRaw struct {
	value []byte
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error) { return f.value, nil }
func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error { return nil }
func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error { return nil }
func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	if !enable {
		return nil, 0, nil
	}
	return make(chan []byte), 23, nil
}

// canned maps a characteristic/descriptor UUID to the bytes its fakeRaw
// should answer reads with, so every service's startup decode succeeds.
var canned = map[string][]byte{
	gattuuid.CharPnPID:       {0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
	gattuuid.CharSystemID:    {0, 0, 0, 0, 0, 0, 0, 0},
	gattuuid.DescIrSignalRef: {0x0C}, // maps to infrared.Standby
}

// fakeProfile builds a fixed GATT tree: every mandatory service present,
// RemoteControl absent, so startup exercises both the linear sequence and
// the optional-service synthesis path.
type fakeProfile struct{}

func deviceInfoService() capability.ServiceDescriptor {
	chars := []string{
		gattuuid.CharManufacturerName, gattuuid.CharModelNumber, gattuuid.CharSerialNumber,
		gattuuid.CharHardwareRevision, gattuuid.CharFirmwareRevision, gattuuid.CharSoftwareRevision,
		gattuuid.CharPnPID, gattuuid.CharSystemID,
	}
	return serviceOf(gattuuid.ServiceDeviceInformation, chars...)
}

func serviceOf(uuid string, chars ...string) capability.ServiceDescriptor {
	cds := make([]capability.CharacteristicDescriptor, 0, len(chars))
	for _, c := range chars {
		cds = append(cds, capability.CharacteristicDescriptor{UUID: c})
	}
	return capability.ServiceDescriptor{UUID: uuid, Characteristics: cds}
}

func infraredService() capability.ServiceDescriptor {
	return capability.ServiceDescriptor{
		UUID: gattuuid.ServiceInfrared,
		Characteristics: []capability.CharacteristicDescriptor{
			{UUID: gattuuid.CharIrCodeID},
			{UUID: gattuuid.CharIrEmit},
			{
				UUID:     gattuuid.CharIrSignalSlot,
				Instance: 0,
				Descriptors: []capability.DescriptorDescriptor{
					{UUID: gattuuid.DescIrSignalRef},
					{UUID: gattuuid.DescIrSignalConfig},
				},
			},
		},
	}
}

func (fakeProfile) Discover(ctx context.Context, address string) ([]capability.ServiceDescriptor, error) {
	return []capability.ServiceDescriptor{
		deviceInfoService(),
		serviceOf(gattuuid.ServiceBattery, gattuuid.CharBatteryLevel),
		serviceOf(gattuuid.ServiceImmediateAlert, gattuuid.CharAlertLevel),
		serviceOf(gattuuid.ServiceAudio, gattuuid.CharAudioCodecs, gattuuid.CharAudioGain, gattuuid.CharAudioCtrl, gattuuid.CharAudioData),
		infraredService(),
		serviceOf(gattuuid.ServiceUpgrade, gattuuid.CharUpgradeControlPoint, gattuuid.CharUpgradePacket),
	}, nil
}

func (fakeProfile) Characteristic(address, serviceUUID, charUUID string, instance int) (gatt.RawAttribute, error) {
	return &fakeRaw{value: canned[charUUID]}, nil
}

func (fakeProfile) Descriptor(address, serviceUUID, charUUID, descUUID string, instance int) (gatt.RawAttribute, error) {
	return &fakeRaw{value: canned[descUUID]}, nil
}

type AggregatorTestSuite struct {
	suite.Suite
}

func (suite *AggregatorTestSuite) TestStartupReachesReadyWithRemoteControlAbsent() {
	var ready bool
	agg, err := aggregator.New(context.Background(), "AA:BB:CC:DD:EE:FF", fakeProfile{}, nil, func() { ready = true }, nil)
	suite.Require().NoError(err)

	agg.Start(context.Background())
	defer agg.Stop()

	suite.Eventually(func() bool { return ready }, 2*time.Second, time.Millisecond)
	suite.Assert().Nil(agg.Services.RemoteControl)
	suite.Assert().NotNil(agg.Services.DeviceInfo)
	suite.Assert().NotNil(agg.Services.Infrared)
}

func TestAggregatorTestSuite(t *testing.T) {
	suite.Run(t, new(AggregatorTestSuite))
}
