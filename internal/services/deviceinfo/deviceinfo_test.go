package deviceinfo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/services/deviceinfo"
)

type fakeRaw struct {
	value []byte
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error)                        { return f.value, nil }
func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error                   { return nil }
func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error     { return nil }
func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	return nil, 0, nil
}

func mkAttr(value []byte) *gatt.Attribute {
	return gatt.New(gatt.Handle{CharacteristicUUID: "x"}, &fakeRaw{value: value}, nil)
}

type DeviceInfoTestSuite struct {
	suite.Suite
}

func (suite *DeviceInfoTestSuite) TestParallelReadsReachRunning() {
	// GOAL: Verify all required fields resolve and the machine reaches Running without SystemId

	attrs := deviceinfo.Attributes{
		ManufacturerName: mkAttr([]byte("Acme")),
		ModelNumber:      mkAttr([]byte("RC-1")),
		SerialNumber:     mkAttr([]byte("SN001")),
		HardwareRevision: mkAttr([]byte("hw1")),
		FirmwareRevision: mkAttr([]byte("fw1")),
		SoftwareRevision: mkAttr([]byte("sw1")),
		PnP:              mkAttr([]byte{0x01, 0x0D, 0x00, 0x34, 0x12, 0x01, 0x00}),
	}
	svc := deviceinfo.New(attrs, nil)
	ready := make(chan struct{})
	svc.OnReady(func() { close(ready) })

	svc.Start(context.Background())
	defer svc.Stop()

	select {
	case <-ready:
	case <-time.After(time.Second):
		suite.FailNow("service never reached Running")
	}

	info := svc.Info()
	suite.Assert().Equal("Acme", info.ManufacturerName)
	suite.Assert().Equal("RC-1", info.ModelNumber)
	suite.Assert().False(info.HaveSystemID)
	suite.Assert().Equal(uint16(0x000D), info.PnP.VendorID)
	suite.Assert().Equal(uint16(0x1234), info.PnP.ProductID)
}

func (suite *DeviceInfoTestSuite) TestDecodeSystemIDReordering() {
	// GOAL: Verify SystemId bytes are reassembled per spec.md §6.2's non-monotone index order

	raw := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22}
	got := deviceinfo.DecodeSystemID(raw)

	want := uint64(0)
	want |= uint64(0xAA) << 32
	want |= uint64(0xBB) << 24
	want |= uint64(0xCC) << 16
	want |= uint64(0xDD) << 8
	want |= uint64(0xEE) << 0
	want |= uint64(0xFF) << 40
	want |= uint64(0x11) << 48
	want |= uint64(0x22) << 56

	suite.Assert().Equal(want, got)
}

func TestDeviceInfoTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceInfoTestSuite))
}
