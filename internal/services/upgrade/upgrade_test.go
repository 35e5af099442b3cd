package upgrade_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/services/upgrade"
)

type fakeRaw struct {
	readValue []byte
	written   [][]byte
	notifyCh  chan []byte
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error) { return f.readValue, nil }
func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error {
	f.written = append(f.written, append([]byte(nil), value...))
	return nil
}
func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error {
	f.written = append(f.written, append([]byte(nil), value...))
	return nil
}
func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	if !enable {
		return nil, 0, nil
	}
	return f.notifyCh, 23, nil
}

func controlPointBytes(deviceModel, version, crc uint32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], deviceModel)
	binary.LittleEndian.PutUint32(b[4:8], version)
	binary.LittleEndian.PutUint32(b[8:12], crc)
	return b
}

func ackPacket(blockID int) []byte {
	return []byte{0x80 | byte((blockID>>8)&0x3F), byte(blockID & 0xFF)}
}

type UpgradeTestSuite struct {
	suite.Suite
}

func (suite *UpgradeTestSuite) newService() (*upgrade.Service, *fakeRaw) {
	packetRaw := &fakeRaw{notifyCh: make(chan []byte, 8)}
	controlRaw := &fakeRaw{readValue: controlPointBytes(1, 2, 3)}
	attrs := upgrade.Attributes{
		ControlPoint: gatt.New(gatt.Handle{CharacteristicUUID: "controlpoint"}, controlRaw, nil),
		Packet:       gatt.New(gatt.Handle{CharacteristicUUID: "packet"}, packetRaw, nil),
	}
	svc := upgrade.New(attrs, nil)
	return svc, packetRaw
}

func (suite *UpgradeTestSuite) TestDecodeControlPointRoundTrips() {
	// GOAL: Verify ControlPoint little-endian decoding matches encoding
	b := controlPointBytes(0xAABBCCDD, 7, 42)
	cp, err := upgrade.DecodeControlPoint(b)
	suite.Require().NoError(err)
	suite.Assert().Equal(uint32(0xAABBCCDD), cp.DeviceModelID)
	suite.Assert().Equal(uint32(7), cp.FirmwareVersion)
	suite.Assert().Equal(uint32(42), cp.FirmwareCRC32)
}

func (suite *UpgradeTestSuite) TestDecodeControlPointTooShort() {
	_, err := upgrade.DecodeControlPoint([]byte{1, 2, 3})
	suite.Require().Error(err)
}

func (suite *UpgradeTestSuite) TestStartUpgradeSendsWRQThenData() {
	// GOAL: Verify StartUpgrade writes a WRQ, and upon an ACK for block 0
	// moves into sending DATA packets for the firmware image.

	svc, packetRaw := suite.newService()
	svc.Start(context.Background())
	defer svc.Stop()

	fw := upgrade.Firmware{Data: make([]byte, upgrade.FirmwarePacketMTU*3), Version: 9, CRC32: 99}
	f := svc.StartUpgrade(fw)

	suite.Eventually(func() bool { return len(packetRaw.written) >= 1 }, time.Second, time.Millisecond)
	suite.Assert().Equal(byte(0x00), packetRaw.written[0][0]&0xC0)

	packetRaw.notifyCh <- ackPacket(0)

	suite.Require().Eventually(f.Done, time.Second, time.Millisecond)
	suite.Assert().True(svc.Upgrading())

	suite.Eventually(func() bool { return len(packetRaw.written) >= 2 }, time.Second, time.Millisecond)
}

func (suite *UpgradeTestSuite) TestFullTransferReachesComplete() {
	// GOAL: Verify acking every block in turn drives the session to completion

	svc, packetRaw := suite.newService()
	var completed bool
	svc.OnComplete(func() { completed = true })
	svc.Start(context.Background())
	defer svc.Stop()

	fw := upgrade.Firmware{Data: make([]byte, upgrade.FirmwarePacketMTU*2), Version: 1, CRC32: 1}
	svc.StartUpgrade(fw)

	suite.Eventually(func() bool { return len(packetRaw.written) >= 1 }, time.Second, time.Millisecond)
	packetRaw.notifyCh <- ackPacket(0)

	suite.Eventually(func() bool { return len(packetRaw.written) >= 2 }, time.Second, time.Millisecond)
	packetRaw.notifyCh <- ackPacket(2)

	suite.Eventually(func() bool { return completed }, time.Second, time.Millisecond)
	suite.Assert().Equal(100, svc.Progress())
}

func (suite *UpgradeTestSuite) TestStartUpgradeRejectsEmptyImage() {
	svc, _ := suite.newService()
	f := svc.StartUpgrade(upgrade.Firmware{})
	suite.Require().True(f.Done())
	_, err := future.Wait(context.Background(), f)
	suite.Require().NotNil(err)
	suite.Assert().Equal(blercuerror.FileNotFound, err.Code)
}

func (suite *UpgradeTestSuite) TestCancelUpgradeRejectedWhenIdle() {
	svc, _ := suite.newService()
	svc.Start(context.Background())
	defer svc.Stop()

	f := svc.CancelUpgrade()
	suite.Require().True(f.Done())
	_, err := future.Wait(context.Background(), f)
	suite.Require().NotNil(err)
	suite.Assert().Equal(blercuerror.Rejected, err.Code)
}

func TestUpgradeTestSuite(t *testing.T) {
	suite.Run(t, new(UpgradeTestSuite))
}
