package infrared_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/services/infrared"
)

type fakeRaw struct {
	readValue []byte
	written   [][]byte
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error) { return f.readValue, nil }
func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error {
	f.written = append(f.written, append([]byte(nil), value...))
	return nil
}
func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error { return nil }
func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	return nil, 0, nil
}

type fakeDB struct {
	waveforms map[infrared.Key][]byte
}

func (f *fakeDB) Brands(search string, options map[string]string, offset, limit int) ([]string, error) {
	return nil, nil
}
func (f *fakeDB) Models(brand, search string, options map[string]string, offset, limit int) ([]string, error) {
	return nil, nil
}
func (f *fakeDB) CodeIDs(brand, model string, options map[string]string) ([]int, error) {
	return nil, nil
}
func (f *fakeDB) WaveformsFor(codeID int, keys []infrared.Key) (map[infrared.Key][]byte, error) {
	out := make(map[infrared.Key][]byte, len(keys))
	for _, k := range keys {
		out[k] = f.waveforms[k]
	}
	return out, nil
}

func mkSlot(refByte byte) (infrared.SlotAttributes, *fakeRaw, *fakeRaw) {
	refRaw := &fakeRaw{readValue: []byte{refByte}}
	cfgRaw := &fakeRaw{}
	return infrared.SlotAttributes{
		SignalSlot:          gatt.New(gatt.Handle{CharacteristicUUID: "slot"}, &fakeRaw{}, nil),
		SignalReference:     gatt.New(gatt.Handle{CharacteristicUUID: "ref"}, refRaw, nil),
		SignalConfiguration: gatt.New(gatt.Handle{CharacteristicUUID: "cfg"}, cfgRaw, nil),
	}, refRaw, cfgRaw
}

type InfraredTestSuite struct {
	suite.Suite
}

func (suite *InfraredTestSuite) TestStartupReachesRunningWithTwoSlots() {
	// GOAL: Verify the service reaches Running once both per-slot machines resolve their key and reach Ready

	volUp, _, _ := mkSlot(0x10)
	volDown, _, _ := mkSlot(0x11)

	attrs := infrared.Attributes{
		CodeID:  gatt.New(gatt.Handle{CharacteristicUUID: "codeid"}, &fakeRaw{readValue: []byte{0xD2, 0x04, 0x00, 0x00}}, nil),
		Standby: gatt.New(gatt.Handle{CharacteristicUUID: "standby"}, &fakeRaw{}, nil),
		EmitIr:  gatt.New(gatt.Handle{CharacteristicUUID: "emit"}, &fakeRaw{}, nil),
		Slots:   []infrared.SlotAttributes{volUp, volDown},
	}
	svc := infrared.New(attrs, &fakeDB{}, nil)
	var ready bool
	svc.OnReady(func() { ready = true })
	svc.Start(context.Background())
	defer svc.Stop()

	suite.Eventually(func() bool { return svc.CodeID() == 1234 }, time.Second, time.Millisecond)
	suite.Eventually(func() bool { return ready }, time.Second, time.Millisecond)
}

func (suite *InfraredTestSuite) TestProgramIrSignalsWritesDisableWriteEnable() {
	// GOAL: Verify programming a key drives its slot through Disabling -> Writing -> Enabling

	volUp, _, cfgRaw := mkSlot(0x10)

	attrs := infrared.Attributes{
		CodeID:  gatt.New(gatt.Handle{CharacteristicUUID: "codeid"}, &fakeRaw{readValue: []byte{0, 0, 0, 0}}, nil),
		Standby: gatt.New(gatt.Handle{CharacteristicUUID: "standby"}, &fakeRaw{}, nil),
		EmitIr:  gatt.New(gatt.Handle{CharacteristicUUID: "emit"}, &fakeRaw{}, nil),
		Slots:   []infrared.SlotAttributes{volUp},
	}
	db := &fakeDB{waveforms: map[infrared.Key][]byte{infrared.VolumeUp: {0x01, 0x02, 0x03}}}
	svc := infrared.New(attrs, db, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	// wait for the slot's key to resolve before programming it
	time.Sleep(20 * time.Millisecond)

	f := svc.ProgramIrSignals(1234, []infrared.Key{infrared.VolumeUp})
	suite.Require().Eventually(f.Done, time.Second, time.Millisecond)

	suite.Require().GreaterOrEqual(len(cfgRaw.written), 2)
	suite.Assert().Equal([]byte{0x00}, cfgRaw.written[0])
	suite.Assert().Equal([]byte{0x01}, cfgRaw.written[len(cfgRaw.written)-1])
}

func TestInfraredTestSuite(t *testing.T) {
	suite.Run(t, new(InfraredTestSuite))
}
