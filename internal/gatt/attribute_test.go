package gatt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/gatt"
)

// fakeRaw is a hand-rolled RawAttribute double; mirrors the teacher's
// mock-peripheral style but scoped to this package's narrow interface.
type fakeRaw struct {
	readValue   []byte
	readErr     error
	readDelay   time.Duration
	writeErr    error
	lastWritten []byte
	withoutResp bool
	notifyCh    chan []byte
	notifyMTU   int
	notifyErr   error
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error) {
	if f.readDelay > 0 {
		select {
		case <-time.After(f.readDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.readValue, f.readErr
}

func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error {
	f.lastWritten = value
	f.withoutResp = false
	return f.writeErr
}

func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error {
	f.lastWritten = value
	f.withoutResp = true
	return f.writeErr
}

func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	if f.notifyErr != nil {
		return nil, 0, f.notifyErr
	}
	if !enable {
		return nil, 0, nil
	}
	return f.notifyCh, f.notifyMTU, nil
}

type AttributeTestSuite struct {
	suite.Suite
}

func (suite *AttributeTestSuite) await(f interface {
	Done() bool
}) {
	suite.Eventually(f.Done, time.Second, time.Millisecond)
}

func (suite *AttributeTestSuite) TestReadValueSuccess() {
	// GOAL: Verify a successful read resolves with the stack's bytes
	//
	// TEST SCENARIO: raw.ReadValue returns {0x01,0x02} -> future resolves with that value, no error

	raw := &fakeRaw{readValue: []byte{0x01, 0x02}}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "2a19"}, raw, nil)

	f := attr.ReadValue()
	suite.await(f)

	var got []byte
	f.Then(func(v []byte) { got = v }, func(err *blercuerror.Error) {
		suite.Fail("unexpected error", err)
	})
	suite.Assert().Equal([]byte{0x01, 0x02}, got)
}

func (suite *AttributeTestSuite) TestReadValueCachedAfterSuccess() {
	// GOAL: Verify writing then reading AudioGain-style cacheable attribute returns the cached value
	//
	// TEST SCENARIO: SetCacheable(true) -> write succeeds -> read returns the written bytes without hitting raw

	raw := &fakeRaw{}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "audio-gain"}, raw, nil)
	attr.SetCacheable(true)

	wf := attr.WriteValue([]byte{0x2A})
	suite.await(wf)

	raw.readValue = []byte{0xFF} // would be returned if the cache were bypassed
	rf := attr.ReadValue()
	suite.await(rf)

	var got []byte
	rf.Then(func(v []byte) { got = v }, nil)
	suite.Assert().Equal([]byte{0x2A}, got, "cached value MUST be the previously written bytes")
}

func (suite *AttributeTestSuite) TestReadTimeout() {
	// GOAL: Verify a read that outlasts the attribute's timeout completes with TimedOut
	//
	// TEST SCENARIO: raw.ReadValue blocks 2s, timeout set to the 1s clamp minimum -> future rejects with TimedOut

	raw := &fakeRaw{readValue: []byte{0x00}, readDelay: 2 * time.Second}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "slow"}, raw, nil)
	attr.SetTimeout(1 * time.Second)

	f := attr.ReadValue()
	suite.Eventually(f.Done, 3*time.Second, time.Millisecond)

	var gotErr *blercuerror.Error
	f.Then(func(v []byte) { suite.Fail("expected timeout, got success") }, func(err *blercuerror.Error) {
		gotErr = err
	})
	suite.Require().NotNil(gotErr)
	suite.Assert().Equal(blercuerror.TimedOut, gotErr.Code)
}

func (suite *AttributeTestSuite) TestWriteNoProxy() {
	// GOAL: Verify an attribute with no backing proxy rejects writes with a General error
	//
	// TEST SCENARIO: Attribute built with nil RawAttribute -> WriteValue -> future rejects with General

	attr := gatt.New(gatt.Handle{CharacteristicUUID: "missing"}, nil, nil)
	f := attr.WriteValue([]byte{0x01})
	suite.Eventually(f.Done, time.Second, time.Millisecond)

	var gotErr *blercuerror.Error
	f.Then(nil, func(err *blercuerror.Error) { gotErr = err })
	suite.Require().NotNil(gotErr)
	suite.Assert().Equal(blercuerror.General, gotErr.Code)
}

func (suite *AttributeTestSuite) TestEnableNotificationsMTUTooSmall() {
	// GOAL: Verify acquiring a notify pipe with MTU < 23 surfaces General("Invalid MTU")
	//
	// TEST SCENARIO: EnableNotifications(true) succeeds at the raw layer with mtu=20 -> shim rejects

	raw := &fakeRaw{notifyCh: make(chan []byte, 1), notifyMTU: 20}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "audio-data"}, raw, nil)

	f := attr.EnableNotifications(true)
	suite.Eventually(f.Done, time.Second, time.Millisecond)

	var gotErr *blercuerror.Error
	f.Then(nil, func(err *blercuerror.Error) { gotErr = err })
	suite.Require().NotNil(gotErr)
	suite.Assert().Equal(blercuerror.General, gotErr.Code)
	suite.Assert().Contains(gotErr.Message, "Invalid MTU")
}

func (suite *AttributeTestSuite) TestEnableNotificationsSuccess() {
	// GOAL: Verify a valid-MTU notification acquisition resolves with the delivery channel
	//
	// TEST SCENARIO: EnableNotifications(true) succeeds with mtu=23 -> future resolves with a non-nil channel

	raw := &fakeRaw{notifyCh: make(chan []byte, 1), notifyMTU: 23}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "audio-data"}, raw, nil)

	f := attr.EnableNotifications(true)
	suite.Eventually(f.Done, time.Second, time.Millisecond)

	var ch <-chan []byte
	f.Then(func(c <-chan []byte) { ch = c }, func(err *blercuerror.Error) {
		suite.Fail("unexpected error", err)
	})
	suite.Assert().NotNil(ch)
}

func (suite *AttributeTestSuite) TestStackErrorMapsToGeneral() {
	// GOAL: Verify an arbitrary stack error is mapped into the closed taxonomy, preserving its message
	//
	// TEST SCENARIO: raw.ReadValue fails with a plain error -> future rejects with General carrying the message

	raw := &fakeRaw{readErr: errors.New("gatt: attribute not found")}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "x"}, raw, nil)

	f := attr.ReadValue()
	suite.Eventually(f.Done, time.Second, time.Millisecond)

	var gotErr *blercuerror.Error
	f.Then(nil, func(err *blercuerror.Error) { gotErr = err })
	suite.Require().NotNil(gotErr)
	suite.Assert().Equal(blercuerror.General, gotErr.Code)
	suite.Assert().Contains(gotErr.Message, "attribute not found")
}

func (suite *AttributeTestSuite) TestTimeoutClamping() {
	// GOAL: Verify per-attribute timeout overrides are clamped to [1000ms, 60000ms] (spec.md §4.4)
	//
	// TEST SCENARIO: SetTimeout with out-of-range values -> ClampTimeout enforces the bounds

	suite.Assert().Equal(1*time.Second, gatt.ClampTimeout(10*time.Millisecond))
	suite.Assert().Equal(60*time.Second, gatt.ClampTimeout(5*time.Minute))
	suite.Assert().Equal(5*time.Second, gatt.ClampTimeout(5*time.Second))
}

func TestAttributeTestSuite(t *testing.T) {
	suite.Run(t, new(AttributeTestSuite))
}
