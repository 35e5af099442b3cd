package statemachine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/statemachine"
)

const (
	stateIdle = iota
	stateSuper
	stateChildA
	stateChildB
	stateFinal
)

type StateMachineTestSuite struct {
	suite.Suite
}

func (suite *StateMachineTestSuite) buildHierarchy() *statemachine.Machine {
	m := statemachine.New("test", nil)
	suite.Require().NoError(m.AddState(stateIdle, "Idle", statemachine.NoState, statemachine.NoState, false))
	suite.Require().NoError(m.AddState(stateSuper, "Super", statemachine.NoState, stateChildA, false))
	suite.Require().NoError(m.AddState(stateChildA, "ChildA", stateSuper, statemachine.NoState, false))
	suite.Require().NoError(m.AddState(stateChildB, "ChildB", stateSuper, statemachine.NoState, false))
	suite.Require().NoError(m.AddTransition(stateIdle, "go", stateSuper))
	suite.Require().NoError(m.AddTransition(stateChildA, "advance", stateChildB))
	suite.Require().NoError(m.AddTransition(stateSuper, "bail", stateIdle))
	suite.Require().NoError(m.SetInitialState(stateIdle))
	return m
}

func (suite *StateMachineTestSuite) TestTransitionIntoSuperStateResolvesInitialChild() {
	// GOAL: Verify a transition targeting a super-state resolves to its initial child
	//
	// TEST SCENARIO: Idle -> "go" -> Super (declared initial child ChildA) -> current state is ChildA, InState(Super) true

	m := suite.buildHierarchy()
	suite.Require().NoError(m.Start())
	defer m.Stop()

	m.PostEvent("go", nil)
	suite.Eventually(func() bool { return m.State() == stateChildA }, time.Second, time.Millisecond)
	suite.Assert().True(m.InState(stateSuper), "current leaf MUST be considered InState(Super)")
}

func (suite *StateMachineTestSuite) TestTransitionResolvedFromAncestor() {
	// GOAL: Verify an event-triggered transition declared on a super-state fires while in a nested child
	//
	// TEST SCENARIO: enter ChildA (nested under Super) -> post "bail" (only declared on Super) -> machine reaches Idle

	m := suite.buildHierarchy()
	suite.Require().NoError(m.Start())
	defer m.Stop()

	m.PostEvent("go", nil)
	suite.Eventually(func() bool { return m.State() == stateChildA }, time.Second, time.Millisecond)

	m.PostEvent("bail", nil)
	suite.Eventually(func() bool { return m.State() == stateIdle }, time.Second, time.Millisecond)
}

func (suite *StateMachineTestSuite) TestEntryCallbackPostedEventDrainsBeforeNextExternalEvent() {
	// GOAL: Verify an event posted from within an entry callback is fully processed before
	// the next externally-posted event is considered
	//
	// TEST SCENARIO: ChildA's entry callback posts "advance" -> by the time Start()/PostEvent("go")
	// returns control and a subsequent external event is posted, the machine has already reached ChildB

	m := statemachine.New("entry-chain", nil)
	suite.Require().NoError(m.AddState(stateIdle, "Idle", statemachine.NoState, statemachine.NoState, false))
	suite.Require().NoError(m.AddState(stateSuper, "Super", statemachine.NoState, stateChildA, false))
	suite.Require().NoError(m.AddState(stateChildA, "ChildA", stateSuper, statemachine.NoState, false))
	suite.Require().NoError(m.AddState(stateChildB, "ChildB", stateSuper, statemachine.NoState, false))
	suite.Require().NoError(m.AddTransition(stateIdle, "go", stateSuper))
	suite.Require().NoError(m.AddTransition(stateChildA, "advance", stateChildB))
	// "other" would leave ChildA for Idle if it were handled before "advance"
	suite.Require().NoError(m.AddTransition(stateChildA, "other", stateIdle))
	suite.Require().NoError(m.SetInitialState(stateIdle))

	m.SetEntry(stateChildA, func(mm *statemachine.Machine) {
		mm.PostEvent("advance", nil)
	})

	suite.Require().NoError(m.Start())
	defer m.Stop()

	m.PostEvent("go", nil)
	m.PostEvent("other", nil)
	suite.Eventually(func() bool { return m.State() == stateChildB }, time.Second, time.Millisecond)
}

func (suite *StateMachineTestSuite) TestDelayedEventCancelledNeverDelivered() {
	// GOAL: Verify a cancelled delayed event is never subsequently delivered (spec.md §8 invariant 5)
	//
	// TEST SCENARIO: post a 50ms-delayed "advance" from ChildA, cancel it immediately, wait past the delay,
	// machine MUST still be in ChildA

	m := suite.buildHierarchy()
	suite.Require().NoError(m.Start())
	defer m.Stop()

	m.PostEvent("go", nil)
	suite.Eventually(func() bool { return m.State() == stateChildA }, time.Second, time.Millisecond)

	id := m.PostDelayedEvent("advance", nil, 50*time.Millisecond)
	cancelled := m.CancelDelayedEvent(id)
	suite.Assert().True(cancelled, "cancel MUST succeed before the timer fires")

	time.Sleep(150 * time.Millisecond)
	suite.Assert().Equal(stateChildA, m.State(), "cancelled delayed event MUST NOT be delivered")
}

func (suite *StateMachineTestSuite) TestDelayedEventFiresWhenNotCancelled() {
	// GOAL: Verify an un-cancelled delayed event is delivered after its delay
	//
	// TEST SCENARIO: post a 30ms-delayed "advance" from ChildA, do not cancel it -> machine reaches ChildB

	m := suite.buildHierarchy()
	suite.Require().NoError(m.Start())
	defer m.Stop()

	m.PostEvent("go", nil)
	suite.Eventually(func() bool { return m.State() == stateChildA }, time.Second, time.Millisecond)

	m.PostDelayedEvent("advance", nil, 30*time.Millisecond)
	suite.Eventually(func() bool { return m.State() == stateChildB }, time.Second, 5*time.Millisecond)
}

func (suite *StateMachineTestSuite) TestCancelDelayedEventsOfType() {
	// GOAL: Verify cancelling all delayed events of a type cancels every pending instance
	//
	// TEST SCENARIO: schedule three delayed "advance" events -> CancelDelayedEventsOfType -> none fire

	m := suite.buildHierarchy()
	suite.Require().NoError(m.Start())
	defer m.Stop()

	m.PostEvent("go", nil)
	suite.Eventually(func() bool { return m.State() == stateChildA }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		m.PostDelayedEvent("advance", nil, 40*time.Millisecond)
	}
	n := m.CancelDelayedEventsOfType("advance")
	suite.Assert().Equal(3, n)

	time.Sleep(120 * time.Millisecond)
	suite.Assert().Equal(stateChildA, m.State())
}

func (suite *StateMachineTestSuite) TestFinalStateSynthesisesFinishedEvent() {
	// GOAL: Verify entering a super-state's final child synthesises FinishedEvent into the super-state
	//
	// TEST SCENARIO: Super's final child Final is entered -> FinishedEvent transitions Super back to Idle

	m := statemachine.New("final", nil)
	suite.Require().NoError(m.AddState(stateIdle, "Idle", statemachine.NoState, statemachine.NoState, false))
	suite.Require().NoError(m.AddState(stateSuper, "Super", statemachine.NoState, stateChildA, false))
	suite.Require().NoError(m.AddState(stateChildA, "ChildA", stateSuper, statemachine.NoState, false))
	suite.Require().NoError(m.AddState(stateFinal, "Final", stateSuper, statemachine.NoState, true))
	suite.Require().NoError(m.AddTransition(stateIdle, "go", stateSuper))
	suite.Require().NoError(m.AddTransition(stateChildA, "finish", stateFinal))
	suite.Require().NoError(m.AddTransition(stateSuper, statemachine.FinishedEvent, stateIdle))
	suite.Require().NoError(m.SetInitialState(stateIdle))

	suite.Require().NoError(m.Start())
	defer m.Stop()

	m.PostEvent("go", nil)
	suite.Eventually(func() bool { return m.State() == stateChildA }, time.Second, time.Millisecond)

	m.PostEvent("finish", nil)
	suite.Eventually(func() bool { return m.State() == stateIdle }, time.Second, time.Millisecond)
}

func (suite *StateMachineTestSuite) TestAddStateFailsWhileRunning() {
	// GOAL: Verify adding a state/transition while running fails and does not panic (spec.md §4.1 failure model)
	//
	// TEST SCENARIO: Start() a machine -> AddState/AddTransition return an error

	m := suite.buildHierarchy()
	suite.Require().NoError(m.Start())
	defer m.Stop()

	err := m.AddState(99, "Bogus", statemachine.NoState, statemachine.NoState, false)
	suite.Assert().Error(err)

	err = m.AddTransition(stateIdle, "oops", stateSuper)
	suite.Assert().Error(err)
}

func (suite *StateMachineTestSuite) TestPostEventToStoppedMachineIsNoop() {
	// GOAL: Verify posting to a stopped machine fails silently (no panic, no delivery)
	//
	// TEST SCENARIO: Start() then Stop() -> PostEvent -> state unchanged, no panic

	m := suite.buildHierarchy()
	suite.Require().NoError(m.Start())
	m.Stop()

	suite.Assert().NotPanics(func() {
		m.PostEvent("go", nil)
	})
	suite.Assert().Equal(stateIdle, m.State())
}

func TestStateMachineTestSuite(t *testing.T) {
	suite.Run(t, new(StateMachineTestSuite))
}
