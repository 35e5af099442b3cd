package statemachine

import "strings"

// resolveToLeaf walks target's initial-child chain until it reaches a state
// with no initial child (spec.md §4.1: "A transition targeting a
// super-state resolves to that super-state's initial child").
func (m *Machine) resolveToLeaf(target int) int {
	seen := map[int]bool{}
	for {
		def, ok := m.states[target]
		if !ok || def.initial == NoState {
			return target
		}
		if seen[target] {
			// cyclic initial-child chain; bail out rather than loop forever
			return target
		}
		seen[target] = true
		target = def.initial
	}
}

// ancestorPath returns [root, ..., leaf] for the given leaf state.
func (m *Machine) ancestorPath(leaf int) []int {
	var path []int
	for s := leaf; s != NoState; {
		path = append([]int{s}, path...)
		def, ok := m.states[s]
		if !ok {
			break
		}
		s = def.parent
	}
	return path
}

// commonAncestorDepth returns how many leading entries of a and b match.
func commonAncestorDepth(a, b []int) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func (m *Machine) runEntryChain(path []int) {
	for _, s := range path {
		if def, ok := m.states[s]; ok && def.onEntry != nil {
			def.onEntry(m)
		}
	}
}

func (m *Machine) runExitChain(path []int) {
	// exit runs leaf-to-ancestor, i.e. reverse of path order
	for i := len(path) - 1; i >= 0; i-- {
		s := path[i]
		if def, ok := m.states[s]; ok && def.onExit != nil {
			def.onExit(m)
		}
	}
}

// checkFinal synthesises FinishedEvent into the parent super-state when leaf
// is marked final, and stops the machine if leaf is a top-level final
// state.
func (m *Machine) checkFinal(leaf int) {
	def, ok := m.states[leaf]
	if !ok || !def.isFinal {
		return
	}
	if def.parent == NoState {
		if m.onFinished != nil {
			m.onFinished()
		}
		go m.Stop()
		return
	}
	m.localQueue = append(m.localQueue, Event{Type: FinishedEvent})
}

// findTransition walks from `from` up through ancestors looking for a
// transition matching key (an event type or "__signal__"+name); the first
// match wins, per spec.md §4.1.
func (m *Machine) findTransition(from int, key string, isSignal bool) (int, bool) {
	for s := from; s != NoState; {
		def, ok := m.states[s]
		if !ok {
			return NoState, false
		}
		var t transition
		var found bool
		if isSignal {
			t, found = def.onSignal[strings.TrimPrefix(key, "__signal__")]
		} else {
			t, found = def.onEvents[key]
		}
		if found {
			return t.target, true
		}
		s = def.parent
	}
	return NoState, false
}

// moveToState performs one transition: exit chain from the current leaf up
// to (not including) the common ancestor with the new leaf, then the entry
// chain down to the new leaf.
func (m *Machine) moveToState(newTarget int) {
	oldLeaf := m.current
	newLeaf := m.resolveToLeaf(newTarget)

	oldPath := m.ancestorPath(oldLeaf)
	newPath := m.ancestorPath(newLeaf)
	common := commonAncestorDepth(oldPath, newPath)

	m.runExitChain(oldPath[common:])
	m.mu.Lock()
	m.current = newLeaf
	m.mu.Unlock()
	m.runEntryChain(newPath[common:])

	if m.onTransition != nil {
		m.onTransition(oldLeaf, newLeaf)
	}
	m.checkFinal(newLeaf)
}

// processOne resolves and applies (at most) one transition for ev,
// delivered while the machine is in m.current or one of its ancestors.
func (m *Machine) processOne(ev Event) {
	isSignal := strings.HasPrefix(ev.Type, "__signal__")
	target, ok := m.findTransition(m.current, ev.Type, isSignal)
	if !ok {
		m.log.WithField("event", ev.Type).WithField("state", m.StateName(-1)).Debug("no matching transition")
		return
	}
	m.moveToState(target)
}

// drain processes ev and then every event appended to the local queue by
// its entry/exit callbacks, guaranteeing all work for one top-level event
// completes before the next external event is considered (spec.md §4.1).
func (m *Machine) drain(ev Event) {
	m.localQueue = append(m.localQueue, ev)
	m.drainQueue()
}

// drainQueue processes whatever is currently queued locally, including
// events synthesised by entry/exit callbacks while doing so. Used both by
// drain (for externally-delivered events) and by Start (for a FinishedEvent
// synthesised by the initial state itself).
func (m *Machine) drainQueue() {
	for len(m.localQueue) > 0 {
		next := m.localQueue[0]
		m.localQueue = m.localQueue[1:]
		m.processOne(next)
	}
}
