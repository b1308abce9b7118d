package session

// Source records who produced a cached value.
type Source int

const (
	SourceRemote Source = iota
	SourceLocal
)

func (s Source) String() string {
	if s == SourceLocal {
		return "local"
	}
	return "remote"
}

type propertyState struct {
	value    any
	notified any
	source   Source
}

// mirror is the device's local copy of its properties. It is not
// goroutine-safe; the device mutex guards it.
type mirror struct {
	props      map[Property]*propertyState
	volumeStep float64
}

func newMirror() *mirror {
	m := &mirror{props: make(map[Property]*propertyState, len(AllProperties))}
	for _, p := range AllProperties {
		m.props[p] = &propertyState{value: p.zero(), notified: p.zero(), source: SourceRemote}
	}
	return m
}

func (m *mirror) get(p Property) any {
	return m.props[p].value
}

func (m *mirror) source(p Property) Source {
	return m.props[p].source
}

func (m *mirror) snapshot() map[Property]any {
	out := make(map[Property]any, len(m.props))
	for p, st := range m.props {
		out[p] = st.value
	}
	return out
}

// markNotified records that the hub has seen every current value.
func (m *mirror) markNotified() {
	for _, st := range m.props {
		st.notified = st.value
	}
}

// applyRemote caches a reported value and returns true when the hub must
// be told. Before registration nothing is reported; the registration
// snapshot carries the value instead.
func (m *mirror) applyRemote(p Property, v any, registered bool) bool {
	st := m.props[p]
	st.value = v
	st.source = SourceRemote
	if !registered || st.notified == v {
		return false
	}
	st.notified = v
	return true
}

// applyLocal caches a written value. The hub asked for it, so the hub's
// view already matches.
func (m *mirror) applyLocal(p Property, v any) {
	st := m.props[p]
	st.value = v
	st.notified = v
	st.source = SourceLocal
}

// revert restores the pre-write value and reports whether the hub, which
// was shown the optimistic value, must be corrected. A value the receiver
// reported after the write is newer than prior and is kept.
func (m *mirror) revert(p Property, prior any, registered bool) bool {
	if m.props[p].source != SourceLocal {
		return false
	}
	return m.applyRemote(p, prior, registered)
}
