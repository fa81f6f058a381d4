package h2

import (
	"fmt"
	"sync"
)

// StreamState is a stream's position in the RFC 7540 §5.1 state machine,
// trimmed to the states this engine exercises (no server push).
type StreamState int

// Stream states.
const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedRemote // client sent END_STREAM, server may still send
	StreamHalfClosedLocal  // server sent END_STREAM, client may still send
	StreamClosed
)

// DefaultInitialWindowSize is the connection/stream flow control window a
// peer starts with absent a SETTINGS_INITIAL_WINDOW_SIZE override (the RFC
// default of 65535).
const DefaultInitialWindowSize = 65535

// MaxWindowSize is the largest legal flow control window (2^31 - 1). A
// WINDOW_UPDATE that would push a window past this is a FLOW_CONTROL_ERROR,
// not a silent clamp: GOAWAY for the connection window, RST_STREAM for a
// stream window.
const MaxWindowSize = 1<<31 - 1

// FlowWindow tracks a single flow-control window (stream or connection
// scoped) with overflow-checked updates.
type FlowWindow struct {
	mu   sync.Mutex
	size int64
}

// NewFlowWindow creates a window starting at initial.
func NewFlowWindow(initial int32) *FlowWindow {
	return &FlowWindow{size: int64(initial)}
}

// Size returns the current window size.
func (w *FlowWindow) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Consume subtracts n (a DATA frame's length) from the window. Returns an
// error if the window would go negative — the caller must not have sent or
// accepted more than was granted.
func (w *FlowWindow) Consume(n int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size-n < 0 {
		return fmt.Errorf("h2: flow control window underflow")
	}
	w.size -= n
	return nil
}

// Increment applies a WINDOW_UPDATE increment, rejecting overflow past
// MaxWindowSize per Open Question #6.
func (w *FlowWindow) Increment(n int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.size + int64(n)
	if next > MaxWindowSize {
		return fmt.Errorf("h2: flow control window overflow")
	}
	w.size = next
	return nil
}

// Stream is one HTTP/2 stream's state, headers, body buffer, and flow
// control window.
type Stream struct {
	ID            uint32
	State         StreamState
	RequestHeader []HeaderField
	Body          []byte
	SendWindow    *FlowWindow // this endpoint sending DATA to the peer
	RecvWindow    *FlowWindow // this endpoint receiving DATA from the peer
	Priority      *PriorityParams
}

// PriorityParams holds a PRIORITY frame's fields. They are recorded but
// not enforced in scheduling.
type PriorityParams struct {
	Exclusive      bool
	DependsOn      uint32
	Weight         uint8
}

// NewStream creates a stream in the idle state with windows seeded from the
// connection's negotiated initial window size.
func NewStream(id uint32, initialWindow int32) *Stream {
	return &Stream{
		ID:         id,
		State:      StreamIdle,
		SendWindow: NewFlowWindow(initialWindow),
		RecvWindow: NewFlowWindow(initialWindow),
	}
}

// OnHeadersReceived transitions idle->open, or on to half-closed-remote when
// END_STREAM is set. HEADERS in any state other than idle is an error.
func (s *Stream) OnHeadersReceived(endStream bool) error {
	switch s.State {
	case StreamIdle:
		s.State = StreamOpen
	default:
		return fmt.Errorf("h2: HEADERS received in state %d for stream %d", s.State, s.ID)
	}
	if endStream {
		s.State = StreamHalfClosedRemote
	}
	return nil
}

// OnDataReceived applies an inbound DATA frame's END_STREAM flag.
func (s *Stream) OnDataReceived(endStream bool) error {
	switch s.State {
	case StreamOpen, StreamHalfClosedLocal:
	default:
		return fmt.Errorf("h2: DATA received in state %d for stream %d", s.State, s.ID)
	}
	if endStream {
		if s.State == StreamHalfClosedLocal {
			s.State = StreamClosed
		} else {
			s.State = StreamHalfClosedRemote
		}
	}
	return nil
}

// OnResponseSent marks the server's END_STREAM as sent.
func (s *Stream) OnResponseSent() {
	switch s.State {
	case StreamHalfClosedRemote:
		s.State = StreamClosed
	case StreamOpen:
		s.State = StreamHalfClosedLocal
	}
}

// StreamTable tracks all streams on a connection and enforces the
// max-concurrent-streams and strictly-increasing-client-stream-id rules.
type StreamTable struct {
	mu            sync.Mutex
	streams       map[uint32]*Stream
	lastClientID  uint32
	maxConcurrent int
	initialWindow int32
}

// NewStreamTable creates an empty table.
func NewStreamTable(maxConcurrent int, initialWindow int32) *StreamTable {
	return &StreamTable{
		streams:       make(map[uint32]*Stream),
		maxConcurrent: maxConcurrent,
		initialWindow: initialWindow,
	}
}

// Open creates a new client-initiated stream, enforcing strictly increasing
// odd stream IDs and the concurrency cap. A reused or decreasing stream ID
// returns an error (the connection answers it with RST_STREAM).
func (t *StreamTable) Open(id uint32) (*Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id%2 == 0 || id <= t.lastClientID {
		return nil, fmt.Errorf("h2: invalid or reused stream id %d", id)
	}
	if t.countOpenLocked() >= t.maxConcurrent {
		return nil, fmt.Errorf("h2: max concurrent streams exceeded")
	}
	s := NewStream(id, t.initialWindow)
	t.streams[id] = s
	t.lastClientID = id
	return s, nil
}

func (t *StreamTable) countOpenLocked() int {
	n := 0
	for _, s := range t.streams {
		if s.State != StreamClosed {
			n++
		}
	}
	return n
}

// Get returns the stream for id, if any.
func (t *StreamTable) Get(id uint32) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

// Close evicts a stream from the table immediately, whatever its state, so
// the table does not grow unbounded over a long-lived connection.
func (t *StreamTable) Close(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// Len returns the number of tracked (non-evicted) streams.
func (t *StreamTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
