// Package protocol implements the msgpack-rpc envelope.
//
// Every msgpack-rpc message is an array whose leading elements, the
// envelope, say what the message is:
//
//	request       [0, id, method, params]   array length 4
//	response      [1, id, error, result]    array length 4
//	notification  [2, method, params]       array length 3
//
// A Session classifies inbound envelopes one token at a time and generates
// outbound ones, correlating each outbound request id with the response that
// later resolves it. Method names, params, errors and results (the body) are
// left to the caller: after an envelope is classified the next byte on the
// wire is the first byte of the body.
//
// A Session is owned by one connection and is not safe for concurrent use.
package protocol

import (
	"mpack-rpc/token"
)

// DefaultCapacity is the pending request table size selected by capacity 0.
const DefaultCapacity = 32

// MsgType is the wire discriminator, the second element of every message.
type MsgType uint8

const (
	MsgTypeRequest      MsgType = 0
	MsgTypeResponse     MsgType = 1
	MsgTypeNotification MsgType = 2
)

// Status is the outcome of feeding or producing envelope tokens.
type Status uint8

const (
	// StatusNeedMore asks for more input tokens or bytes, or more output room.
	StatusNeedMore Status = iota
	StatusRequest
	StatusResponse
	StatusNotification
	// StatusDone reports that an outbound envelope is completely written.
	StatusDone
)

var statusNames = [...]string{"need-more", "request", "response", "notification", "done"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// header is the cursor over the (at most three) envelope tokens of one
// message in one direction. stage counts tokens consumed or produced.
type header struct {
	stage int
	toks  [3]token.Token
	kind  MsgType
}

func (h *header) reset() {
	*h = header{}
}

// Session holds the per-connection envelope state.
type Session struct {
	nextID  uint32
	reader  token.Reader
	writer  token.Writer
	receive header
	send    header
	// out tracks the envelope an output adapter is writing, which may
	// outlive the send cursor while its last token is flushed.
	out struct {
		active   bool
		kind     MsgType
		id       uint32
		flushing bool
	}
	table *Table
}

// NewSession returns a session whose pending request table holds capacity
// outstanding requests; 0 selects DefaultCapacity.
func NewSession(capacity uint32) (*Session, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	table, err := NewTable(capacity)
	if err != nil {
		return nil, err
	}
	return &Session{table: table}, nil
}

// ResetOutput abandons a partially written outbound envelope, so the next
// output call starts a new one. An abandoned request is removed from the
// pending request table.
func (s *Session) ResetOutput() {
	if s.out.active && s.out.kind == MsgTypeRequest {
		s.table.Pop(s.out.id)
	}
	s.writer.Reset()
	s.send.reset()
	s.out.active, s.out.flushing = false, false
}

// Capacity returns the fixed size of the pending request table.
func (s *Session) Capacity() int {
	return s.table.Cap()
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int {
	return s.table.Len()
}

// Lookup returns the correlation data of an outstanding request.
func (s *Session) Lookup(id uint32) (any, bool) {
	m, ok := s.table.Get(id)
	return m.Data, ok
}
