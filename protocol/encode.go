package protocol

import "mpack-rpc/token"

// RequestToken produces the next token of a request envelope.
//
// The first call allocates the next request id and records data under it in
// the pending request table; if the table is full it returns ErrTableFull
// before any token is produced. last is true for the final token.
func (s *Session) RequestToken(data any) (tok token.Token, last bool, err error) {
	if s.send.stage == 0 {
		id := s.nextID
		if _, err := s.table.Put(Message{ID: id, Data: data}); err != nil {
			return token.Token{}, false, err
		}
		s.nextID++
		s.begin(MsgTypeRequest, id)
	} else if s.send.kind != MsgTypeRequest {
		return token.Token{}, false, ErrEnvelopeInProgress
	}
	tok, last = s.advance()
	return tok, last, nil
}

// ReplyToken produces the next token of a response envelope for the request
// that arrived with id.
func (s *Session) ReplyToken(id uint32) (tok token.Token, last bool, err error) {
	if s.send.stage == 0 {
		s.begin(MsgTypeResponse, id)
	} else if s.send.kind != MsgTypeResponse {
		return token.Token{}, false, ErrEnvelopeInProgress
	}
	tok, last = s.advance()
	return tok, last, nil
}

// NotifyToken produces the next token of a notification envelope.
func (s *Session) NotifyToken() (tok token.Token, last bool, err error) {
	if s.send.stage == 0 {
		s.begin(MsgTypeNotification, 0)
	} else if s.send.kind != MsgTypeNotification {
		return token.Token{}, false, ErrEnvelopeInProgress
	}
	tok, last = s.advance()
	return tok, last, nil
}

// NextID returns the id the next request will be given.
func (s *Session) NextID() uint32 {
	return s.nextID
}

func (s *Session) begin(kind MsgType, id uint32) {
	h := &s.send
	h.kind = kind
	h.toks[0] = token.NewArray(4)
	h.toks[1] = token.NewUint(uint64(kind))
	h.toks[2] = token.NewUint(uint64(id))
	if kind == MsgTypeNotification {
		h.toks[0] = token.NewArray(3)
	}
}

func (s *Session) advance() (token.Token, bool) {
	h := &s.send
	tok := h.toks[h.stage]
	h.stage++
	if h.stage == 3 || (h.kind == MsgTypeNotification && h.stage == 2) {
		h.reset()
		return tok, true
	}
	return tok, false
}
