package protocol

import (
	"math"

	"mpack-rpc/token"
)

// Feed consumes the next inbound envelope token.
//
// It returns StatusNeedMore until the envelope is complete. A response is
// matched against the pending request table and its entry removed; the
// returned Message carries the correlation data given when the request was
// sent. On any error the cursor is reset, so the next token starts a new
// envelope.
func (s *Session) Feed(tok token.Token) (Status, Message, error) {
	h := &s.receive

	switch h.stage {
	case 0:
		h.toks[0] = tok
		h.stage++
		return StatusNeedMore, Message{}, nil

	case 1:
		h.toks[1] = tok
		h.stage++
		if err := validate(h.toks[0], h.toks[1]); err != nil {
			h.reset()
			return StatusNeedMore, Message{}, err
		}
		if MsgType(h.toks[1].Value) != MsgTypeNotification {
			return StatusNeedMore, Message{}, nil
		}
		h.reset()
		return StatusNotification, Message{}, nil
	}

	typ := MsgType(h.toks[1].Value)
	h.reset()

	if tok.Kind != token.Uint || tok.Length > 4 || tok.Value > math.MaxUint32 {
		return StatusNeedMore, Message{}, ErrBadMessageID
	}
	msg := Message{ID: uint32(tok.Value)}

	if typ == MsgTypeRequest {
		return StatusRequest, msg, nil
	}
	msg, ok := s.table.Pop(msg.ID)
	if !ok {
		return StatusNeedMore, Message{ID: uint32(tok.Value)}, ErrResponseIDNotFound
	}
	return StatusResponse, msg, nil
}

// validate checks the array marker and type discriminator together, since
// the allowed array length depends on the type.
func validate(array, typ token.Token) error {
	if array.Kind != token.Array {
		return ErrNotArray
	}
	if array.Length < 3 || array.Length > 4 {
		return ErrBadArrayLength
	}
	if typ.Kind != token.Uint || typ.Length > 1 || typ.Value > uint64(MsgTypeNotification) {
		return ErrBadType
	}
	if MsgType(typ.Value) == MsgTypeNotification {
		if array.Length != 3 {
			return ErrBadArrayLength
		}
	} else if array.Length != 4 {
		return ErrBadArrayLength
	}
	return nil
}
