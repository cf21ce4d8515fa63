package protocol

import (
	"errors"

	"mpack-rpc/token"
)

// Receive decodes tokens from buf and feeds them to the session until an
// envelope is classified, an error occurs or buf is exhausted. It returns the
// number of bytes consumed; on StatusRequest, StatusResponse and
// StatusNotification buf[n:] begins the message body.
//
// StatusNeedMore with a nil error means buf ended inside the envelope: call
// again with the following bytes.
func (s *Session) Receive(buf []byte) (int, Status, Message, error) {
	n := 0
	for n < len(buf) {
		tok, c, err := s.reader.Read(buf[n:])
		n += c
		if errors.Is(err, token.ErrShortBuffer) {
			break
		}
		if err != nil {
			s.reader.Reset()
			s.receive.reset()
			return n, StatusNeedMore, Message{}, err
		}
		st, msg, err := s.Feed(tok)
		if err != nil || st != StatusNeedMore {
			return n, st, msg, err
		}
	}
	return n, StatusNeedMore, Message{}, nil
}

// Request writes a request envelope carrying a fresh id into buf and records
// data as its correlation data. It returns StatusDone once the envelope is
// complete, or StatusNeedMore when buf filled first; call again with more
// room and the same data. ErrTableFull is reported before any byte is written.
func (s *Session) Request(buf []byte, data any) (int, Status, error) {
	return s.emit(buf, MsgTypeRequest, func() (token.Token, bool, error) {
		return s.RequestToken(data)
	})
}

// Reply writes a response envelope for the request id into buf. The id given
// on the first call of an envelope is the one written.
func (s *Session) Reply(buf []byte, id uint32) (int, Status, error) {
	return s.emit(buf, MsgTypeResponse, func() (token.Token, bool, error) {
		return s.ReplyToken(id)
	})
}

// Notify writes a notification envelope into buf.
func (s *Session) Notify(buf []byte) (int, Status, error) {
	return s.emit(buf, MsgTypeNotification, s.NotifyToken)
}

// emit pulls envelope tokens from next and encodes them into buf. A token
// that did not fit is flushed before the next one is pulled.
func (s *Session) emit(buf []byte, kind MsgType, next func() (token.Token, bool, error)) (int, Status, error) {
	if s.out.active && s.out.kind != kind {
		return 0, StatusNeedMore, ErrEnvelopeInProgress
	}

	n := 0
	for n < len(buf) {
		if s.writer.Pending() {
			c, err := s.writer.Flush(buf[n:])
			n += c
			if err != nil {
				return n, StatusNeedMore, nil
			}
			if s.out.flushing {
				s.out.active, s.out.flushing = false, false
				return n, StatusDone, nil
			}
			continue
		}

		tok, last, err := next()
		if err != nil {
			return n, StatusNeedMore, err
		}
		if !s.out.active {
			s.out.id = uint32(s.send.toks[2].Value)
		}
		s.out.active, s.out.kind = true, kind

		c, err := s.writer.Write(buf[n:], tok)
		n += c
		if err != nil {
			s.out.flushing = last
			return n, StatusNeedMore, nil
		}
		if last {
			s.out.active = false
			return n, StatusDone, nil
		}
	}
	return n, StatusNeedMore, nil
}
