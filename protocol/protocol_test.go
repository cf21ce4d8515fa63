package protocol

import (
	"errors"
	"testing"

	"mpack-rpc/token"
)

func newSession(t *testing.T, capacity uint32) *Session {
	t.Helper()
	s, err := NewSession(capacity)
	if err != nil {
		t.Fatalf("NewSession(%d) failed: %v", capacity, err)
	}
	return s
}

// feedAll feeds toks and returns the outcome of the last one.
func feedAll(t *testing.T, s *Session, toks ...token.Token) (Status, Message, error) {
	t.Helper()
	var (
		st  Status
		msg Message
		err error
	)
	for i, tok := range toks {
		st, msg, err = s.Feed(tok)
		if i < len(toks)-1 && (err != nil || st != StatusNeedMore) {
			t.Fatalf("token %d terminated early: status=%v err=%v", i, st, err)
		}
	}
	return st, msg, err
}

func TestNewSessionCapacity(t *testing.T) {
	s := newSession(t, 0)
	if s.Capacity() != DefaultCapacity {
		t.Errorf("default capacity: got %d, want %d", s.Capacity(), DefaultCapacity)
	}
	if _, err := NewSession(7); !errors.Is(err, ErrOddCapacity) {
		t.Fatalf("expect ErrOddCapacity for capacity 7, got %v", err)
	}
}

func TestFeedScenario(t *testing.T) {
	s := newSession(t, 8)
	if _, err := s.table.Put(Message{ID: 7, Data: "call-7"}); err != nil {
		t.Fatal(err)
	}

	st, msg, err := feedAll(t, s, token.NewArray(4), token.NewUint(0), token.NewUint(7))
	if err != nil || st != StatusRequest || msg.ID != 7 {
		t.Fatalf("request: got status=%v id=%d err=%v", st, msg.ID, err)
	}

	st, msg, err = feedAll(t, s, token.NewArray(4), token.NewUint(1), token.NewUint(7))
	if err != nil || st != StatusResponse || msg.ID != 7 {
		t.Fatalf("response: got status=%v id=%d err=%v", st, msg.ID, err)
	}
	if msg.Data != "call-7" {
		t.Errorf("response data: got %v, want call-7", msg.Data)
	}
	if s.Pending() != 0 {
		t.Errorf("expect entry removed, %d pending", s.Pending())
	}

	st, _, err = feedAll(t, s, token.NewArray(3), token.NewUint(2))
	if err != nil || st != StatusNotification {
		t.Fatalf("notification: got status=%v err=%v", st, err)
	}

	_, msg, err = feedAll(t, s, token.NewArray(4), token.NewUint(1), token.NewUint(7))
	if !errors.Is(err, ErrResponseIDNotFound) {
		t.Fatalf("expect ErrResponseIDNotFound, got %v", err)
	}
	if msg.ID != 7 {
		t.Errorf("unknown response id: got %d, want 7", msg.ID)
	}
}

func TestFeedMalformedEnvelope(t *testing.T) {
	cases := []struct {
		name string
		toks []token.Token
		want error
	}{
		{"array length 5", []token.Token{token.NewArray(5), token.NewUint(0)}, ErrBadArrayLength},
		{"array length 2", []token.Token{token.NewArray(2), token.NewUint(2)}, ErrBadArrayLength},
		{"request of length 3", []token.Token{token.NewArray(3), token.NewUint(0)}, ErrBadArrayLength},
		{"response of length 3", []token.Token{token.NewArray(3), token.NewUint(1)}, ErrBadArrayLength},
		{"notification of length 4", []token.Token{token.NewArray(4), token.NewUint(2)}, ErrBadArrayLength},
		{"map instead of array", []token.Token{token.NewMap(4), token.NewUint(0)}, ErrNotArray},
		{"type 3", []token.Token{token.NewArray(4), token.NewUint(3)}, ErrBadType},
		{"wide type", []token.Token{token.NewArray(4), {Kind: token.Uint, Length: 2, Value: 1}}, ErrBadType},
		{"signed type", []token.Token{token.NewArray(4), {Kind: token.Sint, Length: 1, Value: 0}}, ErrBadType},
		{"string id", []token.Token{token.NewArray(4), token.NewUint(0), {Kind: token.Str, Length: 1}}, ErrBadMessageID},
		{"64-bit id", []token.Token{token.NewArray(4), token.NewUint(0), token.NewUint(1 << 40)}, ErrBadMessageID},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newSession(t, 8)
			_, _, err := feedAll(t, s, tc.toks...)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expect %v, got %v", tc.want, err)
			}
			// The cursor is reset: a valid notification classifies next.
			st, _, err := feedAll(t, s, token.NewArray(3), token.NewUint(2))
			if err != nil || st != StatusNotification {
				t.Fatalf("after error: got status=%v err=%v", st, err)
			}
		})
	}
}

func TestRequestTokenSequence(t *testing.T) {
	s := newSession(t, 4)

	want := []token.Token{token.NewArray(4), token.NewUint(0), token.NewUint(0)}
	for i, w := range want {
		tok, last, err := s.RequestToken("a")
		if err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
		if tok != w {
			t.Errorf("token %d: got %+v, want %+v", i, tok, w)
		}
		if last != (i == len(want)-1) {
			t.Errorf("token %d: last=%v", i, last)
		}
	}
	if s.NextID() != 1 {
		t.Errorf("next id: got %d, want 1", s.NextID())
	}
	if data, ok := s.Lookup(0); !ok || data != "a" {
		t.Errorf("expect request 0 pending with data a, got %v %v", data, ok)
	}
}

func TestNotifyTokenSequence(t *testing.T) {
	s := newSession(t, 4)

	tok, last, err := s.NotifyToken()
	if err != nil || last || tok != token.NewArray(3) {
		t.Fatalf("first token: %+v last=%v err=%v", tok, last, err)
	}
	tok, last, err = s.NotifyToken()
	if err != nil || !last || tok != token.NewUint(2) {
		t.Fatalf("second token: %+v last=%v err=%v", tok, last, err)
	}
}

func TestGeneratorMixRejected(t *testing.T) {
	s := newSession(t, 4)
	if _, _, err := s.ReplyToken(9); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.NotifyToken(); !errors.Is(err, ErrEnvelopeInProgress) {
		t.Fatalf("expect ErrEnvelopeInProgress, got %v", err)
	}
	if _, _, err := s.RequestToken(nil); !errors.Is(err, ErrEnvelopeInProgress) {
		t.Fatalf("expect ErrEnvelopeInProgress, got %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("rejected request must not be recorded, %d pending", s.Pending())
	}
}

func TestRequestTableFull(t *testing.T) {
	s := newSession(t, 2)
	for i := 0; i < 2; i++ {
		for {
			_, last, err := s.RequestToken(i)
			if err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
			if last {
				break
			}
		}
	}

	if _, _, err := s.RequestToken(2); !errors.Is(err, ErrTableFull) {
		t.Fatalf("expect ErrTableFull, got %v", err)
	}
	if s.NextID() != 2 {
		t.Errorf("failed request must not consume an id, next=%d", s.NextID())
	}

	// A response frees a slot.
	if _, _, err := feedAll(t, s, token.NewArray(4), token.NewUint(1), token.NewUint(1)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.RequestToken(2); err != nil {
		t.Fatalf("request after response: %v", err)
	}
}

func TestRequestEchoedAsResponse(t *testing.T) {
	s := newSession(t, 16)
	ids := make([]uint32, 0, 5)
	for i := 0; i < 5; i++ {
		var id token.Token
		for {
			tok, last, err := s.RequestToken(i * 10)
			if err != nil {
				t.Fatal(err)
			}
			if last {
				id = tok
				break
			}
		}
		ids = append(ids, uint32(id.Value))
	}

	for i := len(ids) - 1; i >= 0; i-- {
		st, msg, err := feedAll(t, s, token.NewArray(4), token.NewUint(1), token.NewUint(uint64(ids[i])))
		if err != nil || st != StatusResponse {
			t.Fatalf("response %d: status=%v err=%v", ids[i], st, err)
		}
		if msg.Data != i*10 {
			t.Errorf("response %d: got data %v, want %d", ids[i], msg.Data, i*10)
		}
	}
	if s.Pending() != 0 {
		t.Errorf("expect empty table, %d pending", s.Pending())
	}
}

func TestUnknownResponseLeavesTableUnchanged(t *testing.T) {
	s := newSession(t, 4)
	// 1 and 5 share home slot 1; 5 is displaced into slot 2.
	for _, id := range []uint32{1, 5} {
		if _, err := s.table.Put(Message{ID: id, Data: id * 10}); err != nil {
			t.Fatal(err)
		}
	}

	// 9 has the same home slot but was never sent; 4 lands on the empty slot 0.
	for _, id := range []uint64{9, 4} {
		st, msg, err := feedAll(t, s, token.NewArray(4), token.NewUint(1), token.NewUint(id))
		if !errors.Is(err, ErrResponseIDNotFound) || st != StatusNeedMore {
			t.Fatalf("id %d: expect ErrResponseIDNotFound, got status=%v err=%v", id, st, err)
		}
		if msg.ID != uint32(id) {
			t.Errorf("id %d: error carries id %d", id, msg.ID)
		}
		if s.Pending() != 2 {
			t.Fatalf("id %d: pending changed to %d", id, s.Pending())
		}
	}

	for _, id := range []uint32{1, 5} {
		if data, ok := s.Lookup(id); !ok || data != id*10 {
			t.Errorf("id %d: got %v %v, want %d", id, data, ok, id*10)
		}
	}

	// Resolving 1 shifts 5 back; a repeated response for 1 is then unknown.
	if st, _, err := feedAll(t, s, token.NewArray(4), token.NewUint(1), token.NewUint(1)); err != nil || st != StatusResponse {
		t.Fatalf("resolve 1: status=%v err=%v", st, err)
	}
	if _, _, err := feedAll(t, s, token.NewArray(4), token.NewUint(1), token.NewUint(1)); !errors.Is(err, ErrResponseIDNotFound) {
		t.Fatalf("resolved id answered twice: %v", err)
	}
	if data, ok := s.Lookup(5); !ok || data != uint32(50) || s.Pending() != 1 {
		t.Errorf("id 5 after shift: got %v %v pending=%d", data, ok, s.Pending())
	}
}
