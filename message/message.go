// Package message defines the decoded bodies of msgpack-rpc messages.
//
// The envelope (type and id) is classified by the protocol package; the
// structures here carry what follows it. Params and results are kept as raw
// msgpack so that the receiving side decides what Go type to decode into.
package message

import "fmt"

// Request is an inbound or outbound call.
//
//   - request:      [0, ID, Method, Params]
//   - notification: [2, Method, Params], Notification is set and ID unused
type Request struct {
	ID           uint32
	Method       string
	Params       []byte // msgpack-encoded params array
	Notification bool
}

// Response answers the request with the same ID.
//
// Error is nil on success. A handler error is carried as its message string;
// peers may send any msgpack value.
type Response struct {
	ID     uint32
	Error  any
	Result []byte // msgpack-encoded result, nil for a nil result
}

// Err converts a non-nil Error into a Go error.
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	switch e := r.Error.(type) {
	case string:
		return &RemoteError{Message: e}
	case []byte:
		return &RemoteError{Message: string(e)}
	default:
		return &RemoteError{Message: fmt.Sprint(e), Value: e}
	}
}

// RemoteError is an error reported by the peer in a response.
type RemoteError struct {
	Message string
	Value   any
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

// ErrorResponse builds a failed response for id.
func ErrorResponse(id uint32, err string) *Response {
	return &Response{ID: id, Error: err}
}
