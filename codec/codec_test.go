package codec

import (
	"bytes"
	"testing"

	"mpack-rpc/message"
)

type addArgs struct {
	A int `codec:"a"`
	B int `codec:"b"`
}

func TestRequestBody(t *testing.T) {
	c := New()
	params, err := c.Params(&addArgs{A: 1, B: 2}, "tag")
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}

	var buf bytes.Buffer
	in := &message.Request{Method: "Arith.Add", Params: params}
	if err := c.WriteRequest(&buf, in); err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}
	buf.WriteByte(0x93) // next message starts here

	var out message.Request
	if err := c.ReadRequest(&buf, &out); err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if out.Method != in.Method {
		t.Errorf("Method mismatch: got %s, want %s", out.Method, in.Method)
	}
	if !bytes.Equal(out.Params, params) {
		t.Errorf("Params mismatch: got % x, want % x", out.Params, params)
	}
	if buf.Len() != 1 {
		t.Errorf("read past the body: %d bytes left, want 1", buf.Len())
	}

	elems, err := c.SplitParams(out.Params)
	if err != nil {
		t.Fatalf("SplitParams failed: %v", err)
	}
	if len(elems) != 2 {
		t.Fatalf("expect 2 params, got %d", len(elems))
	}
	var args addArgs
	if err := c.Unmarshal(elems[0], &args); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if args.A != 1 || args.B != 2 {
		t.Errorf("args mismatch: %+v", args)
	}
	var tag string
	if err := c.Unmarshal(elems[1], &tag); err != nil || tag != "tag" {
		t.Errorf("tag mismatch: %q %v", tag, err)
	}
}

func TestEmptyParamsWriteArray(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	if err := c.WriteRequest(&buf, &message.Request{Method: "ping"}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xa4, 'p', 'i', 'n', 'g', 0x90}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestResponseBody(t *testing.T) {
	c := New()
	result, err := c.Marshal(map[string]int{"sum": 3})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := c.WriteResponse(&buf, &message.Response{Result: result}); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	if err := c.WriteResponse(&buf, message.ErrorResponse(0, "no such method")); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}

	var ok message.Response
	if err := c.ReadResponse(&buf, &ok); err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if ok.Error != nil {
		t.Errorf("expect nil error, got %v", ok.Error)
	}
	var sum map[string]int
	if err := c.Unmarshal(ok.Result, &sum); err != nil || sum["sum"] != 3 {
		t.Errorf("result mismatch: %v %v", sum, err)
	}

	var failed message.Response
	if err := c.ReadResponse(&buf, &failed); err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if failed.Error != "no such method" {
		t.Errorf("error mismatch: %v", failed.Error)
	}
	if failed.Result != nil {
		t.Errorf("expect nil result, got % x", failed.Result)
	}
}

func TestSkip(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	c.WriteResponse(&buf, &message.Response{Error: "x"})
	buf.WriteByte(0x07)

	if err := c.Skip(&buf, 2); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if b, _ := buf.ReadByte(); b != 0x07 || buf.Len() != 0 {
		t.Errorf("Skip consumed the wrong number of bytes")
	}
}
