package ws

import (
	"bufio"
	"bytes"
	"testing"
)

func TestComputeAcceptLiteralExample(t *testing.T) {
	// The literal RFC 6455 §1.3 example key/accept pair.
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("ComputeAccept() = %q, want %q", got, want)
	}
}

func TestFrameRoundTripMasked(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	// Build a masked client frame by hand since WriteFrame only writes
	// unmasked (server) frames.
	payload := []byte("hello")
	maskKey := [4]byte{1, 2, 3, 4}
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ maskKey[i%4]
	}
	bw.WriteByte(0x80 | byte(OpText))
	bw.WriteByte(0x80 | byte(len(payload)))
	bw.Write(maskKey[:])
	bw.Write(masked)
	bw.Flush()

	br := bufio.NewReader(&buf)
	f, err := ReadFrame(br)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Fin || f.Opcode != OpText || string(f.Payload) != "hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestReadFrameRejectsUnmasked(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x80 | byte(OpText))
	buf.WriteByte(5) // mask bit not set
	buf.WriteString("hello")

	br := bufio.NewReader(&buf)
	if _, err := ReadFrame(br); err == nil {
		t.Fatalf("expected rejection of unmasked client frame")
	}
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x80 | byte(OpBinary))
	buf.WriteByte(0x80 | 127)
	var ext [8]byte
	ext[5] = 0xff // length 16 MiB - 1, well past MaxFramePayload
	ext[6] = 0xff
	ext[7] = 0xff
	buf.Write(ext[:])
	buf.Write([]byte{0, 0, 0, 0}) // mask key

	br := bufio.NewReader(&buf)
	if _, err := ReadFrame(br); err == nil {
		t.Fatalf("expected rejection of oversize frame")
	}
}

func TestReassemblerSingleFrameMessage(t *testing.T) {
	var r Reassembler
	opcode, msg, done, err := r.Feed(Frame{Fin: true, Opcode: OpText, Payload: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if !done || opcode != OpText || string(msg) != "hi" {
		t.Fatalf("unexpected result: opcode=%v msg=%q done=%v", opcode, msg, done)
	}
}

func TestReassemblerMultiFrameMessage(t *testing.T) {
	var r Reassembler
	_, _, done, err := r.Feed(Frame{Fin: false, Opcode: OpText, Payload: []byte("hel")})
	if err != nil || done {
		t.Fatalf("expected not done, err=%v done=%v", err, done)
	}
	opcode, msg, done, err := r.Feed(Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("lo")})
	if err != nil {
		t.Fatal(err)
	}
	if !done || opcode != OpText || string(msg) != "hello" {
		t.Fatalf("unexpected reassembled message: %q", msg)
	}
}

func TestReassemblerRejectsOversizeMessage(t *testing.T) {
	var r Reassembler
	big := bytes.Repeat([]byte("x"), MaxMessageSize+1)
	_, _, _, err := r.Feed(Frame{Fin: true, Opcode: OpBinary, Payload: big})
	if err == nil {
		t.Fatalf("expected rejection of oversize message")
	}
}

func TestWriteFrameUnmaskedServerFrame(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := WriteFrame(bw, true, OpText, []byte("pong")); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if b[1]&0x80 != 0 {
		t.Fatalf("server frame must not set mask bit")
	}
}
