package h2

import (
	"bytes"
	"testing"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	if err := WriteFrame(&buf, FrameData, FlagEndStream, 1, payload); err != nil {
		t.Fatal(err)
	}
	fh, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if fh.Length != uint32(len(payload)) || fh.Type != FrameData || fh.Flags != FlagEndStream || fh.StreamID != 1 {
		t.Fatalf("unexpected frame header: %+v", fh)
	}
	got := make([]byte, fh.Length)
	buf.Read(got)
	if string(got) != "hello" {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSettings(&buf, []Setting{{ID: SettingMaxConcurrentStreams, Value: 100}}, false); err != nil {
		t.Fatal(err)
	}
	fh, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, fh.Length)
	buf.Read(payload)
	settings, err := ParseSettingsPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(settings) != 1 || settings[0].ID != SettingMaxConcurrentStreams || settings[0].Value != 100 {
		t.Fatalf("unexpected settings: %+v", settings)
	}
}

func TestHPACKStaticIndexedRoundTrip(t *testing.T) {
	enc := NewEncoder(4096)
	block := enc.EncodeHeaderBlock([]HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
	})

	dec := NewDecoder(4096)
	fields, err := dec.DecodeHeaderBlock(block)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 2 || fields[0].Value != "GET" || fields[1].Value != "/" {
		t.Fatalf("unexpected decoded fields: %+v", fields)
	}
}

func TestHPACKLiteralWithIndexingGrowsDynamicTable(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	block1 := enc.EncodeHeaderBlock([]HeaderField{{Name: "x-custom", Value: "value-one"}})
	fields1, err := dec.DecodeHeaderBlock(block1)
	if err != nil {
		t.Fatal(err)
	}
	if fields1[0].Name != "x-custom" || fields1[0].Value != "value-one" {
		t.Fatalf("unexpected first decode: %+v", fields1)
	}
	if len(dec.dynamic) != 1 {
		t.Fatalf("expected dynamic table to grow by one entry, got %d", len(dec.dynamic))
	}
}

func TestHPACKEncoderReusesDynamicEntryOnRepeat(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	block1 := enc.EncodeHeaderBlock([]HeaderField{{Name: "x-trace", Value: "abc123"}})
	if _, err := dec.DecodeHeaderBlock(block1); err != nil {
		t.Fatal(err)
	}

	block2 := enc.EncodeHeaderBlock([]HeaderField{{Name: "x-trace", Value: "abc123"}})
	if len(block2) != 1 {
		t.Fatalf("expected second occurrence to be a single-byte indexed field, got %d bytes", len(block2))
	}
	if len(enc.dynamic) != 1 {
		t.Fatalf("expected no duplicate dynamic-table insertion, got %d entries", len(enc.dynamic))
	}

	fields2, err := dec.DecodeHeaderBlock(block2)
	if err != nil {
		t.Fatal(err)
	}
	if fields2[0].Name != "x-trace" || fields2[0].Value != "abc123" {
		t.Fatalf("unexpected decode of indexed repeat: %+v", fields2)
	}
}

func TestHPACKEncoderEmitsNameIndexedLiteralOnValueChange(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	if _, err := dec.DecodeHeaderBlock(enc.EncodeHeaderBlock([]HeaderField{{Name: "x-trace", Value: "first"}})); err != nil {
		t.Fatal(err)
	}

	block2 := enc.EncodeHeaderBlock([]HeaderField{{Name: "x-trace", Value: "second"}})
	fields2, err := dec.DecodeHeaderBlock(block2)
	if err != nil {
		t.Fatal(err)
	}
	if fields2[0].Name != "x-trace" || fields2[0].Value != "second" {
		t.Fatalf("unexpected decode: %+v", fields2)
	}
	if len(enc.dynamic) != 2 {
		t.Fatalf("expected a second dynamic-table entry for the new value, got %d", len(enc.dynamic))
	}
}

func TestHPACKHuffmanFlagDecodedAsLiteral(t *testing.T) {
	// Per the deliberate non-conformance this codec implements: a string
	// with its Huffman flag bit set is still read back byte-for-byte as a
	// literal, not RFC-Huffman-decoded.
	var buf bytes.Buffer
	buf.WriteByte(0x40) // literal with incremental indexing, new name
	// name: huffman flag set, length 3, raw bytes "abc" (not real Huffman)
	buf.WriteByte(0x80 | 3)
	buf.WriteString("abc")
	// value: plain literal "xyz"
	buf.WriteByte(3)
	buf.WriteString("xyz")

	dec := NewDecoder(4096)
	fields, err := dec.DecodeHeaderBlock(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if fields[0].Name != "abc" || fields[0].Value != "xyz" {
		t.Fatalf("expected literal-as-is decode, got %+v", fields[0])
	}
}

func TestFlowWindowRejectsOverflow(t *testing.T) {
	w := NewFlowWindow(MaxWindowSize - 10)
	if err := w.Increment(20); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestFlowWindowRejectsUnderflow(t *testing.T) {
	w := NewFlowWindow(10)
	if err := w.Consume(20); err == nil {
		t.Fatalf("expected underflow error")
	}
}

func TestStreamTableRejectsEvenStreamID(t *testing.T) {
	st := NewStreamTable(10, DefaultInitialWindowSize)
	if _, err := st.Open(2); err == nil {
		t.Fatalf("expected rejection of even client stream id")
	}
}

func TestStreamTableRejectsNonIncreasingStreamID(t *testing.T) {
	st := NewStreamTable(10, DefaultInitialWindowSize)
	if _, err := st.Open(3); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Open(1); err == nil {
		t.Fatalf("expected rejection of non-increasing stream id")
	}
}

func TestStreamTableEnforcesConcurrencyCap(t *testing.T) {
	st := NewStreamTable(1, DefaultInitialWindowSize)
	if _, err := st.Open(1); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Open(3); err == nil {
		t.Fatalf("expected max concurrent streams rejection")
	}
}

func TestStreamStateMachineFullRequest(t *testing.T) {
	s := NewStream(1, DefaultInitialWindowSize)
	if err := s.OnHeadersReceived(true); err != nil {
		t.Fatal(err)
	}
	if s.State != StreamHalfClosedRemote {
		t.Fatalf("expected half-closed-remote, got %v", s.State)
	}
	s.OnResponseSent()
	if s.State != StreamClosed {
		t.Fatalf("expected closed after response, got %v", s.State)
	}
}
