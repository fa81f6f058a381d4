package h2

import (
	"bytes"
	"fmt"
)

// staticTable is the fixed HPACK static table (RFC 7541 Appendix A), indexed
// 1..61. Index 0 is unused so entries[i] lines up with the wire index i.
var staticTable = [62]struct{ name, value string }{
	1:  {":authority", ""},
	2:  {":method", "GET"},
	3:  {":method", "POST"},
	4:  {":path", "/"},
	5:  {":path", "/index.html"},
	6:  {":scheme", "http"},
	7:  {":scheme", "https"},
	8:  {":status", "200"},
	9:  {":status", "204"},
	10: {":status", "206"},
	11: {":status", "304"},
	12: {":status", "400"},
	13: {":status", "404"},
	14: {":status", "500"},
	15: {"accept-charset", ""},
	16: {"accept-encoding", "gzip, deflate"},
	17: {"accept-language", ""},
	18: {"accept-ranges", ""},
	19: {"accept", ""},
	20: {"access-control-allow-origin", ""},
	21: {"age", ""},
	22: {"allow", ""},
	23: {"authorization", ""},
	24: {"cache-control", ""},
	25: {"content-disposition", ""},
	26: {"content-encoding", ""},
	27: {"content-language", ""},
	28: {"content-length", ""},
	29: {"content-location", ""},
	30: {"content-range", ""},
	31: {"content-type", ""},
	32: {"cookie", ""},
	33: {"date", ""},
	34: {"etag", ""},
	35: {"expect", ""},
	36: {"expires", ""},
	37: {"from", ""},
	38: {"host", ""},
	39: {"if-match", ""},
	40: {"if-modified-since", ""},
	41: {"if-none-match", ""},
	42: {"if-range", ""},
	43: {"if-unmodified-since", ""},
	44: {"last-modified", ""},
	45: {"link", ""},
	46: {"location", ""},
	47: {"max-forwards", ""},
	48: {"proxy-authenticate", ""},
	49: {"proxy-authorization", ""},
	50: {"range", ""},
	51: {"referer", ""},
	52: {"refresh", ""},
	53: {"retry-after", ""},
	54: {"server", ""},
	55: {"set-cookie", ""},
	56: {"strict-transport-security", ""},
	57: {"transfer-encoding", ""},
	58: {"user-agent", ""},
	59: {"vary", ""},
	60: {"via", ""},
	61: {"www-authenticate", ""},
}

// HeaderField is a single decoded/encoded header name/value pair.
type HeaderField struct {
	Name  string
	Value string
}

// dynamicEntry is one row of the HPACK dynamic table.
type dynamicEntry struct {
	name, value string
}

// size returns the RFC 7541 §4.1 accounting size of an entry.
func (e dynamicEntry) size() int {
	return len(e.name) + len(e.value) + 32
}

// Decoder maintains one connection's HPACK dynamic table for decoding
// HEADERS/CONTINUATION block fragments.
//
// This is a hand-rolled, deliberately non-conformant literal-only codec: a
// string whose Huffman flag bit is set decodes as if it were a raw literal
// (mojibake, not actually Huffman-decoded) rather than performing RFC 7541
// Huffman decoding. A standard HPACK library cannot be asked to misbehave
// this way, so the bit-level parsing is hand-written here.
type Decoder struct {
	dynamic    []dynamicEntry // index 0 = most recently inserted
	maxSize    int
	dynSizeSum int

	declaredStringBytes int // reset per DecodeHeaderBlock call
}

// maxDeclaredStringBytes bounds the sum of every string literal's declared
// length within one header block. Without this, a handful of integer
// length prefixes can claim gigabytes of payload that was never sent,
// forcing an allocation far larger than the frame actually on the wire —
// the classic HPACK bomb. Exceeding it aborts the whole block.
const maxDeclaredStringBytes = 8 * 1024

// NewDecoder creates a Decoder with the given dynamic table size limit
// (SETTINGS_HEADER_TABLE_SIZE).
func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// SetMaxSize applies a new dynamic table size limit, evicting entries as
// needed.
func (d *Decoder) SetMaxSize(n int) {
	d.maxSize = n
	d.evictToFit()
}

func (d *Decoder) evictToFit() {
	for d.dynSizeSum > d.maxSize && len(d.dynamic) > 0 {
		last := d.dynamic[len(d.dynamic)-1]
		d.dynamic = d.dynamic[:len(d.dynamic)-1]
		d.dynSizeSum -= last.size()
	}
}

func (d *Decoder) insert(name, value string) {
	e := dynamicEntry{name: name, value: value}
	d.dynamic = append([]dynamicEntry{e}, d.dynamic...)
	d.dynSizeSum += e.size()
	d.evictToFit()
}

func (d *Decoder) lookup(index int) (name, value string, ok bool) {
	if index >= 1 && index <= 61 {
		e := staticTable[index]
		return e.name, e.value, true
	}
	di := index - 62
	if di >= 0 && di < len(d.dynamic) {
		e := d.dynamic[di]
		return e.name, e.value, true
	}
	return "", "", false
}

// readInt decodes an HPACK integer with the given prefix bit count (RFC 7541
// §5.1).
func readInt(buf *bytes.Reader, prefixBits int) (int, error) {
	mask := byte(1<<prefixBits) - 1
	b, err := buf.ReadByte()
	if err != nil {
		return 0, err
	}
	val := int(b & mask)
	if val < int(mask) {
		return val, nil
	}
	m := 0
	for {
		b, err := buf.ReadByte()
		if err != nil {
			return 0, err
		}
		val += int(b&0x7f) << uint(m)
		if b&0x80 == 0 {
			break
		}
		m += 7
		if m > 28 {
			return 0, fmt.Errorf("h2: hpack integer overflow")
		}
	}
	return val, nil
}

// readString decodes an HPACK string literal, accounting its declared
// length against the per-block budget before allocating. A set Huffman
// flag bit does NOT trigger Huffman decoding here — the raw bytes are
// returned as-is, exactly as if they were already literal (the flag bit
// itself is part of the length prefix and is masked off).
func (d *Decoder) readString(buf *bytes.Reader) (string, error) {
	first, err := buf.ReadByte()
	if err != nil {
		return "", err
	}
	if err := buf.UnreadByte(); err != nil {
		return "", err
	}
	_ = first & 0x80 // Huffman flag bit observed, intentionally ignored

	length, err := readInt(buf, 7)
	if err != nil {
		return "", err
	}
	d.declaredStringBytes += length
	if d.declaredStringBytes > maxDeclaredStringBytes {
		return "", fmt.Errorf("h2: declared string length exceeds %d bytes per header block", maxDeclaredStringBytes)
	}
	data := make([]byte, length)
	if _, err := fullRead(buf, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func fullRead(buf *bytes.Reader, data []byte) (int, error) {
	n := 0
	for n < len(data) {
		m, err := buf.Read(data[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// DecodeHeaderBlock decodes a complete concatenated header block (HEADERS
// payload plus any CONTINUATION payloads already joined by the caller) into
// an ordered list of header fields.
func (d *Decoder) DecodeHeaderBlock(block []byte) ([]HeaderField, error) {
	buf := bytes.NewReader(block)
	d.declaredStringBytes = 0
	var out []HeaderField

	for buf.Len() > 0 {
		first, err := peekByte(buf)
		if err != nil {
			return nil, err
		}

		switch {
		case first&0x80 != 0: // indexed header field
			idx, err := readInt(buf, 7)
			if err != nil {
				return nil, err
			}
			name, value, ok := d.lookup(idx)
			if !ok {
				return nil, fmt.Errorf("h2: invalid hpack index %d", idx)
			}
			out = append(out, HeaderField{Name: name, Value: value})

		case first&0x40 != 0: // literal with incremental indexing
			idx, err := readInt(buf, 6)
			if err != nil {
				return nil, err
			}
			name, value, err := d.readNameValue(buf, idx)
			if err != nil {
				return nil, err
			}
			out = append(out, HeaderField{Name: name, Value: value})
			d.insert(name, value)

		case first&0x20 != 0: // dynamic table size update
			newSize, err := readInt(buf, 5)
			if err != nil {
				return nil, err
			}
			d.SetMaxSize(newSize)

		default: // literal without / never indexed (0x00 / 0x10 prefix)
			idx, err := readInt(buf, 4)
			if err != nil {
				return nil, err
			}
			name, value, err := d.readNameValue(buf, idx)
			if err != nil {
				return nil, err
			}
			out = append(out, HeaderField{Name: name, Value: value})
		}
	}
	return out, nil
}

func (d *Decoder) readNameValue(buf *bytes.Reader, nameIdx int) (name, value string, err error) {
	if nameIdx == 0 {
		name, err = d.readString(buf)
		if err != nil {
			return "", "", err
		}
	} else {
		var ok bool
		name, _, ok = d.lookup(nameIdx)
		if !ok {
			return "", "", fmt.Errorf("h2: invalid hpack name index %d", nameIdx)
		}
	}
	value, err = d.readString(buf)
	if err != nil {
		return "", "", err
	}
	return name, value, nil
}

func peekByte(buf *bytes.Reader) (byte, error) {
	b, err := buf.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, buf.UnreadByte()
}

// Encoder maintains one connection's dynamic table for encoding outbound
// header blocks. No Huffman encoding is ever produced — every string
// literal is written with its length prefix and the Huffman flag bit left
// at 0.
type Encoder struct {
	dynamic    []dynamicEntry
	maxSize    int
	dynSizeSum int
}

// NewEncoder creates an Encoder with the given dynamic table size budget.
func NewEncoder(maxSize int) *Encoder {
	return &Encoder{maxSize: maxSize}
}

func (e *Encoder) insert(name, value string) {
	ent := dynamicEntry{name: name, value: value}
	e.dynamic = append([]dynamicEntry{ent}, e.dynamic...)
	e.dynSizeSum += ent.size()
	for e.dynSizeSum > e.maxSize && len(e.dynamic) > 0 {
		last := e.dynamic[len(e.dynamic)-1]
		e.dynamic = e.dynamic[:len(e.dynamic)-1]
		e.dynSizeSum -= last.size()
	}
}

func staticIndexOf(name, value string) int {
	for i := 1; i <= 61; i++ {
		if staticTable[i].name == name && staticTable[i].value == value {
			return i
		}
	}
	return 0
}

func staticNameIndexOf(name string) int {
	for i := 1; i <= 61; i++ {
		if staticTable[i].name == name {
			return i
		}
	}
	return 0
}

// findExact searches static table then dynamic table for an exact
// name+value match, returning the combined index (dynamic entries are
// offset by the static table's 61 entries, matching Decoder.lookup's
// "index - 62" convention), or 0 if neither holds it.
func (e *Encoder) findExact(name, value string) int {
	if idx := staticIndexOf(name, value); idx != 0 {
		return idx
	}
	for i, ent := range e.dynamic {
		if ent.name == name && ent.value == value {
			return 62 + i
		}
	}
	return 0
}

// findName searches static then dynamic table for a name-only match,
// returning its combined index or 0.
func (e *Encoder) findName(name string) int {
	if idx := staticNameIndexOf(name); idx != 0 {
		return idx
	}
	for i, ent := range e.dynamic {
		if ent.name == name {
			return 62 + i
		}
	}
	return 0
}

func writeInt(buf *bytes.Buffer, prefixBits int, flagBits byte, val int) {
	mask := int(1<<prefixBits) - 1
	if val < mask {
		buf.WriteByte(flagBits | byte(val))
		return
	}
	buf.WriteByte(flagBits | byte(mask))
	val -= mask
	for val >= 0x80 {
		buf.WriteByte(byte(val&0x7f | 0x80))
		val >>= 7
	}
	buf.WriteByte(byte(val))
}

func writeString(buf *bytes.Buffer, s string) {
	writeInt(buf, 7, 0x00, len(s)) // Huffman flag bit always 0 — literal only
	buf.WriteString(s)
}

// EncodeHeaderBlock encodes fields following a three-tier algorithm: an
// exact (name,value) match in either table is emitted as an indexed
// field; failing that, a name-only match in either table is
// emitted as a literal with incremental indexing and an indexed name;
// failing that, both name and value are emitted as new literals. The
// latter two cases insert the field into the dynamic table. Frame
// splitting across HEADERS/CONTINUATION is the caller's responsibility.
func (e *Encoder) EncodeHeaderBlock(fields []HeaderField) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		if idx := e.findExact(f.Name, f.Value); idx != 0 {
			writeInt(&buf, 7, 0x80, idx)
			continue
		}
		if nameIdx := e.findName(f.Name); nameIdx != 0 {
			writeInt(&buf, 6, 0x40, nameIdx)
			writeString(&buf, f.Value)
			e.insert(f.Name, f.Value)
			continue
		}
		buf.WriteByte(0x40)
		writeString(&buf, f.Name)
		writeString(&buf, f.Value)
		e.insert(f.Name, f.Value)
	}
	return buf.Bytes()
}
