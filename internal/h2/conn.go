package h2

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"time"
)

// Preface is the 24-byte connection preface every HTTP/2 client must send
// first (RFC 7540 §3.5), required as an exact byte match.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Request is a fully reassembled HTTP/2 request (headers + body) handed to
// the cross-cutting pipeline.
type Request struct {
	StreamID uint32
	Method   string
	Path     string
	Authority string
	Scheme   string
	Headers  []HeaderField
	Body     []byte
}

// Response is what a handler returns for a stream.
type Response struct {
	Status  int
	Headers []HeaderField
	Body    []byte
}

// Handler serves one HTTP/2 request and returns its response. It must not
// block indefinitely — conn.go enforces no timeout of its own beyond what
// the caller wires via context in a future body-streaming revision.
type Handler func(req *Request) *Response

// maxFrameSizeDefault is the SETTINGS_MAX_FRAME_SIZE this server advertises.
// Inbound frames are not checked against it; Serve rejects only frames over
// MaxFramePayload.
const maxFrameSizeDefault = 16384

// Conn drives a single HTTP/2 connection's frame loop: preface
// verification, SETTINGS exchange, frame dispatch, and stream lifecycle.
type Conn struct {
	nc      net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	handler Handler

	streams       *StreamTable
	decoder       *Decoder
	encoder       *Encoder
	connSendWin   *FlowWindow
	connRecvWin   *FlowWindow
	peerMaxFrame  uint32
	initialWindow int32

	headerBlockBuf bytes.Buffer
	headerStreamID uint32
	headerEndStream bool
}

// NewConn wraps an already-accepted connection. The client preface is not
// consumed here; ReadPreface reads it.
func NewConn(nc net.Conn, handler Handler) *Conn {
	return &Conn{
		nc:            nc,
		br:            bufio.NewReaderSize(nc, 64*1024),
		bw:            bufio.NewWriterSize(nc, 64*1024),
		handler:       handler,
		streams:       NewStreamTable(100, DefaultInitialWindowSize),
		decoder:       NewDecoder(4096),
		encoder:       NewEncoder(4096),
		connSendWin:   NewFlowWindow(DefaultInitialWindowSize),
		connRecvWin:   NewFlowWindow(DefaultInitialWindowSize),
		peerMaxFrame:  maxFrameSizeDefault,
		initialWindow: DefaultInitialWindowSize,
	}
}

// ReadPreface consumes and validates the 24-byte client preface. A preface
// that was only peeked (not consumed) during protocol demultiplexing is
// still read here, provided nc reads from the same buffer.
func (c *Conn) ReadPreface() error {
	buf := make([]byte, len(Preface))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return fmt.Errorf("h2: reading preface: %w", err)
	}
	if string(buf) != Preface {
		return fmt.Errorf("h2: bad client preface")
	}
	return nil
}

// Serve runs the frame loop until the connection closes or a connection
// error occurs. It sends the server's initial SETTINGS frame first.
func (c *Conn) Serve() error {
	if err := WriteSettings(c.bw, []Setting{
		{ID: SettingMaxConcurrentStreams, Value: 100},
		{ID: SettingInitialWindowSize, Value: DefaultInitialWindowSize},
		{ID: SettingMaxFrameSize, Value: maxFrameSizeDefault},
	}, false); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}

	for {
		c.nc.SetReadDeadline(time.Now().Add(5 * time.Minute))
		fh, err := ReadFrameHeader(c.br)
		if err != nil {
			return err
		}
		// The only size bound enforced here is the RFC 7540 absolute max
		// (16 MiB-1, parsed into the 24-bit length field); a frame over
		// SETTINGS_MAX_FRAME_SIZE but under that absolute max is a flow- or
		// stream-level concern handled by the frame's own dispatch handler
		// (e.g. a DATA frame over the receive window is a flow-control
		// error, not a frame-size error).
		if fh.Length > MaxFramePayload {
			c.sendGoAway(ErrCodeFrameSize)
			return fmt.Errorf("h2: frame size error")
		}
		payload := make([]byte, fh.Length)
		if _, err := io.ReadFull(c.br, payload); err != nil {
			return err
		}

		if err := c.dispatch(fh, payload); err != nil {
			return err
		}
	}
}

func (c *Conn) sendGoAway(code ErrCode) {
	WriteGoAway(c.bw, 0, code, nil)
	c.bw.Flush()
}

func (c *Conn) dispatch(fh FrameHeader, payload []byte) error {
	switch fh.Type {
	case FrameSettings:
		return c.handleSettings(fh, payload)
	case FrameWindowUpdate:
		return c.handleWindowUpdate(fh, payload)
	case FramePing:
		return c.handlePing(fh, payload)
	case FrameHeaders:
		return c.handleHeaders(fh, payload)
	case FrameContinuation:
		return c.handleContinuation(fh, payload)
	case FrameData:
		return c.handleData(fh, payload)
	case FrameRSTStream:
		c.streams.Close(fh.StreamID)
		return nil
	case FramePriority:
		return nil // weight recorded elsewhere; reprioritization is not implemented
	case FrameGoAway:
		return io.EOF
	case FramePushPromise:
		// A client is not supposed to send PUSH_PROMISE at all; the
		// stricter RFC 7540 behavior would be a connection error, but
		// this server ignores it (nothing is logged).
		return nil
	default:
		// Unknown frame type: per RFC 7540 §4.1, ignore.
		return nil
	}
}

func (c *Conn) handleSettings(fh FrameHeader, payload []byte) error {
	if fh.Flags&FlagAck != 0 {
		return nil
	}
	settings, err := ParseSettingsPayload(payload)
	if err != nil {
		c.sendGoAway(ErrCodeFrameSize)
		return err
	}
	for _, s := range settings {
		switch s.ID {
		case SettingInitialWindowSize:
			c.initialWindow = int32(s.Value)
		case SettingMaxFrameSize:
			c.peerMaxFrame = s.Value
		case SettingHeaderTableSize:
			c.encoder.maxSize = int(s.Value)
		default:
			// Unknown SETTINGS id: ignore.
		}
	}
	if err := WriteSettings(c.bw, nil, true); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) handleWindowUpdate(fh FrameHeader, payload []byte) error {
	inc, err := ParseWindowUpdatePayload(payload)
	if err != nil {
		return err
	}
	if inc == 0 {
		WriteRSTStream(c.bw, fh.StreamID, ErrCodeProtocol)
		return c.bw.Flush()
	}
	if fh.StreamID == 0 {
		if err := c.connSendWin.Increment(int32(inc)); err != nil {
			c.sendGoAway(ErrCodeFlowControl)
			return err
		}
		return nil
	}
	if s, ok := c.streams.Get(fh.StreamID); ok {
		if err := s.SendWindow.Increment(int32(inc)); err != nil {
			WriteRSTStream(c.bw, fh.StreamID, ErrCodeFlowControl)
			return c.bw.Flush()
		}
	}
	return nil
}

func (c *Conn) handlePing(fh FrameHeader, payload []byte) error {
	if fh.Flags&FlagAck != 0 {
		return nil
	}
	var data [8]byte
	copy(data[:], payload)
	if err := WritePing(c.bw, data, true); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) handleHeaders(fh FrameHeader, payload []byte) error {
	body := payload
	if fh.Flags&FlagPadded != 0 && len(body) > 0 {
		padLen := int(body[0])
		body = body[1 : len(body)-padLen]
	}
	if fh.Flags&FlagPriority != 0 && len(body) >= 5 {
		body = body[5:] // dependency+weight parsed-and-discarded
	}

	s, err := c.streams.Open(fh.StreamID)
	if err != nil {
		WriteRSTStream(c.bw, fh.StreamID, ErrCodeProtocol)
		return c.bw.Flush()
	}

	endStream := fh.Flags&FlagEndStream != 0
	if fh.Flags&FlagEndHeaders != 0 {
		fields, err := c.decoder.DecodeHeaderBlock(body)
		if err != nil {
			c.sendGoAway(ErrCodeCompression)
			return err
		}
		return c.finishHeaders(s, fields, endStream)
	}

	c.headerBlockBuf.Reset()
	c.headerBlockBuf.Write(body)
	c.headerStreamID = fh.StreamID
	c.headerEndStream = endStream
	return nil
}

func (c *Conn) handleContinuation(fh FrameHeader, payload []byte) error {
	if fh.StreamID != c.headerStreamID {
		c.sendGoAway(ErrCodeProtocol)
		return fmt.Errorf("h2: CONTINUATION for unexpected stream")
	}
	c.headerBlockBuf.Write(payload)
	if fh.Flags&FlagEndHeaders == 0 {
		return nil
	}
	fields, err := c.decoder.DecodeHeaderBlock(c.headerBlockBuf.Bytes())
	if err != nil {
		c.sendGoAway(ErrCodeCompression)
		return err
	}
	s, _ := c.streams.Get(c.headerStreamID)
	return c.finishHeaders(s, fields, c.headerEndStream)
}

func (c *Conn) finishHeaders(s *Stream, fields []HeaderField, endStream bool) error {
	if err := s.OnHeadersReceived(endStream); err != nil {
		WriteRSTStream(c.bw, s.ID, ErrCodeProtocol)
		return c.bw.Flush()
	}
	s.RequestHeader = fields
	if endStream {
		return c.respond(s)
	}
	return nil
}

func (c *Conn) handleData(fh FrameHeader, payload []byte) error {
	s, ok := c.streams.Get(fh.StreamID)
	if !ok {
		WriteRSTStream(c.bw, fh.StreamID, ErrCodeStreamClosed)
		return c.bw.Flush()
	}
	if err := c.connRecvWin.Consume(int64(len(payload))); err != nil {
		c.sendGoAway(ErrCodeFlowControl)
		return err
	}
	if err := s.RecvWindow.Consume(int64(len(payload))); err != nil {
		WriteRSTStream(c.bw, fh.StreamID, ErrCodeFlowControl)
		return c.bw.Flush()
	}
	s.Body = append(s.Body, payload...)

	if len(payload) > 0 {
		WriteWindowUpdate(c.bw, 0, uint32(len(payload)))
		WriteWindowUpdate(c.bw, fh.StreamID, uint32(len(payload)))
		c.connRecvWin.Increment(int32(len(payload)))
		s.RecvWindow.Increment(int32(len(payload)))
		c.bw.Flush()
	}

	endStream := fh.Flags&FlagEndStream != 0
	if err := s.OnDataReceived(endStream); err != nil {
		WriteRSTStream(c.bw, fh.StreamID, ErrCodeProtocol)
		return c.bw.Flush()
	}
	if endStream {
		return c.respond(s)
	}
	return nil
}

func (c *Conn) respond(s *Stream) error {
	req := &Request{StreamID: s.ID, Headers: s.RequestHeader, Body: s.Body}
	for _, h := range s.RequestHeader {
		switch h.Name {
		case ":method":
			req.Method = h.Value
		case ":path":
			req.Path = h.Value
		case ":authority":
			req.Authority = h.Value
		case ":scheme":
			req.Scheme = h.Value
		}
	}

	resp := c.handler(req)

	headerFields := make([]HeaderField, 0, len(resp.Headers)+1)
	headerFields = append(headerFields, HeaderField{Name: ":status", Value: fmt.Sprintf("%d", resp.Status)})
	headerFields = append(headerFields, resp.Headers...)

	block := c.encoder.EncodeHeaderBlock(headerFields)
	if err := WriteFrame(c.bw, FrameHeaders, FlagEndHeaders, s.ID, block); err != nil {
		return err
	}

	if err := c.writeDataChunked(s, resp.Body); err != nil {
		return err
	}
	s.OnResponseSent()
	if s.State == StreamClosed {
		c.streams.Close(s.ID)
	}
	return c.bw.Flush()
}

// writeDataChunked splits body across DATA frames respecting both the
// peer's max frame size and the stream/connection send windows.
func (c *Conn) writeDataChunked(s *Stream, body []byte) error {
	remaining := body
	for {
		chunk := int(c.peerMaxFrame)
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		// Respect whichever window is tighter. There is no wait for
		// WINDOW_UPDATE: when either window is exhausted the write fails
		// with an error.
		for chunk > 0 {
			avail := s.SendWindow.Size()
			if int64(chunk) <= avail && int64(chunk) <= c.connSendWin.Size() {
				break
			}
			if avail < int64(chunk) {
				chunk = int(avail)
			}
			if int64(chunk) > c.connSendWin.Size() {
				chunk = int(c.connSendWin.Size())
			}
			if chunk <= 0 {
				return fmt.Errorf("h2: send window exhausted with no WINDOW_UPDATE pump implemented")
			}
		}

		last := chunk == len(remaining)
		flags := uint8(0)
		if last {
			flags = FlagEndStream
		}
		if err := WriteFrame(c.bw, FrameData, flags, s.ID, remaining[:chunk]); err != nil {
			return err
		}
		s.SendWindow.Consume(int64(chunk))
		c.connSendWin.Consume(int64(chunk))
		remaining = remaining[chunk:]
		if last {
			return nil
		}
	}
}
