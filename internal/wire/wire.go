// Package wire implements the framed request/response protocol exchanged
// between a PeerLink and the Worker on the other end of a TCP connection.
//
// Every connection opens with an 11-byte ASCII prefix, exchanged once per
// direction, followed by a stream of length-prefixed JSON records. Requests
// flow client (PeerLink) -> server (Worker); Responses flow the other way.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Prefix is exchanged once, before any framed payload, in each direction.
const Prefix = "ACTIX/1.0\r\n"

// MaxFrameSize bounds a single decoded payload. spec.md §4.1/§6 pin the
// length field as big-endian u16, which already caps any frame at 65535
// bytes; MaxFrameSize equals that ceiling rather than the illustrative
// "e.g. 16 MiB" figure in §6, since a length field wider than u16 would
// contradict the wire format both sections specify explicitly.
const MaxFrameSize = 65535

// ProtocolError is returned for any violation of the wire format: a bad
// prefix, an oversized frame, or malformed JSON.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wire: protocol error: " + e.Reason }

// RequestCmd names the tagged-union variants of Request.
type RequestCmd string

const (
	ReqHandshake RequestCmd = "Handshake"
	ReqPing      RequestCmd = "Ping"
	ReqPong      RequestCmd = "Pong"
	ReqMessage   RequestCmd = "Message"
)

// ResponseCmd names the tagged-union variants of Response.
type ResponseCmd string

const (
	RespHandshake ResponseCmd = "Handshake"
	RespPing      ResponseCmd = "Ping"
	RespPong      ResponseCmd = "Pong"
	RespSupported ResponseCmd = "Supported"
	RespResult    ResponseCmd = "Result"
)

// Request is sent by a PeerLink to the Worker it is connected to.
//
//	Handshake(address)
//	Ping / Pong
//	Message(msg_id, type_id, version, body)
type Request struct {
	Cmd  RequestCmd
	Data json.RawMessage
}

// Response is sent by a Worker back to the connecting PeerLink.
//
//	Handshake
//	Ping / Pong
//	Supported(types)
//	Result(msg_id, body, err)
type Response struct {
	Cmd  ResponseCmd
	Data json.RawMessage
}

type wireRecord struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewHandshakeRequest builds a Handshake request carrying the sender's own
// advertised node address.
func NewHandshakeRequest(localAddress string) Request {
	return Request{Cmd: ReqHandshake, Data: mustMarshal(localAddress)}
}

// NewPingRequest / NewPongRequest build the keepalive variants.
func NewPingRequest() Request { return Request{Cmd: ReqPing} }
func NewPongRequest() Request { return Request{Cmd: ReqPong} }

// NewMessageRequest builds a Message request carrying an opaque body for a
// given recipient type-id, correlated by msgID.
func NewMessageRequest(msgID uint64, typeID, version, body string) Request {
	return Request{
		Cmd:  ReqMessage,
		Data: mustMarshal([4]interface{}{msgID, typeID, version, body}),
	}
}

// AsHandshake extracts the advertised address from a Handshake request.
func (r Request) AsHandshake() (string, error) {
	var addr string
	if err := json.Unmarshal(r.Data, &addr); err != nil {
		return "", &ProtocolError{Reason: "bad Handshake payload: " + err.Error()}
	}
	return addr, nil
}

// AsMessage extracts (msg_id, type_id, version, body) from a Message request.
func (r Request) AsMessage() (msgID uint64, typeID, version, body string, err error) {
	var tuple [4]json.RawMessage
	if err = json.Unmarshal(r.Data, &tuple); err != nil {
		return 0, "", "", "", &ProtocolError{Reason: "bad Message payload: " + err.Error()}
	}
	if err = json.Unmarshal(tuple[0], &msgID); err != nil {
		return 0, "", "", "", &ProtocolError{Reason: "bad Message msg_id: " + err.Error()}
	}
	if err = json.Unmarshal(tuple[1], &typeID); err != nil {
		return 0, "", "", "", &ProtocolError{Reason: "bad Message type_id: " + err.Error()}
	}
	if err = json.Unmarshal(tuple[2], &version); err != nil {
		return 0, "", "", "", &ProtocolError{Reason: "bad Message version: " + err.Error()}
	}
	if err = json.Unmarshal(tuple[3], &body); err != nil {
		return 0, "", "", "", &ProtocolError{Reason: "bad Message body: " + err.Error()}
	}
	return msgID, typeID, version, body, nil
}

// NewSupportedResponse advertises the set of locally registered type-ids.
func NewSupportedResponse(types []string) Response {
	if types == nil {
		types = []string{}
	}
	return Response{Cmd: RespSupported, Data: mustMarshal(types)}
}

// NewPingResponse / NewPongResponse build the keepalive variants.
func NewPingResponse() Response { return Response{Cmd: RespPing} }
func NewPongResponse() Response { return Response{Cmd: RespPong} }

// NewResultResponse builds a Result response. errMsg is empty on success;
// non-empty encodes HandlerDecodeError/unknown-type-id failures (Open
// Question 1, see SPEC_FULL.md §13) so the caller's pending future resolves
// instead of leaking until timeout.
func NewResultResponse(msgID uint64, body, errMsg string) Response {
	return Response{
		Cmd:  RespResult,
		Data: mustMarshal([3]interface{}{msgID, body, errMsg}),
	}
}

// AsSupported extracts the advertised type-id list from a Supported response.
func (r Response) AsSupported() ([]string, error) {
	var types []string
	if err := json.Unmarshal(r.Data, &types); err != nil {
		return nil, &ProtocolError{Reason: "bad Supported payload: " + err.Error()}
	}
	return types, nil
}

// AsResult extracts (msg_id, body, errMsg) from a Result response.
func (r Response) AsResult() (msgID uint64, body, errMsg string, err error) {
	var tuple [3]json.RawMessage
	if err = json.Unmarshal(r.Data, &tuple); err != nil {
		return 0, "", "", &ProtocolError{Reason: "bad Result payload: " + err.Error()}
	}
	if err = json.Unmarshal(tuple[0], &msgID); err != nil {
		return 0, "", "", &ProtocolError{Reason: "bad Result msg_id: " + err.Error()}
	}
	if err = json.Unmarshal(tuple[1], &body); err != nil {
		return 0, "", "", &ProtocolError{Reason: "bad Result body: " + err.Error()}
	}
	if len(tuple) > 2 && tuple[2] != nil {
		if err = json.Unmarshal(tuple[2], &errMsg); err != nil {
			return 0, "", "", &ProtocolError{Reason: "bad Result err: " + err.Error()}
		}
	}
	return msgID, body, errMsg, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only ever called with plain strings/slices/tuples of those; a
		// marshal failure here means a programming error, not bad input.
		panic(fmt.Sprintf("wire: marshal failed: %v", err))
	}
	return b
}

// Reader decodes a stream of frames from one direction of a connection. It
// consumes the 11-byte prefix on the first Read call.
type Reader struct {
	br        *bufio.Reader
	sawPrefix bool
	lengthBuf [2]byte
}

// NewReader wraps r for frame decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

func (rd *Reader) readPrefix() error {
	if rd.sawPrefix {
		return nil
	}
	buf := make([]byte, len(Prefix))
	if _, err := io.ReadFull(rd.br, buf); err != nil {
		return err
	}
	if string(buf) != Prefix {
		return &ProtocolError{Reason: "prefix mismatch"}
	}
	rd.sawPrefix = true
	return nil
}

func (rd *Reader) readFrame() ([]byte, error) {
	if err := rd.readPrefix(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rd.br, rd.lengthBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(rd.lengthBuf[:])
	if int(size) > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame size %d exceeds cap", size)}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(rd.br, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadRequest decodes the next Request frame.
func (rd *Reader) ReadRequest() (Request, error) {
	payload, err := rd.readFrame()
	if err != nil {
		return Request{}, err
	}
	var rec wireRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Request{}, &ProtocolError{Reason: "malformed json: " + err.Error()}
	}
	return Request{Cmd: RequestCmd(rec.Cmd), Data: rec.Data}, nil
}

// ReadResponse decodes the next Response frame.
func (rd *Reader) ReadResponse() (Response, error) {
	payload, err := rd.readFrame()
	if err != nil {
		return Response{}, err
	}
	var rec wireRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Response{}, &ProtocolError{Reason: "malformed json: " + err.Error()}
	}
	return Response{Cmd: ResponseCmd(rec.Cmd), Data: rec.Data}, nil
}

// Writer encodes a stream of frames for one direction of a connection.
//
// A frame is two separate underlying Writes (length, then payload); mu
// serializes WriteRequest/WriteResponse calls so concurrent callers on a
// multiplexed PeerLink (internal/proxy.Proxy is documented safe for
// concurrent use) cannot interleave their length/payload writes on the wire.
type Writer struct {
	mu          sync.Mutex
	w           io.Writer
	wrotePrefix bool
}

// NewWriter wraps w for frame encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (wr *Writer) writePrefix() error {
	if wr.wrotePrefix {
		return nil
	}
	if _, err := wr.w.Write([]byte(Prefix)); err != nil {
		return err
	}
	wr.wrotePrefix = true
	return nil
}

func (wr *Writer) writeFrame(cmd string, rawData json.RawMessage) error {
	if err := wr.writePrefix(); err != nil {
		return err
	}
	rec := wireRecord{Cmd: cmd, Data: rawData}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return &ProtocolError{Reason: fmt.Sprintf("outgoing frame size %d exceeds cap", len(payload))}
	}
	var lengthBuf [2]byte
	binary.BigEndian.PutUint16(lengthBuf[:], uint16(len(payload)))
	if _, err := wr.w.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err = wr.w.Write(payload)
	return err
}

// WriteRequest encodes and writes a Request frame.
func (wr *Writer) WriteRequest(req Request) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.writeFrame(string(req.Cmd), req.Data)
}

// WriteResponse encodes and writes a Response frame. A Handshake response
// emits only the prefix, matching the original protocol: the very first
// server->client bytes are the prefix itself, carrying no length-prefixed
// payload of its own.
func (wr *Writer) WriteResponse(resp Response) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if resp.Cmd == RespHandshake {
		return wr.writePrefix()
	}
	return wr.writeFrame(string(resp.Cmd), resp.Data)
}
