package netstack

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// WebSocket client: RFC 6455 handshake and masked framing over the TCP pool.
//
// Limitations carried on purpose: wss:// is rejected (no TLS), hosts must be
// literal IPv4 addresses, the 64-bit extended length form is rejected on
// send, and fragmented messages (FIN=0) are not reassembled.
////////////////////////////////////////////////////////////////////////////////

const (
	wsMaxMessage = 2048

	wsVersion = "13"
)

// WSState is the connection lifecycle.
type WSState int

const (
	WSClosed WSState = iota
	WSConnecting
	WSOpen
	WSClosing
)

func (s WSState) String() string {
	switch s {
	case WSClosed:
		return "closed"
	case WSConnecting:
		return "connecting"
	case WSOpen:
		return "open"
	case WSClosing:
		return "closing"
	}
	return fmt.Sprintf("unknown ws state %d", int(s))
}

// WSOpcode identifies the frame type of the last received message.
type WSOpcode uint8

const (
	WSOpContinuation WSOpcode = 0x0
	WSOpText         WSOpcode = 0x1
	WSOpBinary       WSOpcode = 0x2
	WSOpClose        WSOpcode = 0x8
	WSOpPing         WSOpcode = 0x9
	WSOpPong         WSOpcode = 0xa
)

func (o WSOpcode) String() string {
	switch o {
	case WSOpContinuation:
		return "continuation"
	case WSOpText:
		return "text"
	case WSOpBinary:
		return "binary"
	case WSOpClose:
		return "close"
	case WSOpPing:
		return "ping"
	case WSOpPong:
		return "pong"
	}
	return fmt.Sprintf("unknown ws opcode 0x%x", uint8(o))
}

// WebSocket is a caller-owned connection driven by WSPoll.
type WebSocket struct {
	State WSState

	host string
	path string
	port uint16

	conn   int
	secKey string

	handshakeSent     bool
	handshakeComplete bool

	rxBuf       [wsMaxMessage]byte
	rxLen       int
	rxReady     bool
	rxOpcode    WSOpcode
	rxTruncated bool
}

// Opcode returns the frame type of the last received message.
func (ws *WebSocket) Opcode() WSOpcode {
	return ws.rxOpcode
}

// Truncated reports whether the last received message overflowed the 2 KB
// message buffer.
func (ws *WebSocket) Truncated() bool {
	return ws.rxTruncated
}

func parseWSURL(rawURL string, ws *WebSocket) error {
	rest := rawURL
	secure := false

	switch {
	case strings.HasPrefix(rest, "wss://"):
		secure = true
		rest = rest[len("wss://"):]
	case strings.HasPrefix(rest, "ws://"):
		rest = rest[len("ws://"):]
	default:
		return ErrUnsupportedScheme
	}

	hostEnd := len(rest)
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' || rest[i] == '/' {
			hostEnd = i
			break
		}
	}
	ws.host = rest[:hostEnd]
	rest = rest[hostEnd:]

	ws.port = 80
	if secure {
		ws.port = 443
	}
	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		port := 0
		i := 0
		for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
			port = port*10 + int(rest[i]-'0')
		}
		ws.port = uint16(port)
		rest = rest[i:]
	}

	ws.path = "/"
	if strings.HasPrefix(rest, "/") {
		ws.path = rest
	}

	if secure {
		return ErrUnsupportedScheme
	}
	return nil
}

// generateWSKey produces the base64 of 16 pseudo-random bytes for the
// Sec-WebSocket-Key header.
func (s *Stack) generateWSKey() string {
	var raw [16]byte
	for i := 0; i < len(raw); i += 4 {
		binary.LittleEndian.PutUint32(raw[i:i+4], s.randSource.Uint32())
	}
	return base64.StdEncoding.EncodeToString(raw[:])
}

// WSConnect parses a ws:// URL and opens the underlying TCP connection.
// Hosts must be literal IPv4 addresses.
func (s *Stack) WSConnect(ws *WebSocket, rawURL string) error {
	*ws = WebSocket{conn: -1}

	if err := parseWSURL(rawURL, ws); err != nil {
		return err
	}

	ip, ok := parseIPv4Literal(ws.host)
	if !ok {
		return ErrHostNotIPv4Literal
	}

	ws.secKey = s.generateWSKey()

	conn, err := s.TCPConnect(ip, ws.port)
	if err != nil {
		return err
	}
	ws.conn = conn
	ws.State = WSConnecting

	s.log.Debug("ws: connect", "host", ws.host, "port", ws.port, "path", ws.path)
	return nil
}

func buildWSUpgradeRequest(ws *WebSocket) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", ws.path)
	fmt.Fprintf(&b, "Host: %s\r\n", ws.host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", ws.secKey)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", wsVersion)
	b.WriteString("\r\n")
	return b.Bytes()
}

// checkWSUpgradeResponse looks for a 101 status line followed by the end of
// the header block, returning the offset of any trailing frame bytes.
func checkWSUpgradeResponse(data []byte) int {
	if len(data) < 20 {
		return 0
	}
	if !bytes.HasPrefix(data, []byte("HTTP/1.1 101")) &&
		!bytes.HasPrefix(data, []byte("HTTP/1.0 101")) {
		return 0
	}
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end < 0 {
		return 0
	}
	return end + 4
}

// sendWSFrame transmits one masked client frame. Payloads needing the
// 64-bit extended length form are rejected.
func (s *Stack) sendWSFrame(ws *WebSocket, opcode WSOpcode, data []byte) error {
	if len(data) >= 65536 {
		return ErrTooLarge
	}

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, 0x80|byte(opcode&0x0f))

	if len(data) < 126 {
		frame = append(frame, 0x80|byte(len(data)))
	} else {
		frame = append(frame, 0x80|126)
		frame = append(frame, byte(len(data)>>8), byte(len(data)))
	}

	var mask [4]byte
	binary.BigEndian.PutUint32(mask[:], s.randSource.Uint32())
	frame = append(frame, mask[:]...)

	for i, b := range data {
		frame = append(frame, b^mask[i%4])
	}

	if _, err := s.TCPSend(ws.conn, frame); err != nil {
		return err
	}
	return nil
}

// parseWSFrame consumes one complete frame from data, handling control
// frames inline: PING answers with PONG, CLOSE answers with CLOSE and
// closes the connection, PONG is swallowed. Returns bytes consumed, or 0
// when the frame is incomplete.
func (s *Stack) parseWSFrame(ws *WebSocket, data []byte) int {
	if len(data) < 2 {
		return 0
	}

	pos := 0
	b1 := data[pos]
	b2 := data[pos+1]
	pos += 2

	opcode := WSOpcode(b1 & 0x0f)
	masked := b2&0x80 != 0
	payloadLen := int(b2 & 0x7f)

	// Fragmentation (FIN=0) is not reassembled.

	switch payloadLen {
	case 126:
		if len(data) < pos+2 {
			return 0
		}
		payloadLen = int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
	case 127:
		if len(data) < pos+8 {
			return 0
		}
		// Only the low 32 bits are read.
		payloadLen = int(binary.BigEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
	}

	// Servers must not mask, but tolerate it.
	var maskKey [4]byte
	if masked {
		if len(data) < pos+4 {
			return 0
		}
		copy(maskKey[:], data[pos:pos+4])
		pos += 4
	}

	if len(data) < pos+payloadLen {
		return 0
	}

	ws.rxOpcode = opcode
	ws.rxLen = 0
	ws.rxTruncated = false
	for i := 0; i < payloadLen; i++ {
		if ws.rxLen >= wsMaxMessage {
			ws.rxTruncated = true
			s.log.Warn("ws: message truncated", "payloadLen", payloadLen)
			break
		}
		b := data[pos+i]
		if masked {
			b ^= maskKey[i%4]
		}
		ws.rxBuf[ws.rxLen] = b
		ws.rxLen++
	}

	switch opcode {
	case WSOpPing:
		if err := s.sendWSFrame(ws, WSOpPong, ws.rxBuf[:ws.rxLen]); err != nil {
			s.log.Warn("ws: pong failed", "err", err)
		}
		ws.rxReady = false
	case WSOpClose:
		s.log.Debug("ws: close frame received")
		if err := s.sendWSFrame(ws, WSOpClose, nil); err != nil {
			s.log.Warn("ws: close reply failed", "err", err)
		}
		ws.State = WSClosed
		ws.rxReady = false
	case WSOpPong:
		ws.rxReady = false
	default:
		ws.rxReady = true
	}

	return pos + payloadLen
}

// WSPoll advances the handshake and consumes inbound frames. Call it from
// the same loop as Stack.Poll.
func (s *Stack) WSPoll(ws *WebSocket) WSState {
	if ws.State == WSClosed {
		return WSClosed
	}

	tcpState := s.TCPState(ws.conn)

	switch ws.State {
	case WSConnecting:
		if tcpState == TCPEstablished && !ws.handshakeSent {
			if _, err := s.TCPSend(ws.conn, buildWSUpgradeRequest(ws)); err != nil {
				ws.State = WSClosed
				return ws.State
			}
			ws.handshakeSent = true
			s.log.Debug("ws: upgrade request sent")
		}

		if tcpState == TCPClosed {
			s.log.Debug("ws: connect failed")
			ws.State = WSClosed
			return ws.State
		}

		if ws.handshakeSent && s.TCPDataAvailable(ws.conn) {
			var buf [512]byte
			n, err := s.TCPRecv(ws.conn, buf[:])
			if err != nil {
				ws.State = WSClosed
				return ws.State
			}

			frameStart := checkWSUpgradeResponse(buf[:n])
			if frameStart > 0 {
				ws.State = WSOpen
				ws.handshakeComplete = true
				s.log.Debug("ws: upgraded")

				if frameStart < n {
					s.parseWSFrame(ws, buf[frameStart:n])
				}
			}
		}

	case WSOpen:
		if tcpState == TCPClosed {
			s.log.Debug("ws: disconnected")
			ws.State = WSClosed
			return ws.State
		}

		if s.TCPDataAvailable(ws.conn) {
			var buf [1024]byte
			n, err := s.TCPRecv(ws.conn, buf[:])
			if err == nil && n > 0 {
				s.parseWSFrame(ws, buf[:n])
			}
		}
	}

	return ws.State
}

// WSSendText sends a text frame.
func (s *Stack) WSSendText(ws *WebSocket, message string) error {
	if ws.State != WSOpen {
		return ErrClosed
	}
	return s.sendWSFrame(ws, WSOpText, []byte(message))
}

// WSSendBinary sends a binary frame.
func (s *Stack) WSSendBinary(ws *WebSocket, data []byte) error {
	if ws.State != WSOpen {
		return ErrClosed
	}
	return s.sendWSFrame(ws, WSOpBinary, data)
}

// WSSendPing sends an empty ping frame.
func (s *Stack) WSSendPing(ws *WebSocket) error {
	if ws.State != WSOpen {
		return ErrClosed
	}
	return s.sendWSFrame(ws, WSOpPing, nil)
}

// WSMessageReady reports whether a text or binary message is waiting.
func (s *Stack) WSMessageReady(ws *WebSocket) bool {
	return ws.rxReady
}

// WSReadMessage copies the pending message into buf and clears the ready
// flag, returning the number of bytes copied.
func (s *Stack) WSReadMessage(ws *WebSocket, buf []byte) int {
	if !ws.rxReady {
		return 0
	}

	toCopy := ws.rxLen
	if toCopy > len(buf) {
		toCopy = len(buf)
	}
	copy(buf, ws.rxBuf[:toCopy])

	ws.rxReady = false
	ws.rxLen = 0
	return toCopy
}

// WSClose performs the client side of the close handshake and releases the
// TCP slot.
func (s *Stack) WSClose(ws *WebSocket) {
	if ws.State == WSOpen {
		if err := s.sendWSFrame(ws, WSOpClose, nil); err != nil {
			s.log.Warn("ws: close frame failed", "err", err)
		}
		ws.State = WSClosing
	}
	if ws.conn >= 0 {
		s.TCPClose(ws.conn)
	}
	ws.State = WSClosed
}
