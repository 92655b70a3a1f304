package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// TCP: a client-only (active open) state machine over a fixed 4-slot pool.
//
// Reliability is deliberately thin: only the initial SYN is retransmitted
// (5 attempts, 500 ticks apart); data segments are single-shot. The receive
// ring is a fixed 4 KB; overflow truncates, observable via TCPTruncated.
// The advertised window is the full ring size regardless of occupancy.
////////////////////////////////////////////////////////////////////////////////

// TCPState is the lifecycle of a connection slot.
type TCPState int

const (
	TCPClosed TCPState = iota
	TCPSynSent
	TCPEstablished
	TCPFinWait1
	TCPFinWait2
	TCPCloseWait
	TCPLastAck
	TCPTimeWait
)

func (s TCPState) String() string {
	switch s {
	case TCPClosed:
		return "closed"
	case TCPSynSent:
		return "syn-sent"
	case TCPEstablished:
		return "established"
	case TCPFinWait1:
		return "fin-wait-1"
	case TCPFinWait2:
		return "fin-wait-2"
	case TCPCloseWait:
		return "close-wait"
	case TCPLastAck:
		return "last-ack"
	case TCPTimeWait:
		return "time-wait"
	}
	return fmt.Sprintf("unknown tcp state %d", int(s))
}

// TCP flag bits.
const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
	tcpFlagURG = 0x20
)

const (
	maxTCPConns  = 4
	tcpRxBufSize = 4096
	tcpMSS       = 1400

	tcpSynTimeoutTicks = 500
	tcpMaxSynRetries   = 5
	tcpFinTimeoutTicks = 5000
	tcpTimeWaitTicks   = 2000

	firstLocalPort = 49152
	lastLocalPort  = 65000
)

type tcpConn struct {
	state TCPState

	remoteIP   [4]byte
	localPort  uint16
	remotePort uint16

	seqNum      uint32 // next byte we will send
	ackNum      uint32 // next byte we expect
	lastAckSent uint32

	rxBuf       [tcpRxBufSize]byte
	rxLen       int
	rxReady     bool
	rxTruncated bool

	timeoutTick uint32
	retries     int
}

func (s *Stack) findFreeConn() int {
	for i := range s.conns {
		if s.conns[i].state == TCPClosed {
			return i
		}
	}
	return -1
}

func (s *Stack) findConn(remoteIP [4]byte, localPort, remotePort uint16) int {
	for i := range s.conns {
		c := &s.conns[i]
		if c.state != TCPClosed &&
			c.localPort == localPort &&
			c.remotePort == remotePort &&
			c.remoteIP == remoteIP {
			return i
		}
	}
	return -1
}

func (s *Stack) validConn(idx int) bool {
	return idx >= 0 && idx < maxTCPConns
}

// TCPConnect opens an active connection, returning the slot handle. The
// SYN goes out immediately; completion shows up as TCPEstablished on a
// later Poll.
func (s *Stack) TCPConnect(ip [4]byte, port uint16) (int, error) {
	if !s.cfg.Configured {
		return -1, ErrNotConfigured
	}

	idx := s.findFreeConn()
	if idx < 0 {
		return -1, ErrNoFreeConn
	}

	conn := &s.conns[idx]
	*conn = tcpConn{
		remoteIP:   ip,
		remotePort: port,
		localPort:  s.nextLocalPort,
		seqNum:     s.randSource.Uint32(),
		state:      TCPSynSent,
	}
	s.nextLocalPort++
	if s.nextLocalPort > lastLocalPort {
		s.nextLocalPort = firstLocalPort
	}
	conn.timeoutTick = s.tick + tcpSynTimeoutTicks

	s.log.Debug("tcp: connect",
		"handle", idx,
		"remoteIP", ipString(ip),
		"remotePort", port,
		"localPort", conn.localPort)

	s.sendTCPSegment(conn, tcpFlagSYN, nil)
	return idx, nil
}

// sendTCPSegment builds and transmits one segment for conn. Routing goes
// through the gateway; an ARP miss issues a request and drops the segment,
// leaving recovery to the caller's timer.
func (s *Stack) sendTCPSegment(conn *tcpConn, flags uint8, data []byte) {
	if s.link == nil || !s.link.Available() || !s.cfg.Configured {
		return
	}

	dstMAC, ok := s.routeMAC()
	if !ok {
		if DEBUG {
			s.log.Debug("tcp: segment dropped, resolving gateway",
				"remoteIP", ipString(conn.remoteIP))
		}
		return
	}

	connID := uint16(1000)
	for i := range s.conns {
		if conn == &s.conns[i] {
			connID += uint16(i)
			break
		}
	}

	frame := s.newFrame(dstMAC, etherTypeIPv4, ipv4HeaderLen+tcpHeaderLen+len(data))
	packet := frame[ethernetHeaderLen:]
	buildIPv4HeaderInto(packet, s.cfg.IP, conn.remoteIP, connID, tcpProtocolNumber, tcpHeaderLen+len(data))

	seg := packet[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], conn.localPort)
	binary.BigEndian.PutUint16(seg[2:4], conn.remotePort)
	binary.BigEndian.PutUint32(seg[4:8], conn.seqNum)
	binary.BigEndian.PutUint32(seg[8:12], conn.ackNum)
	seg[12] = 0x50 // data offset: 5 words, no options
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], tcpRxBufSize) // fixed window
	binary.BigEndian.PutUint16(seg[16:18], 0)            // checksum placeholder
	binary.BigEndian.PutUint16(seg[18:20], 0)            // urgent
	copy(seg[tcpHeaderLen:], data)

	ps := pseudoHeaderChecksum(s.cfg.IP, conn.remoteIP, tcpProtocolNumber, len(seg))
	binary.BigEndian.PutUint16(seg[16:18], checksumWithInitial(seg, ps))

	if err := s.sendFrame(frame); err != nil {
		s.log.Warn("tcp: send failed", "err", err)
		return
	}

	// Sequence space consumed by this segment.
	if flags&tcpFlagSYN != 0 {
		conn.seqNum++
	}
	if flags&tcpFlagFIN != 0 {
		conn.seqNum++
	}
	conn.seqNum += uint32(len(data))
}

// TCPSend writes data on an established connection, splitting into MSS-sized
// PSH+ACK segments. Delivery is single-shot; there is no retransmission.
func (s *Stack) TCPSend(idx int, data []byte) (int, error) {
	if !s.validConn(idx) {
		return 0, fmt.Errorf("tcp: invalid handle %d", idx)
	}
	conn := &s.conns[idx]
	if conn.state != TCPEstablished {
		return 0, ErrClosed
	}

	sent := 0
	for sent < len(data) {
		chunk := len(data) - sent
		if chunk > tcpMSS {
			chunk = tcpMSS
		}
		s.sendTCPSegment(conn, tcpFlagACK|tcpFlagPSH, data[sent:sent+chunk])
		sent += chunk
	}
	return sent, nil
}

// TCPRecv drains up to len(buf) bytes from the receive ring.
func (s *Stack) TCPRecv(idx int, buf []byte) (int, error) {
	if !s.validConn(idx) {
		return 0, fmt.Errorf("tcp: invalid handle %d", idx)
	}
	conn := &s.conns[idx]
	if conn.rxLen == 0 {
		return 0, nil
	}

	toCopy := conn.rxLen
	if toCopy > len(buf) {
		toCopy = len(buf)
	}
	copy(buf, conn.rxBuf[:toCopy])

	if toCopy < conn.rxLen {
		copy(conn.rxBuf[:], conn.rxBuf[toCopy:conn.rxLen])
	}
	conn.rxLen -= toCopy
	conn.rxReady = conn.rxLen > 0

	return toCopy, nil
}

// TCPDataAvailable reports whether TCPRecv would return data.
func (s *Stack) TCPDataAvailable(idx int) bool {
	if !s.validConn(idx) {
		return false
	}
	return s.conns[idx].rxReady
}

// TCPTruncated reports whether inbound data was dropped because the receive
// ring was full at any point in the connection's lifetime.
func (s *Stack) TCPTruncated(idx int) bool {
	if !s.validConn(idx) {
		return false
	}
	return s.conns[idx].rxTruncated
}

// TCPState returns the slot's current state. Invalid handles read as closed.
func (s *Stack) TCPState(idx int) TCPState {
	if !s.validConn(idx) {
		return TCPClosed
	}
	return s.conns[idx].state
}

// TCPClose initiates an orderly close from ESTABLISHED, or releases the slot
// outright from any other state.
func (s *Stack) TCPClose(idx int) {
	if !s.validConn(idx) {
		return
	}
	conn := &s.conns[idx]
	if conn.state == TCPEstablished {
		s.sendTCPSegment(conn, tcpFlagFIN|tcpFlagACK, nil)
		conn.state = TCPFinWait1
		conn.timeoutTick = s.tick + tcpFinTimeoutTicks
	} else {
		conn.state = TCPClosed
	}
}

// tcpPoll sweeps the pool for expired timers: SYN retransmission while
// connecting, forced close when the FIN/TIME_WAIT linger runs out.
func (s *Stack) tcpPoll() {
	for i := range s.conns {
		conn := &s.conns[i]
		if conn.state == TCPClosed {
			continue
		}
		if s.tick <= conn.timeoutTick {
			continue
		}

		switch conn.state {
		case TCPSynSent:
			conn.retries++
			if conn.retries > tcpMaxSynRetries {
				conn.state = TCPClosed
				s.log.Debug("tcp: connect timed out", "handle", i,
					"remoteIP", ipString(conn.remoteIP))
			} else {
				// Retransmit the SYN with its original sequence number.
				conn.seqNum--
				s.sendTCPSegment(conn, tcpFlagSYN, nil)
				conn.timeoutTick = s.tick + tcpSynTimeoutTicks
			}
		case TCPFinWait1, TCPFinWait2, TCPTimeWait:
			conn.state = TCPClosed
		}
	}
}

// handleTCP matches an inbound segment to a slot by (remote IP, local port,
// remote port) and runs the state machine. Unmatched segments are dropped
// without generating an RST.
func (s *Stack) handleTCP(h ipv4Header) {
	seg := h.payload
	srcPort := binary.BigEndian.Uint16(seg[0:2])
	dstPort := binary.BigEndian.Uint16(seg[2:4])
	seq := binary.BigEndian.Uint32(seg[4:8])
	ack := binary.BigEndian.Uint32(seg[8:12])
	headerLen := int(seg[12]>>4) * 4
	flags := seg[13]

	idx := s.findConn(h.src, dstPort, srcPort)
	if idx < 0 {
		if DEBUG {
			s.log.Debug("tcp: drop segment for unknown connection",
				"srcIP", ipString(h.src), "srcPort", srcPort, "dstPort", dstPort)
		}
		return
	}
	conn := &s.conns[idx]

	if headerLen < tcpHeaderLen || headerLen > len(seg) {
		return
	}
	data := seg[headerLen:]

	if flags&tcpFlagRST != 0 {
		s.log.Debug("tcp: reset", "handle", idx)
		conn.state = TCPClosed
		return
	}

	switch conn.state {
	case TCPSynSent:
		if flags&(tcpFlagSYN|tcpFlagACK) == tcpFlagSYN|tcpFlagACK {
			conn.ackNum = seq + 1
			if ack == conn.seqNum {
				conn.state = TCPEstablished
				s.sendTCPSegment(conn, tcpFlagACK, nil)
				conn.lastAckSent = conn.ackNum
				s.log.Debug("tcp: established", "handle", idx)
			}
		}

	case TCPEstablished:
		if len(data) > 0 {
			space := tcpRxBufSize - conn.rxLen
			toCopy := len(data)
			if toCopy > space {
				toCopy = space
				conn.rxTruncated = true
				s.log.Warn("tcp: receive ring full, truncating",
					"handle", idx, "dropped", len(data)-space)
			}
			if toCopy > 0 {
				copy(conn.rxBuf[conn.rxLen:], data[:toCopy])
				conn.rxLen += toCopy
				conn.rxReady = true
			}

			// Cumulative ACK regardless of how much we kept.
			conn.ackNum = seq + uint32(len(data))
			s.sendTCPSegment(conn, tcpFlagACK, nil)
			conn.lastAckSent = conn.ackNum
		}

		if flags&tcpFlagFIN != 0 {
			// ACK the FIN, then immediately send our own without waiting
			// for the application to drain the ring. Buffered data stays
			// readable after the transition.
			conn.ackNum = seq + 1
			s.sendTCPSegment(conn, tcpFlagACK, nil)
			conn.state = TCPCloseWait
			s.sendTCPSegment(conn, tcpFlagFIN|tcpFlagACK, nil)
			conn.state = TCPLastAck
		}

	case TCPFinWait1:
		if flags&tcpFlagACK != 0 {
			conn.state = TCPFinWait2
		}
		if flags&tcpFlagFIN != 0 {
			conn.ackNum = seq + 1
			s.sendTCPSegment(conn, tcpFlagACK, nil)
			conn.state = TCPTimeWait
			conn.timeoutTick = s.tick + tcpTimeWaitTicks
		}

	case TCPFinWait2:
		if flags&tcpFlagFIN != 0 {
			conn.ackNum = seq + 1
			s.sendTCPSegment(conn, tcpFlagACK, nil)
			conn.state = TCPTimeWait
			conn.timeoutTick = s.tick + tcpTimeWaitTicks
		}

	case TCPLastAck:
		if flags&tcpFlagACK != 0 {
			conn.state = TCPClosed
		}
	}
}
