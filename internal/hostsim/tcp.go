package hostsim

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// TCP: tiny acceptor and connection state machine. Listeners hand out
// net.Conn values so stdlib servers can run on top.
////////////////////////////////////////////////////////////////////////////////

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10

	// tcpSegmentSize keeps outbound frames under the guest's receive buffer.
	tcpSegmentSize = 1400
)

type tcpHeader struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint16
	payload []byte
}

func parseTCPHeader(data []byte) (tcpHeader, error) {
	if len(data) < tcpHeaderLen {
		return tcpHeader{}, fmt.Errorf("tcp header too short: %d", len(data))
	}
	hdrLen := (data[12] >> 4) * 4
	if len(data) < int(hdrLen) {
		return tcpHeader{}, fmt.Errorf("tcp header length mismatch: %d", hdrLen)
	}
	return tcpHeader{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   uint16(data[13]),
		payload: data[hdrLen:],
	}, nil
}

// Four-tuple uniquely identifies a connection.
type tcpFourTuple struct {
	srcIP   [4]byte
	dstIP   [4]byte
	srcPort uint16
	dstPort uint16
}

type tcpState int

const (
	tcpStateSynRcvd tcpState = iota
	tcpStateEstablished
	tcpStateFinWait
	tcpStateClosed
)

// tcpAddr implements net.Addr for gateway TCP endpoints.
type tcpAddr struct {
	ip   net.IP
	port uint16
}

func (a *tcpAddr) Network() string { return "tcp" }
func (a *tcpAddr) String() string {
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
}

////////////////////////////////////////////////////////////////////////////////
// Listener.
////////////////////////////////////////////////////////////////////////////////

type tcpListener struct {
	gw   *Gateway
	port uint16

	incoming chan *tcpConn
	closeCh  chan struct{}

	mu     sync.Mutex
	closed bool
}

// Listen binds a TCP port on the gateway. Connections from the guest to
// any gateway address on that port are accepted.
func (g *Gateway) Listen(port uint16) (net.Listener, error) {
	g.tcpMu.Lock()
	defer g.tcpMu.Unlock()

	if _, ok := g.tcpListen[port]; ok {
		return nil, fmt.Errorf("hostsim: tcp port %d already in use", port)
	}

	l := &tcpListener{
		gw:       g,
		port:     port,
		incoming: make(chan *tcpConn, 16),
		closeCh:  make(chan struct{}),
	}
	g.tcpListen[port] = l
	return l, nil
}

func (l *tcpListener) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-l.incoming:
		if !ok {
			return nil, net.ErrClosed
		}
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *tcpListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closeCh)
	l.mu.Unlock()

	l.gw.tcpMu.Lock()
	delete(l.gw.tcpListen, l.port)
	l.gw.tcpMu.Unlock()
	return nil
}

func (l *tcpListener) Addr() net.Addr {
	return &tcpAddr{ip: net.IP(l.gw.hostIP[:]), port: l.port}
}

////////////////////////////////////////////////////////////////////////////////
// Connection.
////////////////////////////////////////////////////////////////////////////////

// tcpConn is a minimal connection to the guest satisfying net.Conn.
type tcpConn struct {
	gw       *Gateway
	listener *tcpListener
	key      tcpFourTuple
	localIP  [4]byte

	mu           sync.Mutex
	state        tcpState
	guestSeq     uint32
	hostSeq      uint32
	recvBuf      chan []byte
	readDeadline time.Time
	// deadlineCh is closed and replaced on every deadline update so a
	// blocked Read re-arms its timer.
	deadlineCh chan struct{}
	closed     bool
}

func newTCPConn(g *Gateway, listener *tcpListener, key tcpFourTuple, guestSeq uint32, localIP [4]byte) *tcpConn {
	return &tcpConn{
		gw:       g,
		listener: listener,
		key:      key,
		localIP:  localIP,
		state:      tcpStateSynRcvd,
		guestSeq:   guestSeq + 1, // expect data after SYN
		hostSeq:    g.randSource.Uint32(),
		recvBuf:    make(chan []byte, 512),
		deadlineCh: make(chan struct{}),
	}
}

// handleTCP demuxes by 4-tuple to an existing conn or establishes a new one.
func (g *Gateway) handleTCP(h ipv4Header) error {
	hdr, err := parseTCPHeader(h.payload)
	if err != nil {
		return err
	}
	if DEBUG {
		g.log.Debug("sim: tcp segment",
			"src", fmt.Sprintf("%s:%d", ipString(h.src), hdr.srcPort),
			"dst", fmt.Sprintf("%s:%d", ipString(h.dst), hdr.dstPort),
			"flags", fmt.Sprintf("0x%02x", hdr.flags),
			"seq", hdr.seq,
			"ack", hdr.ack,
			"len", len(hdr.payload))
	}

	key := tcpFourTuple{
		srcIP:   h.src,
		dstIP:   h.dst,
		srcPort: hdr.srcPort,
		dstPort: hdr.dstPort,
	}

	g.tcpMu.Lock()
	conn, ok := g.tcpConns[key]
	if !ok {
		// Only a SYN may open a new connection.
		if hdr.flags&tcpFlagSYN == 0 {
			g.tcpMu.Unlock()
			return nil
		}

		if listener, ok := g.tcpListen[hdr.dstPort]; ok {
			conn = newTCPConn(g, listener, key, hdr.seq, h.dst)
			g.tcpConns[key] = conn
			g.tcpMu.Unlock()
			conn.sendSynAck()
			return nil
		}

		// No listener; reset.
		g.tcpMu.Unlock()
		return g.sendRST(h, hdr)
	}
	g.tcpMu.Unlock()

	return conn.handleSegment(hdr)
}

func (c *tcpConn) handleSegment(hdr tcpHeader) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}

	// Track ack of our sent data.
	if hdr.flags&tcpFlagACK != 0 && hdr.ack > c.hostSeq {
		c.hostSeq = hdr.ack
	}

	switch c.state {
	case tcpStateSynRcvd:
		if hdr.flags&tcpFlagACK != 0 {
			c.state = tcpStateEstablished
			listener := c.listener
			hasData := len(hdr.payload) > 0 ||
				hdr.flags&(tcpFlagFIN|tcpFlagRST) != 0
			c.mu.Unlock()
			if listener != nil {
				select {
				case <-listener.closeCh:
					c.Close()
				default:
					select {
					case listener.incoming <- c:
					case <-listener.closeCh:
						c.Close()
					}
				}
			}
			if hasData {
				return c.handleSegment(hdr)
			}
			return nil
		}
	case tcpStateEstablished:
		if len(hdr.payload) > 0 {
			if hdr.seq != c.guestSeq {
				c.gw.log.Debug("sim: tcp out-of-order",
					"seq", hdr.seq,
					"expect", c.guestSeq)
				c.mu.Unlock()
				return nil
			}
			c.guestSeq += uint32(len(hdr.payload))
			data := append([]byte{}, hdr.payload...)
			c.mu.Unlock()
			c.enqueueData(data)
			c.sendAck()
			return nil
		}
		if hdr.flags&tcpFlagFIN != 0 {
			c.guestSeq++
			c.state = tcpStateFinWait
			c.mu.Unlock()
			c.enqueueData(nil) // signal EOF to readers
			c.sendAck()
			c.sendFin()
			return nil
		}
		c.mu.Unlock()
		if hdr.flags&tcpFlagRST != 0 {
			c.Close()
		}
		return nil
	case tcpStateFinWait:
		if hdr.flags&tcpFlagACK != 0 {
			c.state = tcpStateClosed
			c.mu.Unlock()
			c.Close()
			return nil
		}
	}

	c.mu.Unlock()
	return nil
}

func (c *tcpConn) enqueueData(data []byte) {
	// Synchronize with Close, which closes recvBuf.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// Don't block the frame path on a slow reader.
	select {
	case c.recvBuf <- data:
	default:
	}
	c.mu.Unlock()
}

func (c *tcpConn) sendSynAck() {
	c.mu.Lock()
	seq := c.hostSeq
	ack := c.guestSeq
	c.hostSeq++
	c.mu.Unlock()
	c.gw.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagSYN|tcpFlagACK, nil)
}

func (c *tcpConn) sendAck() {
	c.mu.Lock()
	seq := c.hostSeq
	ack := c.guestSeq
	c.mu.Unlock()
	c.gw.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagACK, nil)
}

func (c *tcpConn) sendFin() {
	c.mu.Lock()
	seq := c.hostSeq
	ack := c.guestSeq
	c.hostSeq++
	c.mu.Unlock()
	c.gw.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagFIN|tcpFlagACK, nil)
}

// Read returns payload delivered by the guest. A nil buffer in the queue
// signals EOF.
func (c *tcpConn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		dead := c.readDeadline
		changed := c.deadlineCh
		buf := c.recvBuf
		c.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !dead.IsZero() {
			until := time.Until(dead)
			if until <= 0 {
				return 0, &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}
			}
			timer = time.NewTimer(until)
			timeout = timer.C
		}

		select {
		case data, ok := <-buf:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return 0, net.ErrClosed
			}
			if data == nil {
				return 0, io.EOF
			}
			n := copy(b, data)
			if n < len(data) {
				// Push the remainder back for the next Read.
				c.enqueueData(data[n:])
			}
			return n, nil
		case <-timeout:
			return 0, &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}
		case <-changed:
			// Deadline updated mid-read; re-arm against the new value.
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// Write transmits payload to the guest in PSH/ACK segments sized to fit
// its receive path.
func (c *tcpConn) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > tcpSegmentSize {
			chunk = chunk[:tcpSegmentSize]
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return total, net.ErrClosed
		}
		seq := c.hostSeq
		ack := c.guestSeq
		c.hostSeq += uint32(len(chunk))
		c.mu.Unlock()

		if err := c.gw.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagACK|tcpFlagPSH, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		b = b[len(chunk):]
	}
	return total, nil
}

func (c *tcpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	needFin := c.state == tcpStateEstablished
	c.state = tcpStateClosed
	c.closed = true
	close(c.recvBuf)
	c.mu.Unlock()

	if needFin {
		c.sendFin()
	}

	c.gw.tcpMu.Lock()
	delete(c.gw.tcpConns, c.key)
	c.gw.tcpMu.Unlock()
	return nil
}

func (c *tcpConn) LocalAddr() net.Addr {
	return &tcpAddr{ip: net.IP(c.localIP[:]), port: c.key.dstPort}
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return &tcpAddr{ip: net.IP(c.key.srcIP[:]), port: c.key.srcPort}
}

func (c *tcpConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *tcpConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	// Wake a Read blocked on the previous deadline.
	close(c.deadlineCh)
	c.deadlineCh = make(chan struct{})
	return nil
}

func (c *tcpConn) SetWriteDeadline(t time.Time) error {
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Segment construction.
////////////////////////////////////////////////////////////////////////////////

// sendTCPSegment crafts and queues a TCP segment to the guest.
func (g *Gateway) sendTCPSegment(localIP [4]byte, key tcpFourTuple, seq, ack uint32, flags uint16, payload []byte) error {
	segment := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(segment[0:2], key.dstPort)
	binary.BigEndian.PutUint16(segment[2:4], key.srcPort)
	binary.BigEndian.PutUint32(segment[4:8], seq)
	binary.BigEndian.PutUint32(segment[8:12], ack)
	segment[12] = uint8(tcpHeaderLen/4) << 4
	segment[13] = uint8(flags)
	binary.BigEndian.PutUint16(segment[14:16], 0xffff) // window
	copy(segment[tcpHeaderLen:], payload)

	ps := pseudoHeaderChecksum(localIP, key.srcIP, tcpProtocolNumber, len(segment))
	binary.BigEndian.PutUint16(segment[16:18], checksumWithInitial(segment, ps))

	return g.sendIPv4(localIP, key.srcIP, tcpProtocolNumber, segment)
}

// sendRST answers an unexpected inbound segment with a reset.
func (g *Gateway) sendRST(h ipv4Header, hdr tcpHeader) error {
	key := tcpFourTuple{
		srcIP:   h.src,
		dstIP:   h.dst,
		srcPort: hdr.srcPort,
		dstPort: hdr.dstPort,
	}
	return g.sendTCPSegment(h.dst, key, hdr.ack, hdr.seq+1, tcpFlagRST|tcpFlagACK, nil)
}
