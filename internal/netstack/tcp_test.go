package netstack

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const (
	testServerPort = 8080
	testServerSeq  = 7000
)

// takeTCPSegment pops the next outbound frame and returns its TCP segment
// fields.
func takeTCPSegment(tb testing.TB, link *testLink) (seq, ack uint32, flags uint8, data []byte) {
	tb.Helper()
	h := mustIPv4(tb, link.takeFrame(tb))
	if h.protocol != tcpProtocolNumber {
		tb.Fatalf("expected tcp, got %s", h.protocol)
	}
	seg := h.payload
	headerLen := int(seg[12]>>4) * 4
	return binary.BigEndian.Uint32(seg[4:8]),
		binary.BigEndian.Uint32(seg[8:12]),
		seg[13],
		seg[headerLen:]
}

// openTestConn completes the three-way handshake and returns the slot
// handle plus the guest's next sequence number.
func openTestConn(tb testing.TB, s *Stack, link *testLink) (int, uint32) {
	tb.Helper()
	seedGatewayARP(s)

	idx, err := s.TCPConnect(testGatewayIP, testServerPort)
	if err != nil {
		tb.Fatalf("tcp connect: %v", err)
	}

	seq, _, flags, _ := takeTCPSegment(tb, link)
	if flags != tcpFlagSYN {
		tb.Fatalf("expected bare syn, got flags 0x%02x", flags)
	}

	conn := &s.conns[idx]
	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq, seq+1, tcpFlagSYN|tcpFlagACK, nil))
	s.Poll()

	if got := s.TCPState(idx); got != TCPEstablished {
		tb.Fatalf("expected established, got %s", got)
	}

	// Consume the handshake ACK.
	_, ack, flags, _ := takeTCPSegment(tb, link)
	if flags != tcpFlagACK || ack != testServerSeq+1 {
		tb.Fatalf("unexpected handshake ack: flags 0x%02x ack %d", flags, ack)
	}
	return idx, seq + 1
}

func TestTCPConnectRequiresConfiguration(t *testing.T) {
	s := New(testLogger(), Options{DisableDHCP: true})
	s.AttachLink(&testLink{mac: testGuestMAC})

	if _, err := s.TCPConnect(testGatewayIP, 80); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTCPConnectPoolExhaustion(t *testing.T) {
	s, _ := newTestStack(t)
	seedGatewayARP(s)

	for i := 0; i < maxTCPConns; i++ {
		if _, err := s.TCPConnect(testGatewayIP, uint16(9000+i)); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if _, err := s.TCPConnect(testGatewayIP, 9999); err != ErrNoFreeConn {
		t.Fatalf("expected ErrNoFreeConn, got %v", err)
	}
}

func TestTCPLocalPortWrapsAround(t *testing.T) {
	s, _ := newTestStack(t)
	seedGatewayARP(s)

	s.nextLocalPort = lastLocalPort
	idx, err := s.TCPConnect(testGatewayIP, 80)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.conns[idx].localPort != lastLocalPort {
		t.Fatalf("unexpected local port %d", s.conns[idx].localPort)
	}
	if s.nextLocalPort != firstLocalPort {
		t.Fatalf("port counter did not wrap: %d", s.nextLocalPort)
	}
}

func TestTCPHandshake(t *testing.T) {
	s, link := newTestStack(t)
	openTestConn(t, s, link)
}

func TestTCPMismatchedAckStaysSynSent(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	idx, err := s.TCPConnect(testGatewayIP, testServerPort)
	if err != nil {
		t.Fatalf("tcp connect: %v", err)
	}
	seq, _, _, _ := takeTCPSegment(t, link)

	conn := &s.conns[idx]
	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq, seq+2, tcpFlagSYN|tcpFlagACK, nil))
	s.Poll()

	if got := s.TCPState(idx); got != TCPSynSent {
		t.Fatalf("expected syn-sent after bad ack, got %s", got)
	}
}

func TestTCPSynRetransmitGivesUp(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	idx, err := s.TCPConnect(testGatewayIP, testServerPort)
	if err != nil {
		t.Fatalf("tcp connect: %v", err)
	}
	firstSeq, _, _, _ := takeTCPSegment(t, link)

	for i := 0; i < tcpMaxSynRetries; i++ {
		s.tick = s.conns[idx].timeoutTick + 1
		s.tcpPoll()

		seq, _, flags, _ := takeTCPSegment(t, link)
		if flags != tcpFlagSYN {
			t.Fatalf("retry %d: expected syn, got flags 0x%02x", i, flags)
		}
		// Retransmissions reuse the original sequence number.
		if seq != firstSeq {
			t.Fatalf("retry %d: seq %d, want %d", i, seq, firstSeq)
		}
		if got := s.TCPState(idx); got != TCPSynSent {
			t.Fatalf("retry %d: state %s", i, got)
		}
	}

	s.tick = s.conns[idx].timeoutTick + 1
	s.tcpPoll()
	if got := s.TCPState(idx); got != TCPClosed {
		t.Fatalf("expected closed after exhausting retries, got %s", got)
	}
	if len(link.out) != 0 {
		t.Fatalf("unexpected frame after giving up")
	}
}

func TestTCPSendReceives(t *testing.T) {
	s, link := newTestStack(t)
	idx, guestSeq := openTestConn(t, s, link)
	conn := &s.conns[idx]

	n, err := s.TCPSend(idx, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	seq, _, flags, data := takeTCPSegment(t, link)
	if flags != tcpFlagACK|tcpFlagPSH {
		t.Fatalf("unexpected flags 0x%02x", flags)
	}
	if seq != guestSeq || string(data) != "hello" {
		t.Fatalf("unexpected segment seq=%d data=%q", seq, data)
	}

	// Server data is buffered and cumulatively acked.
	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq+1, guestSeq+5, tcpFlagACK|tcpFlagPSH, []byte("world")))
	s.Poll()

	if !s.TCPDataAvailable(idx) {
		t.Fatalf("data not available")
	}
	_, ack, flags, _ := takeTCPSegment(t, link)
	if flags != tcpFlagACK || ack != testServerSeq+1+5 {
		t.Fatalf("unexpected data ack: flags 0x%02x ack %d", flags, ack)
	}

	var buf [16]byte
	rn, err := s.TCPRecv(idx, buf[:])
	if err != nil || string(buf[:rn]) != "world" {
		t.Fatalf("recv: %q err=%v", buf[:rn], err)
	}
	if s.TCPDataAvailable(idx) {
		t.Fatalf("data still flagged after drain")
	}
}

func TestTCPSendSplitsAtMSS(t *testing.T) {
	s, link := newTestStack(t)
	idx, _ := openTestConn(t, s, link)

	payload := bytes.Repeat([]byte{'a'}, tcpMSS+100)
	n, err := s.TCPSend(idx, payload)
	if err != nil || n != len(payload) {
		t.Fatalf("send: n=%d err=%v", n, err)
	}

	_, _, _, first := takeTCPSegment(t, link)
	if len(first) != tcpMSS {
		t.Fatalf("first segment %d bytes, want %d", len(first), tcpMSS)
	}
	_, _, _, second := takeTCPSegment(t, link)
	if len(second) != 100 {
		t.Fatalf("second segment %d bytes, want 100", len(second))
	}
}

func TestTCPReceiveRingTruncates(t *testing.T) {
	s, link := newTestStack(t)
	idx, guestSeq := openTestConn(t, s, link)
	conn := &s.conns[idx]

	// Three 1400-byte segments overflow the 4096-byte ring.
	seq := uint32(testServerSeq + 1)
	for i := 0; i < 3; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 1400)
		link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
			seq, guestSeq, tcpFlagACK|tcpFlagPSH, chunk))
		s.Poll()
		seq += 1400
	}

	if conn.rxLen != tcpRxBufSize {
		t.Fatalf("ring holds %d bytes, want %d", conn.rxLen, tcpRxBufSize)
	}
	if !s.TCPTruncated(idx) {
		t.Fatalf("truncation not reported")
	}

	// The final ACK still covers everything the server sent.
	link.drain()
	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		seq, guestSeq, tcpFlagACK|tcpFlagPSH, []byte("x")))
	s.Poll()
	_, ack, _, _ := takeTCPSegment(t, link)
	if ack != seq+1 {
		t.Fatalf("cumulative ack %d, want %d", ack, seq+1)
	}
}

func TestTCPRemoteCloseSequence(t *testing.T) {
	s, link := newTestStack(t)
	idx, guestSeq := openTestConn(t, s, link)
	conn := &s.conns[idx]

	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq+1, guestSeq, tcpFlagFIN|tcpFlagACK, nil))
	s.Poll()

	// The FIN is acked, then our own FIN follows immediately.
	_, ack, flags, _ := takeTCPSegment(t, link)
	if flags != tcpFlagACK || ack != testServerSeq+2 {
		t.Fatalf("unexpected fin ack: flags 0x%02x ack %d", flags, ack)
	}
	_, _, flags, _ = takeTCPSegment(t, link)
	if flags != tcpFlagFIN|tcpFlagACK {
		t.Fatalf("expected fin+ack, got 0x%02x", flags)
	}
	if got := s.TCPState(idx); got != TCPLastAck {
		t.Fatalf("expected last-ack, got %s", got)
	}

	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq+2, guestSeq+1, tcpFlagACK, nil))
	s.Poll()
	if got := s.TCPState(idx); got != TCPClosed {
		t.Fatalf("expected closed, got %s", got)
	}
}

func TestTCPActiveCloseSequence(t *testing.T) {
	s, link := newTestStack(t)
	idx, guestSeq := openTestConn(t, s, link)
	conn := &s.conns[idx]

	s.TCPClose(idx)
	_, _, flags, _ := takeTCPSegment(t, link)
	if flags != tcpFlagFIN|tcpFlagACK {
		t.Fatalf("expected fin+ack, got 0x%02x", flags)
	}
	if got := s.TCPState(idx); got != TCPFinWait1 {
		t.Fatalf("expected fin-wait-1, got %s", got)
	}

	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq+1, guestSeq+1, tcpFlagACK, nil))
	s.Poll()
	if got := s.TCPState(idx); got != TCPFinWait2 {
		t.Fatalf("expected fin-wait-2, got %s", got)
	}

	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq+1, guestSeq+1, tcpFlagFIN|tcpFlagACK, nil))
	s.Poll()
	if got := s.TCPState(idx); got != TCPTimeWait {
		t.Fatalf("expected time-wait, got %s", got)
	}

	s.tick = conn.timeoutTick + 1
	s.tcpPoll()
	if got := s.TCPState(idx); got != TCPClosed {
		t.Fatalf("expected closed after time-wait, got %s", got)
	}
}

func TestTCPResetClosesConnection(t *testing.T) {
	s, link := newTestStack(t)
	idx, guestSeq := openTestConn(t, s, link)
	conn := &s.conns[idx]

	link.push(buildTCPFrameIn(testGatewayIP, testServerPort, conn.localPort,
		testServerSeq+1, guestSeq, tcpFlagRST, nil))
	s.Poll()

	if got := s.TCPState(idx); got != TCPClosed {
		t.Fatalf("expected closed after rst, got %s", got)
	}
}

func TestTCPUnknownSegmentDroppedSilently(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	link.push(buildTCPFrameIn(testGatewayIP, 80, 50000, 1, 1, tcpFlagSYN|tcpFlagACK, nil))
	s.Poll()

	// No RST is generated for unmatched segments.
	if len(link.out) != 0 {
		t.Fatalf("expected silence, got %d frames", len(link.out))
	}
}

func TestTCPSendOnClosedSlot(t *testing.T) {
	s, _ := newTestStack(t)

	if _, err := s.TCPSend(0, []byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.TCPSend(99, nil); err == nil {
		t.Fatalf("expected error for invalid handle")
	}
}
