package netstack

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
)

var (
	testGuestMAC  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	testHostMAC   = [6]byte{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}
	testGuestIP   = [4]byte{10, 0, 2, 15}
	testSubnet    = [4]byte{255, 255, 255, 0}
	testGatewayIP = [4]byte{10, 0, 2, 2}
	testDNSIP     = [4]byte{10, 0, 2, 3}
)

// testLink is a scripted in-memory link. Frames pushed with push are
// returned one per Receive; everything the stack sends lands in out.
type testLink struct {
	mac [6]byte
	in  [][]byte
	out [][]byte
}

func (l *testLink) Available() bool     { return true }
func (l *testLink) MACAddress() [6]byte { return l.mac }
func (l *testLink) Poll()               {}

func (l *testLink) Send(frame []byte) error {
	l.out = append(l.out, append([]byte(nil), frame...))
	return nil
}

func (l *testLink) Receive(buf []byte) int {
	if len(l.in) == 0 {
		return 0
	}
	frame := l.in[0]
	l.in = l.in[1:]
	return copy(buf, frame)
}

func (l *testLink) push(frame []byte) {
	l.in = append(l.in, append([]byte(nil), frame...))
}

func (l *testLink) takeFrame(tb testing.TB) []byte {
	tb.Helper()
	if len(l.out) == 0 {
		tb.Fatalf("no frame sent")
	}
	frame := l.out[0]
	l.out = l.out[1:]
	return frame
}

func (l *testLink) drain() {
	l.out = nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStack returns a statically configured stack with DHCP disabled.
func newTestStack(tb testing.TB) (*Stack, *testLink) {
	tb.Helper()
	s := New(testLogger(), Options{DisableDHCP: true, RandSeed: 1})
	link := &testLink{mac: testGuestMAC}
	s.AttachLink(link)
	s.ConfigureStatic(testGuestIP, testSubnet, testGatewayIP, testDNSIP)
	return s, link
}

// seedGatewayARP skips the ARP exchange for tests that just need routing.
func seedGatewayARP(s *Stack) {
	s.arpAdd(testGatewayIP, testHostMAC)
}

////////////////////////////////////////////////////////////////////////////////
// Inbound frame builders (host to guest direction).
////////////////////////////////////////////////////////////////////////////////

func buildFrameIn(et etherType, payload []byte) []byte {
	frame := make([]byte, ethernetHeaderLen+len(payload))
	copy(frame[0:6], testGuestMAC[:])
	copy(frame[6:12], testHostMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(et))
	copy(frame[ethernetHeaderLen:], payload)
	return frame
}

func buildIPv4FrameIn(src, dst [4]byte, protocol protocolNumber, payload []byte) []byte {
	packet := make([]byte, ipv4HeaderLen+len(payload))
	buildIPv4HeaderInto(packet, src, dst, 7, protocol, len(payload))
	copy(packet[ipv4HeaderLen:], payload)
	return buildFrameIn(etherTypeIPv4, packet)
}

func buildARPRequestIn(senderIP, targetIP [4]byte) []byte {
	payload := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(payload[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(payload[2:4], arpProtoIPv4)
	payload[4] = 6
	payload[5] = 4
	binary.BigEndian.PutUint16(payload[6:8], arpOpRequest)
	copy(payload[8:14], testHostMAC[:])
	copy(payload[14:18], senderIP[:])
	copy(payload[24:28], targetIP[:])
	return buildFrameIn(etherTypeARP, payload)
}

func buildUDPFrameIn(srcIP [4]byte, srcPort, dstPort uint16, data []byte) []byte {
	udp := make([]byte, udpHeaderLen+len(data))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[udpHeaderLen:], data)
	return buildIPv4FrameIn(srcIP, testGuestIP, udpProtocolNumber, udp)
}

func buildUDPBroadcastFrameIn(srcIP [4]byte, srcPort, dstPort uint16, data []byte) []byte {
	udp := make([]byte, udpHeaderLen+len(data))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[udpHeaderLen:], data)
	return buildIPv4FrameIn(srcIP, broadcastIP, udpProtocolNumber, udp)
}

func buildTCPFrameIn(srcIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, data []byte) []byte {
	seg := make([]byte, tcpHeaderLen+len(data))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = 0x50
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], 0xffff)
	copy(seg[tcpHeaderLen:], data)

	ps := pseudoHeaderChecksum(srcIP, testGuestIP, tcpProtocolNumber, len(seg))
	binary.BigEndian.PutUint16(seg[16:18], checksumWithInitial(seg, ps))

	return buildIPv4FrameIn(srcIP, testGuestIP, tcpProtocolNumber, seg)
}

////////////////////////////////////////////////////////////////////////////////
// Outbound frame inspection.
////////////////////////////////////////////////////////////////////////////////

// mustIPv4 strips the Ethernet header and parses the IPv4 packet.
func mustIPv4(tb testing.TB, frame []byte) ipv4Header {
	tb.Helper()
	if len(frame) < ethernetHeaderLen {
		tb.Fatalf("frame too short: %d", len(frame))
	}
	if et := etherType(binary.BigEndian.Uint16(frame[12:14])); et != etherTypeIPv4 {
		tb.Fatalf("expected ipv4 frame, got %s", et)
	}
	h, err := parseIPv4Header(frame[ethernetHeaderLen:])
	if err != nil {
		tb.Fatalf("parse ipv4: %v", err)
	}
	return h
}

////////////////////////////////////////////////////////////////////////////////
// Checksum and helper tests.
////////////////////////////////////////////////////////////////////////////////

func TestChecksumSelfVerifies(t *testing.T) {
	packet := make([]byte, ipv4HeaderLen)
	buildIPv4HeaderInto(packet, testGuestIP, testGatewayIP, 42, udpProtocolNumber, 100)

	// Summing a header over its embedded checksum must yield zero.
	if got := checksum(packet); got != 0 {
		t.Fatalf("header checksum does not verify: got 0x%04x", got)
	}
}

func TestChecksumOddLength(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	// Odd trailing byte is padded as the high byte of a final 16-bit word.
	want := ^uint16(0x0102 + 0x0300)
	if got := checksum(data); got != want {
		t.Fatalf("odd-length checksum mismatch: got 0x%04x want 0x%04x", got, want)
	}
}

func TestParseIPv4LiteralRecognizesDottedQuads(t *testing.T) {
	if ip, ok := parseIPv4Literal("10.0.2.2"); !ok || ip != testGatewayIP {
		t.Fatalf("expected literal 10.0.2.2, got %v ok=%v", ip, ok)
	}
	if _, ok := parseIPv4Literal("example.com"); ok {
		t.Fatalf("hostname misread as literal")
	}
	if _, ok := parseIPv4Literal("::1"); ok {
		t.Fatalf("ipv6 literal misread as ipv4")
	}
}

////////////////////////////////////////////////////////////////////////////////
// ARP tests.
////////////////////////////////////////////////////////////////////////////////

func TestARPCacheRefresh(t *testing.T) {
	s, _ := newTestStack(t)

	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	mac2 := [6]byte{2, 2, 2, 2, 2, 2}
	ip := [4]byte{10, 0, 2, 7}

	s.arpAdd(ip, mac1)
	s.arpAdd(ip, mac2)

	got, ok := s.ARPLookup(ip)
	if !ok || got != mac2 {
		t.Fatalf("expected refreshed mac %v, got %v ok=%v", mac2, got, ok)
	}

	// A refresh must not consume a second slot.
	used := 0
	for i := range s.arpCache {
		if s.arpCache[i].valid {
			used++
		}
	}
	if used != 1 {
		t.Fatalf("expected 1 cache entry, got %d", used)
	}
}

func TestARPCacheEvictsSlotZeroWhenFull(t *testing.T) {
	s, _ := newTestStack(t)

	for i := 0; i < arpCacheSize; i++ {
		s.arpAdd([4]byte{10, 0, 2, byte(100 + i)}, [6]byte{byte(i), 0, 0, 0, 0, 1})
	}
	s.arpAdd([4]byte{10, 0, 2, 200}, [6]byte{9, 9, 9, 9, 9, 9})

	if _, ok := s.ARPLookup([4]byte{10, 0, 2, 100}); ok {
		t.Fatalf("slot 0 entry should have been evicted")
	}
	if _, ok := s.ARPLookup([4]byte{10, 0, 2, 200}); !ok {
		t.Fatalf("newest entry missing after eviction")
	}
	if _, ok := s.ARPLookup([4]byte{10, 0, 2, 101}); !ok {
		t.Fatalf("unrelated entry lost during eviction")
	}
}

func TestARPRepliesToRequestForOwnIP(t *testing.T) {
	s, link := newTestStack(t)

	link.push(buildARPRequestIn(testGatewayIP, testGuestIP))
	s.Poll()

	frame := link.takeFrame(t)
	if et := etherType(binary.BigEndian.Uint16(frame[12:14])); et != etherTypeARP {
		t.Fatalf("expected arp reply, got %s", et)
	}
	payload := frame[ethernetHeaderLen:]
	if op := binary.BigEndian.Uint16(payload[6:8]); op != arpOpReply {
		t.Fatalf("expected opcode reply, got %d", op)
	}
	var senderIP [4]byte
	copy(senderIP[:], payload[14:18])
	if senderIP != testGuestIP {
		t.Fatalf("unexpected sender ip %s", ipString(senderIP))
	}

	// The requester was learned as a side effect.
	if mac, ok := s.ARPLookup(testGatewayIP); !ok || mac != testHostMAC {
		t.Fatalf("requester not learned: %v ok=%v", mac, ok)
	}
}

func TestARPSilentForForeignTarget(t *testing.T) {
	s, link := newTestStack(t)

	link.push(buildARPRequestIn(testGatewayIP, [4]byte{10, 0, 2, 99}))
	s.Poll()

	if len(link.out) != 0 {
		t.Fatalf("expected no reply for foreign target, got %d frames", len(link.out))
	}
	// Learning still happens.
	if _, ok := s.ARPLookup(testGatewayIP); !ok {
		t.Fatalf("sender not learned from foreign request")
	}
}

func TestRouteMACMissIssuesRequestAndDrops(t *testing.T) {
	s, link := newTestStack(t)

	if err := s.SendUDP(testDNSIP, 1000, 2000, []byte("x")); err != nil {
		t.Fatalf("send udp: %v", err)
	}

	frame := link.takeFrame(t)
	if et := etherType(binary.BigEndian.Uint16(frame[12:14])); et != etherTypeARP {
		t.Fatalf("expected arp request, got %s", et)
	}
	payload := frame[ethernetHeaderLen:]
	if op := binary.BigEndian.Uint16(payload[6:8]); op != arpOpRequest {
		t.Fatalf("expected opcode request, got %d", op)
	}
	var target [4]byte
	copy(target[:], payload[24:28])
	if target != testGatewayIP {
		t.Fatalf("arp request targets %s, want gateway", ipString(target))
	}
	if len(link.out) != 0 {
		t.Fatalf("datagram should have been dropped during resolution")
	}
}

////////////////////////////////////////////////////////////////////////////////
// ICMP tests.
////////////////////////////////////////////////////////////////////////////////

func TestPingGatewayRoundTrip(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	if err := s.PingGateway(); err != nil {
		t.Fatalf("ping gateway: %v", err)
	}

	h := mustIPv4(t, link.takeFrame(t))
	if h.protocol != icmpProtocolNumber || h.dst != testGatewayIP {
		t.Fatalf("unexpected echo request: proto=%s dst=%s", h.protocol, ipString(h.dst))
	}
	icmp := h.payload
	if icmp[0] != icmpEchoRequest {
		t.Fatalf("expected echo request type, got %d", icmp[0])
	}
	if id := binary.BigEndian.Uint16(icmp[4:6]); id != 0x1234 {
		t.Fatalf("unexpected identifier 0x%04x", id)
	}
	for _, b := range icmp[icmpHeaderLen:] {
		if b != 'T' {
			t.Fatalf("unexpected payload byte %q", b)
		}
	}
	if got := s.PingStatus(); got.Sent != 1 || got.Received != 0 {
		t.Fatalf("unexpected ping status %+v", got)
	}

	// Echo the request back as a reply.
	reply := make([]byte, len(icmp))
	copy(reply, icmp)
	reply[0] = icmpEchoReply
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], checksum(reply))
	link.push(buildIPv4FrameIn(testGatewayIP, testGuestIP, icmpProtocolNumber, reply))
	s.Poll()

	if got := s.PingStatus(); got.Received != 1 {
		t.Fatalf("reply not counted: %+v", got)
	}
}

func TestPingGatewayUnconfigured(t *testing.T) {
	s := New(testLogger(), Options{DisableDHCP: true})
	s.AttachLink(&testLink{mac: testGuestMAC})

	if err := s.PingGateway(); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestEchoRequestAnswered(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	data := []byte("payload")
	icmp := make([]byte, icmpHeaderLen+len(data))
	icmp[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(icmp[4:6], 0xbeef)
	binary.BigEndian.PutUint16(icmp[6:8], 3)
	copy(icmp[icmpHeaderLen:], data)
	binary.BigEndian.PutUint16(icmp[2:4], checksum(icmp))

	link.push(buildIPv4FrameIn(testGatewayIP, testGuestIP, icmpProtocolNumber, icmp))
	s.Poll()

	h := mustIPv4(t, link.takeFrame(t))
	if h.protocol != icmpProtocolNumber {
		t.Fatalf("expected icmp reply, got %s", h.protocol)
	}
	reply := h.payload
	if reply[0] != icmpEchoReply {
		t.Fatalf("expected echo reply, got type %d", reply[0])
	}
	if id := binary.BigEndian.Uint16(reply[4:6]); id != 0xbeef {
		t.Fatalf("identifier not mirrored: 0x%04x", id)
	}
	if string(reply[icmpHeaderLen:]) != "payload" {
		t.Fatalf("payload not mirrored: %q", reply[icmpHeaderLen:])
	}
	if sum := checksum(reply); sum != 0 {
		t.Fatalf("reply checksum does not verify: 0x%04x", sum)
	}
}

func TestIPv4ForeignDestinationDropped(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	icmp := make([]byte, icmpHeaderLen)
	icmp[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(icmp[2:4], checksum(icmp))

	// IP destination is foreign even though the Ethernet layer points at us.
	link.push(buildIPv4FrameIn(testGatewayIP, [4]byte{10, 0, 2, 99}, icmpProtocolNumber, icmp))
	s.Poll()

	if len(link.out) != 0 {
		t.Fatalf("packet for foreign address should be dropped")
	}
}

func TestPollWithoutLink(t *testing.T) {
	s := New(testLogger(), Options{})

	for i := 0; i < 10; i++ {
		s.Poll()
	}
	if s.Tick() != 10 {
		t.Fatalf("tick should advance without a link, got %d", s.Tick())
	}
	if s.Config().Configured {
		t.Fatalf("stack configured itself without a link")
	}
}
