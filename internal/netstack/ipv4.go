package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// IPv4: header parsing/building and ICMP/UDP/TCP demux.
////////////////////////////////////////////////////////////////////////////////

// ipv4Header captures the fixed 20B header plus the transport payload.
// Fragmentation is not supported; the Flags/Fragment Offset field is carried
// as-is and otherwise ignored.
type ipv4Header struct {
	version  uint8
	ihl      uint8
	tos      uint8
	length   uint16
	id       uint16
	flags    uint16 // includes flags and fragment offset
	ttl      uint8
	protocol protocolNumber
	checksum uint16
	src      [4]byte
	dst      [4]byte
	payload  []byte
}

// parseIPv4Header decodes a minimal IPv4 header. The incoming checksum is
// not verified.
func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	verIHL := data[0]
	version := verIHL >> 4
	ihl := verIHL & 0x0f
	if version != 4 {
		return ipv4Header{}, fmt.Errorf("unsupported ipv4 version: %d", version)
	}
	headerLen := int(ihl) * 4
	if headerLen < ipv4HeaderLen || len(data) < headerLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header length mismatch: %d", headerLen)
	}

	h := ipv4Header{
		version:  version,
		ihl:      ihl,
		tos:      data[1],
		length:   binary.BigEndian.Uint16(data[2:4]),
		id:       binary.BigEndian.Uint16(data[4:6]),
		flags:    binary.BigEndian.Uint16(data[6:8]),
		ttl:      data[8],
		protocol: protocolNumber(data[9]),
		checksum: binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.src[:], data[12:16])
	copy(h.dst[:], data[16:20])

	payloadLen := int(h.length) - headerLen
	if payloadLen < 0 || headerLen+payloadLen > len(data) {
		payloadLen = len(data) - headerLen
	}
	h.payload = data[headerLen : headerLen+payloadLen]
	return h, nil
}

// buildIPv4HeaderInto writes a 20-byte IPv4 header with checksum into packet.
func buildIPv4HeaderInto(packet []byte, src, dst [4]byte, id uint16, protocol protocolNumber, payloadLen int) {
	if len(packet) < ipv4HeaderLen {
		panic("buildIPv4HeaderInto: buffer too small")
	}
	totalLen := ipv4HeaderLen + payloadLen

	packet[0] = byte((4 << 4) | (ipv4HeaderLen / 4)) // Version/IHL
	packet[1] = 0                                    // TOS
	binary.BigEndian.PutUint16(packet[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(packet[4:6], id)
	binary.BigEndian.PutUint16(packet[6:8], 0) // Flags/FragOff
	packet[8] = 64                             // TTL
	packet[9] = byte(protocol)
	binary.BigEndian.PutUint16(packet[10:12], 0)
	copy(packet[12:16], src[:])
	copy(packet[16:20], dst[:])

	check := checksum(packet[:ipv4HeaderLen])
	binary.BigEndian.PutUint16(packet[10:12], check)
}

func (s *Stack) handleIPv4(payload []byte) {
	h, err := parseIPv4Header(payload)
	if err != nil {
		if DEBUG {
			s.log.Debug("net: drop malformed ipv4 packet", "err", err)
		}
		return
	}

	// Accept packets for our configured address or broadcast (DHCP replies
	// arrive before we have an address).
	if h.dst != s.cfg.IP && h.dst != broadcastIP {
		return
	}

	switch h.protocol {
	case icmpProtocolNumber:
		if len(h.payload) >= icmpHeaderLen {
			s.handleICMP(h)
		}
	case tcpProtocolNumber:
		if len(h.payload) >= tcpHeaderLen {
			s.handleTCP(h)
		}
	case udpProtocolNumber:
		if len(h.payload) >= udpHeaderLen {
			s.handleUDP(h)
		}
	default:
		if DEBUG {
			s.log.Debug("net: drop unsupported ipv4 protocol", "proto", h.protocol.String())
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// ICMP echo: answer pings, track our own gateway pings.
////////////////////////////////////////////////////////////////////////////////

const (
	icmpEchoReply   = 0
	icmpEchoRequest = 8
)

// pingPayloadLen is the fixed echo-request payload size.
const pingPayloadLen = 8

func (s *Stack) handleICMP(h ipv4Header) {
	payload := h.payload
	switch payload[0] {
	case icmpEchoRequest:
		data := payload[icmpHeaderLen:]
		if len(data) > 1400 {
			data = data[:1400]
		}
		id := binary.BigEndian.Uint16(payload[4:6])
		seq := binary.BigEndian.Uint16(payload[6:8])
		if err := s.sendICMPEchoReply(h.src, id, seq, data); err != nil {
			s.log.Warn("icmp: echo reply failed", "err", err)
		}
	case icmpEchoReply:
		s.ping.Received++
		s.ping.LastRTT = s.tick - s.pingSentTick
		if DEBUG {
			s.log.Debug("icmp: echo reply", "srcIP", ipString(h.src), "rttTicks", s.ping.LastRTT)
		}
	}
}

func (s *Stack) sendICMPEchoReply(dst [4]byte, id, seq uint16, data []byte) error {
	// Replies go back through the gateway like everything else.
	dstMAC, ok := s.routeMAC()
	if !ok {
		return nil
	}

	frame := s.newFrame(dstMAC, etherTypeIPv4, ipv4HeaderLen+icmpHeaderLen+len(data))
	packet := frame[ethernetHeaderLen:]
	buildIPv4HeaderInto(packet, s.cfg.IP, dst, 1234, icmpProtocolNumber, icmpHeaderLen+len(data))

	icmp := packet[ipv4HeaderLen:]
	icmp[0] = icmpEchoReply
	icmp[1] = 0
	binary.BigEndian.PutUint16(icmp[2:4], 0)
	binary.BigEndian.PutUint16(icmp[4:6], id)
	binary.BigEndian.PutUint16(icmp[6:8], seq)
	copy(icmp[icmpHeaderLen:], data)
	binary.BigEndian.PutUint16(icmp[2:4], checksum(icmp))

	return s.sendFrame(frame)
}

// PingGateway sends a single ICMP echo request to the configured gateway.
// The reply, if any, shows up in PingStatus on a later Poll.
func (s *Stack) PingGateway() error {
	if !s.cfg.Configured || s.cfg.Gateway == ([4]byte{}) {
		return ErrNotConfigured
	}
	return s.sendICMPEchoRequest(s.cfg.Gateway)
}

// PingStatus returns the echo diagnostics counters.
func (s *Stack) PingStatus() PingStatus {
	return s.ping
}

func (s *Stack) sendICMPEchoRequest(dst [4]byte) error {
	if s.link == nil || !s.link.Available() {
		return ErrNoLink
	}

	dstMAC, ok := s.routeMAC()
	if !ok {
		// ARP request issued; the caller retries.
		return nil
	}

	frame := s.newFrame(dstMAC, etherTypeIPv4, ipv4HeaderLen+icmpHeaderLen+pingPayloadLen)
	packet := frame[ethernetHeaderLen:]
	buildIPv4HeaderInto(packet, s.cfg.IP, dst, 1234, icmpProtocolNumber, icmpHeaderLen+pingPayloadLen)

	icmp := packet[ipv4HeaderLen:]
	icmp[0] = icmpEchoRequest
	icmp[1] = 0
	binary.BigEndian.PutUint16(icmp[2:4], 0)
	binary.BigEndian.PutUint16(icmp[4:6], 0x1234)
	binary.BigEndian.PutUint16(icmp[6:8], s.pingSeq)
	s.pingSeq++
	for i := 0; i < pingPayloadLen; i++ {
		icmp[icmpHeaderLen+i] = 'T'
	}
	binary.BigEndian.PutUint16(icmp[2:4], checksum(icmp))

	if err := s.sendFrame(frame); err != nil {
		return err
	}

	s.ping.Sent++
	s.pingSentTick = s.tick
	return nil
}
