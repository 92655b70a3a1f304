package netstack

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// UDP datapath (very small). DHCP and DNS are the only consumers.
////////////////////////////////////////////////////////////////////////////////

// SendUDP transmits a datagram to dst via the gateway. The UDP checksum is
// left zero (optional for IPv4). On an ARP cache miss the send is dropped
// after issuing a request; the caller's retry timer recovers.
func (s *Stack) SendUDP(dst [4]byte, srcPort, dstPort uint16, payload []byte) error {
	if s.link == nil || !s.link.Available() {
		return ErrNoLink
	}
	if !s.cfg.Configured {
		return ErrNotConfigured
	}
	if len(payload) > maxFrameLen-ethernetHeaderLen-ipv4HeaderLen-udpHeaderLen {
		return ErrTooLarge
	}

	dstMAC, ok := s.routeMAC()
	if !ok {
		if DEBUG {
			s.log.Debug("udp: send dropped, resolving gateway", "dstIP", ipString(dst))
		}
		return nil
	}

	return s.sendUDPFrame(dstMAC, s.cfg.IP, dst, srcPort, dstPort, payload)
}

// sendUDPFrame builds and transmits a full Ethernet+IPv4+UDP frame. DHCP
// uses it directly for broadcasts from the unconfigured address.
func (s *Stack) sendUDPFrame(dstMAC [6]byte, srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) error {
	frame := s.newFrame(dstMAC, etherTypeIPv4, ipv4HeaderLen+udpHeaderLen+len(payload))
	packet := frame[ethernetHeaderLen:]
	buildIPv4HeaderInto(packet, srcIP, dstIP, s.queryIDCounter, udpProtocolNumber, udpHeaderLen+len(payload))

	udp := packet[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(payload)))
	binary.BigEndian.PutUint16(udp[6:8], 0) // checksum optional
	copy(udp[udpHeaderLen:], payload)

	return s.sendFrame(frame)
}

// handleUDP dispatches inbound datagrams by port pairing: DNS answers come
// from port 53, DHCP replies pair server port 67 with client port 68.
// Everything else is dropped.
func (s *Stack) handleUDP(h ipv4Header) {
	payload := h.payload
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])

	if int(length) < udpHeaderLen || int(length) > len(payload) {
		return
	}
	data := payload[udpHeaderLen:length]

	switch {
	case srcPort == dnsPort:
		s.handleDNSResponse(data)
	case dstPort == dhcpClientPort && srcPort == dhcpServerPort:
		s.handleDHCP(data)
	default:
		if DEBUG {
			s.log.Debug("udp: drop datagram for unbound port",
				"srcIP", ipString(h.src),
				"srcPort", srcPort,
				"dstPort", dstPort)
		}
	}
}
