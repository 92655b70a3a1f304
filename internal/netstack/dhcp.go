package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// DHCP client: IDLE -> DISCOVERING -> REQUESTING -> CONFIGURED.
//
// There is no lease renewal; once configured the machine never runs again
// for this boot. Replies with a foreign transaction ID are ignored.
////////////////////////////////////////////////////////////////////////////////

type dhcpState uint8

const (
	dhcpStateIdle dhcpState = iota
	dhcpStateDiscovering
	dhcpStateRequesting
	dhcpStateConfigured
)

func (s dhcpState) String() string {
	switch s {
	case dhcpStateIdle:
		return "idle"
	case dhcpStateDiscovering:
		return "discovering"
	case dhcpStateRequesting:
		return "requesting"
	case dhcpStateConfigured:
		return "configured"
	}
	return fmt.Sprintf("unknown dhcp state %d", uint8(s))
}

type dhcpMessageType uint8

const (
	dhcpDiscover dhcpMessageType = 1
	dhcpOffer    dhcpMessageType = 2
	dhcpRequest  dhcpMessageType = 3
	dhcpDecline  dhcpMessageType = 4
	dhcpAck      dhcpMessageType = 5
	dhcpNak      dhcpMessageType = 6
	dhcpRelease  dhcpMessageType = 7
)

func (t dhcpMessageType) String() string {
	switch t {
	case dhcpDiscover:
		return "discover"
	case dhcpOffer:
		return "offer"
	case dhcpRequest:
		return "request"
	case dhcpDecline:
		return "decline"
	case dhcpAck:
		return "ack"
	case dhcpNak:
		return "nak"
	case dhcpRelease:
		return "release"
	}
	return fmt.Sprintf("unknown dhcp message type %d", uint8(t))
}

// DHCP option codes we produce or consume.
const (
	dhcpOptPad         = 0
	dhcpOptSubnetMask  = 1
	dhcpOptRouter      = 3
	dhcpOptDNSServer   = 6
	dhcpOptRequestedIP = 50
	dhcpOptMessageType = 53
	dhcpOptServerID    = 54
	dhcpOptParamList   = 55
	dhcpOptEnd         = 255
)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	// dhcpFixedLen is the BOOTP fixed portion before the options area.
	dhcpFixedLen = 236
	// dhcpOptionsLen sizes the options area; the full message is 548 bytes.
	dhcpOptionsLen = 312
	dhcpMessageLen = dhcpFixedLen + dhcpOptionsLen

	dhcpBootRequest = 1
	dhcpBootReply   = 2

	// dhcpXID is the fixed transaction ID used for the whole exchange.
	dhcpXID uint32 = 0x12345678

	// dhcpRetryTicks is the default discover retry cadence.
	dhcpRetryTicks = 30000
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

// dhcpPoll drives the retry timer from the main Poll loop: kick off a
// discover on the first tick and again every retry interval while still
// unconfigured.
func (s *Stack) dhcpPoll() {
	if s.opts.DisableDHCP || s.cfg.Configured || s.dhcpState == dhcpStateConfigured {
		return
	}
	if s.dhcpState == dhcpStateIdle || s.tick%s.opts.DHCPRetryTicks == 0 {
		s.sendDHCPDiscover()
	}
}

// buildDHCPMessage fills the BOOTP fixed portion shared by every client
// message. Options are appended by the caller starting at the magic cookie.
func (s *Stack) buildDHCPMessage() []byte {
	msg := make([]byte, dhcpMessageLen)
	msg[0] = dhcpBootRequest
	msg[1] = 1 // htype: Ethernet
	msg[2] = 6 // hlen
	msg[3] = 0 // hops
	binary.BigEndian.PutUint32(msg[4:8], dhcpXID)
	// secs left zero
	binary.BigEndian.PutUint16(msg[10:12], 0x8000) // broadcast flag
	mac := s.link.MACAddress()
	copy(msg[28:34], mac[:]) // chaddr
	copy(msg[dhcpFixedLen:], dhcpMagicCookie[:])
	return msg
}

func (s *Stack) sendDHCPDiscover() {
	if s.link == nil || !s.link.Available() {
		return
	}

	msg := s.buildDHCPMessage()
	opts := msg[dhcpFixedLen+4:]
	n := 0
	opts[n] = dhcpOptMessageType
	opts[n+1] = 1
	opts[n+2] = byte(dhcpDiscover)
	n += 3
	opts[n] = dhcpOptParamList
	opts[n+1] = 3
	opts[n+2] = dhcpOptSubnetMask
	opts[n+3] = dhcpOptRouter
	opts[n+4] = dhcpOptDNSServer
	n += 5
	opts[n] = dhcpOptEnd

	err := s.sendUDPFrame(broadcastMAC, [4]byte{}, broadcastIP,
		dhcpClientPort, dhcpServerPort, msg)
	if err != nil {
		s.log.Warn("dhcp: discover failed", "err", err)
		return
	}
	s.dhcpState = dhcpStateDiscovering
	s.log.Debug("dhcp: discover sent", "xid", fmt.Sprintf("0x%08x", dhcpXID))
}

func (s *Stack) sendDHCPRequest(serverIP [4]byte) {
	if s.link == nil || !s.link.Available() {
		return
	}

	msg := s.buildDHCPMessage()
	opts := msg[dhcpFixedLen+4:]
	n := 0
	opts[n] = dhcpOptMessageType
	opts[n+1] = 1
	opts[n+2] = byte(dhcpRequest)
	n += 3
	opts[n] = dhcpOptRequestedIP
	opts[n+1] = 4
	copy(opts[n+2:n+6], s.cfg.IP[:])
	n += 6
	opts[n] = dhcpOptServerID
	opts[n+1] = 4
	copy(opts[n+2:n+6], serverIP[:])
	n += 6
	opts[n] = dhcpOptEnd

	err := s.sendUDPFrame(broadcastMAC, [4]byte{}, broadcastIP,
		dhcpClientPort, dhcpServerPort, msg)
	if err != nil {
		s.log.Warn("dhcp: request failed", "err", err)
		return
	}
	s.log.Debug("dhcp: request sent", "requestedIP", ipString(s.cfg.IP))
}

// handleDHCP processes a server reply delivered on the 67->68 port pair.
func (s *Stack) handleDHCP(data []byte) {
	if len(data) < dhcpFixedLen+4 {
		return
	}

	xid := binary.BigEndian.Uint32(data[4:8])
	if xid != dhcpXID {
		if DEBUG {
			s.log.Debug("dhcp: drop reply with foreign xid", "xid", fmt.Sprintf("0x%08x", xid))
		}
		return
	}

	var yiaddr [4]byte
	copy(yiaddr[:], data[16:20])

	// Walk the options area. Offered subnet/router/DNS are applied to the
	// config directly; the message type and server ID drive the transition.
	opts := data[dhcpFixedLen:]
	if len(opts) < 4 || [4]byte(opts[:4]) != dhcpMagicCookie {
		return
	}
	opts = opts[4:]

	var msgType dhcpMessageType
	var serverIP [4]byte
	maxOpts := 50
	for i := 0; i < len(opts) && opts[i] != dhcpOptEnd && maxOpts > 0; maxOpts-- {
		opt := opts[i]
		i++
		if opt == dhcpOptPad {
			continue
		}
		if i >= len(opts) {
			break
		}
		optLen := int(opts[i])
		i++
		if i+optLen > len(opts) {
			break
		}
		val := opts[i : i+optLen]
		i += optLen

		switch opt {
		case dhcpOptMessageType:
			if optLen >= 1 {
				msgType = dhcpMessageType(val[0])
			}
		case dhcpOptSubnetMask:
			if optLen == 4 {
				copy(s.cfg.Subnet[:], val)
			}
		case dhcpOptRouter:
			if optLen >= 4 {
				copy(s.cfg.Gateway[:], val)
			}
		case dhcpOptDNSServer:
			if optLen >= 4 {
				copy(s.cfg.DNS[:], val)
			}
		case dhcpOptServerID:
			if optLen == 4 {
				copy(serverIP[:], val)
			}
		}
	}

	switch {
	case msgType == dhcpOffer && s.dhcpState == dhcpStateDiscovering:
		s.cfg.IP = yiaddr
		s.dhcpState = dhcpStateRequesting
		s.log.Debug("dhcp: offer received",
			"offeredIP", ipString(yiaddr),
			"serverIP", ipString(serverIP))
		s.sendDHCPRequest(serverIP)

	case msgType == dhcpAck && s.dhcpState == dhcpStateRequesting:
		s.cfg.IP = yiaddr
		s.cfg.Configured = true
		s.dhcpState = dhcpStateConfigured
		s.log.Info("dhcp: configured",
			"ip", ipString(s.cfg.IP),
			"subnet", ipString(s.cfg.Subnet),
			"gateway", ipString(s.cfg.Gateway),
			"dns", ipString(s.cfg.DNS))
	}
}
