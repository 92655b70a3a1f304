package hostsim

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// DHCP server: a single fixed lease, DISCOVER->OFFER and REQUEST->ACK.
//
// Replies go to the broadcast address with the client's chaddr as the
// Ethernet destination; the guest has no address yet when it asks.
////////////////////////////////////////////////////////////////////////////////

const (
	dhcpFixedLen  = 236
	dhcpReplyLen  = 300
	dhcpServerPrt = 67
	dhcpClientPrt = 68

	dhcpTypeDiscover = 1
	dhcpTypeOffer    = 2
	dhcpTypeRequest  = 3
	dhcpTypeAck      = 5
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

func (g *Gateway) handleDHCP(data []byte) {
	if len(data) < dhcpFixedLen+4 {
		return
	}
	if data[0] != 1 { // BOOTREQUEST
		return
	}

	xid := binary.BigEndian.Uint32(data[4:8])
	var chaddr [6]byte
	copy(chaddr[:], data[28:34])

	opts := data[dhcpFixedLen:]
	if [4]byte(opts[:4]) != dhcpMagicCookie {
		return
	}
	opts = opts[4:]

	var msgType byte
	for i := 0; i < len(opts) && opts[i] != 255; {
		opt := opts[i]
		i++
		if opt == 0 {
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
		if opt == 53 && optLen >= 1 {
			msgType = opts[i]
		}
		i += optLen
	}

	switch msgType {
	case dhcpTypeDiscover:
		g.log.Debug("sim: dhcp discover",
			"xid", fmt.Sprintf("0x%08x", xid),
			"chaddr", fmt.Sprintf("%x", chaddr))
		g.sendDHCPReply(dhcpTypeOffer, xid, chaddr)
	case dhcpTypeRequest:
		g.log.Debug("sim: dhcp request",
			"xid", fmt.Sprintf("0x%08x", xid),
			"lease", ipString(g.lease.IP))
		g.sendDHCPReply(dhcpTypeAck, xid, chaddr)
	}
}

func (g *Gateway) sendDHCPReply(msgType byte, xid uint32, chaddr [6]byte) {
	msg := make([]byte, dhcpReplyLen)
	msg[0] = 2 // BOOTREPLY
	msg[1] = 1 // htype: Ethernet
	msg[2] = 6 // hlen
	binary.BigEndian.PutUint32(msg[4:8], xid)
	copy(msg[16:20], g.lease.IP[:]) // yiaddr
	copy(msg[20:24], g.hostIP[:])   // siaddr
	copy(msg[28:34], chaddr[:])
	copy(msg[dhcpFixedLen:], dhcpMagicCookie[:])

	opts := msg[dhcpFixedLen+4:]
	n := 0
	opts[n] = 53 // message type
	opts[n+1] = 1
	opts[n+2] = msgType
	n += 3
	opts[n] = 54 // server identifier
	opts[n+1] = 4
	copy(opts[n+2:n+6], g.hostIP[:])
	n += 6
	opts[n] = 51 // lease time
	opts[n+1] = 4
	binary.BigEndian.PutUint32(opts[n+2:n+6], g.lease.Seconds)
	n += 6
	opts[n] = 1 // subnet mask
	opts[n+1] = 4
	copy(opts[n+2:n+6], g.lease.Subnet[:])
	n += 6
	opts[n] = 3 // router
	opts[n+1] = 4
	copy(opts[n+2:n+6], g.hostIP[:])
	n += 6
	opts[n] = 6 // dns server
	opts[n+1] = 4
	copy(opts[n+2:n+6], g.dnsIP[:])
	n += 6
	opts[n] = 255

	err := g.sendDHCPDatagram(chaddr, msg)
	if err != nil {
		g.log.Warn("sim: dhcp reply failed", "err", err)
	}
}

// sendDHCPDatagram broadcasts a server reply to the client's hardware
// address on the 67->68 port pair.
func (g *Gateway) sendDHCPDatagram(chaddr [6]byte, payload []byte) error {
	return g.sendUDPDatagram(chaddr, g.hostIP, dhcpServerPrt, broadcastIP, dhcpClientPrt, payload)
}
