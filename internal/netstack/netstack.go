// Package netstack implements a tiny, poll-driven guest-side network stack
// for an emulated VM.
//
// The goals are:
//   - Minimal correctness for ARP, IPv4, ICMP, UDP, a DHCP client, a DNS
//     A-record resolver, and a client-only TCP subset sufficient for plain
//     HTTP and WebSocket connections.
//   - Strictly non-blocking operation: every Poll performs one bounded unit
//     of work and returns. Time is a tick counter advanced once per Poll.
//   - All state on a single Stack struct; no package-level mutable state.
//
// Notes and limitations:
//   - No IPv6 support.
//   - No IP fragmentation/reassembly.
//   - TCP is active-open only: no listen, no data retransmission, no
//     congestion control, no options beyond the fixed 20-byte header.
//   - ARP cache entries never expire; on overflow slot 0 is replaced.
//   - The stack is not safe for concurrent use. All calls, including the
//     HTTP/WebSocket helpers, must come from the same goroutine that calls
//     Poll.
package netstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/tinyosdev/netstack/internal/pcap"
)

////////////////////////////////////////////////////////////////////////////////
// Top-level constants and protocol numbers.
////////////////////////////////////////////////////////////////////////////////

// Debug toggle. When true, emits verbose logs from key code paths.
const DEBUG = false

type etherType uint16

// EtherTypes we care about.
const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeARP:
		return "arp"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

// Basic protocol numbers for IPv4's Protocol field.
const (
	icmpProtocolNumber protocolNumber = 1
	tcpProtocolNumber  protocolNumber = 6
	udpProtocolNumber  protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case icmpProtocolNumber:
		return "icmp"
	case tcpProtocolNumber:
		return "tcp"
	case udpProtocolNumber:
		return "udp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

// ARP constants (Ethernet + IPv4).
const (
	arpHardwareEthernet = 1
	arpProtoIPv4        = 0x0800
	arpOpRequest        = 1
	arpOpReply          = 2
)

// Header sizes (bytes).
const (
	ethernetHeaderLen = 14
	arpPacketLen      = 28
	ipv4HeaderLen     = 20
	icmpHeaderLen     = 8
	udpHeaderLen      = 8
	tcpHeaderLen      = 20
)

const arpCacheSize = 8

// maxFrameLen bounds both the receive scratch buffer and outbound frames.
const maxFrameLen = 2048

var (
	broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	broadcastIP  = [4]byte{255, 255, 255, 255}
)

// Sentinel errors surfaced at the API boundary. In-stack protocol problems
// are dropped and logged instead; the caller's own timeout is the recovery
// path for those.
var (
	ErrNotConfigured      = errors.New("netstack: network not configured")
	ErrNoFreeConn         = errors.New("netstack: no free tcp connection slot")
	ErrClosed             = errors.New("netstack: connection closed")
	ErrTooLarge           = errors.New("netstack: payload too large")
	ErrUnsupportedScheme  = errors.New("netstack: unsupported url scheme")
	ErrHostNotIPv4Literal = errors.New("netstack: host is not an ipv4 literal")
	ErrNoLink             = errors.New("netstack: no link attached")
)

////////////////////////////////////////////////////////////////////////////////
// Link collaborator.
////////////////////////////////////////////////////////////////////////////////

// Link is the raw frame transport the stack drives. A virtio-net device
// would satisfy this; tests use an in-memory implementation.
//
// Receive copies at most one frame into buf and returns its length, or 0
// when nothing is pending. Poll performs interrupt-ack style housekeeping
// and must not block.
type Link interface {
	Available() bool
	Send(frame []byte) error
	Receive(buf []byte) int
	MACAddress() [6]byte
	Poll()
}

////////////////////////////////////////////////////////////////////////////////
// Stack: central struct owning configuration and all protocol state.
////////////////////////////////////////////////////////////////////////////////

// NetworkConfig is the addressing state acquired via DHCP or set statically.
type NetworkConfig struct {
	IP      [4]byte
	Subnet  [4]byte
	Gateway [4]byte
	DNS     [4]byte

	Configured bool
}

// PingStatus tracks ICMP echo diagnostics for the gateway ping helper.
type PingStatus struct {
	Sent     uint32
	Received uint32
	LastRTT  uint32 // ticks between request and reply
}

type arpEntry struct {
	ip    [4]byte
	mac   [6]byte
	valid bool
}

// Options tunes stack behaviour. The zero value picks defaults matching the
// emulated QEMU user network.
type Options struct {
	// DHCPRetryTicks is the discover retry cadence while unconfigured.
	DHCPRetryTicks uint32
	// DNSFallbackServer is used when DHCP supplied no DNS server.
	DNSFallbackServer [4]byte
	// DisableDHCP skips the DHCP state machine entirely; the caller is
	// expected to use ConfigureStatic.
	DisableDHCP bool
	// RandSeed seeds initial sequence numbers and WebSocket masking keys.
	// Zero means seed from the clock.
	RandSeed int64
}

// Stack is the guest-side network stack. Not safe for concurrent use.
type Stack struct {
	log  *slog.Logger
	opts Options

	link Link

	cfg       NetworkConfig
	dhcpState dhcpState

	arpCache [arpCacheSize]arpEntry

	ping         PingStatus
	pingSeq      uint16
	pingSentTick uint32

	// tick advances once per Poll and is the stack's only clock.
	tick uint32

	activeQuery    *Query
	queryIDCounter uint16

	conns         [maxTCPConns]tcpConn
	nextLocalPort uint16

	randSource *rand.Rand

	packetDump *pcap.Writer

	rxBuf [maxFrameLen]byte
}

// New constructs a Stack with defaults filled in.
func New(l *slog.Logger, opts Options) *Stack {
	if opts.DHCPRetryTicks == 0 {
		opts.DHCPRetryTicks = dhcpRetryTicks
	}
	if opts.DNSFallbackServer == ([4]byte{}) {
		opts.DNSFallbackServer = [4]byte{10, 0, 2, 3}
	}
	seed := opts.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Stack{
		log:            l,
		opts:           opts,
		cfg:            NetworkConfig{Subnet: [4]byte{255, 255, 255, 0}},
		queryIDCounter: 1,
		nextLocalPort:  firstLocalPort,
		randSource:     rand.New(rand.NewSource(seed)),
	}
	return s
}

// AttachLink binds the frame transport. Must be called before Poll does any
// useful work.
func (s *Stack) AttachLink(l Link) {
	s.link = l
}

// Config returns a snapshot of the current addressing state.
func (s *Stack) Config() NetworkConfig {
	return s.cfg
}

// ConfigureStatic installs a fixed address configuration and marks the stack
// configured, bypassing DHCP. The DHCP state machine is left idle.
func (s *Stack) ConfigureStatic(ip, subnet, gateway, dns [4]byte) {
	s.cfg = NetworkConfig{
		IP:         ip,
		Subnet:     subnet,
		Gateway:    gateway,
		DNS:        dns,
		Configured: true,
	}
	s.dhcpState = dhcpStateConfigured
	s.log.Info("net: static configuration",
		"ip", ipString(ip),
		"gateway", ipString(gateway),
		"dns", ipString(dns))
}

// Tick returns the current tick counter. Exposed for diagnostics.
func (s *Stack) Tick() uint32 {
	return s.tick
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture (pcap).
////////////////////////////////////////////////////////////////////////////////

// OpenPacketCapture enables streaming packet capture to the given writer.
// Every frame sent or received afterwards is recorded.
func (s *Stack) OpenPacketCapture(out io.Writer) error {
	writer := pcap.NewWriter(out)
	if err := writer.WriteFileHeader(maxFrameLen, pcap.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	s.packetDump = writer
	return nil
}

func (s *Stack) writePacketCapture(data []byte) {
	if s.packetDump == nil {
		return
	}
	if err := s.packetDump.WritePacket(pcap.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data); err != nil {
		s.log.Warn("pcap: write frame failed", "err", err)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Poll loop: the single entry point that advances every state machine.
////////////////////////////////////////////////////////////////////////////////

// Poll advances the stack by one step: one tick, at most one received frame,
// one TCP timeout sweep, and the DHCP retry timer. It never blocks.
func (s *Stack) Poll() {
	s.tick++

	if s.link == nil || !s.link.Available() {
		return
	}

	s.link.Poll()

	if n := s.link.Receive(s.rxBuf[:]); n > 0 {
		frame := s.rxBuf[:n]
		s.writePacketCapture(frame)
		s.handleEthernetFrame(frame)
	}

	s.tcpPoll()
	s.dhcpPoll()
}

// sendFrame transmits a prebuilt Ethernet frame on the link.
func (s *Stack) sendFrame(frame []byte) error {
	if s.link == nil {
		return ErrNoLink
	}
	s.writePacketCapture(frame)
	if err := s.link.Send(frame); err != nil {
		return fmt.Errorf("link send: %w", err)
	}
	return nil
}

// newFrame allocates an outbound frame and fills in the Ethernet header.
func (s *Stack) newFrame(dstMAC [6]byte, et etherType, payloadLen int) []byte {
	frame := make([]byte, ethernetHeaderLen+payloadLen)
	copy(frame[0:6], dstMAC[:])
	srcMAC := s.link.MACAddress()
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(et))
	return frame
}

////////////////////////////////////////////////////////////////////////////////
// Ethernet demux.
////////////////////////////////////////////////////////////////////////////////

func (s *Stack) handleEthernetFrame(frame []byte) {
	if len(frame) < ethernetHeaderLen {
		return
	}

	et := etherType(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[ethernetHeaderLen:]

	switch et {
	case etherTypeARP:
		if len(payload) >= arpPacketLen {
			s.handleARP(payload)
		}
	case etherTypeIPv4:
		if len(payload) >= ipv4HeaderLen {
			s.handleIPv4(payload)
		}
	default:
		if DEBUG {
			s.log.Debug("net: drop unsupported ethertype", "type", et.String())
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// ARP (Address Resolution Protocol): cache, requests, replies.
////////////////////////////////////////////////////////////////////////////////

// ARPLookup consults the cache. It never triggers a request by itself.
func (s *Stack) ARPLookup(ip [4]byte) ([6]byte, bool) {
	for i := range s.arpCache {
		e := &s.arpCache[i]
		if e.valid && e.ip == ip {
			return e.mac, true
		}
	}
	return [6]byte{}, false
}

// arpAdd inserts or refreshes a mapping. A full cache evicts slot 0.
func (s *Stack) arpAdd(ip [4]byte, mac [6]byte) {
	for i := range s.arpCache {
		e := &s.arpCache[i]
		if e.valid && e.ip == ip {
			e.mac = mac
			return
		}
	}
	for i := range s.arpCache {
		e := &s.arpCache[i]
		if !e.valid {
			*e = arpEntry{ip: ip, mac: mac, valid: true}
			return
		}
	}
	s.arpCache[0] = arpEntry{ip: ip, mac: mac, valid: true}
}

// SendARPRequest broadcasts a who-has request for target. The answer, when
// it arrives, lands in the cache; callers retry their own send later.
func (s *Stack) SendARPRequest(target [4]byte) error {
	if s.link == nil || !s.link.Available() {
		return ErrNoLink
	}

	frame := s.newFrame(broadcastMAC, etherTypeARP, arpPacketLen)
	payload := frame[ethernetHeaderLen:]

	binary.BigEndian.PutUint16(payload[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(payload[2:4], arpProtoIPv4)
	payload[4] = 6
	payload[5] = 4
	binary.BigEndian.PutUint16(payload[6:8], arpOpRequest)
	srcMAC := s.link.MACAddress()
	copy(payload[8:14], srcMAC[:])
	copy(payload[14:18], s.cfg.IP[:])
	// target MAC left zero
	copy(payload[24:28], target[:])

	return s.sendFrame(frame)
}

func (s *Stack) sendARPReply(dstMAC [6]byte, dstIP [4]byte) error {
	frame := s.newFrame(dstMAC, etherTypeARP, arpPacketLen)
	payload := frame[ethernetHeaderLen:]

	binary.BigEndian.PutUint16(payload[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(payload[2:4], arpProtoIPv4)
	payload[4] = 6
	payload[5] = 4
	binary.BigEndian.PutUint16(payload[6:8], arpOpReply)
	srcMAC := s.link.MACAddress()
	copy(payload[8:14], srcMAC[:])
	copy(payload[14:18], s.cfg.IP[:])
	copy(payload[18:24], dstMAC[:])
	copy(payload[24:28], dstIP[:])

	return s.sendFrame(frame)
}

func (s *Stack) handleARP(payload []byte) {
	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	hwSize := payload[4]
	protoSize := payload[5]
	op := binary.BigEndian.Uint16(payload[6:8])

	// We only speak Ethernet/IPv4.
	if hwType != arpHardwareEthernet || protoType != arpProtoIPv4 ||
		hwSize != 6 || protoSize != 4 {
		return
	}

	var senderMAC [6]byte
	var senderIP, targetIP [4]byte
	copy(senderMAC[:], payload[8:14])
	copy(senderIP[:], payload[14:18])
	copy(targetIP[:], payload[24:28])

	// Always learn from ARP packets, request or reply.
	s.arpAdd(senderIP, senderMAC)

	if op == arpOpRequest && s.cfg.Configured && targetIP == s.cfg.IP {
		if err := s.sendARPReply(senderMAC, senderIP); err != nil {
			s.log.Warn("arp: reply failed", "err", err)
		}
	}
}

// routeMAC resolves the next-hop MAC for any outbound IPv4 send. All
// non-broadcast traffic goes through the gateway; a cache miss issues an ARP
// request and reports false, dropping the send. The caller's retry timer is
// the recovery path.
func (s *Stack) routeMAC() ([6]byte, bool) {
	mac, ok := s.ARPLookup(s.cfg.Gateway)
	if !ok {
		if err := s.SendARPRequest(s.cfg.Gateway); err != nil {
			s.log.Warn("arp: request failed", "err", err)
		}
		return [6]byte{}, false
	}
	return mac, true
}

////////////////////////////////////////////////////////////////////////////////
// Shared helpers: checksums, address formatting.
////////////////////////////////////////////////////////////////////////////////

// checksum computes the ones'-complement 16-bit checksum used by IPv4, ICMP,
// UDP and TCP.
func checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderChecksum computes the IPv4 pseudo-header sum, combined with the
// transport segment checksum by checksumWithInitial.
func pseudoHeaderChecksum(src, dst [4]byte, protocol protocolNumber, length int) uint32 {
	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func ipString(ip [4]byte) string {
	return net.IP(ip[:]).String()
}

func macString(mac [6]byte) string {
	return net.HardwareAddr(mac[:]).String()
}

// parseIPv4Literal recognizes dotted-quad hosts so HTTP/WebSocket can skip
// DNS for literal addresses.
func parseIPv4Literal(host string) ([4]byte, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return [4]byte{}, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return [4]byte{}, false
	}
	var out [4]byte
	copy(out[:], ip4)
	return out, true
}
