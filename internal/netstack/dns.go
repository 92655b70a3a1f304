package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// DNS resolver: single-question A-record queries with timeout/retry.
//
// Only one query is watched at a time. Starting a second resolution while
// one is pending orphans correlation for the first; its poll eventually
// times out.
////////////////////////////////////////////////////////////////////////////////

const (
	dnsPort = 53

	// dnsClientPort is the fixed source port for every query.
	dnsClientPort = 12345

	dnsTimeoutTicks    = 30000
	dnsFirstRetryTicks = 1000
	dnsRetryTicks      = 500

	dnsMaxHostname = 63
)

// QueryState is the lifecycle of a Query.
type QueryState int

const (
	QueryIdle QueryState = iota
	QueryPending
	QueryDone
	QueryError
)

func (q QueryState) String() string {
	switch q {
	case QueryIdle:
		return "idle"
	case QueryPending:
		return "pending"
	case QueryDone:
		return "done"
	case QueryError:
		return "error"
	}
	return fmt.Sprintf("unknown query state %d", int(q))
}

// Query is a caller-owned resolution. Drive it with ResolveStart and
// ResolvePoll; on QueryDone the address is in ResultIP.
type Query struct {
	State    QueryState
	ResultIP [4]byte

	id          uint16
	timeoutTick uint32
	retryTick   uint32
	hostname    string
}

// dnsServerAddr picks the DHCP-supplied server, falling back to the
// configured default (QEMU's 10.0.2.3 unless overridden).
func (s *Stack) dnsServerAddr() [4]byte {
	if s.cfg.DNS != ([4]byte{}) {
		return s.cfg.DNS
	}
	return s.opts.DNSFallbackServer
}

// buildDNSQuery encodes a single-question A/IN query with recursion desired.
func buildDNSQuery(id uint16, hostname string) []byte {
	buf := make([]byte, 0, 12+len(hostname)+2+4)

	var hdr [12]byte
	binary.BigEndian.PutUint16(hdr[0:2], id)
	hdr[2] = 0x01                           // RD
	binary.BigEndian.PutUint16(hdr[4:6], 1) // QDCOUNT
	buf = append(buf, hdr[:]...)

	// Hostname in label format.
	start := 0
	for i := 0; i <= len(hostname); i++ {
		if i == len(hostname) || hostname[i] == '.' {
			label := hostname[start:i]
			if len(label) > 0 && len(label) < 64 {
				buf = append(buf, byte(len(label)))
				buf = append(buf, label...)
			}
			start = i + 1
		}
	}
	buf = append(buf, 0)

	buf = append(buf, 0x00, 0x01) // QTYPE = A
	buf = append(buf, 0x00, 0x01) // QCLASS = IN
	return buf
}

// ResolveStart begins resolving hostname, arming the absolute timeout and
// the first retry timer. The query becomes the stack's active query.
func (s *Stack) ResolveStart(q *Query, hostname string) {
	if len(hostname) > dnsMaxHostname {
		hostname = hostname[:dnsMaxHostname]
	}

	q.State = QueryPending
	q.id = s.queryIDCounter
	s.queryIDCounter++
	q.timeoutTick = s.tick + dnsTimeoutTicks
	q.retryTick = s.tick + dnsFirstRetryTicks
	q.ResultIP = [4]byte{}
	q.hostname = hostname

	s.sendDNSQuery(q)
	s.activeQuery = q

	s.log.Debug("dns: resolve start",
		"hostname", hostname,
		"id", q.id,
		"server", ipString(s.dnsServerAddr()))
}

func (s *Stack) sendDNSQuery(q *Query) {
	payload := buildDNSQuery(q.id, q.hostname)
	if err := s.SendUDP(s.dnsServerAddr(), dnsClientPort, dnsPort, payload); err != nil {
		s.log.Warn("dns: query send failed", "err", err)
	}
}

// ResolvePoll advances a pending query: past the absolute deadline it fails,
// past the retry timer the identical query is resent on a 500-tick cadence.
func (s *Stack) ResolvePoll(q *Query) QueryState {
	if q.State == QueryPending {
		if s.tick > q.timeoutTick {
			q.State = QueryError
			s.log.Debug("dns: resolve timeout", "hostname", q.hostname, "id", q.id)
		} else if s.tick > q.retryTick {
			s.sendDNSQuery(q)
			q.retryTick = s.tick + dnsRetryTicks
		}
	}
	return q.State
}

// handleDNSResponse is invoked from the UDP dispatch for datagrams sourced
// from port 53. Structural mismatches fail the query; a foreign ID leaves
// it pending.
func (s *Stack) handleDNSResponse(data []byte) {
	if len(data) < 12 {
		return
	}
	q := s.activeQuery
	if q == nil || q.State != QueryPending {
		return
	}

	id := binary.BigEndian.Uint16(data[0:2])
	if id != q.id {
		if DEBUG {
			s.log.Debug("dns: drop response with foreign id", "id", id, "want", q.id)
		}
		return
	}

	flags := binary.BigEndian.Uint16(data[2:4])
	if flags&0x8000 == 0 {
		return // not a response
	}
	if flags&0x000f != 0 {
		q.State = QueryError
		s.log.Debug("dns: response rcode error", "rcode", flags&0x000f)
		return
	}

	ancount := binary.BigEndian.Uint16(data[6:8])
	if ancount == 0 {
		q.State = QueryError
		return
	}

	// Skip the question section, handling the 0xC0 compression-pointer form.
	p := 12
	for p < len(data) && data[p] != 0 {
		if data[p]&0xc0 == 0xc0 {
			p += 2
			break
		}
		p += int(data[p]) + 1
	}
	if p < len(data) && data[p] == 0 {
		p++
	}
	p += 4 // QTYPE and QCLASS

	// First answer only.
	if p+12 > len(data) {
		return
	}
	if data[p]&0xc0 == 0xc0 {
		p += 2
	} else {
		for p < len(data) && data[p] != 0 {
			p += int(data[p]) + 1
		}
		if p < len(data) && data[p] == 0 {
			p++
		}
	}
	if p+10 > len(data) {
		return
	}

	atype := binary.BigEndian.Uint16(data[p : p+2])
	rdlen := binary.BigEndian.Uint16(data[p+8 : p+10])
	p += 10 // TYPE, CLASS, TTL, RDLENGTH

	if atype == 1 && rdlen == 4 && p+4 <= len(data) {
		copy(q.ResultIP[:], data[p:p+4])
		q.State = QueryDone
		s.log.Debug("dns: resolved", "hostname", q.hostname, "ip", ipString(q.ResultIP))
	} else {
		q.State = QueryError
	}
}
