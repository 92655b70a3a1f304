package netstack

import (
	"encoding/binary"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// takeDNSQuery pops the next outbound frame and decodes it as a DNS query
// using a real DNS library, cross-checking our hand-rolled encoder.
func takeDNSQuery(tb testing.TB, link *testLink) *dns.Msg {
	tb.Helper()
	h := mustIPv4(tb, link.takeFrame(tb))
	require.Equal(tb, udpProtocolNumber, h.protocol)
	require.Equal(tb, testDNSIP, h.dst)

	udp := h.payload
	require.Equal(tb, uint16(dnsClientPort), binary.BigEndian.Uint16(udp[0:2]))
	require.Equal(tb, uint16(dnsPort), binary.BigEndian.Uint16(udp[2:4]))

	msg := new(dns.Msg)
	require.NoError(tb, msg.Unpack(udp[udpHeaderLen:]), "query does not parse")
	return msg
}

// pushDNSReply packs msg with the DNS library and delivers it as a
// datagram from the configured server.
func pushDNSReply(tb testing.TB, link *testLink, msg *dns.Msg) {
	tb.Helper()
	packed, err := msg.Pack()
	require.NoError(tb, err)
	link.push(buildUDPFrameIn(testDNSIP, dnsPort, dnsClientPort, packed))
}

func TestResolveRoundTrip(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	var q Query
	s.ResolveStart(&q, "example.com")
	require.Equal(t, QueryPending, q.State)

	query := takeDNSQuery(t, link)
	require.Equal(t, q.id, query.Id)
	require.True(t, query.RecursionDesired)
	require.Len(t, query.Question, 1)
	require.Equal(t, "example.com.", query.Question[0].Name)
	require.Equal(t, dns.TypeA, query.Question[0].Qtype)
	require.Equal(t, dns.ClassINET, int(query.Question[0].Qclass))

	reply := new(dns.Msg)
	reply.SetReply(query)
	rr, err := dns.NewRR("example.com. 300 IN A 93.184.216.34")
	require.NoError(t, err)
	reply.Answer = append(reply.Answer, rr)
	pushDNSReply(t, link, reply)
	s.Poll()

	require.Equal(t, QueryDone, s.ResolvePoll(&q))
	require.Equal(t, [4]byte{93, 184, 216, 34}, q.ResultIP)
}

func TestResolveCompressedAnswer(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	var q Query
	s.ResolveStart(&q, "compressed.example.com")
	query := takeDNSQuery(t, link)

	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Compress = true
	rr, err := dns.NewRR("compressed.example.com. 300 IN A 10.1.2.3")
	require.NoError(t, err)
	reply.Answer = append(reply.Answer, rr)
	pushDNSReply(t, link, reply)
	s.Poll()

	require.Equal(t, QueryDone, q.State)
	require.Equal(t, [4]byte{10, 1, 2, 3}, q.ResultIP)
}

func TestResolveServerFailure(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	var q Query
	s.ResolveStart(&q, "broken.example")
	query := takeDNSQuery(t, link)

	reply := new(dns.Msg)
	reply.SetRcode(query, dns.RcodeServerFailure)
	pushDNSReply(t, link, reply)
	s.Poll()

	require.Equal(t, QueryError, q.State)
}

func TestResolveNoAnswersFails(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	var q Query
	s.ResolveStart(&q, "empty.example")
	query := takeDNSQuery(t, link)

	reply := new(dns.Msg)
	reply.SetReply(query)
	pushDNSReply(t, link, reply)
	s.Poll()

	require.Equal(t, QueryError, q.State)
}

func TestResolveForeignIDStaysPending(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	var q Query
	s.ResolveStart(&q, "example.com")
	query := takeDNSQuery(t, link)

	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Id = query.Id + 1
	rr, err := dns.NewRR("example.com. 300 IN A 10.9.9.9")
	require.NoError(t, err)
	reply.Answer = append(reply.Answer, rr)
	pushDNSReply(t, link, reply)
	s.Poll()

	require.Equal(t, QueryPending, q.State)
	require.Equal(t, [4]byte{}, q.ResultIP)
}

func TestResolveRetryAndTimeout(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	var q Query
	s.ResolveStart(&q, "slow.example")
	link.drain()

	// Crossing the retry timer resends the identical query.
	s.tick = q.retryTick + 1
	require.Equal(t, QueryPending, s.ResolvePoll(&q))
	retry := takeDNSQuery(t, link)
	require.Equal(t, q.id, retry.Id)
	require.Equal(t, s.tick+dnsRetryTicks, q.retryTick)

	// Crossing the absolute deadline fails the query.
	s.tick = q.timeoutTick + 1
	require.Equal(t, QueryError, s.ResolvePoll(&q))
}

func TestResolveTruncatesLongHostname(t *testing.T) {
	s, link := newTestStack(t)
	seedGatewayARP(s)

	long := ""
	for i := 0; i < 10; i++ {
		long += "0123456789"
	}

	var q Query
	s.ResolveStart(&q, long)
	require.Len(t, q.hostname, dnsMaxHostname)
	link.drain()
}

func TestDNSServerFallback(t *testing.T) {
	s := New(testLogger(), Options{DisableDHCP: true})
	s.AttachLink(&testLink{mac: testGuestMAC})
	s.ConfigureStatic(testGuestIP, testSubnet, testGatewayIP, [4]byte{})

	require.Equal(t, [4]byte{10, 0, 2, 3}, s.dnsServerAddr())

	s.cfg.DNS = [4]byte{192, 168, 1, 1}
	require.Equal(t, [4]byte{192, 168, 1, 1}, s.dnsServerAddr())
}
