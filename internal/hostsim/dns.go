package hostsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

////////////////////////////////////////////////////////////////////////////////
// DNS responder: serves A records out of a static host map over the
// gateway's UDP port 53.
////////////////////////////////////////////////////////////////////////////////

type dnsServer struct {
	server     *dns.Server
	packetConn net.PacketConn
}

// AddHostRecord maps name to an address served to A queries. Safe to call
// while the responder is running.
func (g *Gateway) AddHostRecord(name string, ip [4]byte) {
	key := strings.TrimSuffix(strings.ToLower(name), ".")
	g.dnsMu.Lock()
	g.dnsRecords[key] = ip
	g.dnsMu.Unlock()
}

func (g *Gateway) lookupHostRecord(name string) ([4]byte, bool) {
	key := strings.TrimSuffix(strings.ToLower(name), ".")
	g.dnsMu.Lock()
	ip, ok := g.dnsRecords[key]
	g.dnsMu.Unlock()
	return ip, ok
}

// StartDNS binds UDP:53 on the DNS address and serves queries until Close.
func (g *Gateway) StartDNS() error {
	g.dnsMu.Lock()
	running := g.dnsServer != nil
	g.dnsMu.Unlock()
	if running {
		return nil
	}

	packetConn, err := g.ListenPacket(g.dnsIP, 53)
	if err != nil {
		return fmt.Errorf("listen udp port 53: %w", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", g.handleDNSRequest)

	srv := &dnsServer{
		server: &dns.Server{
			Addr:       ":53",
			Net:        "udp",
			Handler:    mux,
			PacketConn: packetConn,
		},
		packetConn: packetConn,
	}

	g.dnsMu.Lock()
	g.dnsServer = srv
	g.dnsMu.Unlock()

	go func() {
		if err := srv.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			g.log.Error("sim: dns server exited", "err", err)
		}
	}()
	return nil
}

func (g *Gateway) stopDNS() {
	g.dnsMu.Lock()
	srv := g.dnsServer
	g.dnsServer = nil
	g.dnsMu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = srv.server.ShutdownContext(ctx)
	_ = srv.packetConn.Close()
}

func (g *Gateway) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, ok := g.lookupHostRecord(q.Name)
		if !ok {
			g.log.Debug("sim: dns unknown name", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ipString(ip)))
		if err != nil {
			g.log.Debug("sim: dns create rr", "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	_ = w.WriteMsg(m)
}
