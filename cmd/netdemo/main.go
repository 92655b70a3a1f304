// netdemo runs the guest network stack against the in-process gateway
// simulator over an in-memory link: DHCP (or static) bring-up, a gateway
// ping, DNS resolution, an HTTP request and a WebSocket echo, each driven
// by the stack's poll loop the way emulator firmware would drive it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/websocket"

	"github.com/tinyosdev/netstack/internal/hostsim"
	"github.com/tinyosdev/netstack/internal/netstack"
)

func ipStr(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// waitFor polls the stack until cond holds, yielding between steps so the
// gateway's server goroutines get to run.
func waitFor(s *netstack.Stack, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New("timed out")
		}
		s.Poll()
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

func startServers(gw *hostsim.Gateway, logger *slog.Logger) (func(), error) {
	httpLn, err := gw.Listen(8080)
	if err != nil {
		return nil, fmt.Errorf("listen 8080: %w", err)
	}
	httpSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info("server: http request", "method", r.Method, "path", r.URL.Path)
		fmt.Fprintf(w, "hello from the gateway, you asked for %s\n", r.URL.Path)
	})}
	go httpSrv.Serve(httpLn)

	wsLn, err := gw.Listen(8081)
	if err != nil {
		httpSrv.Close()
		return nil, fmt.Errorf("listen 8081: %w", err)
	}
	// The guest sends no Origin header, so skip the origin check.
	echo := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: websocket.Handler(func(conn *websocket.Conn) {
			io.Copy(conn, conn)
		}),
	}
	mux := http.NewServeMux()
	mux.Handle("/echo", echo)
	wsSrv := &http.Server{Handler: mux}
	go wsSrv.Serve(wsLn)

	return func() {
		httpSrv.Close()
		wsSrv.Close()
	}, nil
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config; defaults run every exchange")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			return err
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))

	mac, err := cfg.guestMAC()
	if err != nil {
		return err
	}

	gw := hostsim.New(logger, hostsim.Options{})
	defer gw.Close()

	stopServers, err := startServers(gw, logger)
	if err != nil {
		return err
	}
	defer stopServers()

	if cfg.Resolve != "" {
		gw.AddHostRecord(cfg.Resolve, gw.HostIP())
		if err := gw.StartDNS(); err != nil {
			return fmt.Errorf("start dns: %w", err)
		}
	}

	s := netstack.New(logger, netstack.Options{DisableDHCP: cfg.Static})
	s.AttachLink(gw.NewLink(mac))

	if cfg.Pcap != "" {
		f, err := os.Create(cfg.Pcap)
		if err != nil {
			return fmt.Errorf("create pcap: %w", err)
		}
		defer f.Close()
		if err := s.OpenPacketCapture(f); err != nil {
			return err
		}
		logger.Info("pcap capture enabled", "path", cfg.Pcap)
	}

	if cfg.Static {
		s.ConfigureStatic(gw.LeaseIP(), [4]byte{255, 255, 255, 0}, gw.HostIP(), gw.DNSIP())
	} else if err := waitFor(s, 10*time.Second, func() bool {
		return s.Config().Configured
	}); err != nil {
		return fmt.Errorf("dhcp: %w", err)
	}

	nc := s.Config()
	logger.Info("guest configured",
		"ip", ipStr(nc.IP),
		"gateway", ipStr(nc.Gateway),
		"dns", ipStr(nc.DNS))

	if cfg.Ping {
		if err := runPing(s, logger); err != nil {
			return err
		}
	}
	if cfg.Resolve != "" {
		if err := runResolve(s, logger, cfg.Resolve); err != nil {
			return err
		}
	}
	if cfg.HTTPGet != "" {
		if err := runHTTPGet(s, logger, cfg.HTTPGet); err != nil {
			return err
		}
	}
	if cfg.WSEcho != "" {
		if err := runWSEcho(s, logger, cfg.WSEcho); err != nil {
			return err
		}
	}
	return nil
}

func runPing(s *netstack.Stack, logger *slog.Logger) error {
	// The first echo usually resolves the gateway MAC and gets dropped;
	// keep retrying until a reply lands.
	deadline := time.Now().Add(5 * time.Second)
	for s.PingStatus().Received == 0 {
		if time.Now().After(deadline) {
			return errors.New("ping: no reply from gateway")
		}
		if err := s.PingGateway(); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		for i := 0; i < 10; i++ {
			s.Poll()
		}
		time.Sleep(50 * time.Microsecond)
	}
	logger.Info("ping reply from gateway", "rtt_ticks", s.PingStatus().LastRTT)
	return nil
}

func runResolve(s *netstack.Stack, logger *slog.Logger, name string) error {
	var q netstack.Query
	s.ResolveStart(&q, name)

	err := waitFor(s, 10*time.Second, func() bool {
		return s.ResolvePoll(&q) != netstack.QueryPending
	})
	if err != nil {
		return fmt.Errorf("resolve %s: %w", name, err)
	}
	if q.State != netstack.QueryDone {
		return fmt.Errorf("resolve %s failed", name)
	}
	logger.Info("resolved", "name", name, "ip", ipStr(q.ResultIP))
	return nil
}

func runHTTPGet(s *netstack.Stack, logger *slog.Logger, rawURL string) error {
	var req netstack.Request
	if err := s.HTTPStart(&req, netstack.MethodGet, rawURL, nil); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer s.HTTPClose(&req)

	err := waitFor(s, 10*time.Second, func() bool {
		st := s.HTTPPoll(&req)
		return st == netstack.HTTPDone || st == netstack.HTTPError
	})
	if err != nil {
		return fmt.Errorf("http %s: %w", rawURL, err)
	}
	if req.State != netstack.HTTPDone {
		return fmt.Errorf("http %s failed", rawURL)
	}
	logger.Info("http response",
		"url", rawURL,
		"status", req.Response.StatusCode,
		"bytes", len(req.Response.Body))
	fmt.Printf("%s", req.Response.Body)
	return nil
}

func runWSEcho(s *netstack.Stack, logger *slog.Logger, rawURL string) error {
	var ws netstack.WebSocket
	if err := s.WSConnect(&ws, rawURL); err != nil {
		return fmt.Errorf("ws: %w", err)
	}
	defer s.WSClose(&ws)

	err := waitFor(s, 10*time.Second, func() bool {
		return s.WSPoll(&ws) == netstack.WSOpen
	})
	if err != nil {
		return fmt.Errorf("ws %s: %w", rawURL, err)
	}

	const message = "hello over websocket"
	if err := s.WSSendText(&ws, message); err != nil {
		return fmt.Errorf("ws send: %w", err)
	}

	err = waitFor(s, 10*time.Second, func() bool {
		s.WSPoll(&ws)
		return s.WSMessageReady(&ws)
	})
	if err != nil {
		return fmt.Errorf("ws echo: %w", err)
	}

	var buf [256]byte
	n := s.WSReadMessage(&ws, buf[:])
	logger.Info("websocket echo", "sent", message, "received", string(buf[:n]))
	if string(buf[:n]) != message {
		return errors.New("ws echo mismatch")
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "netdemo: %v\n", err)
		os.Exit(1)
	}
}
