package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Config selects which exchanges the demo runs and how the guest comes up.
type Config struct {
	// GuestMAC is the guest's hardware address, e.g. "02:00:00:00:00:02".
	GuestMAC string `yaml:"guest_mac"`
	// Static skips DHCP and applies the gateway's lease directly.
	Static bool `yaml:"static"`

	Ping    bool   `yaml:"ping"`
	Resolve string `yaml:"resolve"`
	HTTPGet string `yaml:"http_get"`
	WSEcho  string `yaml:"ws_echo"`

	// Pcap, when set, streams every guest frame to this file.
	Pcap     string `yaml:"pcap"`
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		GuestMAC: "02:00:00:00:00:02",
		Ping:     true,
		Resolve:  "server.test",
		HTTPGet:  "http://server.test:8080/hello",
		WSEcho:   "ws://10.0.2.2:8081/echo",
		LogLevel: "info",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) guestMAC() ([6]byte, error) {
	hw, err := net.ParseMAC(c.GuestMAC)
	if err != nil || len(hw) != 6 {
		return [6]byte{}, fmt.Errorf("bad guest_mac %q", c.GuestMAC)
	}
	var mac [6]byte
	copy(mac[:], hw)
	return mac, nil
}

func (c Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
