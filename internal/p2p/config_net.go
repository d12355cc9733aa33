package p2p

import (
	"errors"
	"os"
	"strings"
	"time"
)

// NetConfig carries runtime options for the libp2p transport.
type NetConfig struct {
	Listen        []string      // multiaddrs to listen on; empty => client only, no listener
	NAT           bool          // enable NAT port mapping if available
	IdentityFile  string        // libp2p private key; generated on first start when missing
	DialTimeout   time.Duration // bound on connect + stream open
	StreamTimeout time.Duration // bound on one frame exchange
	MaxInflight   int64         // concurrent inbound requests; 0 => unlimited
}

func DefaultNetConfig() NetConfig {
	return NetConfig{DialTimeout: 5 * time.Second, StreamTimeout: 30 * time.Second, MaxInflight: 64}
}

func (c NetConfig) Validate() error {
	if c.DialTimeout < 0 || c.StreamTimeout < 0 {
		return errors.New("negative timeout")
	}
	if c.MaxInflight < 0 {
		return errors.New("negative max inflight")
	}
	for _, l := range c.Listen {
		if strings.TrimSpace(l) == "" {
			return errors.New("empty listen address")
		}
	}
	return nil
}

// ParseBootnodes accepts a comma separated list or the path of a file with
// one address per line.
func ParseBootnodes(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var parts []string
	if fi, err := os.Stat(s); err == nil && !fi.IsDir() {
		if b, err := os.ReadFile(s); err == nil {
			parts = strings.Split(string(b), "\n")
		}
	} else {
		parts = strings.Split(s, ",")
	}
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && !strings.HasPrefix(p, "#") {
			out = append(out, p)
		}
	}
	return out
}
