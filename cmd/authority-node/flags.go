package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
)

const (
	configKey      = "config"
	roleKey        = "role"
	quorumKey      = "quorum"
	listenKey      = "listen"
	bootnodesKey   = "bootnodes"
	journalKey     = "journal"
	monitoringKey  = "monitoring"
	spentbookKey   = "spentbook"
	identityKey    = "identity"
	natKey         = "nat"
	maxInflightKey = "max-inflight"
	applyRateKey   = "apply-rate"
	cacheSizeKey   = "cache-size"
	dkgRetryKey    = "dkg-retry"
	logLevelKey    = "log-level"
	logFileKey     = "log-file"

	envPrefix = "AEQUA"
)

const (
	roleSpentbook = "spentbook"
	roleMint      = "mint"
)

type Config struct {
	Role        string
	Quorum      int
	Listen      []string
	Bootnodes   []wire.PeerAddress
	Journal     string
	Monitoring  string
	Spentbook   wire.PeerAddress
	Identity    string
	NAT         bool
	MaxInflight int64
	ApplyRate   float64
	CacheSize   int
	DKGRetry    time.Duration
	LogLevel    string
	LogFile     string
}

func (c Config) Validate() error {
	switch c.Role {
	case roleSpentbook:
		if c.Journal == "" {
			return errors.New("spentbook role needs --journal")
		}
	case roleMint:
		if c.Spentbook == "" {
			return errors.New("mint role needs --spentbook")
		}
	default:
		return fmt.Errorf("unknown role %q, want spentbook or mint", c.Role)
	}
	if c.Quorum < 1 {
		return errors.New("--quorum must be at least 1")
	}
	if len(c.Listen) == 0 {
		return errors.New("--listen is required")
	}
	return nil
}

func AddFlags(flags *pflag.FlagSet) {
	flags.String(configKey, "", "Optional config file (yaml, toml or json)")
	flags.String(roleKey, roleSpentbook, "Authority role: spentbook or mint")
	flags.Int(quorumKey, 3, "Peers needed before key generation starts")
	flags.StringSlice(listenKey, []string{"/ip4/0.0.0.0/tcp/31000"}, "Listen multiaddrs")
	flags.String(bootnodesKey, "", "Comma separated bootnode multiaddrs (with /p2p/) or path to a file")
	flags.String(journalKey, "data/journal.jsonl", "Request journal, spentbook role only")
	flags.String(monitoringKey, "127.0.0.1:4620", "Monitoring listen address, empty disables")
	flags.String(spentbookKey, "", "Spentbook bootstrap multiaddr, mint role only")
	flags.String(identityKey, "data/identity.key", "libp2p identity key file, created when missing")
	flags.Bool(natKey, false, "Enable NAT port mapping")
	flags.Int64(maxInflightKey, 64, "Concurrent inbound requests, 0 for unlimited")
	flags.Float64(applyRateKey, 0, "Accepted requests per second, 0 for unlimited")
	flags.Int(cacheSizeKey, 0, "Reply cache entries, 0 for default, negative disables")
	flags.Duration(dkgRetryKey, 2*time.Second, "Base delay between key generation re-sends")
	flags.String(logLevelKey, "info", "Log level: debug, info, warn or error")
	flags.String(logFileKey, "", "Optional log file, rotated")
}

// ParseFlags layers flags over AEQUA_* environment variables over the
// optional config file.
func ParseFlags(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	if f := v.GetString(configKey); f != "" {
		v.SetConfigFile(f)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", f, err)
		}
	}
	cfg := Config{
		Role:        strings.ToLower(v.GetString(roleKey)),
		Quorum:      v.GetInt(quorumKey),
		Listen:      v.GetStringSlice(listenKey),
		Journal:     v.GetString(journalKey),
		Monitoring:  v.GetString(monitoringKey),
		Spentbook:   wire.PeerAddress(strings.TrimSpace(v.GetString(spentbookKey))),
		Identity:    v.GetString(identityKey),
		NAT:         v.GetBool(natKey),
		MaxInflight: v.GetInt64(maxInflightKey),
		ApplyRate:   v.GetFloat64(applyRateKey),
		CacheSize:   v.GetInt(cacheSizeKey),
		DKGRetry:    v.GetDuration(dkgRetryKey),
		LogLevel:    v.GetString(logLevelKey),
		LogFile:     v.GetString(logFileKey),
	}
	for _, b := range p2p.ParseBootnodes(v.GetString(bootnodesKey)) {
		cfg.Bootnodes = append(cfg.Bootnodes, wire.PeerAddress(b))
	}
	return cfg, cfg.Validate()
}
