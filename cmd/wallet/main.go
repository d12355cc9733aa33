// Command wallet is an interactive DBC wallet talking to a spentbook group
// and a mint group.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/zmlAEQ/aequa-quorum/internal/client"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p"
	"github.com/zmlAEQ/aequa-quorum/internal/wallet"
	"github.com/zmlAEQ/aequa-quorum/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
)

const (
	walletFileKey = "wallet-file"
	encryptKey    = "encrypt"
	passphraseKey = "passphrase"
	collectKey    = "collect"
	timeoutKey    = "timeout"
	identityKey   = "identity"
	logLevelKey   = "log-level"
	logFileKey    = "log-file"
)

type Config struct {
	WalletFile string
	Encrypt    bool
	Passphrase string
	Collect    client.Policy
	Timeout    time.Duration
	Identity   string
	LogLevel   string
	LogFile    string
}

func AddFlags(flags *pflag.FlagSet) {
	flags.String(walletFileKey, "wallet.dat", "Wallet file")
	flags.Bool(encryptKey, false, "Prompt for a passphrase and keep the wallet file encrypted")
	flags.String(passphraseKey, "", "Wallet passphrase, better set through AEQUA_PASSPHRASE")
	flags.String(collectKey, "all", "Reply collection policy: all or threshold")
	flags.Duration(timeoutKey, 30*time.Second, "Bound on each networked command")
	flags.String(identityKey, "", "Optional libp2p identity key file")
	flags.String(logLevelKey, "warn", "Log level: debug, info, warn or error")
	flags.String(logFileKey, "", "Optional log file, rotated")
}

func ParseFlags(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AEQUA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	policy, err := client.ParsePolicy(v.GetString(collectKey))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		WalletFile: v.GetString(walletFileKey),
		Encrypt:    v.GetBool(encryptKey),
		Passphrase: v.GetString(passphraseKey),
		Collect:    policy,
		Timeout:    v.GetDuration(timeoutKey),
		Identity:   v.GetString(identityKey),
		LogLevel:   v.GetString(logLevelKey),
		LogFile:    v.GetString(logFileKey),
	}
	if cfg.WalletFile == "" {
		return Config{}, errors.New("--wallet-file is required")
	}
	return cfg, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := Command().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:           "wallet",
		Short:         "Interactive DBC wallet",
		RunE:          runFunc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	AddFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, _ []string) error {
	cfg, err := ParseFlags(c.Flags())
	if err != nil {
		return err
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logger.Sync()
	ctx := c.Context()

	pass := []byte(cfg.Passphrase)
	if len(pass) == 0 && cfg.Encrypt {
		if pass, err = readPassphrase(); err != nil {
			return err
		}
	}
	store := wallet.NewStore(cfg.WalletFile, pass)

	netCfg := p2p.DefaultNetConfig()
	netCfg.IdentityFile = cfg.Identity
	tr := p2p.NewLibp2pTransport(netCfg)
	m := lifecycle.New()
	m.Add(p2p.NewNetService(tr))
	if err := m.StartAll(ctx); err != nil {
		return err
	}
	defer func() { _ = m.StopAll(context.Background()) }()

	w, err := wallet.New(tr, cfg.Collect, store)
	if err != nil {
		return err
	}
	out := c.OutOrStdout()
	repl := wallet.NewRepl(w, out, cfg.Timeout)
	if sb, mt := w.Groups(); sb != "" && mt != "" {
		if err := repl.Exec(ctx, fmt.Sprintf("join %s %s", sb, mt)); err != nil {
			fmt.Fprintf(out, "Error: rejoin failed: %v\n", err)
		}
	}
	fmt.Fprintf(out, "wallet %s, balance %d, type help for commands\n", store.Path(), w.Balance())
	return repl.Run(ctx, c.InOrStdin())
}

func readPassphrase() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("--encrypt needs a terminal, or set AEQUA_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return p, nil
}
