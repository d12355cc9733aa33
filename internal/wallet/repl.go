package wallet

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/core/bls381"
)

const usage = `commands:
  join <spentbook-addr> <mint-addr>   discover both authority groups
  newkey                              create an owner key for receiving
  keys                                list owner keys
  genesis <amount>                    ask the mint for the genesis dbc
  balance                             total of unspent dbcs
  unspent                             list unspent dbcs
  reissue <amount> [owner-hex]        pay amount, to a new own key if no owner
  deposit <dbc-hex>                   add a dbc received from another wallet
  export <n>                          print unspent dbc n as hex
  save                                write the wallet file
  quit | exit
`

var errQuit = errors.New("quit")

// Repl runs wallet commands read line by line.
type Repl struct {
	w       *Wallet
	out     io.Writer
	timeout time.Duration
	errc    *color.Color
	okc     *color.Color
}

// NewRepl binds a REPL to w. timeout bounds each networked command.
func NewRepl(w *Wallet, out io.Writer, timeout time.Duration) *Repl {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Repl{w: w, out: out, timeout: timeout, errc: color.New(color.FgRed), okc: color.New(color.FgGreen)}
}

// Run reads commands from in until quit, EOF or ctx is done. Command errors
// are printed and the session continues.
func (r *Repl) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), wire.MaxFrame)
	fmt.Fprint(r.out, "> ")
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.Exec(ctx, sc.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			r.errc.Fprintf(r.out, "Error: %v\n", err)
		}
		fmt.Fprint(r.out, "> ")
	}
	return sc.Err()
}

// Exec runs one command line.
func (r *Repl) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cmd, args := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprint(r.out, usage)
		return nil
	case "join":
		if len(args) != 2 {
			return errors.New("usage: join <spentbook-addr> <mint-addr>")
		}
		if err := r.w.Join(ctx, wire.PeerAddress(args[0]), wire.PeerAddress(args[1])); err != nil {
			return err
		}
		sb, mt, _ := r.w.Views()
		r.okc.Fprintf(r.out, "joined spentbook (%d members, threshold %d) and mint (%d members, threshold %d)\n",
			len(sb.Members), sb.Threshold(), len(mt.Members), mt.Threshold())
		return nil
	case "newkey":
		pk, err := r.w.NewKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, hex.EncodeToString(pk))
		return nil
	case "keys":
		for i, pk := range r.w.Keys() {
			fmt.Fprintf(r.out, "[%d] %s\n", i, hex.EncodeToString(pk))
		}
		return nil
	case "genesis":
		amount, err := parseAmount(args)
		if err != nil {
			return err
		}
		d, err := r.w.Genesis(ctx, amount)
		if err != nil {
			return err
		}
		ki, _ := d.KeyImage()
		r.okc.Fprintf(r.out, "genesis dbc %s amount %d\n", ki.Short(), d.Amount())
		return nil
	case "balance":
		fmt.Fprintf(r.out, "balance: %d\n", r.w.Balance())
		return nil
	case "unspent":
		for i, d := range r.w.Unspent() {
			ki, _ := d.KeyImage()
			fmt.Fprintf(r.out, "[%d] %s amount %d\n", i, ki.Short(), d.Amount())
		}
		return nil
	case "reissue":
		return r.reissue(ctx, args)
	case "deposit":
		if len(args) != 1 {
			return errors.New("usage: deposit <dbc-hex>")
		}
		d, err := r.w.Deposit(args[0])
		if err != nil {
			return err
		}
		r.okc.Fprintf(r.out, "deposited amount %d\n", d.Amount())
		return nil
	case "export":
		if len(args) != 1 {
			return errors.New("usage: export <n>")
		}
		i, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad index %q", args[0])
		}
		s, err := r.w.Export(i)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, s)
		return nil
	case "save":
		if err := r.w.Save(); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "saved")
		return nil
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (r *Repl) reissue(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: reissue <amount> [owner-hex]")
	}
	amount, err := parseAmount(args[:1])
	if err != nil {
		return err
	}
	var owner bls381.PubKey
	if len(args) == 2 {
		b, err := hex.DecodeString(args[1])
		if err != nil || !bls381.ValidPubKey(b) {
			return errors.New("owner must be a hex encoded public key")
		}
		owner = b
	}
	out, err := r.w.Reissue(ctx, amount, owner)
	if err != nil {
		return err
	}
	r.okc.Fprintf(r.out, "reissued %d into %d outputs\n", amount, len(out))
	if owner != nil {
		s, err := EncodeDbc(out[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "payment dbc for the recipient:\n%s\n", s)
	}
	return nil
}

func parseAmount(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errors.New("missing amount")
	}
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q", args[0])
	}
	return v, nil
}
