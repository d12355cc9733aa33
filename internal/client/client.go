// Package client is the wallet side of the request protocol: it discovers an
// authority group through one bootstrap address and broadcasts requests to
// every member of the group, collecting their partial results.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zmlAEQ/aequa-quorum/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

var (
	ErrNoView          = errors.New("no group view, discover first")
	ErrNoKeys          = errors.New("group has not finished key generation")
	ErrNotReady        = errors.New("authority not ready")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Requester sends one request frame and returns the reply frame.
type Requester interface {
	Request(ctx context.Context, addr wire.PeerAddress, frame []byte) ([]byte, error)
}

// Policy decides when a broadcast is complete.
type Policy int

const (
	// CollectAll needs a reply from every member; the first failure aborts.
	CollectAll Policy = iota
	// CollectThreshold stops at Threshold replies and tolerates failures
	// while that many are still possible.
	CollectThreshold
)

func (p Policy) String() string {
	if p == CollectThreshold {
		return "threshold"
	}
	return "all"
}

// ParsePolicy maps "all" and "threshold" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "all":
		return CollectAll, nil
	case "threshold":
		return CollectThreshold, nil
	}
	return CollectAll, fmt.Errorf("unknown collect policy %q", s)
}

// View is what the client knows about a group after Discover. It does not
// change until the next Discover.
type View struct {
	Keys    *bls.PublicKeySet
	Members []wire.Member
}

// Threshold is the number of replies a combine needs, 0 before keys exist.
func (v View) Threshold() int {
	if v.Keys == nil {
		return 0
	}
	return v.Keys.Threshold
}

// MemberError is a failure attributed to one member.
type MemberError struct {
	Member wire.Member
	Err    error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("member %s at %s: %v", e.Member.ID.Short(), e.Member.Addr, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }

// Reply is one member's successful partial result.
type Reply struct {
	Member wire.Member
	Result []byte
}

// Client talks to one authority group. Broadcasts on one Client are
// serialized.
type Client struct {
	tr     Requester
	policy Policy

	mu   sync.Mutex
	view *View
}

func New(tr Requester, policy Policy) *Client {
	return &Client{tr: tr, policy: policy}
}

// Discover asks bootstrap for the group and replaces the cached view.
func (c *Client) Discover(ctx context.Context, bootstrap wire.PeerAddress) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.discover(ctx, bootstrap)
	if err != nil {
		metrics.Inc("client_discover_total", map[string]string{"result": "error"})
		return View{}, err
	}
	c.view = &v
	metrics.Inc("client_discover_total", map[string]string{"result": "ok"})
	logger.DebugJ("client_discover", map[string]any{"bootstrap": string(bootstrap), "members": len(v.Members), "keys": v.Keys != nil})
	return v, nil
}

func (c *Client) discover(ctx context.Context, bootstrap wire.PeerAddress) (View, error) {
	frame, err := wire.Marshal(wire.NewDiscover())
	if err != nil {
		return View{}, err
	}
	out, err := c.tr.Request(ctx, bootstrap, frame)
	if err != nil {
		return View{}, err
	}
	env, err := wire.Unmarshal(out)
	if err != nil {
		return View{}, err
	}
	if env.Request == nil || env.Request.Reply == nil || env.Request.Reply.Discover == nil {
		return View{}, ErrUnexpectedReply
	}
	r := env.Request.Reply.Discover
	v := View{Members: sortedMembers(r.Members)}
	if r.KeySet != nil {
		pks, err := bls.FromWire(r.KeySet)
		if err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
		}
		v.Keys = &pks
	}
	return v, nil
}

// WaitReady re-discovers until the group reports a key set and at least
// minMembers members, backing off exponentially from base.
func (c *Client) WaitReady(ctx context.Context, bootstrap wire.PeerAddress, minMembers int, base time.Duration, maxRetries uint64) (View, error) {
	var v View
	b := retry.WithMaxRetries(maxRetries, retry.NewExponential(base))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		got, err := c.Discover(ctx, bootstrap)
		if err != nil {
			return retry.RetryableError(err)
		}
		if got.Keys == nil || len(got.Members) < minMembers {
			return retry.RetryableError(ErrNoKeys)
		}
		v = got
		return nil
	})
	return v, err
}

// View returns the cached view.
func (c *Client) View() (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		return View{}, false
	}
	return *c.view, true
}

// Broadcast sends payload to the members of the cached view, one at a time
// in PeerID order, and returns the successful replies in that order.
func (c *Client) Broadcast(ctx context.Context, payload []byte) ([]Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	begin := time.Now()
	replies, err := c.broadcast(ctx, payload)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Inc("client_broadcast_total", map[string]string{"policy": c.policy.String(), "result": result})
	metrics.ObserveSummary("client_broadcast_ms", map[string]string{"policy": c.policy.String()}, float64(time.Since(begin).Milliseconds()))
	return replies, err
}

func (c *Client) broadcast(ctx context.Context, payload []byte) ([]Reply, error) {
	if c.view == nil {
		return nil, ErrNoView
	}
	v := *c.view
	need := len(v.Members)
	if c.policy == CollectThreshold {
		if v.Keys == nil {
			return nil, ErrNoKeys
		}
		need = v.Threshold()
	}
	frame, err := wire.Marshal(wire.NewApply(payload))
	if err != nil {
		return nil, err
	}
	replies := make([]Reply, 0, need)
	failed := 0
	var last error
	for _, m := range v.Members {
		res, err := c.ask(ctx, m.Addr, frame)
		if err != nil {
			last = &MemberError{Member: m, Err: err}
			logger.DebugJ("client_broadcast", map[string]any{"member": m.ID.Short(), "result": "error", "err": err.Error()})
			if c.policy == CollectAll {
				return nil, last
			}
			failed++
			if len(v.Members)-failed < need {
				return nil, last
			}
			continue
		}
		replies = append(replies, Reply{Member: m, Result: res})
		if len(replies) == need {
			break
		}
	}
	return replies, nil
}

func (c *Client) ask(ctx context.Context, addr wire.PeerAddress, frame []byte) ([]byte, error) {
	out, err := c.tr.Request(ctx, addr, frame)
	if err != nil {
		return nil, err
	}
	env, err := wire.Unmarshal(out)
	if err != nil {
		return nil, err
	}
	if env.Request == nil || env.Request.Reply == nil || env.Request.Reply.Apply == nil {
		return nil, ErrUnexpectedReply
	}
	r := env.Request.Reply.Apply
	if r.Err != nil {
		if r.Err.Code == wire.CodeNotReady {
			return nil, fmt.Errorf("%w: %s", ErrNotReady, r.Err.Message)
		}
		return nil, r.Err
	}
	return r.Result, nil
}

func sortedMembers(ms []wire.Member) []wire.Member {
	out := append([]wire.Member(nil), ms...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
