// Package policy implements the Policy Gate component: a synchronous
// evaluate-with-cache in front of a policy decision point reached over
// Transport, satisfying pkg/router.PolicyGate.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/transport"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// Requester is the subset of pkg/transport.Transport the Policy Gate
// depends on. Declared locally so tests can substitute a fake transport
// without a live NATS connection.
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte, header nats.Header) (*transport.Message, error)
	Subscribe(subject string, handler transport.Handler) (*transport.Subscription, error)
}

// DefaultTimeout bounds a policy decision round trip when Config.Timeout
// is not set.
const DefaultTimeout = 2 * time.Second

// DefaultCacheTTL is how long a decision is trusted before it must be
// re-evaluated, in the absence of an invalidating notification.
const DefaultCacheTTL = 5 * time.Minute

// decisionRequest is the canonicalized request sent to the policy
// decision point; its JSON encoding is also what gets hashed into the
// cache key, so field order here is part of the cache's correctness.
type decisionRequest struct {
	Action  string `json:"action"`
	Subject string `json:"subject"`
}

// decisionResponse is the policy decision point's reply.
type decisionResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

type cacheEntry struct {
	err     error
	expires time.Time
}

// Gate evaluates invoke-time policy decisions over Transport, caching
// allow/deny outcomes until their TTL lapses or an explicit
// invalidation notification arrives.
type Gate struct {
	requester Requester
	subject   string
	timeout   time.Duration
	ttl       time.Duration

	cache sync.Map // string (hash) -> cacheEntry

	changesSub *transport.Subscription
}

// Config configures a new Gate.
type Config struct {
	Transport *transport.Transport
	Subject   string
	Timeout   time.Duration
	CacheTTL  time.Duration
}

// New constructs a Gate from cfg and subscribes to the subject's
// change-notification topic so a policy update invalidates the cache
// fleet-wide without waiting for entries to expire naturally.
func New(cfg Config) (*Gate, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	g := &Gate{
		requester: cfg.Transport,
		subject:   cfg.Subject,
		timeout:   timeout,
		ttl:       ttl,
	}

	if cfg.Transport != nil {
		sub, err := cfg.Transport.Subscribe(changesSubject(cfg.Subject), func(*transport.Message) {
			g.cache.Range(func(key, _ any) bool {
				g.cache.Delete(key)
				return true
			})
			log.Logger.Info().Str("subject", cfg.Subject).Msg("policy: cache invalidated by change notification")
		})
		if err != nil {
			return nil, fmt.Errorf("policy: subscribe to change notifications: %w", err)
		}
		g.changesSub = sub
	}

	return g, nil
}

func changesSubject(policySubject string) string {
	return policySubject + ".changes"
}

// Close unsubscribes from policy change notifications.
func (g *Gate) Close() error {
	if g.changesSub == nil {
		return nil
	}
	return g.changesSub.Unsubscribe()
}

func cacheKey(req decisionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Evaluate implements pkg/router.PolicyGate. A cached decision younger
// than the configured TTL is returned without a round trip; otherwise a
// fresh decision is requested and returned. Only allow and deny
// decisions are cached; a failed request is not.
func (g *Gate) Evaluate(ctx context.Context, action, subject string) error {
	req := decisionRequest{Action: action, Subject: subject}
	key, err := cacheKey(req)
	if err != nil {
		return types.NewError(types.KindValidationError, "policy.evaluate", err)
	}

	if v, ok := g.cache.Load(key); ok {
		entry := v.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.err
		}
	}

	decisionErr := g.request(ctx, req)
	if decisionErr == nil || types.IsKind(decisionErr, types.KindPolicyDenied) {
		g.cache.Store(key, cacheEntry{err: decisionErr, expires: time.Now().Add(g.ttl)})
	}
	return decisionErr
}

func (g *Gate) request(ctx context.Context, req decisionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.KindValidationError, "policy.evaluate", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := g.requester.Request(reqCtx, g.subject, body, nil)
	if err != nil {
		return types.NewError(types.KindTransientTransport, "policy.evaluate", err)
	}

	var decision decisionResponse
	if err := json.Unmarshal(reply.Data, &decision); err != nil {
		return types.NewError(types.KindValidationError, "policy.evaluate", fmt.Errorf("decode policy decision: %w", err))
	}

	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		return types.NewError(types.KindPolicyDenied, "policy.evaluate", fmt.Errorf("%s", reason))
	}

	return nil
}
