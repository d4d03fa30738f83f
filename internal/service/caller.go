// Package service provides the shared plumbing for calling domain services
// over Rock: address resolution (fixed config address first, registry pick
// second) and JSON request/response encoding with remote-error mapping.
// Domain persistence lives behind these services; the fabric only routes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/protocol"
	"github.com/meshtalk-io/meshtalk/internal/registry"
	"github.com/meshtalk-io/meshtalk/internal/rock"
)

// DefaultCallTimeout bounds a generic domain service call. Presence and
// cross-gateway delivery use their own, tighter deadlines.
const DefaultCallTimeout = 3 * time.Second

// Domain is the registry domain all fleet services advertise under.
const Domain = "meshtalk"

// Registry is the subset of the registry client the resolver needs.
type Registry interface {
	Pick(domain, service string) (registry.Instance, bool)
}

// Resolver maps a service name to an RPC address. A fixed address from
// configuration wins; otherwise the registry cache is consulted. With
// neither, resolution fails with ErrUnavailable.
type Resolver struct {
	fixed map[string]string
	reg   Registry // nil when discovery is disabled
}

// NewResolver creates a Resolver. fixed maps service name → "ip:port"; reg
// may be nil when service_discovery.zk is empty.
func NewResolver(fixed map[string]string, reg Registry) *Resolver {
	if fixed == nil {
		fixed = make(map[string]string)
	}
	return &Resolver{fixed: fixed, reg: reg}
}

// Addr resolves the RPC address for a service name.
func (r *Resolver) Addr(svc string) (string, error) {
	if addr, ok := r.fixed[svc]; ok && addr != "" {
		return addr, nil
	}
	if r.reg != nil {
		if inst, ok := r.reg.Pick(Domain, svc); ok {
			return inst.Addr(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnavailable, svc)
}

// Caller issues JSON-bodied Rock requests against named services.
type Caller struct {
	pool     *rock.Pool
	resolver *Resolver
	timeout  time.Duration
	logger   *zap.Logger
}

// NewCaller creates a Caller. timeout <= 0 selects DefaultCallTimeout.
func NewCaller(pool *rock.Pool, resolver *Resolver, timeout time.Duration, logger *zap.Logger) *Caller {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Caller{
		pool:     pool,
		resolver: resolver,
		timeout:  timeout,
		logger:   logger.Named("service"),
	}
}

// Call resolves svc, sends cmd with the JSON encoding of req, and decodes
// the response body into resp when resp is non-nil. Non-200 results are
// returned as *RemoteError.
func (c *Caller) Call(ctx context.Context, svc string, cmd uint32, req, resp any) error {
	addr, err := c.resolver.Addr(svc)
	if err != nil {
		return err
	}
	return c.CallAddr(ctx, addr, cmd, req, resp)
}

// CallAddr is Call against an already-resolved address.
func (c *Caller) CallAddr(ctx context.Context, addr string, cmd uint32, req, resp any) error {
	var body []byte
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return fmt.Errorf("service: encoding cmd %d request: %w", cmd, err)
		}
	}

	r, err := c.pool.Request(ctx, addr, cmd, body, c.timeout)
	if err != nil {
		return err
	}
	if r.Result != protocol.ResultOK {
		return &RemoteError{Code: r.Result, Message: r.ResultStr}
	}

	if resp != nil && len(r.Body) > 0 {
		if err := json.Unmarshal(r.Body, resp); err != nil {
			return fmt.Errorf("service: decoding cmd %d response: %w", cmd, err)
		}
	}
	return nil
}
