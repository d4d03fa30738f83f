package presence

import (
	"context"
	"time"

	"github.com/meshtalk-io/meshtalk/internal/protocol"
	"github.com/meshtalk-io/meshtalk/internal/rock"
	"github.com/meshtalk-io/meshtalk/internal/service"

	"go.uber.org/zap"
)

// ServiceName is the registry name of the presence directory.
const ServiceName = "svc-presence"

// CallTimeout bounds every presence call. Presence sits on the hot path of
// push delivery, so the deadline is much tighter than a generic service call.
const CallTimeout = 300 * time.Millisecond

// Client is the gateway-side handle on the presence directory. All traffic
// goes through Rock — presence state is never shared in-process.
type Client struct {
	caller *service.Caller
	logger *zap.Logger
}

// NewClient creates a Client. pool and resolver are the process-wide Rock
// pool and service resolver.
func NewClient(pool *rock.Pool, resolver *service.Resolver, logger *zap.Logger) *Client {
	return &Client{
		caller: service.NewCaller(pool, resolver, CallTimeout, logger),
		logger: logger.Named("presence_client"),
	}
}

// SetOnline binds uid to gatewayRPC with the given lease.
func (c *Client) SetOnline(ctx context.Context, uid int64, gatewayRPC string, ttlSec int64) error {
	return c.caller.Call(ctx, ServiceName, protocol.CmdPresenceSetOnline,
		protocol.PresenceBind{UID: uid, GatewayRPC: gatewayRPC, TTLSec: ttlSec}, nil)
}

// Heartbeat extends the lease for uid. A ResultConflict remote error means a
// newer gateway owns the binding; the caller should stop heartbeating for
// this uid.
func (c *Client) Heartbeat(ctx context.Context, uid int64, gatewayRPC string, ttlSec int64) error {
	return c.caller.Call(ctx, ServiceName, protocol.CmdPresenceHeartbeat,
		protocol.PresenceBind{UID: uid, GatewayRPC: gatewayRPC, TTLSec: ttlSec}, nil)
}

// SetOffline removes the binding for uid. Idempotent.
func (c *Client) SetOffline(ctx context.Context, uid int64) error {
	return c.caller.Call(ctx, ServiceName, protocol.CmdPresenceSetOffline,
		protocol.PresenceQuery{UID: uid}, nil)
}

// GetRoute returns the gateway RPC address bound to uid, or empty when the
// user is offline everywhere.
func (c *Client) GetRoute(ctx context.Context, uid int64) (string, error) {
	var route protocol.PresenceRoute
	err := c.caller.Call(ctx, ServiceName, protocol.CmdPresenceGetRoute,
		protocol.PresenceQuery{UID: uid}, &route)
	if err != nil {
		return "", err
	}
	return route.GatewayRPC, nil
}
