// Package dispatch turns "deliver this envelope to uid U" into either a set
// of local session sends or a single Rock request to the gateway that owns
// U's connections. It is stateless between calls.
//
// Delivery is best-effort by contract: when presence or the owning gateway
// is unreachable the envelope is dropped with a warning — the client catches
// up on its next poll or reconnect. Pushing to an offline user silently
// succeeds.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/metrics"
	"github.com/meshtalk-io/meshtalk/internal/protocol"
	"github.com/meshtalk-io/meshtalk/internal/rock"
)

// DeliverTimeout bounds one cross-gateway deliver request.
const DeliverTimeout = 500 * time.Millisecond

// EventIMMessage is the envelope event used for IM message fan-out.
const EventIMMessage = "im.message"

// LocalFunc delivers env to every live local session of uid and returns how
// many sessions received it. The WS edge supplies its session map's
// broadcast; tests supply fakes.
type LocalFunc func(uid int64, env protocol.Envelope) int

// RouteSource answers "which gateway owns uid" — the presence client.
type RouteSource interface {
	GetRoute(ctx context.Context, uid int64) (string, error)
}

// Requester issues a correlated Rock request to an explicit address — the
// process-wide connection pool.
type Requester interface {
	Request(ctx context.Context, addr string, cmd uint32, body []byte, timeout time.Duration) (*rock.Response, error)
}

// MemberSource resolves a talk id to its participant uids — the talk
// service client.
type MemberSource interface {
	Members(ctx context.Context, talkID int64) ([]int64, error)
}

// Dispatcher routes envelopes to users across the gateway fleet.
type Dispatcher struct {
	local    LocalFunc
	routes   RouteSource
	rock     Requester
	talk     MemberSource
	selfAddr string
	logger   *zap.Logger
}

// Config collects the Dispatcher dependencies.
type Config struct {
	// Local delivers to sessions on this gateway.
	Local LocalFunc
	// Routes is the presence directory client.
	Routes RouteSource
	// Rock is the client pool used for cross-gateway delivery.
	Rock Requester
	// Talk resolves group talk membership. May be nil; group pushes are
	// then dropped with a warning.
	Talk MemberSource
	// SelfAddr is this gateway's own RPC address, formatted exactly as it
	// is advertised to presence. The equality check against a presence
	// route is what breaks gateway → self RPC cycles.
	SelfAddr string
	Logger   *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		local:    cfg.Local,
		routes:   cfg.Routes,
		rock:     cfg.Rock,
		talk:     cfg.Talk,
		selfAddr: cfg.SelfAddr,
		logger:   cfg.Logger.Named("dispatch"),
	}
}

// PushToUser delivers one envelope to every live connection of uid,
// wherever in the fleet it terminates.
func (d *Dispatcher) PushToUser(ctx context.Context, uid int64, event string, payload json.RawMessage, ackid string) {
	env := protocol.Envelope{Event: event, Payload: payload, AckID: ackid}

	// Local sessions win: no presence lookup, no Rock traffic.
	if n := d.local(uid, env); n > 0 {
		metrics.EnvelopesDelivered.WithLabelValues("local").Add(float64(n))
		return
	}

	route, err := d.routes.GetRoute(ctx, uid)
	if err != nil {
		d.logger.Warn("presence lookup failed, dropping push",
			zap.Int64("uid", uid),
			zap.String("event", event),
			zap.Error(err),
		)
		metrics.EnvelopesDelivered.WithLabelValues("dropped").Inc()
		return
	}
	if route == "" {
		// Offline everywhere — a push to an offline user silently succeeds.
		metrics.EnvelopesDelivered.WithLabelValues("dropped").Inc()
		return
	}
	if route == d.selfAddr {
		// Presence still points here but no local session exists: the user
		// genuinely has no live connection on this gateway. Issuing the RPC
		// would loop back to ourselves.
		metrics.EnvelopesDelivered.WithLabelValues("dropped").Inc()
		return
	}

	body, err := json.Marshal(protocol.DeliverRequest{UID: uid, Event: event, Payload: payload, AckID: ackid})
	if err != nil {
		d.logger.Error("encoding deliver request", zap.Error(err))
		return
	}

	resp, err := d.rock.Request(ctx, route, protocol.CmdDeliverToUser, body, DeliverTimeout)
	if err != nil {
		d.observeRequest(err)
		d.logger.Warn("cross-gateway deliver failed, dropping push",
			zap.Int64("uid", uid),
			zap.String("owner", route),
			zap.Error(err),
		)
		metrics.EnvelopesDelivered.WithLabelValues("dropped").Inc()
		return
	}
	if resp.Result != protocol.ResultOK {
		metrics.RockRequests.WithLabelValues("remote_error").Inc()
		d.logger.Warn("owner gateway rejected deliver",
			zap.Int64("uid", uid),
			zap.String("owner", route),
			zap.Int32("result", resp.Result),
			zap.String("reason", resp.ResultStr),
		)
		metrics.EnvelopesDelivered.WithLabelValues("dropped").Inc()
		return
	}

	metrics.RockRequests.WithLabelValues("ok").Inc()
	metrics.EnvelopesDelivered.WithLabelValues("remote").Inc()
}

// PushIMMessage fans one IM message out to its audience.
//
// Single chat pushes to the recipient and, when distinct, back to the sender
// for multi-device sync. A self-chat (recipient == sender) sends exactly
// once. Group chat resolves the talk membership and pushes to each member;
// a lookup failure drops the whole fan-out with a warning.
func (d *Dispatcher) PushIMMessage(ctx context.Context, talkMode int, toFromID, fromID int64, payload json.RawMessage) {
	switch talkMode {
	case protocol.TalkModeSingle:
		d.PushToUser(ctx, toFromID, EventIMMessage, payload, "")
		if fromID != toFromID {
			d.PushToUser(ctx, fromID, EventIMMessage, payload, "")
		}

	case protocol.TalkModeGroup:
		if d.talk == nil {
			d.logger.Warn("group push without talk client, dropping", zap.Int64("talk_id", toFromID))
			return
		}
		uids, err := d.talk.Members(ctx, toFromID)
		if err != nil {
			d.logger.Warn("talk membership lookup failed, dropping group push",
				zap.Int64("talk_id", toFromID),
				zap.Error(err),
			)
			return
		}
		for _, uid := range uids {
			d.PushToUser(ctx, uid, EventIMMessage, payload, "")
		}

	default:
		d.logger.Warn("unknown talk mode, dropping push", zap.Int("talk_mode", talkMode))
	}
}

// HandleDeliver is the Rock handler for CmdDeliverToUser served on this
// gateway's RPC port. It performs only the local branch of PushToUser — no
// further cross-gateway recursion.
func (d *Dispatcher) HandleDeliver(_ context.Context, body []byte) (int32, string, []byte) {
	var req protocol.DeliverRequest
	if err := json.Unmarshal(body, &req); err != nil || req.UID == 0 || req.Event == "" {
		return protocol.ResultBadRequest, "bad deliver request", nil
	}

	n := d.local(req.UID, protocol.Envelope{Event: req.Event, Payload: req.Payload, AckID: req.AckID})
	if n > 0 {
		metrics.EnvelopesDelivered.WithLabelValues("local").Add(float64(n))
	}
	return protocol.ResultOK, "", nil
}

func (d *Dispatcher) observeRequest(err error) {
	switch {
	case errors.Is(err, rock.ErrTimeout):
		metrics.RockRequests.WithLabelValues("timeout").Inc()
	case errors.Is(err, rock.ErrCancelled):
		metrics.RockRequests.WithLabelValues("cancelled").Inc()
	default:
		metrics.RockRequests.WithLabelValues("not_connect").Inc()
	}
}
