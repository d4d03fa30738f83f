package presence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/protocol"
	"github.com/meshtalk-io/meshtalk/internal/rock"
)

// Service exposes a Store over Rock commands 201–204. Register wires the
// handlers into a rock.Server; presenced owns the server lifecycle.
type Service struct {
	store  *Store
	logger *zap.Logger
}

// NewService creates a Service around store.
func NewService(store *Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.Named("presence"),
	}
}

// Register installs the presence command handlers on srv.
func (s *Service) Register(srv *rock.Server) {
	srv.Handle(protocol.CmdPresenceSetOnline, s.handleSetOnline)
	srv.Handle(protocol.CmdPresenceHeartbeat, s.handleHeartbeat)
	srv.Handle(protocol.CmdPresenceSetOffline, s.handleSetOffline)
	srv.Handle(protocol.CmdPresenceGetRoute, s.handleGetRoute)
}

func (s *Service) handleSetOnline(_ context.Context, body []byte) (int32, string, []byte) {
	var req protocol.PresenceBind
	if err := json.Unmarshal(body, &req); err != nil || req.UID == 0 || req.GatewayRPC == "" {
		return protocol.ResultBadRequest, "bad bind request", nil
	}

	s.store.SetOnline(req.UID, req.GatewayRPC, time.Duration(req.TTLSec)*time.Second)
	s.logger.Debug("set online",
		zap.Int64("uid", req.UID),
		zap.String("gateway", req.GatewayRPC),
	)
	return protocol.ResultOK, "", nil
}

func (s *Service) handleHeartbeat(_ context.Context, body []byte) (int32, string, []byte) {
	var req protocol.PresenceBind
	if err := json.Unmarshal(body, &req); err != nil || req.UID == 0 || req.GatewayRPC == "" {
		return protocol.ResultBadRequest, "bad bind request", nil
	}

	if err := s.store.Heartbeat(req.UID, req.GatewayRPC, time.Duration(req.TTLSec)*time.Second); err != nil {
		// A newer set-online owns this uid; tell the stale gateway so it
		// stops heartbeating for it.
		s.logger.Debug("heartbeat rejected",
			zap.Int64("uid", req.UID),
			zap.String("gateway", req.GatewayRPC),
		)
		return protocol.ResultConflict, err.Error(), nil
	}
	return protocol.ResultOK, "", nil
}

func (s *Service) handleSetOffline(_ context.Context, body []byte) (int32, string, []byte) {
	var req protocol.PresenceQuery
	if err := json.Unmarshal(body, &req); err != nil || req.UID == 0 {
		return protocol.ResultBadRequest, "bad uid", nil
	}

	s.store.SetOffline(req.UID)
	return protocol.ResultOK, "", nil
}

func (s *Service) handleGetRoute(_ context.Context, body []byte) (int32, string, []byte) {
	var req protocol.PresenceQuery
	if err := json.Unmarshal(body, &req); err != nil || req.UID == 0 {
		return protocol.ResultBadRequest, "bad uid", nil
	}

	route := protocol.PresenceRoute{GatewayRPC: s.store.GetRoute(req.UID)}
	resp, err := json.Marshal(route)
	if err != nil {
		return protocol.ResultBadRequest, "encoding route", nil
	}
	return protocol.ResultOK, "", resp
}
