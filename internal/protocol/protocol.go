// Package protocol defines the command space and JSON body shapes shared by
// every Rock endpoint in the fleet: the inter-gateway deliver command, the
// presence directory commands, and the reserved ranges for the domain
// services (contact, group, talk, media). The transport itself treats all of
// these bodies as opaque bytes — only the two ends of a command agree on the
// shape defined here.
package protocol

import "encoding/json"

// Command codes. Each service owns a contiguous block; the transport does not
// interpret them beyond routing to the registered handler.
const (
	// CmdDeliverToUser is served by every gateway on its Rock port. The body
	// is a DeliverRequest; the handler performs the local-only delivery
	// branch (no further cross-gateway recursion).
	CmdDeliverToUser uint32 = 101

	// Presence directory commands (svc-presence).
	CmdPresenceSetOnline  uint32 = 201
	CmdPresenceHeartbeat  uint32 = 202
	CmdPresenceSetOffline uint32 = 203
	CmdPresenceGetRoute   uint32 = 204

	// Reserved command ranges for the domain services. The gateway only uses
	// CmdTalkMembers directly (group fan-out); the rest are listed so the
	// ranges stay documented in one place.
	CmdContactBase uint32 = 401 // contact service: 401–413
	CmdGroupBase   uint32 = 601 // group service: 601–628
	CmdTalkBase    uint32 = 701 // talk service: 701–708
	CmdMediaBase   uint32 = 801 // media service: 801–805

	// CmdTalkMembers resolves a talk id to its participant uid list.
	CmdTalkMembers uint32 = 704
)

// Result codes carried in Rock responses. 200 means success; anything else is
// a remote error whose reason string travels in the response header.
const (
	ResultOK          int32 = 200
	ResultBadRequest  int32 = 400
	ResultNotFound    int32 = 404
	ResultConflict    int32 = 409
	ResultUnavailable int32 = 503
)

// Talk modes used by the IM message events.
const (
	TalkModeSingle = 1
	TalkModeGroup  = 2
)

// Envelope is the JSON object exchanged over every WebSocket text frame, in
// both directions. AckID is an opaque correlation string producers may attach;
// the fabric passes it through without interpretation.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ackid,omitempty"`
}

// DeliverRequest is the body of CmdDeliverToUser.
type DeliverRequest struct {
	UID     int64           `json:"uid"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ackid,omitempty"`
}

// PresenceBind is the body of CmdPresenceSetOnline and CmdPresenceHeartbeat.
type PresenceBind struct {
	UID        int64  `json:"uid"`
	GatewayRPC string `json:"gateway_rpc"`
	TTLSec     int64  `json:"ttl_sec"`
}

// PresenceQuery is the body of CmdPresenceSetOffline and CmdPresenceGetRoute.
type PresenceQuery struct {
	UID int64 `json:"uid"`
}

// PresenceRoute is the response body of CmdPresenceGetRoute. GatewayRPC is
// empty when the uid has no live binding.
type PresenceRoute struct {
	GatewayRPC string `json:"gateway_rpc"`
}

// TalkMembersRequest is the body of CmdTalkMembers.
type TalkMembersRequest struct {
	TalkID int64 `json:"talk_id"`
}

// TalkMembersResponse is the response body of CmdTalkMembers.
type TalkMembersResponse struct {
	UIDs []int64 `json:"uids"`
}
