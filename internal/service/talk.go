package service

import (
	"context"

	"github.com/meshtalk-io/meshtalk/internal/protocol"
)

// TalkService is the registry name of the talk service.
const TalkService = "svc-talk"

// TalkClient resolves group conversations to their participant uids.
// It is the only domain client the delivery fabric calls directly (group
// fan-out); all other domain traffic goes through HTTP layers out of scope
// here.
type TalkClient struct {
	caller *Caller
}

// NewTalkClient creates a TalkClient over caller.
func NewTalkClient(caller *Caller) *TalkClient {
	return &TalkClient{caller: caller}
}

// Members returns the uids participating in talkID.
func (t *TalkClient) Members(ctx context.Context, talkID int64) ([]int64, error) {
	var resp protocol.TalkMembersResponse
	err := t.caller.Call(ctx, TalkService, protocol.CmdTalkMembers,
		protocol.TalkMembersRequest{TalkID: talkID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.UIDs, nil
}
