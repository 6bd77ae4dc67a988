// Package qqwire defines the wire-level DTOs for the OneBot v11 event and
// action protocol (spec §6), kept free of transport concerns so other
// packages can depend on the shapes without pulling in socket code.
package qqwire

import "encoding/json"

// PostType enumerates the top-level event kinds OneBot v11 emits.
type PostType string

const (
	PostMessage   PostType = "message"
	PostNotice    PostType = "notice"
	PostRequest   PostType = "request"
	PostMetaEvent PostType = "meta_event"
)

// MessageType distinguishes the conversation shape of a message event.
type MessageType string

const (
	MessagePrivate MessageType = "private"
	MessageGroup   MessageType = "group"
	MessageGuild   MessageType = "guild"
)

// Sender carries the reporter's identity for a message event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Segment is one OneBot v11 message segment (the "array" message format).
// Only the `type`/`data` shape is fixed; fields beyond `Data` are accessed
// by callers through helper getters since segment payload shape varies by
// Type (image/video/record/file/at/text/reply/forward/json/face).
type Segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// String returns a data field, or "" if absent — segments carry
// heterogeneous strongly-typed fields as strings per the wire spec.
func (s Segment) String(key string) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// Event is the inbound envelope for any post_type (spec §6 "Wire (inbound)").
// Message may be either a segment array or (best-effort) a raw string when
// the upstream isn't configured for messagePostFormat=array.
type Event struct {
	Time        int64           `json:"time"`
	SelfID      int64           `json:"self_id"`
	PostType    PostType        `json:"post_type"`
	MessageType MessageType     `json:"message_type,omitempty"`
	SubType     string          `json:"sub_type,omitempty"`
	MessageID   int64           `json:"message_id,omitempty"`
	UserID      int64           `json:"user_id,omitempty"`
	GroupID     int64           `json:"group_id,omitempty"`
	GuildID     string          `json:"guild_id,omitempty"`
	ChannelID   string          `json:"channel_id,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	RawMessage  string          `json:"raw_message,omitempty"`
	Sender      *Sender         `json:"sender,omitempty"`
}

// Segments decodes Message into a segment array. If the upstream sent the
// legacy string form, a single best-effort text segment is returned — per
// spec §6 the string form "loses structured media fields" and is
// best-effort only.
func (e Event) Segments() ([]Segment, error) {
	if len(e.Message) == 0 {
		return nil, nil
	}
	var segs []Segment
	if err := json.Unmarshal(e.Message, &segs); err == nil {
		return segs, nil
	}
	var text string
	if err := json.Unmarshal(e.Message, &text); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return []Segment{{Type: "text", Data: map[string]string{"text": text}}}, nil
}

// ActionRequest is an outbound action call (spec §6 "Wire (outbound)").
type ActionRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo"`
}

// ActionStatus is the closed set of response statuses.
type ActionStatus string

const (
	StatusOK     ActionStatus = "ok"
	StatusFailed ActionStatus = "failed"
)

// ActionResponse is the reply to an ActionRequest, echo-matched by Echo.
type ActionResponse struct {
	Status  ActionStatus    `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Msg     string          `json:"msg,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    string          `json:"echo"`
}

// Known action names (spec §6 superset; implementer must still probe support).
const (
	ActionSendPrivateMsg      = "send_private_msg"
	ActionSendGroupMsg        = "send_group_msg"
	ActionSendGuildChannelMsg = "send_guild_channel_msg"
	ActionDeleteMsg           = "delete_msg"
	ActionGetMsg              = "get_msg"
	ActionGetForwardMsg       = "get_forward_msg"
	ActionGetLoginInfo        = "get_login_info"
	ActionGetFriendList       = "get_friend_list"
	ActionGetGroupList        = "get_group_list"
	ActionGetGuildList        = "get_guild_list"
	ActionGetGroupMemberInfo  = "get_group_member_info"
	ActionCanSendRecord       = "can_send_record"
	ActionCanSendImage        = "can_send_image"
	ActionSetInputStatus      = "set_input_status"
	ActionGetImage            = "get_image"
	ActionGetRecord           = "get_record"
	ActionGetFile             = "get_file"
	ActionDownloadFile        = "download_file"
	ActionDownloadFileStream  = "download_file_stream"
	ActionUploadFileStream    = "upload_file_stream"
	ActionCleanStreamTemp     = "clean_stream_temp_file"
)
