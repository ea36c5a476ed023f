package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type MessageType string

// Client -> server
const (
	MessageTypeAuth           MessageType = "auth"
	MessageTypeJoinRoom       MessageType = "join_room"
	MessageTypeLeaveRoom      MessageType = "leave_room"
	MessageTypeSendMessage    MessageType = "send_message"
	MessageTypeUpdatePresence MessageType = "update_presence"
	MessageTypePing           MessageType = "ping"
	MessageTypeGetOnlineUsers MessageType = "get_online_users"
)

// Server -> client
const (
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeAuthSuccess           MessageType = "auth_success"
	MessageTypeRoomJoined            MessageType = "room_joined"
	MessageTypeRoomLeft              MessageType = "room_left"
	MessageTypeMessage               MessageType = "message"
	MessageTypeMessageSent           MessageType = "message_sent"
	MessageTypeUserJoined            MessageType = "user_joined"
	MessageTypeUserLeft              MessageType = "user_left"
	MessageTypeOnlineUsers           MessageType = "online_users"
	MessageTypePresenceUpdate        MessageType = "presence_update"
	MessageTypeNotification          MessageType = "notification"
	MessageTypePong                  MessageType = "pong"
	MessageTypeError                 MessageType = "error"
)

// Features advertised in connection_established.
var Features = []string{"notifications", "presence", "rooms", "messaging"}

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown message type")
	ErrMissingField      = errors.New("missing required field")
)

// DecodeError describes why an inbound frame was rejected. Type is the
// frame's declared type when it could be read.
type DecodeError struct {
	Type  MessageType
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case errors.Is(e.Err, ErrUnknownType):
		return fmt.Sprintf("Unknown message type: %s", e.Type)
	case errors.Is(e.Err, ErrMissingField):
		return fmt.Sprintf("Missing required field: %s", e.Field)
	default:
		return "Invalid message format"
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ID accepts both JSON strings and numbers, since user ids minted by the
// HTTP side are not always strings.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Inbound is one decoded client frame.
type Inbound interface {
	InboundType() MessageType
}

type AuthRequest struct {
	UserID   ID     `json:"userId"`
	UserType string `json:"userType"`
	Token    string `json:"token,omitempty"`
}

type JoinRoomRequest struct {
	Room string `json:"room"`
}

type LeaveRoomRequest struct {
	Room string `json:"room"`
}

type SendMessageRequest struct {
	Room        string          `json:"room"`
	Message     json.RawMessage `json:"message"`
	MessageType string          `json:"messageType,omitempty"`
}

type UpdatePresenceRequest struct {
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
}

type PingRequest struct{}

type GetOnlineUsersRequest struct {
	Room string `json:"room"`
}

func (AuthRequest) InboundType() MessageType           { return MessageTypeAuth }
func (JoinRoomRequest) InboundType() MessageType       { return MessageTypeJoinRoom }
func (LeaveRoomRequest) InboundType() MessageType      { return MessageTypeLeaveRoom }
func (SendMessageRequest) InboundType() MessageType    { return MessageTypeSendMessage }
func (UpdatePresenceRequest) InboundType() MessageType { return MessageTypeUpdatePresence }
func (PingRequest) InboundType() MessageType           { return MessageTypePing }
func (GetOnlineUsersRequest) InboundType() MessageType { return MessageTypeGetOnlineUsers }

// DecodeInbound parses one client frame into its typed request. Every
// returned error is a *DecodeError.
func DecodeInbound(data []byte) (Inbound, error) {
	// Raw payloads are relayed verbatim, so text frames must stay valid UTF-8.
	if !utf8.Valid(data) {
		return nil, &DecodeError{Err: fmt.Errorf("%w: invalid utf-8", ErrMalformedEnvelope)}
	}

	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
	}
	if head.Type == nil {
		return nil, &DecodeError{Field: "type", Err: ErrMissingField}
	}

	t := MessageType(*head.Type)
	switch t {
	case MessageTypeAuth:
		var req AuthRequest
		if err := decodeBody(t, data, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(req.UserID)) == "" {
			return nil, missing(t, "userId")
		}
		if strings.TrimSpace(req.UserType) == "" {
			return nil, missing(t, "userType")
		}
		return req, nil

	case MessageTypeJoinRoom:
		var req JoinRoomRequest
		if err := decodeBody(t, data, &req); err != nil {
			return nil, err
		}
		if req.Room == "" {
			return nil, missing(t, "room")
		}
		return req, nil

	case MessageTypeLeaveRoom:
		var req LeaveRoomRequest
		if err := decodeBody(t, data, &req); err != nil {
			return nil, err
		}
		if req.Room == "" {
			return nil, missing(t, "room")
		}
		return req, nil

	case MessageTypeSendMessage:
		var req SendMessageRequest
		if err := decodeBody(t, data, &req); err != nil {
			return nil, err
		}
		if req.Room == "" {
			return nil, missing(t, "room")
		}
		if len(req.Message) == 0 || bytes.Equal(req.Message, []byte("null")) {
			return nil, missing(t, "message")
		}
		if req.MessageType == "" {
			req.MessageType = "text"
		}
		return req, nil

	case MessageTypeUpdatePresence:
		var req UpdatePresenceRequest
		if err := decodeBody(t, data, &req); err != nil {
			return nil, err
		}
		if req.Status == "" {
			return nil, missing(t, "status")
		}
		return req, nil

	case MessageTypePing:
		return PingRequest{}, nil

	case MessageTypeGetOnlineUsers:
		var req GetOnlineUsersRequest
		if err := decodeBody(t, data, &req); err != nil {
			return nil, err
		}
		if req.Room == "" {
			return nil, missing(t, "room")
		}
		return req, nil

	default:
		return nil, &DecodeError{Type: t, Err: ErrUnknownType}
	}
}

func decodeBody(t MessageType, data []byte, dst interface{}) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return &DecodeError{Type: t, Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
	}
	return nil
}

func missing(t MessageType, field string) error {
	return &DecodeError{Type: t, Field: field, Err: ErrMissingField}
}

// Header carries the discriminator shared by every outbound frame.
type Header struct {
	Type MessageType `json:"type"`
}

func (h Header) FrameType() MessageType { return h.Type }

// Frame is any server -> client envelope.
type Frame interface {
	FrameType() MessageType
}

type ConnectionEstablished struct {
	Header
	ClientID   string   `json:"clientId"`
	ServerTime string   `json:"serverTime"`
	Features   []string `json:"features"`
}

type AuthSuccess struct {
	Header
	UserID   string   `json:"userId"`
	UserType string   `json:"userType"`
	Rooms    []string `json:"rooms"`
}

type RoomJoined struct {
	Header
	Room      string `json:"room"`
	Timestamp string `json:"timestamp"`
}

type RoomLeft struct {
	Header
	Room      string `json:"room"`
	Timestamp string `json:"timestamp"`
}

// RoomMemberEvent is sent to the other members of a room when someone
// joins or leaves it.
type RoomMemberEvent struct {
	Header
	Room      string `json:"room"`
	UserID    string `json:"userId"`
	UserType  string `json:"userType"`
	Timestamp string `json:"timestamp"`
}

type Message struct {
	Header
	MessageID   string          `json:"messageId"`
	From        string          `json:"from"`
	FromType    string          `json:"fromType"`
	Room        string          `json:"room"`
	Message     json.RawMessage `json:"message"`
	MessageType string          `json:"messageType"`
	Timestamp   string          `json:"timestamp"`
}

type MessageSent struct {
	Header
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
	Delivered int    `json:"delivered"`
	Queued    bool   `json:"queued"`
	Timestamp string `json:"timestamp"`
}

type PresenceUpdate struct {
	Header
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type OnlineUsers struct {
	Header
	Room  string        `json:"room"`
	Users []*OnlineUser `json:"users"`
}

// Notification is pushed by server-side collaborators through the hub.
type Notification struct {
	Header
	NotificationID string          `json:"notificationId"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      string          `json:"timestamp"`
}

type Pong struct {
	Header
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

type ErrorFrame struct {
	Header
	Message      string `json:"message"`
	OriginalType string `json:"originalType,omitempty"`
}

func NewErrorFrame(message string, originalType MessageType) *ErrorFrame {
	return &ErrorFrame{
		Header:       Header{Type: MessageTypeError},
		Message:      message,
		OriginalType: string(originalType),
	}
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp renders t as an ISO 8601 UTC string with millisecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
