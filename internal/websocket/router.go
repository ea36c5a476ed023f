package websocket

import (
	"context"
	"errors"
	"strings"

	"realtime-broker/internal/mailbox"
	"realtime-broker/internal/models"

	"github.com/google/uuid"
)

// route decodes one inbound frame and dispatches it. Nothing here closes
// the connection; bad input only earns an error frame.
func (h *Hub) route(c *Connection, data []byte) {
	req, err := models.DecodeInbound(data)
	if err != nil {
		h.rejectFrame(c, err)
		return
	}
	h.metrics.Inbound(req.InboundType())

	// Only auth and ping are allowed before authentication.
	switch req.(type) {
	case models.AuthRequest, models.PingRequest:
	default:
		if !c.Authenticated() {
			h.metrics.ProtocolError("unauthenticated")
			h.sendError(c, "Not authenticated", req.InboundType())
			return
		}
	}

	switch r := req.(type) {
	case models.AuthRequest:
		h.handleAuth(c, r)
	case models.JoinRoomRequest:
		h.handleJoinRoom(c, r)
	case models.LeaveRoomRequest:
		h.handleLeaveRoom(c, r)
	case models.SendMessageRequest:
		h.handleSendMessage(c, r)
	case models.UpdatePresenceRequest:
		h.handleUpdatePresence(c, r)
	case models.PingRequest:
		h.handlePing(c)
	case models.GetOnlineUsersRequest:
		h.handleGetOnlineUsers(c, r)
	default:
		h.metrics.ProtocolError("unknown_type")
		h.sendError(c, "Unknown message type: "+string(req.InboundType()), req.InboundType())
	}
}

func (h *Hub) rejectFrame(c *Connection, err error) {
	var de *models.DecodeError
	if !errors.As(err, &de) {
		de = &models.DecodeError{Err: models.ErrMalformedEnvelope}
	}

	kind := "malformed"
	switch {
	case errors.Is(err, models.ErrUnknownType):
		kind = "unknown_type"
	case errors.Is(err, models.ErrMissingField):
		kind = "missing_field"
	}
	h.metrics.ProtocolError(kind)
	h.logger.Debug().Err(err).Str("conn_id", c.ID).Str("kind", kind).Msg("Rejected frame")
	h.sendError(c, de.Error(), de.Type)
}

func (h *Hub) sendError(c *Connection, message string, originalType models.MessageType) {
	h.sendFrame(c, models.NewErrorFrame(message, originalType))
}

func (h *Hub) handleAuth(c *Connection, r models.AuthRequest) {
	if c.Authenticated() {
		h.metrics.ProtocolError("already_authenticated")
		h.sendError(c, "Already authenticated", models.MessageTypeAuth)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	identity, err := h.verifier.Verify(ctx, string(r.UserID), r.UserType, r.Token)
	if err != nil {
		h.metrics.ProtocolError("auth_failed")
		h.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("Authentication failed")
		h.sendError(c, "Authentication failed", models.MessageTypeAuth)
		return
	}

	personal := models.UserRoom(identity.UserID)
	role := models.RoleRoom(identity.UserType)

	// Joining the personal room, replaying the mailbox and acknowledging
	// happen under the user's lock, so live deliveries land after them.
	unlock := h.users.lock(identity.UserID)
	if !c.authenticate(identity.UserID, identity.UserType) {
		unlock()
		h.sendError(c, "Already authenticated", models.MessageTypeAuth)
		return
	}

	h.rooms.Join(c, personal)
	h.rooms.Join(c, role)

	cameOnline := h.presence.Connect(identity.UserID, c.ID)
	if c.isClosed() {
		// Lost a race with disconnect; undo so presence does not stick online.
		h.rooms.LeaveAll(c)
		h.presence.Disconnect(identity.UserID, c.ID)
		unlock()
		return
	}

	replayed, err := mailbox.DrainAndDeliver(ctx, h.mailbox, identity.UserID, func(e mailbox.Entry) bool {
		return h.sendRaw(c, e.Envelope)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to drain mailbox")
	}
	h.metrics.MailboxOp("replayed", replayed)

	h.sendFrame(c, &models.AuthSuccess{
		Header:   models.Header{Type: models.MessageTypeAuthSuccess},
		UserID:   identity.UserID,
		UserType: identity.UserType,
		Rooms:    []string{personal, role},
	})
	unlock()

	if cameOnline {
		h.broadcastToRooms([]string{personal, role}, &models.PresenceUpdate{
			Header:    models.Header{Type: models.MessageTypePresenceUpdate},
			UserID:    identity.UserID,
			Status:    models.StatusOnline,
			Timestamp: models.Timestamp(h.now()),
		}, c.ID)
	}

	at := h.now()
	h.record(func(ctx context.Context) error {
		return h.sessions.RecordAuth(ctx, c.ID, identity.UserID, identity.UserType, at)
	})
	h.logger.Info().
		Str("conn_id", c.ID).
		Str("user_id", identity.UserID).
		Str("user_type", identity.UserType).
		Int("replayed", replayed).
		Msg("Connection authenticated")
}

// reservedFor reports whether room is another identity's personal or role
// room, which clients may not join.
func reservedFor(room, userID, userType string) bool {
	if owner, ok := models.UserIDFromRoom(room); ok {
		return owner != userID
	}
	if strings.HasPrefix(room, models.RoleRoomPrefix) {
		return room != models.RoleRoom(userType)
	}
	return false
}

func (h *Hub) handleJoinRoom(c *Connection, r models.JoinRoomRequest) {
	userID, userType, _ := c.Identity()
	if reservedFor(r.Room, userID, userType) {
		h.sendError(c, "Cannot join reserved room: "+r.Room, models.MessageTypeJoinRoom)
		return
	}

	now := h.now()
	if h.rooms.Join(c, r.Room) {
		h.broadcastToRooms([]string{r.Room}, &models.RoomMemberEvent{
			Header:    models.Header{Type: models.MessageTypeUserJoined},
			Room:      r.Room,
			UserID:    userID,
			UserType:  userType,
			Timestamp: models.Timestamp(now),
		}, c.ID)
	}

	h.sendFrame(c, &models.RoomJoined{
		Header:    models.Header{Type: models.MessageTypeRoomJoined},
		Room:      r.Room,
		Timestamp: models.Timestamp(now),
	})
}

func (h *Hub) handleLeaveRoom(c *Connection, r models.LeaveRoomRequest) {
	userID, userType, _ := c.Identity()
	if r.Room == models.UserRoom(userID) || r.Room == models.RoleRoom(userType) {
		h.sendError(c, "Cannot leave reserved room: "+r.Room, models.MessageTypeLeaveRoom)
		return
	}

	now := h.now()
	if h.rooms.Leave(c, r.Room) {
		h.broadcastToRooms([]string{r.Room}, &models.RoomMemberEvent{
			Header:    models.Header{Type: models.MessageTypeUserLeft},
			Room:      r.Room,
			UserID:    userID,
			UserType:  userType,
			Timestamp: models.Timestamp(now),
		}, c.ID)
	}

	h.sendFrame(c, &models.RoomLeft{
		Header:    models.Header{Type: models.MessageTypeRoomLeft},
		Room:      r.Room,
		Timestamp: models.Timestamp(now),
	})
}

func (h *Hub) handleSendMessage(c *Connection, r models.SendMessageRequest) {
	userID, userType, _ := c.Identity()
	target, direct := models.UserIDFromRoom(r.Room)

	// Direct messages go to anyone; other rooms need membership.
	if !direct && !c.InRoom(r.Room) {
		h.sendError(c, "Not a member of room: "+r.Room, models.MessageTypeSendMessage)
		return
	}

	now := h.now()
	msg := &models.Message{
		Header:      models.Header{Type: models.MessageTypeMessage},
		MessageID:   uuid.NewString(),
		From:        userID,
		FromType:    userType,
		Room:        r.Room,
		Message:     r.Message,
		MessageType: r.MessageType,
		Timestamp:   models.Timestamp(now),
	}
	data, ok := h.marshal(msg)
	if !ok {
		h.sendError(c, "Invalid message payload", models.MessageTypeSendMessage)
		return
	}

	var (
		delivered int
		queued    bool
	)
	if direct {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		var err error
		delivered, queued, err = h.deliverToUser(ctx, target, data, c.ID)
		cancel()
		if err != nil {
			h.logger.Error().Err(err).Str("conn_id", c.ID).Msg("Direct delivery failed")
		}
	} else {
		delivered = h.broadcastRoom(r.Room, data, c.ID)
	}

	h.sendFrame(c, &models.MessageSent{
		Header:    models.Header{Type: models.MessageTypeMessageSent},
		MessageID: msg.MessageID,
		Room:      r.Room,
		Delivered: delivered,
		Queued:    queued,
		Timestamp: msg.Timestamp,
	})
}

func (h *Hub) handleUpdatePresence(c *Connection, r models.UpdatePresenceRequest) {
	if r.Status == models.StatusOffline {
		h.sendError(c, "Status offline is set by disconnecting", models.MessageTypeUpdatePresence)
		return
	}

	userID, _, _ := c.Identity()
	presence := h.presence.Update(userID, r.Status, r.CustomMessage)

	h.broadcastToRooms(c.Rooms(), &models.PresenceUpdate{
		Header:        models.Header{Type: models.MessageTypePresenceUpdate},
		UserID:        userID,
		Status:        presence.Status,
		CustomMessage: presence.CustomMessage,
		Timestamp:     models.Timestamp(presence.LastSeen),
	}, "")
}

func (h *Hub) handlePing(c *Connection) {
	h.sendFrame(c, &models.Pong{
		Header:    models.Header{Type: models.MessageTypePong},
		Timestamp: models.Timestamp(h.now()),
		ClientID:  c.ID,
	})
}

func (h *Hub) handleGetOnlineUsers(c *Connection, r models.GetOnlineUsersRequest) {
	userID, userType, _ := c.Identity()
	if reservedFor(r.Room, userID, userType) {
		h.sendError(c, "Cannot list reserved room: "+r.Room, models.MessageTypeGetOnlineUsers)
		return
	}

	h.sendFrame(c, &models.OnlineUsers{
		Header: models.Header{Type: models.MessageTypeOnlineUsers},
		Room:   r.Room,
		Users:  h.presence.OnlineUsersIn(h.rooms.Members(r.Room)),
	})
}
