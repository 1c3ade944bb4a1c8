package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/louisbranch/marketchat/internal/platform/errors"
	"github.com/louisbranch/marketchat/internal/platform/requestctx"
	"github.com/louisbranch/marketchat/internal/services/chat/domain"
	"github.com/louisbranch/marketchat/internal/services/chat/storage"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	maxJoinRooms           = 500
)

var (
	errInvalidFrame     = apperrors.New(apperrors.CodeValidation, "invalid frame payload")
	errPayloadTooLarge  = apperrors.New(apperrors.CodeValidation, "payload too large")
	errUnsupportedFrame = apperrors.New(apperrors.CodeValidation, "unsupported frame type")
	errTooManyRooms     = apperrors.New(apperrors.CodeValidation, "too many rooms")
	errRoomNotJoined    = apperrors.New(apperrors.CodeForbidden, "room not joined")
	errRateLimited      = apperrors.New(apperrors.CodeResourceExhausted, "rate limit exceeded")
)

// chatService is the domain surface the gateway drives.
type chatService interface {
	Resolve(ctx context.Context, listingID string, buyerID string) (domain.ResolveResult, error)
	Leave(ctx context.Context, roomID string, userID string) (domain.Message, error)
	ListMyRooms(ctx context.Context, userID string, page int, limit int) ([]domain.RoomSummary, error)
	GetRoom(ctx context.Context, roomID string, userID string) (domain.Room, error)
	SendMessage(ctx context.Context, input domain.SendInput) (domain.Message, error)
	ListMessages(ctx context.Context, roomID string, requesterID string, page int, limit int) (domain.MessagePage, error)
	HistoryBefore(ctx context.Context, roomID string, requesterID string, beforeSeq int64, limit int) (domain.HistoryPage, error)
	MarkAllRead(ctx context.Context, roomID string, userID string) (int, error)
	RequireActiveParticipant(ctx context.Context, roomID string, userID string) (storage.ParticipantRecord, error)
}

type gatewayConfig struct {
	Service        chatService
	Users          domain.UserLookup
	Authorizer     wsAuthorizer
	TypingThrottle time.Duration
	TypingExpiry   time.Duration
}

// gateway relays committed chat events to live websocket connections and
// serves the request side of the realtime protocol.
type gateway struct {
	service    chatService
	users      domain.UserLookup
	authorizer wsAuthorizer
	hub        *roomHub
	typing     *typingTracker
}

func newGateway(config gatewayConfig) *gateway {
	g := &gateway{
		service:    config.Service,
		users:      config.Users,
		authorizer: config.Authorizer,
		hub:        newRoomHub(),
	}
	g.typing = newTypingTracker(config.TypingThrottle, config.TypingExpiry, g.relayTyping)
	return g
}

func (g *gateway) close() {
	g.typing.close()
}

// wsSession is the per-connection state after the user was resolved.
type wsSession struct {
	userID   string
	nickname string
	peer     *wsPeer
}

func newHandler(g *gateway) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(g.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID, err := authenticateRequest(r, g.authorizer)
		if err != nil {
			log.Printf("chat: websocket unauthorized host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		wsHandler.ServeHTTP(w, r.WithContext(requestctx.WithUserID(r.Context(), userID)))
	})

	g.registerAPI(mux)
	return mux
}

func (g *gateway) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := conn.Request().Context()
	userID := requestctx.UserIDFromContext(ctx)
	peer := newWSPeer(conn, userID)
	user, err := lookupUser(ctx, g.users, userID)
	if err != nil {
		log.Printf("chat: websocket rejected user=%q err=%v", userID, err)
		_ = writeWSError(peer, "", err)
		return
	}
	session := &wsSession{userID: user.ID, nickname: user.Nickname, peer: peer}

	g.hub.register(peer)
	defer g.disconnect(session)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", errInvalidFrame)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, errPayloadTooLarge)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			log.Printf("chat: websocket rate limited user=%q", session.userID)
			_ = writeWSError(peer, frame.RequestID, errRateLimited)
			return
		}

		g.dispatch(ctx, session, frame)
	}
}

func (g *gateway) dispatch(ctx context.Context, session *wsSession, frame wire.Frame) {
	switch frame.Type {
	case wire.TypeJoinRooms:
		g.handleJoinRoomsFrame(session, frame)
	case wire.TypeSend:
		g.handleSendFrame(ctx, session, frame)
	case wire.TypeTypingStart:
		g.handleTypingStartFrame(ctx, session, frame)
	case wire.TypeTypingStop:
		g.handleTypingStopFrame(session, frame)
	case wire.TypeMarkRead:
		g.handleMarkReadFrame(ctx, session, frame)
	case wire.TypeLeave:
		g.handleLeaveFrame(ctx, session, frame)
	case wire.TypeHistoryBefore:
		g.handleHistoryBeforeFrame(ctx, session, frame)
	default:
		_ = writeWSError(session.peer, frame.RequestID, errUnsupportedFrame)
	}
}

func (g *gateway) disconnect(session *wsSession) {
	if g.hub.unregister(session.peer) {
		g.typing.stopUser(session.userID)
	}
}

// handleJoinRoomsFrame subscribes the connection to room broadcasts. Room
// membership was enforced when the client listed its rooms.
func (g *gateway) handleJoinRoomsFrame(session *wsSession, frame wire.Frame) {
	var payload wire.JoinRoomsPayload
	if err := decodePayload(frame, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}
	if len(payload.RoomIDs) > maxJoinRooms {
		_ = writeWSError(session.peer, frame.RequestID, errTooManyRooms)
		return
	}
	joined := g.hub.join(session.peer, payload.RoomIDs)
	_ = writeAck(session.peer, frame.RequestID, wire.AckResult{Status: wire.StatusOK, JoinedRooms: joined})
}

func (g *gateway) handleSendFrame(ctx context.Context, session *wsSession, frame wire.Frame) {
	var payload wire.SendPayload
	if err := decodePayload(frame, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}
	message, err := g.service.SendMessage(ctx, domain.SendInput{
		RoomID:          payload.RoomID,
		SenderID:        session.userID,
		Content:         payload.Content,
		ClientMessageID: payload.ClientMessageID,
	})
	if err != nil {
		g.writeFailure(session, frame, err)
		return
	}
	g.typing.stop(message.RoomID, session.userID)

	out := wire.FromMessage(message)
	_ = writeAck(session.peer, frame.RequestID, wire.AckResult{Status: wire.StatusOK, Message: &out})
}

// handleTypingStartFrame relays typing only for a joined connection whose
// user is still an active member.
func (g *gateway) handleTypingStartFrame(ctx context.Context, session *wsSession, frame wire.Frame) {
	roomID, err := decodeRoomID(frame)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}
	if !g.hub.joined(session.peer, roomID) {
		_ = writeWSError(session.peer, frame.RequestID, errRoomNotJoined)
		return
	}
	if _, err := g.service.RequireActiveParticipant(ctx, roomID, session.userID); err != nil {
		g.writeFailure(session, frame, err)
		return
	}
	g.typing.start(roomID, session.userID, session.nickname)
	_ = writeAck(session.peer, frame.RequestID, wire.AckResult{Status: wire.StatusOK})
}

func (g *gateway) handleTypingStopFrame(session *wsSession, frame wire.Frame) {
	roomID, err := decodeRoomID(frame)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}
	g.typing.stop(roomID, session.userID)
	_ = writeAck(session.peer, frame.RequestID, wire.AckResult{Status: wire.StatusOK})
}

func (g *gateway) handleMarkReadFrame(ctx context.Context, session *wsSession, frame wire.Frame) {
	roomID, err := decodeRoomID(frame)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}
	count, err := g.service.MarkAllRead(ctx, roomID, session.userID)
	if err != nil {
		g.writeFailure(session, frame, err)
		return
	}
	_ = writeAck(session.peer, frame.RequestID, wire.AckResult{Status: wire.StatusOK, Count: count})
}

func (g *gateway) handleLeaveFrame(ctx context.Context, session *wsSession, frame wire.Frame) {
	roomID, err := decodeRoomID(frame)
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}
	if _, err := g.service.Leave(ctx, roomID, session.userID); err != nil {
		g.writeFailure(session, frame, err)
		return
	}
	_ = writeAck(session.peer, frame.RequestID, wire.AckResult{Status: wire.StatusOK})
}

// handleHistoryBeforeFrame streams older messages oldest-first, then acks
// with the number sent.
func (g *gateway) handleHistoryBeforeFrame(ctx context.Context, session *wsSession, frame wire.Frame) {
	var payload wire.HistoryBeforePayload
	if err := decodePayload(frame, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}
	page, err := g.service.HistoryBefore(ctx, payload.RoomID, session.userID, payload.BeforeSeq, payload.Limit)
	if err != nil {
		g.writeFailure(session, frame, err)
		return
	}
	for i := len(page.Messages) - 1; i >= 0; i-- {
		if err := session.peer.writeFrame(wire.Frame{
			Type:      wire.TypeHistoryMessage,
			RequestID: frame.RequestID,
			Payload:   mustJSON(wire.MessageEnvelope{Message: wire.FromMessage(page.Messages[i])}),
		}); err != nil {
			return
		}
	}
	_ = writeAck(session.peer, frame.RequestID, wire.AckResult{
		Status:  wire.StatusOK,
		Count:   len(page.Messages),
		HasMore: page.HasMore,
	})
}

func (g *gateway) writeFailure(session *wsSession, frame wire.Frame, err error) {
	if apperrors.CodeOf(err) == apperrors.CodeInternal {
		log.Printf("chat: %s failed user=%q request_id=%q err=%v", frame.Type, session.userID, frame.RequestID, err)
	}
	_ = writeWSError(session.peer, frame.RequestID, err)
}

func decodePayload(frame wire.Frame, target any) error {
	if len(frame.Payload) == 0 {
		return errInvalidFrame
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return errInvalidFrame
	}
	return nil
}

func decodeRoomID(frame wire.Frame) (string, error) {
	var payload wire.RoomPayload
	if err := decodePayload(frame, &payload); err != nil {
		return "", err
	}
	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		return "", domain.ErrRoomIDRequired
	}
	return roomID, nil
}

func writeAck(peer *wsPeer, requestID string, result wire.AckResult) error {
	return peer.writeFrame(wire.Frame{
		Type:      wire.TypeAck,
		RequestID: requestID,
		Payload:   mustJSON(wire.AckEnvelope{Result: result}),
	})
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	code := apperrors.CodeOf(err)
	return peer.writeFrame(wire.Frame{
		Type:      wire.TypeError,
		RequestID: requestID,
		Payload: mustJSON(wire.ErrorEnvelope{Error: wire.Error{
			Code:      string(code),
			Message:   apperrors.PublicMessage(err),
			Retryable: code.Retryable(),
		}}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
