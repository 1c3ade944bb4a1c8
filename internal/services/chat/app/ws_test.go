package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/marketchat/internal/services/chat/domain"
	"github.com/louisbranch/marketchat/internal/services/chat/render"
	"github.com/louisbranch/marketchat/internal/services/chat/storage/sqlite"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
	"golang.org/x/net/websocket"
)

const (
	anaID     = "user-7"
	boID      = "user-3"
	cyID      = "user-9"
	listingID = "listing-42"

	anaToken   = "token-ana"
	boToken    = "token-bo"
	cyToken    = "token-cy"
	ghostToken = "token-ghost"
)

const testSeed = `{
	"users": [
		{"id": "user-7", "nickname": "Ana"},
		{"id": "user-3", "nickname": "Bo"},
		{"id": "user-9", "nickname": "Cy"}
	],
	"listings": [
		{"id": "listing-42", "owner_id": "user-3", "title": "Dune, first edition", "book_title": "Dune", "book_author": "Frank Herbert"}
	]
}`

type fakeWSAuthorizer struct {
	users map[string]string
}

func (f fakeWSAuthorizer) Authenticate(_ context.Context, accessToken string) (string, error) {
	userID, ok := f.users[accessToken]
	if !ok {
		return "", errAuthenticationRequired
	}
	return userID, nil
}

type chatHarness struct {
	store   *sqlite.Store
	service *domain.Service
	gateway *gateway
	server  *httptest.Server
}

type harnessOptions struct {
	typingThrottle time.Duration
	typingExpiry   time.Duration
}

func newChatHarness(t *testing.T) *chatHarness {
	return newChatHarnessWithOptions(t, harnessOptions{typingThrottle: time.Hour, typingExpiry: time.Hour})
}

func newChatHarnessWithOptions(t *testing.T, opts harnessOptions) *chatHarness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if _, _, err := LoadSeed(context.Background(), store, strings.NewReader(testSeed)); err != nil {
		t.Fatalf("load seed: %v", err)
	}

	service := domain.NewService(domain.Config{
		Store:     store,
		Listings:  store,
		Users:     store,
		Localizer: render.NewPrinter("en-US"),
	})
	gw := newGateway(gatewayConfig{
		Service: service,
		Users:   store,
		Authorizer: fakeWSAuthorizer{users: map[string]string{
			anaToken:   anaID,
			boToken:    boID,
			cyToken:    cyID,
			ghostToken: "user-404",
		}},
		TypingThrottle: opts.typingThrottle,
		TypingExpiry:   opts.typingExpiry,
	})
	service.SetPublisher(gw)
	t.Cleanup(gw.close)

	srv := httptest.NewServer(newHandler(gw))
	t.Cleanup(srv.Close)

	return &chatHarness{store: store, service: service, gateway: gw, server: srv}
}

// resolveRoom opens the listing conversation between Ana and Bo.
func (h *chatHarness) resolveRoom(t *testing.T) string {
	t.Helper()
	result, err := h.service.Resolve(context.Background(), listingID, anaID)
	if err != nil {
		t.Fatalf("resolve room: %v", err)
	}
	return result.Room.ID
}

func (h *chatHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	return dialWSWithExistingServer(t, h.server, "/ws", tokenCookieName+"="+token)
}

func dialWSWithServerURL(httpURL string, path string, cookie string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	if strings.TrimSpace(cookie) == "" {
		return websocket.Dial(wsURL, "", httpURL)
	}
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Cookie", cookie)
	return websocket.DialConfig(cfg)
}

func dialWSWithExistingServer(t *testing.T, srv *httptest.Server, path string, cookie string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, path, cookie)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wire.Frame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// expectNoFrame fails if the server writes anything within wait. The
// connection is unusable afterwards.
func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(wait))
	var got wire.Frame
	if err := json.NewDecoder(conn).Decode(&got); err == nil {
		t.Fatalf("unexpected frame %s: %s", got.Type, got.Payload)
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wire.Frame
	if err := json.NewDecoder(conn).Decode(&got); err == nil {
		t.Fatalf("expected closed connection, got frame %s", got.Type)
	}
}

func decodeAck(t *testing.T, frame wire.Frame) wire.AckResult {
	t.Helper()
	if frame.Type != wire.TypeAck {
		t.Fatalf("frame type = %q, want %q (payload %s)", frame.Type, wire.TypeAck, frame.Payload)
	}
	var ack wire.AckEnvelope
	if err := json.Unmarshal(frame.Payload, &ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	return ack.Result
}

func decodeError(t *testing.T, frame wire.Frame) wire.Error {
	t.Helper()
	if frame.Type != wire.TypeError {
		t.Fatalf("frame type = %q, want %q (payload %s)", frame.Type, wire.TypeError, frame.Payload)
	}
	var envelope wire.ErrorEnvelope
	if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return envelope.Error
}

func decodeInto[T any](t *testing.T, frame wire.Frame, wantType string) T {
	t.Helper()
	if frame.Type != wantType {
		t.Fatalf("frame type = %q, want %q (payload %s)", frame.Type, wantType, frame.Payload)
	}
	var out T
	if err := json.Unmarshal(frame.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", wantType, err)
	}
	return out
}

func joinRooms(t *testing.T, conn *websocket.Conn, roomIDs ...string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       wire.TypeJoinRooms,
		"request_id": "join-1",
		"payload":    map[string]any{"room_ids": roomIDs},
	})
	ack := decodeAck(t, readFrame(t, conn))
	if len(ack.JoinedRooms) != len(roomIDs) {
		t.Fatalf("joined_rooms = %v, want %v", ack.JoinedRooms, roomIDs)
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, requestID string, roomID string, content string, clientMessageID string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       wire.TypeSend,
		"request_id": requestID,
		"payload": map[string]any{
			"room_id":           roomID,
			"content":           content,
			"client_message_id": clientMessageID,
		},
	})
}

func roomFrame(t *testing.T, conn *websocket.Conn, frameType string, requestID string, roomID string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       frameType,
		"request_id": requestID,
		"payload":    map[string]any{"room_id": roomID},
	})
}

func TestWebSocketEndpointRequiresToken(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	tests := map[string]string{
		"missing": "",
		"unknown": tokenCookieName + "=token-nobody",
	}
	for name, cookie := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			conn, err := dialWSWithServerURL(h.server.URL, "/ws", cookie)
			if err == nil {
				_ = conn.Close()
				t.Fatal("expected websocket dial to fail")
			}
			if !strings.Contains(err.Error(), "bad status") {
				t.Fatalf("dial error = %v, want bad status", err)
			}
		})
	}
}

func TestWebSocketUnknownUserGetsErrorThenClose(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	conn := h.dial(t, ghostToken)

	wsErr := decodeError(t, readFrame(t, conn))
	if wsErr.Code != "UNAUTHENTICATED" {
		t.Fatalf("error code = %q, want UNAUTHENTICATED", wsErr.Code)
	}
	expectClosed(t, conn)
}

func TestWebSocketJoinRoomsAcksNormalizedRooms(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	conn := h.dial(t, anaToken)

	writeFrame(t, conn, map[string]any{
		"type":       wire.TypeJoinRooms,
		"request_id": "req-join",
		"payload":    map[string]any{"room_ids": []string{"room-b", "room-a", " room-a ", ""}},
	})
	frame := readFrame(t, conn)
	if frame.RequestID != "req-join" {
		t.Fatalf("request_id = %q, want %q", frame.RequestID, "req-join")
	}
	ack := decodeAck(t, frame)
	if ack.Status != wire.StatusOK {
		t.Fatalf("status = %q, want ok", ack.Status)
	}
	if strings.Join(ack.JoinedRooms, ",") != "room-b,room-a" {
		t.Fatalf("joined_rooms = %v, want [room-b room-a]", ack.JoinedRooms)
	}
}

func TestWebSocketUnknownTypeReturnsValidationError(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	conn := h.dial(t, anaToken)

	writeFrame(t, conn, map[string]any{"type": "chat.unknown", "request_id": "req-1", "payload": map[string]any{}})
	frame := readFrame(t, conn)
	if frame.RequestID != "req-1" {
		t.Fatalf("request_id = %q, want req-1", frame.RequestID)
	}
	if got := decodeError(t, frame); got.Code != "VALIDATION" || got.Retryable {
		t.Fatalf("error = %+v, want non-retryable VALIDATION", got)
	}
}

func TestWebSocketSendBroadcastsCommittedMessage(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)
	bo := h.dial(t, boToken)
	joinRooms(t, ana, roomID)
	joinRooms(t, bo, roomID)

	sendMessage(t, ana, "req-send", roomID, "  is it still available?  ", "c-1")

	var ack wire.AckResult
	var echoed wire.MessageEnvelope
	for range 2 {
		frame := readFrame(t, ana)
		switch frame.Type {
		case wire.TypeAck:
			if frame.RequestID != "req-send" {
				t.Fatalf("ack request_id = %q, want req-send", frame.RequestID)
			}
			ack = decodeAck(t, frame)
		case wire.TypeNewMessage:
			echoed = decodeInto[wire.MessageEnvelope](t, frame, wire.TypeNewMessage)
		default:
			t.Fatalf("unexpected frame %s", frame.Type)
		}
	}
	if ack.Message == nil || ack.Message.Seq != 1 || ack.Message.ClientMessageID != "c-1" {
		t.Fatalf("ack message = %+v, want seq 1 with client id c-1", ack.Message)
	}
	if echoed.Message.ID != ack.Message.ID {
		t.Fatalf("echoed id = %q, want %q", echoed.Message.ID, ack.Message.ID)
	}

	got := decodeInto[wire.MessageEnvelope](t, readFrame(t, bo), wire.TypeNewMessage).Message
	if got.Content != "is it still available?" || got.SenderID != anaID || got.System {
		t.Fatalf("broadcast message = %+v", got)
	}
	if got.ClientMessageID != "c-1" || got.RoomID != roomID {
		t.Fatalf("broadcast correlation = %+v", got)
	}
}

func TestWebSocketSendErrorsCarryTaxonomyCodes(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	cy := h.dial(t, cyToken)

	tests := []struct {
		name    string
		roomID  string
		content string
		want    string
	}{
		{name: "stranger", roomID: roomID, content: "hi", want: "FORBIDDEN"},
		{name: "missing room", roomID: "room-missing", content: "hi", want: "NOT_FOUND"},
		{name: "empty content", roomID: roomID, content: "   ", want: "VALIDATION"},
	}
	for i, tc := range tests {
		requestID := "req-" + tc.name
		sendMessage(t, cy, requestID, tc.roomID, tc.content, "")
		frame := readFrame(t, cy)
		if frame.RequestID != requestID {
			t.Fatalf("case %d request_id = %q, want %q", i, frame.RequestID, requestID)
		}
		if got := decodeError(t, frame); got.Code != tc.want {
			t.Fatalf("%s: code = %q, want %q", tc.name, got.Code, tc.want)
		}
	}
}

func TestWebSocketSendIsIdempotentByClientMessageID(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)
	bo := h.dial(t, boToken)
	joinRooms(t, bo, roomID)

	sendMessage(t, ana, "req-1", roomID, "hello", "c-dup")
	first := decodeAck(t, readFrame(t, ana))
	sendMessage(t, ana, "req-2", roomID, "hello", "c-dup")
	second := decodeAck(t, readFrame(t, ana))
	if first.Message == nil || second.Message == nil || first.Message.ID != second.Message.ID {
		t.Fatalf("retry acks = %+v / %+v, want same message", first.Message, second.Message)
	}
	sendMessage(t, ana, "req-3", roomID, "second", "c-next")
	_ = decodeAck(t, readFrame(t, ana))

	one := decodeInto[wire.MessageEnvelope](t, readFrame(t, bo), wire.TypeNewMessage).Message
	two := decodeInto[wire.MessageEnvelope](t, readFrame(t, bo), wire.TypeNewMessage).Message
	if one.ClientMessageID != "c-dup" || two.ClientMessageID != "c-next" || two.Seq != 2 {
		t.Fatalf("broadcasts = %+v then %+v, want one c-dup then c-next at seq 2", one, two)
	}
}

func TestWebSocketNewRoomNotifiesSeller(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	bo := h.dial(t, boToken)
	// Wait for registration before the room is created.
	joinRooms(t, bo)

	roomID := h.resolveRoom(t)

	room := decodeInto[wire.RoomEnvelope](t, readFrame(t, bo), wire.TypeNewRoom).Room
	if room.ID != roomID || room.Listing.ID != listingID {
		t.Fatalf("new room = %+v, want %s for %s", room, roomID, listingID)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(room.Participants))
	}
}

func TestWebSocketResolveAttachesBothParticipants(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	ana := h.dial(t, anaToken)
	bo := h.dial(t, boToken)
	joinRooms(t, ana)
	joinRooms(t, bo)

	roomID := h.resolveRoom(t)
	_ = decodeInto[wire.RoomEnvelope](t, readFrame(t, bo), wire.TypeNewRoom)

	sendMessage(t, bo, "req-reply", roomID, "hi ana", "c-bo")
	for range 2 {
		_ = readFrame(t, bo)
	}
	reply := decodeInto[wire.MessageEnvelope](t, readFrame(t, ana), wire.TypeNewMessage).Message
	if reply.Content != "hi ana" || reply.SenderID != boID {
		t.Fatalf("buyer received %+v, want the seller's reply", reply)
	}

	sendMessage(t, ana, "req-ask", roomID, "still available?", "c-ana")
	var echoed wire.Message
	for range 2 {
		frame := readFrame(t, ana)
		if frame.Type == wire.TypeNewMessage {
			echoed = decodeInto[wire.MessageEnvelope](t, frame, wire.TypeNewMessage).Message
		}
	}
	if echoed.ClientMessageID != "c-ana" {
		t.Fatalf("buyer echo = %+v, want client id c-ana", echoed)
	}
	ask := decodeInto[wire.MessageEnvelope](t, readFrame(t, bo), wire.TypeNewMessage).Message
	if ask.Content != "still available?" || ask.SenderID != anaID {
		t.Fatalf("seller received %+v, want the buyer's question", ask)
	}
}

func TestWebSocketLeaveDetachesLeaverAndNotifiesRoom(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)
	bo := h.dial(t, boToken)
	joinRooms(t, ana, roomID)
	joinRooms(t, bo, roomID)

	roomFrame(t, ana, wire.TypeLeave, "req-leave", roomID)
	ack := decodeAck(t, readFrame(t, ana))
	if ack.Status != wire.StatusOK {
		t.Fatalf("leave status = %q", ack.Status)
	}

	left := decodeInto[wire.MembershipEvent](t, readFrame(t, bo), wire.TypeUserLeft)
	if left.RoomID != roomID || !left.Message.System || left.Message.Content != "Ana left the conversation" {
		t.Fatalf("user_left = %+v", left)
	}

	roomFrame(t, ana, wire.TypeLeave, "req-leave-again", roomID)
	if got := decodeError(t, readFrame(t, ana)); got.Code != "NOT_FOUND" {
		t.Fatalf("second leave code = %q, want NOT_FOUND", got.Code)
	}

	sendMessage(t, bo, "req-after", roomID, "are you there?", "")
	for range 2 {
		_ = readFrame(t, bo)
	}
	expectNoFrame(t, ana, 200*time.Millisecond)
}

func TestWebSocketRejoinAttachesLiveConnections(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)
	bo := h.dial(t, boToken)
	joinRooms(t, ana, roomID)
	joinRooms(t, bo, roomID)

	roomFrame(t, ana, wire.TypeLeave, "req-leave", roomID)
	_ = decodeAck(t, readFrame(t, ana))
	_ = decodeInto[wire.MembershipEvent](t, readFrame(t, bo), wire.TypeUserLeft)

	if again := h.resolveRoom(t); again != roomID {
		t.Fatalf("rejoin room = %q, want %q", again, roomID)
	}

	for name, conn := range map[string]*websocket.Conn{"ana": ana, "bo": bo} {
		event := decodeInto[wire.MembershipEvent](t, readFrame(t, conn), wire.TypeUserRejoined)
		if event.Message.Content != "Ana rejoined the conversation" {
			t.Fatalf("%s rejoin content = %q", name, event.Message.Content)
		}
	}
}

func TestWebSocketTypingIsThrottledAndExpires(t *testing.T) {
	t.Parallel()

	h := newChatHarnessWithOptions(t, harnessOptions{typingThrottle: time.Hour, typingExpiry: 150 * time.Millisecond})
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)
	bo := h.dial(t, boToken)
	joinRooms(t, ana, roomID)
	joinRooms(t, bo, roomID)

	roomFrame(t, ana, wire.TypeTypingStart, "req-t1", roomID)
	_ = decodeAck(t, readFrame(t, ana))
	roomFrame(t, ana, wire.TypeTypingStart, "req-t2", roomID)
	_ = decodeAck(t, readFrame(t, ana))

	started := decodeInto[wire.TypingEvent](t, readFrame(t, bo), wire.TypeTyping)
	if !started.IsTyping || started.UserID != anaID || started.Nickname != "Ana" {
		t.Fatalf("typing start = %+v", started)
	}
	expired := decodeInto[wire.TypingEvent](t, readFrame(t, bo), wire.TypeTyping)
	if expired.IsTyping || expired.RoomID != roomID {
		t.Fatalf("typing expiry = %+v, want is_typing=false", expired)
	}
}

func TestWebSocketSendStopsTyping(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)
	bo := h.dial(t, boToken)
	joinRooms(t, ana, roomID)
	joinRooms(t, bo, roomID)

	roomFrame(t, ana, wire.TypeTypingStart, "req-typing", roomID)
	_ = decodeAck(t, readFrame(t, ana))
	if event := decodeInto[wire.TypingEvent](t, readFrame(t, bo), wire.TypeTyping); !event.IsTyping {
		t.Fatalf("typing = %+v, want is_typing=true", event)
	}

	sendMessage(t, ana, "req-send", roomID, "done typing", "c-1")
	_ = decodeInto[wire.MessageEnvelope](t, readFrame(t, bo), wire.TypeNewMessage)
	if event := decodeInto[wire.TypingEvent](t, readFrame(t, bo), wire.TypeTyping); event.IsTyping {
		t.Fatalf("typing after send = %+v, want is_typing=false", event)
	}
	if h.gateway.typing.active(roomID, anaID) {
		t.Fatal("typing state should be cleared after send")
	}
}

func TestWebSocketTypingRequiresJoinedRoom(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)

	roomFrame(t, ana, wire.TypeTypingStart, "req-typing", roomID)
	if got := decodeError(t, readFrame(t, ana)); got.Code != "FORBIDDEN" {
		t.Fatalf("code = %q, want FORBIDDEN", got.Code)
	}
	roomFrame(t, ana, wire.TypeTypingStop, "req-stop", "")
	if got := decodeError(t, readFrame(t, ana)); got.Code != "VALIDATION" {
		t.Fatalf("code = %q, want VALIDATION", got.Code)
	}
}

func TestWebSocketTypingRequiresActiveMembership(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	ana := h.dial(t, anaToken)
	cy := h.dial(t, cyToken)

	joinRooms(t, ana, roomID)
	roomFrame(t, ana, wire.TypeLeave, "req-leave", roomID)
	_ = decodeAck(t, readFrame(t, ana))
	joinRooms(t, ana, roomID)
	roomFrame(t, ana, wire.TypeTypingStart, "req-left", roomID)
	if got := decodeError(t, readFrame(t, ana)); got.Code != "FORBIDDEN" || got.Message != "participant has left this room" {
		t.Fatalf("left member error = %+v", got)
	}

	joinRooms(t, cy, roomID, "room-missing")
	roomFrame(t, cy, wire.TypeTypingStart, "req-stranger", roomID)
	if got := decodeError(t, readFrame(t, cy)); got.Code != "FORBIDDEN" {
		t.Fatalf("stranger code = %q, want FORBIDDEN", got.Code)
	}
	roomFrame(t, cy, wire.TypeTypingStart, "req-missing", "room-missing")
	if got := decodeError(t, readFrame(t, cy)); got.Code != "NOT_FOUND" {
		t.Fatalf("missing room code = %q, want NOT_FOUND", got.Code)
	}

	if h.gateway.typing.active(roomID, anaID) || h.gateway.typing.active(roomID, cyID) {
		t.Fatal("rejected typing starts should not be tracked")
	}
}

func TestWebSocketMarkReadAcksCount(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	bo := h.dial(t, boToken)
	ana := h.dial(t, anaToken)

	for i, content := range []string{"hi", "still here"} {
		sendMessage(t, bo, "req-send", roomID, content, "c-"+string(rune('a'+i)))
		_ = decodeAck(t, readFrame(t, bo))
	}

	roomFrame(t, ana, wire.TypeMarkRead, "req-read", roomID)
	if ack := decodeAck(t, readFrame(t, ana)); ack.Count != 2 {
		t.Fatalf("first mark read count = %d, want 2", ack.Count)
	}
	roomFrame(t, ana, wire.TypeMarkRead, "req-read-again", roomID)
	if ack := decodeAck(t, readFrame(t, ana)); ack.Count != 0 {
		t.Fatalf("second mark read count = %d, want 0", ack.Count)
	}
	unread, err := h.service.UnreadCount(context.Background(), roomID, anaID)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if unread != 0 {
		t.Fatalf("unread = %d, want 0", unread)
	}
}

func TestWebSocketHistoryBeforeStreamsOlderMessages(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	roomID := h.resolveRoom(t)
	for _, content := range []string{"one", "two", "three"} {
		if _, err := h.service.SendMessage(context.Background(), domain.SendInput{RoomID: roomID, SenderID: anaID, Content: content}); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}
	ana := h.dial(t, anaToken)

	writeFrame(t, ana, map[string]any{
		"type":       wire.TypeHistoryBefore,
		"request_id": "req-history",
		"payload":    map[string]any{"room_id": roomID, "before_seq": 3, "limit": 1},
	})
	message := decodeInto[wire.MessageEnvelope](t, readFrame(t, ana), wire.TypeHistoryMessage).Message
	if message.Seq != 2 || message.Content != "two" {
		t.Fatalf("history message = %+v, want seq 2", message)
	}
	frame := readFrame(t, ana)
	if frame.RequestID != "req-history" {
		t.Fatalf("ack request_id = %q", frame.RequestID)
	}
	ack := decodeAck(t, frame)
	if ack.Count != 1 || !ack.HasMore {
		t.Fatalf("history ack = %+v, want count 1 has_more", ack)
	}
}

func TestWebSocketDecodeErrorsCloseConnection(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	conn := h.dial(t, anaToken)

	if _, err := conn.Write([]byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	for range maxDecodeErrorsPerConn {
		if got := decodeError(t, readFrame(t, conn)); got.Code != "VALIDATION" {
			t.Fatalf("code = %q, want VALIDATION", got.Code)
		}
	}
	expectClosed(t, conn)
}

func TestWebSocketRateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	conn := h.dial(t, anaToken)

	for range maxFramesPerSecond + 1 {
		writeFrame(t, conn, map[string]any{"type": "chat.unknown", "payload": map[string]any{}})
	}
	for range maxFramesPerSecond {
		_ = decodeError(t, readFrame(t, conn))
	}
	if got := decodeError(t, readFrame(t, conn)); got.Code != "RESOURCE_EXHAUSTED" || !got.Retryable {
		t.Fatalf("error = %+v, want retryable RESOURCE_EXHAUSTED", got)
	}
	expectClosed(t, conn)
}

func TestWebSocketDisconnectUnregistersPeer(t *testing.T) {
	t.Parallel()

	h := newChatHarness(t)
	conn := h.dial(t, anaToken)
	joinRooms(t, conn, "room-a")
	if rooms, users := h.gateway.hub.size(); rooms != 1 || users != 1 {
		t.Fatalf("hub size = %d rooms %d users, want 1/1", rooms, users)
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rooms, users := h.gateway.hub.size(); rooms == 0 && users == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("peer still registered after disconnect")
}
