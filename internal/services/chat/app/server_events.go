package server

import (
	"context"
	"log"

	"github.com/louisbranch/marketchat/internal/services/chat/domain"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
)

var _ domain.Publisher = (*gateway)(nil)

// Publish relays a committed domain event to the live connections it
// concerns. Delivery is best-effort.
func (g *gateway) Publish(_ context.Context, event domain.Event) {
	switch event.Kind {
	case domain.EventNewMessage:
		g.broadcast(g.hub.roomPeers(event.RoomID, ""), wire.TypeNewMessage, wire.MessageEnvelope{
			Message: wire.FromMessage(event.Message),
		})
	case domain.EventUserLeft:
		g.hub.detachUser(event.RoomID, event.UserID)
		g.typing.stop(event.RoomID, event.UserID)
		g.broadcast(g.hub.roomPeers(event.RoomID, ""), wire.TypeUserLeft, wire.MembershipEvent{
			RoomID:  event.RoomID,
			Message: wire.FromMessage(event.Message),
		})
	case domain.EventUserRejoined:
		g.hub.attachUser(event.RoomID, event.UserID)
		g.broadcast(g.hub.roomPeers(event.RoomID, ""), wire.TypeUserRejoined, wire.MembershipEvent{
			RoomID:  event.RoomID,
			Message: wire.FromMessage(event.Message),
		})
	case domain.EventNewChatRoom:
		g.hub.attachUser(event.RoomID, event.UserID)
		g.hub.attachUser(event.RoomID, event.TargetUserID)
		g.broadcast(g.hub.userPeers(event.TargetUserID), wire.TypeNewRoom, wire.RoomEnvelope{
			Room: wire.FromRoom(event.Room),
		})
	default:
		log.Printf("chat: unknown event kind=%q room=%q", event.Kind, event.RoomID)
	}
}

// relayTyping sends a typing transition to the room, skipping the typist's
// own connections.
func (g *gateway) relayTyping(roomID string, userID string, nickname string, isTyping bool) {
	g.broadcast(g.hub.roomPeers(roomID, userID), wire.TypeTyping, wire.TypingEvent{
		RoomID:   roomID,
		UserID:   userID,
		Nickname: nickname,
		IsTyping: isTyping,
	})
}

func (g *gateway) broadcast(peers []*wsPeer, frameType string, payload any) {
	if len(peers) == 0 {
		return
	}
	frame := wire.Frame{Type: frameType, Payload: mustJSON(payload)}
	for _, peer := range peers {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("chat: broadcast %s failed user=%q err=%v", frameType, peer.userID, err)
		}
	}
}
