package server

import (
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/marketchat/internal/platform/timeouts"
	"github.com/louisbranch/marketchat/internal/services/chat/wire"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// wsPeer is one live connection. Writes are serialized per peer.
type wsPeer struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	deadline writeDeadliner
	userID   string

	// rooms is guarded by roomHub.mu.
	rooms map[string]struct{}
}

func newWSPeer(w io.Writer, userID string) *wsPeer {
	peer := &wsPeer{
		encoder: json.NewEncoder(w),
		userID:  userID,
		rooms:   make(map[string]struct{}),
	}
	if deadline, ok := w.(writeDeadliner); ok {
		peer.deadline = deadline
	}
	return peer
}

func (p *wsPeer) writeFrame(frame wire.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadline != nil {
		_ = p.deadline.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
	}
	return p.encoder.Encode(frame)
}

type peerSet map[*wsPeer]struct{}

// roomHub indexes live peers by joined room and by user.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]peerSet
	users map[string]peerSet
}

func newRoomHub() *roomHub {
	return &roomHub{
		rooms: make(map[string]peerSet),
		users: make(map[string]peerSet),
	}
}

func (h *roomHub) register(peer *wsPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addPeer(h.users, peer.userID, peer)
}

// unregister drops peer from every index and reports whether it was the
// user's last live connection.
func (h *roomHub) unregister(peer *wsPeer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range peer.rooms {
		removePeer(h.rooms, roomID, peer)
	}
	peer.rooms = make(map[string]struct{})
	removePeer(h.users, peer.userID, peer)
	return len(h.users[peer.userID]) == 0
}

// join subscribes peer to roomIDs and returns the normalized ids, in request
// order without duplicates.
func (h *roomHub) join(peer *wsPeer, roomIDs []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined := make([]string, 0, len(roomIDs))
	seen := make(map[string]struct{}, len(roomIDs))
	for _, roomID := range roomIDs {
		roomID = strings.TrimSpace(roomID)
		if roomID == "" {
			continue
		}
		if _, ok := seen[roomID]; ok {
			continue
		}
		seen[roomID] = struct{}{}
		addPeer(h.rooms, roomID, peer)
		peer.rooms[roomID] = struct{}{}
		joined = append(joined, roomID)
	}
	return joined
}

func (h *roomHub) joined(peer *wsPeer, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := peer.rooms[roomID]
	return ok
}

// attachUser joins every live connection of userID to roomID.
func (h *roomHub) attachUser(roomID string, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for peer := range h.users[userID] {
		addPeer(h.rooms, roomID, peer)
		peer.rooms[roomID] = struct{}{}
	}
}

// detachUser removes every live connection of userID from roomID.
func (h *roomHub) detachUser(roomID string, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for peer := range h.users[userID] {
		removePeer(h.rooms, roomID, peer)
		delete(peer.rooms, roomID)
	}
}

// roomPeers returns the peers joined to roomID, skipping connections owned by
// excludeUserID when it is set.
func (h *roomHub) roomPeers(roomID string, excludeUserID string) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*wsPeer, 0, len(h.rooms[roomID]))
	for peer := range h.rooms[roomID] {
		if excludeUserID != "" && peer.userID == excludeUserID {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

func (h *roomHub) userPeers(userID string) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*wsPeer, 0, len(h.users[userID]))
	for peer := range h.users[userID] {
		peers = append(peers, peer)
	}
	return peers
}

// joinedRooms lists peer's subscriptions in sorted order.
func (h *roomHub) joinedRooms(peer *wsPeer) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make([]string, 0, len(peer.rooms))
	for roomID := range peer.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

func (h *roomHub) size() (rooms int, users int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms), len(h.users)
}

func addPeer(index map[string]peerSet, key string, peer *wsPeer) {
	set, ok := index[key]
	if !ok {
		set = make(peerSet)
		index[key] = set
	}
	set[peer] = struct{}{}
}

func removePeer(index map[string]peerSet, key string, peer *wsPeer) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, peer)
	if len(set) == 0 {
		delete(index, key)
	}
}
