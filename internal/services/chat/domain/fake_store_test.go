package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/marketchat/internal/services/chat/storage"
)

type fakeStore struct {
	mu           sync.Mutex
	rooms        map[string]storage.RoomRecord
	pairs        map[string]string
	participants map[string][]storage.ParticipantRecord
	messages     map[string][]storage.MessageRecord
	receipts     map[string]time.Time
	users        map[string]storage.UserRecord
	listings     map[string]storage.ListingRecord

	// raceWinner is inserted by the next CreateRoom, which then reports a conflict.
	raceWinner *storage.RoomRecord
	// failWrites makes every mutating call fail before touching state.
	failWrites error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:        make(map[string]storage.RoomRecord),
		pairs:        make(map[string]string),
		participants: make(map[string][]storage.ParticipantRecord),
		messages:     make(map[string][]storage.MessageRecord),
		receipts:     make(map[string]time.Time),
		users:        make(map[string]storage.UserRecord),
		listings:     make(map[string]storage.ListingRecord),
	}
}

func (s *fakeStore) addUser(id string, nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = storage.UserRecord{ID: id, Nickname: nickname}
}

func (s *fakeStore) addListing(id string, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[id] = storage.ListingRecord{ID: id, OwnerID: ownerID, Title: "Listing " + id}
}

func (s *fakeStore) roomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *fakeStore) roomMessages(roomID string) []storage.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.MessageRecord(nil), s.messages[roomID]...)
}

func (s *fakeStore) participant(roomID string, userID string) (storage.ParticipantRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, participant := range s.participants[roomID] {
		if participant.UserID == userID {
			return participant, true
		}
	}
	return storage.ParticipantRecord{}, false
}

func (s *fakeStore) GetUser(_ context.Context, userID string) (storage.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	return user, nil
}

func (s *fakeStore) GetListing(_ context.Context, listingID string) (storage.ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listing, ok := s.listings[listingID]
	if !ok {
		return storage.ListingRecord{}, storage.ErrNotFound
	}
	return listing, nil
}

func (s *fakeStore) CreateRoom(_ context.Context, room storage.RoomRecord, participants []storage.ParticipantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	if s.raceWinner != nil {
		winner := *s.raceWinner
		s.raceWinner = nil
		s.insertRoomLocked(winner, participants)
		return storage.ErrConflict
	}
	if _, exists := s.pairs[room.ListingID+"/"+room.PairKey]; exists {
		return storage.ErrConflict
	}
	s.insertRoomLocked(room, participants)
	return nil
}

func (s *fakeStore) insertRoomLocked(room storage.RoomRecord, participants []storage.ParticipantRecord) {
	s.rooms[room.ID] = room
	s.pairs[room.ListingID+"/"+room.PairKey] = room.ID
	for _, participant := range participants {
		participant.RoomID = room.ID
		s.participants[room.ID] = append(s.participants[room.ID], participant)
	}
}

func (s *fakeStore) GetRoom(_ context.Context, roomID string) (storage.RoomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return storage.RoomRecord{}, storage.ErrNotFound
	}
	return room, nil
}

func (s *fakeStore) FindRoomByPair(_ context.Context, listingID string, pairKey string) (storage.RoomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.pairs[listingID+"/"+pairKey]
	if !ok {
		return storage.RoomRecord{}, storage.ErrNotFound
	}
	return s.rooms[roomID], nil
}

func (s *fakeStore) ReactivateParticipants(_ context.Context, roomID string, reactivations []storage.Reactivation, at time.Time) ([]storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return nil, s.failWrites
	}
	var appended []storage.MessageRecord
	for _, reactivation := range reactivations {
		index := s.participantIndexLocked(roomID, reactivation.UserID)
		if index < 0 || s.participants[roomID][index].IsActive {
			continue
		}
		s.participants[roomID][index].IsActive = true
		s.participants[roomID][index].UpdatedAt = at
		message := reactivation.Message
		message.RoomID = roomID
		message.SenderID = ""
		appended = append(appended, s.appendLocked(message))
	}
	if len(appended) > 0 {
		s.touchLocked(roomID, at)
	}
	return appended, nil
}

func (s *fakeStore) DeactivateParticipant(_ context.Context, roomID string, userID string, message storage.MessageRecord) (storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return storage.MessageRecord{}, s.failWrites
	}
	index := s.participantIndexLocked(roomID, userID)
	if index < 0 || !s.participants[roomID][index].IsActive {
		return storage.MessageRecord{}, storage.ErrNotFound
	}
	s.participants[roomID][index].IsActive = false
	message.RoomID = roomID
	message.SenderID = ""
	stored := s.appendLocked(message)
	s.touchLocked(roomID, stored.CreatedAt)
	return stored, nil
}

func (s *fakeStore) ListRoomSummaries(_ context.Context, userID string, offset int, limit int) ([]storage.RoomSummaryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var summaries []storage.RoomSummaryRecord
	for roomID, participants := range s.participants {
		for _, participant := range participants {
			if participant.UserID != userID || !participant.IsActive {
				continue
			}
			summary := storage.RoomSummaryRecord{Room: s.rooms[roomID], UnreadCount: s.unreadLocked(roomID, userID)}
			if messages := s.messages[roomID]; len(messages) > 0 {
				last := messages[len(messages)-1]
				summary.LastMessage = &last
			}
			summaries = append(summaries, summary)
		}
	}
	activity := func(summary storage.RoomSummaryRecord) time.Time {
		if summary.LastMessage != nil {
			return summary.LastMessage.CreatedAt
		}
		return summary.Room.UpdatedAt
	}
	sort.Slice(summaries, func(i, j int) bool {
		left, right := activity(summaries[i]), activity(summaries[j])
		if !left.Equal(right) {
			return left.After(right)
		}
		return summaries[i].Room.ID > summaries[j].Room.ID
	})
	if offset >= len(summaries) {
		return nil, nil
	}
	summaries = summaries[offset:]
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (s *fakeStore) GetParticipant(_ context.Context, roomID string, userID string) (storage.ParticipantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.participantIndexLocked(roomID, userID)
	if index < 0 {
		return storage.ParticipantRecord{}, storage.ErrNotFound
	}
	return s.participants[roomID][index], nil
}

func (s *fakeStore) ListParticipants(_ context.Context, roomID string) ([]storage.ParticipantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.ParticipantRecord(nil), s.participants[roomID]...), nil
}

func (s *fakeStore) AppendMessage(_ context.Context, message storage.MessageRecord) (storage.MessageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return storage.MessageRecord{}, false, s.failWrites
	}
	index := s.participantIndexLocked(message.RoomID, message.SenderID)
	if index < 0 {
		return storage.MessageRecord{}, false, storage.ErrNotParticipant
	}
	if !s.participants[message.RoomID][index].IsActive {
		return storage.MessageRecord{}, false, storage.ErrInactiveParticipant
	}
	if message.ClientMessageID != "" {
		for _, existing := range s.messages[message.RoomID] {
			if existing.SenderID == message.SenderID && existing.ClientMessageID == message.ClientMessageID {
				return existing, false, nil
			}
		}
	}
	stored := s.appendLocked(message)
	s.touchLocked(message.RoomID, stored.CreatedAt)
	return stored, true, nil
}

func (s *fakeStore) ListMessages(_ context.Context, roomID string, offset int, limit int) ([]storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newest := reversed(s.messages[roomID])
	if offset >= len(newest) {
		return nil, nil
	}
	newest = newest[offset:]
	if len(newest) > limit {
		newest = newest[:limit]
	}
	return newest, nil
}

func (s *fakeStore) ListMessagesBefore(_ context.Context, roomID string, beforeSeq int64, limit int) ([]storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []storage.MessageRecord
	for _, message := range reversed(s.messages[roomID]) {
		if beforeSeq > 0 && message.Seq >= beforeSeq {
			continue
		}
		page = append(page, message)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *fakeStore) CountMessages(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[roomID]), nil
}

func (s *fakeStore) MarkAllRead(_ context.Context, roomID string, userID string, readAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, message := range s.messages[roomID] {
		if !s.pendingLocked(message, userID) {
			continue
		}
		s.receipts[message.ID+"/"+userID] = readAt
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) CountUnread(_ context.Context, roomID string, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked(roomID, userID), nil
}

func (s *fakeStore) unreadLocked(roomID string, userID string) int {
	count := 0
	for _, message := range s.messages[roomID] {
		if s.pendingLocked(message, userID) {
			count++
		}
	}
	return count
}

func (s *fakeStore) pendingLocked(message storage.MessageRecord, userID string) bool {
	if message.SenderID == "" || message.SenderID == userID {
		return false
	}
	_, read := s.receipts[message.ID+"/"+userID]
	return !read
}

func (s *fakeStore) participantIndexLocked(roomID string, userID string) int {
	for i, participant := range s.participants[roomID] {
		if participant.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *fakeStore) appendLocked(message storage.MessageRecord) storage.MessageRecord {
	existing := s.messages[message.RoomID]
	message.Seq = int64(len(existing) + 1)
	if len(existing) > 0 && message.CreatedAt.Before(existing[len(existing)-1].CreatedAt) {
		message.CreatedAt = existing[len(existing)-1].CreatedAt
	}
	s.messages[message.RoomID] = append(existing, message)
	return message
}

func (s *fakeStore) touchLocked(roomID string, at time.Time) {
	room := s.rooms[roomID]
	if at.After(room.UpdatedAt) {
		room.UpdatedAt = at
	}
	s.rooms[roomID] = room
}

func reversed(messages []storage.MessageRecord) []storage.MessageRecord {
	out := make([]storage.MessageRecord, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		out = append(out, messages[i])
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// steppingClock advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func countingIDGenerator(prefix string) func() (string, error) {
	var mu sync.Mutex
	next := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("%s-%d", prefix, next), nil
	}
}
