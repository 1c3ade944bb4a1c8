package domain

import (
	"context"
	"errors"

	"github.com/louisbranch/marketchat/internal/services/chat/storage"
)

// RequireParticipant succeeds when userID has any membership row in the room,
// active or not. A missing room is NotFound; a stranger is Forbidden.
func (s *Service) RequireParticipant(ctx context.Context, roomID string, userID string) (storage.ParticipantRecord, error) {
	participant, err := s.store.GetParticipant(ctx, roomID, userID)
	if err == nil {
		return participant, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.ParticipantRecord{}, internalError("get participant", err)
	}
	if _, err := s.getRoom(ctx, roomID); err != nil {
		return storage.ParticipantRecord{}, err
	}
	return storage.ParticipantRecord{}, ErrNotParticipant
}

// RequireActiveParticipant succeeds only for a currently active member.
func (s *Service) RequireActiveParticipant(ctx context.Context, roomID string, userID string) (storage.ParticipantRecord, error) {
	participant, err := s.RequireParticipant(ctx, roomID, userID)
	if err != nil {
		return storage.ParticipantRecord{}, err
	}
	if !participant.IsActive {
		return storage.ParticipantRecord{}, ErrInactiveParticipant
	}
	return participant, nil
}

func (s *Service) getRoom(ctx context.Context, roomID string) (storage.RoomRecord, error) {
	record, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.RoomRecord{}, ErrRoomNotFound
		}
		return storage.RoomRecord{}, internalError("get room", err)
	}
	return record, nil
}
