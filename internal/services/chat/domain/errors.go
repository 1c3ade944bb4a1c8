package domain

import apperrors "github.com/louisbranch/marketchat/internal/platform/errors"

// Sentinel errors carry their taxonomy code; errors.Is matches any error with
// the same code, so compare by identity when the exact cause matters.
var (
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = apperrors.New(apperrors.CodeInternal, "chat store is not configured")
	// ErrListingIDRequired indicates a listing id is required.
	ErrListingIDRequired = apperrors.New(apperrors.CodeValidation, "listing id is required")
	// ErrRoomIDRequired indicates a room id is required.
	ErrRoomIDRequired = apperrors.New(apperrors.CodeValidation, "room id is required")
	// ErrUserIDRequired indicates a user id is required.
	ErrUserIDRequired = apperrors.New(apperrors.CodeValidation, "user id is required")
	// ErrContentRequired indicates a message body is empty after trimming.
	ErrContentRequired = apperrors.New(apperrors.CodeValidation, "message content is required")
	// ErrContentTooLong indicates a message body exceeds MaxContentRunes.
	ErrContentTooLong = apperrors.New(apperrors.CodeValidation, "message content is too long")
	// ErrClientMessageIDTooLong indicates a correlation token exceeds MaxClientMessageIDRunes.
	ErrClientMessageIDTooLong = apperrors.New(apperrors.CodeValidation, "client message id is too long")
	// ErrListingNotFound indicates the listing lookup found nothing.
	ErrListingNotFound = apperrors.New(apperrors.CodeNotFound, "listing not found")
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = apperrors.New(apperrors.CodeNotFound, "room not found")
	// ErrAlreadyLeft indicates the participant is missing or already inactive.
	ErrAlreadyLeft = apperrors.New(apperrors.CodeNotFound, "participant not found or already left")
	// ErrSelfChat indicates a buyer tried to open a chat on their own listing.
	ErrSelfChat = apperrors.New(apperrors.CodeForbidden, "cannot start a chat on your own listing")
	// ErrNotParticipant indicates the caller is not a member of the room.
	ErrNotParticipant = apperrors.New(apperrors.CodeForbidden, "user is not a participant of this room")
	// ErrInactiveParticipant indicates the caller left the room and cannot send.
	ErrInactiveParticipant = apperrors.New(apperrors.CodeForbidden, "participant has left this room")
)

func internalError(message string, cause error) error {
	return apperrors.Wrap(apperrors.CodeInternal, message, cause)
}
