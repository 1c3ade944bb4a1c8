// Package render produces localized text for chat system messages.
package render

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	keyParticipantLeft     = "chat.system.participant_left"
	keyParticipantRejoined = "chat.system.participant_rejoined"

	defaultParticipantLeft     = "%s left the conversation"
	defaultParticipantRejoined = "%s rejoined the conversation"
	defaultNickname            = "Someone"
)

var supportedLocales = []language.Tag{
	language.English,
	language.MustParse("pt-BR"),
}

var localeMatcher = language.NewMatcher(supportedLocales)

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// NewPrinter returns a printer for the closest supported locale. Unknown or
// malformed locales fall back to English.
func NewPrinter(locale string) *message.Printer {
	return message.NewPrinter(MatchLocale(locale))
}

// MatchLocale resolves locale to one of the supported catalog languages.
func MatchLocale(locale string) language.Tag {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return supportedLocales[0]
	}
	_, index, confidence := localeMatcher.Match(tag)
	if confidence == language.No {
		return supportedLocales[0]
	}
	return supportedLocales[index]
}

// ParticipantLeft returns the system message stored when nickname leaves a room.
func ParticipantLeft(loc Localizer, nickname string) string {
	return localizeWithFallback(loc, keyParticipantLeft, defaultParticipantLeft, displayName(nickname))
}

// ParticipantRejoined returns the system message stored when nickname rejoins a room.
func ParticipantRejoined(loc Localizer, nickname string) string {
	return localizeWithFallback(loc, keyParticipantRejoined, defaultParticipantRejoined, displayName(nickname))
}

func displayName(nickname string) string {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return defaultNickname
	}
	return nickname
}

func localizeWithFallback(loc Localizer, key string, fallback string, name string) string {
	if loc == nil {
		return strings.Replace(fallback, "%s", name, 1)
	}
	value := strings.TrimSpace(loc.Sprintf(key, name))
	if value == "" || value == key {
		return strings.Replace(fallback, "%s", name, 1)
	}
	return value
}
