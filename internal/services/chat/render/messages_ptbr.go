package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.MustParse("pt-BR")

	message.SetString(lang, keyParticipantLeft, "%s saiu da conversa")
	message.SetString(lang, keyParticipantRejoined, "%s voltou para a conversa")
}
