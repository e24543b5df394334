package chat

import (
	"fmt"

	"github.com/sagaler1/v-chatbot/internal/providers"
)

// DefaultRecentTurns is how many trailing turns accompany a summary.
const DefaultRecentTurns = 4

const summaryPreamble = "This is a summary of the earlier conversation, use it as context: %s. Stay consistent with it."

// BuildWindow assembles the messages sent to the model. Without a summary the
// history is returned unchanged. With one, a system preamble carrying the
// summary is followed by the last recent turns of history.
func BuildWindow(history []providers.Message, summary *string, recent int) []providers.Message {
	if summary == nil {
		return history
	}
	if recent <= 0 {
		recent = DefaultRecentTurns
	}

	tail := history
	if len(tail) > recent {
		tail = tail[len(tail)-recent:]
	}

	window := make([]providers.Message, 0, len(tail)+1)
	window = append(window, providers.Message{
		Role:    "system",
		Content: fmt.Sprintf(summaryPreamble, *summary),
	})
	return append(window, tail...)
}
