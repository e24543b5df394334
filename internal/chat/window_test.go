package chat

import (
	"fmt"
	"testing"

	"github.com/sagaler1/v-chatbot/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history(n int) []providers.Message {
	msgs := make([]providers.Message, n)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = providers.Message{Role: role, Content: fmt.Sprintf("m%d", i)}
	}
	return msgs
}

func TestBuildWindowWithSummary(t *testing.T) {
	summary := "we discussed channels"

	for _, n := range []int{0, 1, 3, 4, 5, 12} {
		t.Run(fmt.Sprintf("history_%d", n), func(t *testing.T) {
			h := history(n)
			window := BuildWindow(h, &summary, DefaultRecentTurns)

			want := n
			if want > 4 {
				want = 4
			}
			require.Len(t, window, 1+want)
			assert.Equal(t, "system", window[0].Role)
			assert.Contains(t, window[0].Content, summary)
			assert.Equal(t, h[n-want:], window[1:])
		})
	}
}

func TestBuildWindowWithoutSummary(t *testing.T) {
	for _, n := range []int{0, 1, 4, 9} {
		t.Run(fmt.Sprintf("history_%d", n), func(t *testing.T) {
			h := history(n)
			assert.Equal(t, h, BuildWindow(h, nil, DefaultRecentTurns))
		})
	}
}

func TestBuildWindowDoesNotAliasHistory(t *testing.T) {
	summary := "s"
	h := history(6)
	window := BuildWindow(h, &summary, 2)
	window[1].Content = "changed"
	assert.Equal(t, "m4", h[4].Content)
}
