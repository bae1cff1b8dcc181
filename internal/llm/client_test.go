package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perpcore/internal/config"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare json unchanged",
			in:   `{"action":"HOLD"}`,
			want: `{"action":"HOLD"}`,
		},
		{
			name: "fenced json block",
			in:   "```json\n{\"action\":\"HOLD\"}\n```",
			want: `{"action":"HOLD"}`,
		},
		{
			name: "fence without language tag",
			in:   "```\n{\"action\":\"HOLD\"}\n```",
			want: `{"action":"HOLD"}`,
		},
		{
			name: "prose before the object",
			in:   `Here is my analysis: {"action":"REDUCE","confidence":0.8}`,
			want: `{"action":"REDUCE","confidence":0.8}`,
		},
		{
			name: "array payload",
			in:   "The triggers are: [1,2,3]",
			want: "[1,2,3]",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  \n {\"a\":1} \n ",
			want: `{"a":1}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestClientConfigured(t *testing.T) {
	c := NewClient(&config.LLMConfig{}, &mockLogger{})
	assert.False(t, c.Configured())

	c = NewClient(&config.LLMConfig{
		APIKey: config.Secret("sk-test"), Model: "deep-1", MiniModel: "mini-1",
	}, &mockLogger{})
	assert.True(t, c.Configured())
	assert.Equal(t, "deep-1", c.DeepModel())
	assert.Equal(t, "mini-1", c.MiniModel())
}
