package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "bare object",
			content: `{"language": "en"}`,
			want:    `{"language": "en"}`,
		},
		{
			name:    "json code fence",
			content: "```json\n{\"language\": \"en\"}\n```",
			want:    `{"language": "en"}`,
		},
		{
			name:    "fence without language tag",
			content: "```\n{\"a\": 1}\n```",
			want:    `{"a": 1}`,
		},
		{
			name:    "object embedded in prose",
			content: "Here is the analysis:\n{\"sentiment\": \"neutral\"}\nHope that helps!",
			want:    `{"sentiment": "neutral"}`,
		},
		{
			name:    "no object",
			content: "I cannot answer that.",
			wantErr: true,
		},
		{
			name:    "malformed object",
			content: `{"language": `,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDecodeInto(t *testing.T) {
	var out struct {
		Language string `json:"language"`
	}
	require.NoError(t, DecodeInto("```json\n{\"language\": \"pt\"}\n```", &out))
	assert.Equal(t, "pt", out.Language)
}
