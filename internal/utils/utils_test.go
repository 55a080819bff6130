package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"ws://localhost:8080/ws", true},
		{"wss://example.com", true},
		{"http://example.com", false},
		{"ws://", false},
		{"::not a url", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidURL(tt.url), tt.url)
	}
}

func TestGenerateIDs(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateMessageID(), "msg-"))
	assert.True(t, strings.HasPrefix(GenerateConnectionID(), "conn-"))
	assert.NotEqual(t, GenerateListenerID(), GenerateListenerID())
}
