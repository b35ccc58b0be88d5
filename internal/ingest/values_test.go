package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"", 0},
		{"12.5", 12.5},
		{"$1,250.50", 1250.50},
		{"€ 9,99", 999}, // thousands separators are always stripped
		{"25 USD", 25},
		{"free", 0},
		{"-4", 0},
		{"NaN", 0},
		{"Inf", 0},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePrice(tt.raw))
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "TRUE", "1", "yes", "Y", "t", " yes "} {
		assert.True(t, parseBool(v), v)
	}
	for _, v := range []string{"", "false", "0", "no", "maybe", "2"} {
		assert.False(t, parseBool(v), v)
	}
}

func TestParseMessageType(t *testing.T) {
	tests := []struct {
		raw  string
		want MessageType
	}{
		{"", MessageText},
		{"text", MessageText},
		{"Photo", MessagePhoto},
		{"picture", MessagePhoto},
		{"CLIP", MessageVideo},
		{"voice note", MessageVoice},
		{"audio", MessageVoice},
		{"PPV", MessagePPV},
		{"pay-per-view", MessagePPV},
		{"Pay Per View", MessagePPV},
		{"sticker", MessageText},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMessageType(tt.raw))
		})
	}
}

func TestParseSentTime(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		got := parseSentTime("2025-03-01 09:00:00")
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), *got)
	})

	t.Run("string with zone", func(t *testing.T) {
		got := parseSentTime("2025-03-01T09:00:00+02:00")
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC), *got)
		assert.Equal(t, time.UTC, got.Location())
	})

	t.Run("excel serial", func(t *testing.T) {
		// 45717.375 is 2025-03-01 09:00 in the 1900 date system
		got := parseSentTime("45717.375")
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), *got)
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Nil(t, parseSentTime("not a date"))
		assert.Nil(t, parseSentTime(""))
		assert.Nil(t, parseSentTime("   "))
	})
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "fanX", normalizeIdentifier("  fanX "))
	assert.Equal(t, "ab", normalizeIdentifier("a\x1fb"))
	assert.Equal(t, "tab", normalizeIdentifier("t\ta\nb"))
	// decomposed e + combining diaeresis becomes the precomposed form
	assert.Equal(t, "Zo\u00eb", normalizeIdentifier("Zoe\u0308"))
}

func TestFoldHeader(t *testing.T) {
	assert.Equal(t, "fan_name", foldHeader(` "Fan Name" `))
	assert.Equal(t, "sent_time", foldHeader("Sent-Time"))
	assert.Equal(t, "message_type", foldHeader("MESSAGE_TYPE"))
}
