package ingest

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/unicode/norm"
)

// Excel serials outside this window are not dates we would ever see in an
// export (1900-01-01 .. 9999-12-31).
const (
	minExcelSerial = 1
	maxExcelSerial = 2958465
)

// normalizeIdentifier trims, NFC-normalizes and strips control characters
// (including the dedup key separator) from a name.
func normalizeIdentifier(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

// parseSentTime accepts an Excel serial date or any common date string.
// Anything else yields nil.
func parseSentTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f >= minExcelSerial && f <= maxExcelSerial {
			t, err := excelize.ExcelDateToTime(f, false)
			if err != nil {
				return nil
			}
			t = t.UTC().Round(time.Millisecond)
			return &t
		}
	}

	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// parsePrice strips currency symbols and thousands separators. Invalid,
// negative and non-finite amounts become 0.
func parsePrice(raw string) float64 {
	raw = strings.Map(func(r rune) rune {
		if r == ',' || unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
			return -1
		}
		return r
	}, raw)
	raw = strings.TrimSuffix(strings.TrimPrefix(strings.ToUpper(raw), "USD"), "USD")
	if raw == "" {
		return 0
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// parseBool accepts true/1/yes/y/t in any case. Everything else is false.
func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "y", "t":
		return true
	}
	return false
}

var messageTypeSynonyms = map[string]MessageType{
	"text":    MessageText,
	"txt":     MessageText,
	"message": MessageText,
	"chat":    MessageText,

	"photo":   MessagePhoto,
	"image":   MessagePhoto,
	"picture": MessagePhoto,
	"pic":     MessagePhoto,
	"img":     MessagePhoto,

	"video": MessageVideo,
	"clip":  MessageVideo,
	"vid":   MessageVideo,

	"voice":      MessageVoice,
	"audio":      MessageVoice,
	"voice_note": MessageVoice,
	"voicenote":  MessageVoice,

	"ppv":          MessagePPV,
	"pay_per_view": MessagePPV,
	"payperview":   MessagePPV,
	"paid":         MessagePPV,
	"locked":       MessagePPV,
}

// parseMessageType maps known spellings to a MessageType, defaulting to text.
func parseMessageType(raw string) MessageType {
	if mt, ok := messageTypeSynonyms[foldHeader(raw)]; ok {
		return mt
	}
	return MessageText
}
