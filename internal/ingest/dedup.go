package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ignite/fandom-ingest/internal/pkg/logger"
)

// keySeparator is U+001F (unit separator). normalizeIdentifier strips
// control characters, so it never occurs inside a name.
const keySeparator = "\x1f"

// DedupKey identifies a logical message: chatter, send time and fan.
type DedupKey string

// Key returns the dedup key for rec: hex SHA-256 over
// chatter ␟ sent_time (RFC 3339, UTC, empty when unparsed) ␟ fan.
// Creator, content, type, price and purchase state do not participate.
func Key(rec NormalizedRecord) DedupKey {
	sent := ""
	if rec.SentTime != nil {
		sent = rec.SentTime.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(rec.ChatterName + keySeparator + sent + keySeparator + rec.FanName))
	return DedupKey(hex.EncodeToString(sum[:]))
}

// Dedup drops every record whose key was already seen, keeping the first
// occurrence and the input order. The input slice is not modified.
func Dedup(recs []NormalizedRecord) []NormalizedRecord {
	out, _ := DedupStats(recs)
	return out
}

// DedupStats is Dedup that also reports how many records were dropped.
func DedupStats(recs []NormalizedRecord) ([]NormalizedRecord, int) {
	seen := make(map[DedupKey]struct{}, len(recs))
	out := make([]NormalizedRecord, 0, len(recs))
	for _, r := range recs {
		k := Key(r)
		if _, dup := seen[k]; dup {
			logger.Debug("dedup: duplicate row dropped", "row", r.Row, "fan_name", r.FanName, "chatter", r.ChatterName)
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, len(recs) - len(out)
}
