package ingest

import "strings"

// Field is a canonical column name.
type Field string

const (
	FieldFanName     Field = "fan_name"
	FieldChatterName Field = "chatter_name"
	FieldCreatorName Field = "creator_name"
	FieldSentTime    Field = "sent_time"
	FieldMessageType Field = "message_type"
	FieldContent     Field = "content"
	FieldPrice       Field = "price"
	FieldPurchased   Field = "purchased"
)

// RequiredFields must all be present in the header row, in reporting order.
var RequiredFields = []Field{
	FieldFanName,
	FieldChatterName,
	FieldCreatorName,
	FieldSentTime,
	FieldMessageType,
	FieldContent,
}

// columnAliases maps folded header names to canonical fields.
var columnAliases = map[string]Field{
	// Fan
	"fan_name": FieldFanName,
	"fan":      FieldFanName,
	"fanname":  FieldFanName,
	"username": FieldFanName,

	// Chatter
	"chatter_name": FieldChatterName,
	"chatter":      FieldChatterName,
	"chattername":  FieldChatterName,
	"sender":       FieldChatterName,
	"sender_name":  FieldChatterName,

	// Creator
	"creator_name": FieldCreatorName,
	"creator":      FieldCreatorName,
	"creatorname":  FieldCreatorName,
	"model":        FieldCreatorName,
	"model_name":   FieldCreatorName,

	// Time
	"sent_time": FieldSentTime,
	"senttime":  FieldSentTime,
	"sent_at":   FieldSentTime,
	"timestamp": FieldSentTime,
	"date":      FieldSentTime,

	// Type
	"message_type": FieldMessageType,
	"messagetype":  FieldMessageType,
	"type":         FieldMessageType,
	"msg_type":     FieldMessageType,

	// Body
	"content": FieldContent,
	"message": FieldContent,
	"text":    FieldContent,
	"body":    FieldContent,

	// Money
	"price":  FieldPrice,
	"amount": FieldPrice,
	"cost":   FieldPrice,

	"purchased": FieldPurchased,
	"paid":      FieldPurchased,
	"unlocked":  FieldPurchased,
}

// foldHeader lowercases, trims, strips quotes and folds inner spaces and
// hyphens to underscores: ` "Fan Name" ` → `fan_name`.
func foldHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.Trim(h, "\"'")
	h = strings.TrimSpace(h)
	return strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	}), "_")
}

// columnMapping resolves canonical fields to column indices.
type columnMapping map[Field]int

// mapColumns resolves a header row. The first column claiming a field wins.
// Missing required fields are returned in RequiredFields order.
func mapColumns(header []string) (columnMapping, []string) {
	m := make(columnMapping, len(header))
	for i, h := range header {
		field, ok := columnAliases[foldHeader(h)]
		if !ok {
			continue
		}
		if _, seen := m[field]; !seen {
			m[field] = i
		}
	}

	var missing []string
	for _, f := range RequiredFields {
		if _, ok := m[f]; !ok {
			missing = append(missing, string(f))
		}
	}
	return m, missing
}

// cell returns the raw value for field in row, or "" when the column is
// absent or the row is short.
func (m columnMapping) cell(row []string, field Field) string {
	idx, ok := m[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}
