package logger

// RedactName masks a fan handle for safe logging.
// "sweetfan42" → "sw***"
// Short names (≤2 runes) are fully masked: "jo" → "***"
func RedactName(name string) string {
	runes := []rune(name)
	if len(runes) > 2 {
		return string(runes[:2]) + "***"
	}
	return "***"
}
