package governor

import (
	"fmt"
	"strings"
)

// truncateResult enforces the per-result character budget. The appended
// note is machine readable: it states the original size and item count so
// the model reasons over the sample instead of re-requesting the payload.
func truncateResult(content string, limit, itemCount int) (string, bool) {
	if limit <= 0 || len(content) <= limit {
		return content, false
	}

	truncated := content[:limit]
	// Cut at a word boundary when one is close enough to matter.
	if idx := strings.LastIndexByte(truncated, ' '); idx > limit/2 {
		truncated = truncated[:idx]
	}

	note := fmt.Sprintf(
		"\n[truncated: original_chars=%d item_count=%d] The result above is a partial sample; reason over it rather than requesting the full payload.",
		len(content), itemCount)
	return truncated + note, true
}

// countItems reports how many collection elements a tool result carries,
// summing the lengths of top-level array values.
func countItems(data map[string]any) int {
	count := 0
	for _, value := range data {
		if items, ok := value.([]any); ok {
			count += len(items)
		}
	}
	return count
}
