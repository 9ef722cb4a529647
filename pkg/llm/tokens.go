package llm

import "encoding/json"

const (
	roleOverheadTokens     = 5
	metadataOverheadTokens = 10
)

// EstimateTokens approximates the token count of text at four characters
// per token, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateMessageTokens approximates the tokens a message costs in a
// request, including per-message structural overhead.
func EstimateMessageTokens(m Message) int {
	total := roleOverheadTokens + metadataOverheadTokens
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			total += EstimateTokens(b.Text)
		case BlockToolUse:
			total += EstimateTokens(b.Name) + EstimateTokens(string(b.Input))
		case BlockToolResult:
			total += EstimateTokens(b.Content)
		}
	}
	return total
}

// EstimateTotalTokens sums EstimateMessageTokens over messages.
func EstimateTotalTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(m)
	}
	return total
}

// EstimateToolTokens approximates the cost of advertising tools.
func EstimateToolTokens(tools []ToolSpec) int {
	data, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(data))
}

// Truncate keeps the newest messages whose estimated size fits within
// maxContext-reserved tokens. The result never begins with an assistant
// message or with tool results whose invocations were cut off. The newest
// message is always kept. A non-positive maxContext disables truncation.
func Truncate(messages []Message, maxContext, reserved int) []Message {
	if maxContext <= 0 || len(messages) == 0 {
		return messages
	}

	available := maxContext - reserved
	start := len(messages)
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i])
		if used+cost > available && start < len(messages) {
			break
		}
		used += cost
		start = i
	}
	if start == 0 {
		return messages
	}

	kept := messages[start:]
	for len(kept) > 1 && (kept[0].Role != RoleUser || kept[0].HasToolResults()) {
		kept = kept[1:]
	}

	out := make([]Message, len(kept))
	copy(out, kept)
	return out
}
