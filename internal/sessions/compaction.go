package sessions

import (
	"fmt"
	"strings"

	"github.com/concord/kernel/pkg/models"
)

// ownsCallID reports whether msg is an assistant message that declared a
// tool call with the given call id.
func ownsCallID(msg *models.Message, callID string) bool {
	if msg == nil || msg.Role != models.RoleAssistant {
		return false
	}
	for _, ref := range msg.ToolRefs {
		if ref.CallID == callID {
			return true
		}
	}
	return false
}

// findToolResult searches messages[from:] for a role=tool message answering
// callID, returning its index or -1.
func findToolResult(messages []*models.Message, from int, callID string) int {
	for i := from; i < len(messages); i++ {
		if messages[i].Role == models.RoleTool && messages[i].ToolCallID == callID {
			return i
		}
	}
	return -1
}

// repairPairBoundary implements compaction policy step 5: no tool-call may
// sit in the archive while its tool-result sits in the suffix, or vice
// versa. archiveEnd is the exclusive boundary — archive is messages[1:archiveEnd],
// suffix is messages[archiveEnd:]. The boundary only ever moves left (suffix
// grows), which preserves the suffix's own relative order.
func repairPairBoundary(messages []*models.Message, archiveEnd int) int {
	for {
		moved := false

		// Suffix begins with an orphaned tool-result: pull its tool-call in.
		if archiveEnd < len(messages) && archiveEnd > 1 {
			first := messages[archiveEnd]
			if first.Role == models.RoleTool && ownsCallID(messages[archiveEnd-1], first.ToolCallID) {
				archiveEnd--
				moved = true
			}
		}

		// Archive ends with a tool-call whose result is in the suffix: pull
		// the call forward so the pair lands together in the suffix.
		if !moved && archiveEnd > 1 {
			last := messages[archiveEnd-1]
			if last.Role == models.RoleAssistant {
				for _, ref := range last.ToolRefs {
					if findToolResult(messages, archiveEnd, ref.CallID) >= 0 {
						archiveEnd--
						moved = true
						break
					}
				}
			}
		}

		if !moved {
			return archiveEnd
		}
	}
}

// renderArchive flattens an archived message prefix into a single prompt
// for the summarizer: text content (falling back to reasoning content when
// content is empty), tool calls, and tool results.
func renderArchive(messages []*models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch {
		case len(msg.ToolRefs) > 0:
			for _, ref := range msg.ToolRefs {
				fmt.Fprintf(&b, "[%s] tool_call %s(%s)\n", msg.Role, ref.Name, ref.ArgsJSON)
			}
		case msg.Role == models.RoleTool:
			fmt.Fprintf(&b, "[tool_result %s] %s\n", msg.ToolCallID, msg.Content)
		default:
			content := msg.Content
			if content == "" {
				content = msg.ReasoningContent
			}
			fmt.Fprintf(&b, "[%s] %s\n", msg.Role, content)
		}
	}
	return b.String()
}
