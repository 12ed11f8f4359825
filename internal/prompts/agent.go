package prompts

// ToolRejected is the tool result substituted when a gated call is
// declined, or the approval wait times out.
const ToolRejected = "Tool execution rejected by user."

// ToolBlocked is the tool result for a command that matched a hard block.
const ToolBlocked = "Tool execution blocked: the command matches a safety rule that cannot be overridden."

// IterationLimit is returned to the user when a turn exhausts its tool
// rounds without producing a plain answer.
const IterationLimit = "I've made too many tool calls in this turn. Let me give you what I have so far."

// EmptyResponseNudge is sent once when the model goes quiet after a
// tool round, asking it to answer from the results it already has.
const EmptyResponseNudge = "You returned an empty response. Using the tool results above, reply to the user's last message now."

// EmptyResponseFallback is returned when the model finishes with neither
// text nor tool calls.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// NewSessionSuggestion is emitted once the conversation has drifted far
// enough that a fresh chat would likely serve the user better.
const NewSessionSuggestion = "This conversation is getting long and has been summarized several times. Consider starting a new chat with /newchat."

// summaryLabel introduces the compaction summary in the outgoing window.
const summaryLabel = "[Previous conversation summary]\n"

// SummaryMessage wraps the accumulated compaction summary for the
// synthetic system message that precedes the active window.
func SummaryMessage(summary string) string {
	return summaryLabel + summary
}
