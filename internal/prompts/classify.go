package prompts

import "fmt"

// ClassifierLabels is the closed set of labels the routing classifier
// may answer with.
var ClassifierLabels = []string{"browsing", "coding", "thinking", "fast"}

const classifyTemplate = `Classify the user's message into exactly one category.

Categories:
- browsing: needs current information from the web (news, prices, recent events, looking something up online)
- coding: writing, reading, debugging or running code, shell commands, git, packages
- thinking: analysis, planning, explanation, comparison, multi-step reasoning, working with files or images
- fast: greetings, small talk, short factual questions, quick conversions

Reply with the category name only, in lowercase, and nothing else.

Message:
%s`

// maxClassifyChars bounds how much of a long message is sent to the
// classifier; the opening is enough to judge intent.
const maxClassifyChars = 2000

// ClassifyPrompt returns the routing prompt for message.
func ClassifyPrompt(message string) string {
	if r := []rune(message); len(r) > maxClassifyChars {
		message = string(r[:maxClassifyChars])
	}
	return fmt.Sprintf(classifyTemplate, message)
}
