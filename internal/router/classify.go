package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/bonzainsights/mragent/internal/llm"
	"github.com/bonzainsights/mragent/internal/models"
	"github.com/bonzainsights/mragent/internal/prompts"
)

// Classifier labels a message with one of the classifier's closed set
// of labels. Implementations should honor ctx's deadline.
type Classifier interface {
	Classify(ctx context.Context, message string) (string, error)
}

// labelCategories maps classifier labels to routing categories.
var labelCategories = map[string]models.Category{
	"browsing": models.CategoryBrowsing,
	"coding":   models.CategoryCode,
	"code":     models.CategoryCode,
	"thinking": models.CategoryThinking,
	"fast":     models.CategoryFast,
}

// categoryForLabel normalises a raw model reply ("Coding.", " fast\n")
// and maps it to a category.
func categoryForLabel(raw string) (models.Category, bool) {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return "", false
	}
	label := strings.Trim(fields[0], ".,:;!\"'`*")
	cat, ok := labelCategories[label]
	return cat, ok
}

// LLMClassifier asks a small, fast model to label the message.
type LLMClassifier struct {
	client llm.Client
	model  string
}

// NewLLMClassifier creates a classifier that calls model through client.
func NewLLMClassifier(client llm.Client, model string) *LLMClassifier {
	return &LLMClassifier{client: client, model: model}
}

// Classify sends the routing prompt without tools and returns the raw
// reply text.
func (c *LLMClassifier) Classify(ctx context.Context, message string) (string, error) {
	msgs := []llm.Message{llm.UserMessage(prompts.ClassifyPrompt(message))}
	resp, err := c.client.Chat(ctx, c.model, msgs, nil)
	if err != nil {
		return "", fmt.Errorf("classify with %s: %w", c.model, err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
