package prompts

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/llm"
)

// MaxImageBytes caps a local image folded into a message.
const MaxImageBytes = 20 << 20

// imageMarker matches an attachment reference such as
// [image:/tmp/cat.png] or [image: https://example.com/cat.jpg].
var imageMarker = regexp.MustCompile(`\[image:\s*([^\]\s][^\]]*?)\s*\]`)

// Builder produces the system message and turns raw user input into
// the message appended to the conversation.
type Builder struct {
	AgentName          string
	UserName           string
	CustomInstructions string

	// BaseDir resolves relative image paths. Empty means the process
	// working directory.
	BaseDir string

	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a prompt builder.
func NewBuilder(agentName, userName, customInstructions string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		AgentName:          agentName,
		UserName:           userName,
		CustomInstructions: customInstructions,
		logger:             logger,
		now:                time.Now,
	}
}

// System returns the system prompt listing tools.
func (b *Builder) System(tools []ToolSummary) string {
	wd := b.BaseDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	return SystemPrompt(SystemParams{
		AgentName:          b.AgentName,
		UserName:           b.UserName,
		Tools:              tools,
		CustomInstructions: b.CustomInstructions,
		OS:                 runtime.GOOS + "/" + runtime.GOARCH,
		WorkingDir:         wd,
		Now:                b.now(),
	})
}

// UserMessage folds any [image:...] references in text into image
// parts. Text without references becomes a plain user message. A
// reference that cannot be loaded stays in the text with a note so the
// model can tell the user.
func (b *Builder) UserMessage(text string) llm.Message {
	matches := imageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return llm.UserMessage(text)
	}

	var (
		images []llm.ContentPart
		notes  []string
		sb     strings.Builder
		last   int
	)
	for _, m := range matches {
		ref := text[m[2]:m[3]]
		url, err := b.imageURL(ref)
		if err != nil {
			b.logger.Warn("image attachment skipped", "ref", ref, "error", err)
			notes = append(notes, fmt.Sprintf("(attached image %q could not be loaded: %v)", ref, err))
			continue
		}
		sb.WriteString(text[last:m[0]])
		last = m[1]
		images = append(images, llm.ContentPart{Type: llm.PartImage, ImageURL: url})
	}
	sb.WriteString(text[last:])

	body := strings.TrimSpace(collapseSpaces(sb.String()))
	if len(notes) > 0 {
		body = strings.TrimSpace(body + "\n" + strings.Join(notes, "\n"))
	}
	if len(images) == 0 {
		return llm.UserMessage(body)
	}

	parts := make([]llm.ContentPart, 0, len(images)+1)
	if body != "" {
		parts = append(parts, llm.ContentPart{Type: llm.PartText, Text: body})
	}
	return llm.UserParts(append(parts, images...))
}

// imageURL resolves ref to something a vision model accepts: remote
// and data URLs pass through, local files are inlined as data URLs.
func (b *Builder) imageURL(ref string) (string, error) {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:image/") {
		return ref, nil
	}

	path := ref
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) && b.BaseDir != "" {
		path = filepath.Join(b.BaseDir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxImageBytes {
		return "", fmt.Errorf("image is %d bytes, limit is %d", info.Size(), MaxImageBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if !strings.HasPrefix(mt, "image/") {
		mt = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mt, "image/") {
		return "", fmt.Errorf("not an image (%s)", mt)
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.Join(lines, "\n")
}
