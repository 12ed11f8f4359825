package api

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// renderMarkdown converts an answer to HTML for web clients. On failure
// it returns "" and clients fall back to the plain answer.
func (s *Server) renderMarkdown(md string) string {
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}
