package ui

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"docpilot/internal/apperr"
	"docpilot/internal/backend"
	"docpilot/internal/chat"
	"docpilot/internal/export"
	"docpilot/internal/history"
	"docpilot/internal/quota"
	"docpilot/internal/workflow"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
)

// Transcripts longer than this are shown as raw markdown.
const maxRenderBytes = 500_000

// controllerMarkdown is the right pane for a live tool run.
func controllerMarkdown(c *workflow.Controller) string {
	var b strings.Builder
	b.WriteString("# " + c.Tool().Title() + "\n\n")
	if doc, ok := c.Document(); ok {
		b.WriteString(fmt.Sprintf("**Document:** %s (%d chunks)\n\n", doc.Name, doc.ChunkCount))
	}
	if n, ok := c.Notice(); ok {
		b.WriteString("> **" + noticeLabel(n.Kind) + ":** " + n.Message + "\n\n")
	}

	switch c.State() {
	case workflow.Idle:
		b.WriteString("Press **u** to upload " + uploadHint(c.Tool()) + ".\n")
	case workflow.Uploading:
		b.WriteString("_Uploading and indexing the document..._\n")
	case workflow.AwaitingPathChoice:
		b.WriteString(export.BuildTranscriptMarkdown(c.Conversation().Messages()))
		b.WriteString("\nPress **c** to chat about the document or **g** to generate test cases.\n")
	case workflow.Chatting:
		writeSession(&b, c.Conversation())
	case workflow.Generating:
		b.WriteString("_Generating test cases. This can take a minute..._\n")
	case workflow.Results:
		b.WriteString("## Test cases\n\n")
		b.WriteString(export.BuildTestCasesMarkdown(c.TestCases()))
		if r := c.Refinement(); r != nil && (r.Len() > 0 || r.Pending()) {
			b.WriteString("\n## Refinement\n\n")
			writeSession(&b, r)
		}
	}
	return b.String()
}

func writeSession(b *strings.Builder, s *chat.Session) {
	if s.Len() > 0 {
		b.WriteString(export.BuildTranscriptMarkdown(s.Messages()))
	}
	if s.Pending() {
		b.WriteString("\n_Waiting for a reply..._\n")
	}
}

func uploadHint(t workflow.Tool) string {
	if t.Generates() {
		return "a PRD (PDF, JPEG or PNG)"
	}
	return "a PDF document"
}

func noticeLabel(k apperr.Kind) string {
	switch k {
	case apperr.KindQuotaExceeded:
		return "Limit reached"
	case apperr.KindServiceUnavailable:
		return "Service unavailable"
	case apperr.KindUnsupportedFormat:
		return "Unsupported file"
	}
	return "Error"
}

// runMarkdown is the right pane for an archived run.
func runMarkdown(s history.Summary, msgs []history.Message, tcs []backend.TestCase) string {
	var b strings.Builder
	title := s.DocumentName
	if title == "" {
		title = s.ID
	}
	b.WriteString("# " + title + "\n\n")
	b.WriteString(fmt.Sprintf("_%s run archived %s_\n\n", s.Tool, history.FormatUnix(s.ArchivedTS)))

	var (
		name  string
		batch []chat.Message
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.WriteString("## " + conversationTitle(name) + "\n\n")
		b.WriteString(export.BuildTranscriptMarkdown(batch) + "\n")
		batch = nil
	}
	for _, m := range msgs {
		if m.Conversation != name {
			flush()
			name = m.Conversation
		}
		batch = append(batch, chat.Message{
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			Sources:   m.Sources,
			Timestamp: time.Unix(m.TS, 0),
		})
	}
	flush()

	if len(tcs) > 0 {
		b.WriteString("## Test cases\n\n")
		b.WriteString(export.BuildTestCasesMarkdown(tcs))
	}
	return b.String()
}

func conversationTitle(name string) string {
	switch chat.Kind(name) {
	case chat.KindRefinement:
		return "Refinement"
	case chat.KindPRD:
		return "PRD chat"
	case chat.KindDocument:
		return "Document chat"
	}
	return "Conversation"
}

func quotaLabel(q quota.UsageQuota) string {
	switch {
	case !q.ServiceAvailable:
		return "service unavailable"
	case q.HasUserCredential:
		return "own API key"
	case q.Unlimited:
		return "unlimited"
	}
	return fmt.Sprintf("%d/%d generations left", q.RemainingToday, q.DailyLimit)
}

func renderKey(md string, width int) string {
	h := fnv.New64a()
	h.Write([]byte(md))
	return fmt.Sprintf("w=%d|%x", width, h.Sum64())
}

func renderMarkdownCmd(cacheKey, md, style string, wrap, nonce int) tea.Cmd {
	return func() tea.Msg {
		if len(md) > maxRenderBytes {
			return renderMsg{cacheKey: cacheKey, rendered: md, nonce: nonce}
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return renderMsg{cacheKey: cacheKey, rendered: md, nonce: nonce, err: err}
		}
		out, err := r.Render(md)
		if err != nil {
			return renderMsg{cacheKey: cacheKey, rendered: md, nonce: nonce, err: err}
		}
		return renderMsg{cacheKey: cacheKey, rendered: out, nonce: nonce}
	}
}

// shorten cuts s to n cells, keeping escape sequences intact.
func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	return ansi.Truncate(s, n, "…")
}
