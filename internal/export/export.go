package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docpilot/internal/backend"
	"docpilot/internal/chat"
)

// DefaultDir is used, relative to the working directory, when no export
// directory is configured.
const DefaultDir = "docpilot-exports"

type Exporter struct {
	overrideDir string
	cwd         string
	now         func() time.Time
}

func New(overrideDir string) (*Exporter, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}
	return &Exporter{overrideDir: strings.TrimSpace(overrideDir), cwd: cwd, now: time.Now}, nil
}

// Dir is the directory exports are written to.
func (e *Exporter) Dir() string {
	dir := e.overrideDir
	if dir == "" {
		dir = DefaultDir
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.cwd, dir)
	}
	return dir
}

// Transcript describes one conversation to export.
type Transcript struct {
	Title    string
	Document string
	Messages []chat.Message
}

func (e *Exporter) ExportTranscript(t Transcript) (string, error) {
	now := e.now().UTC()
	path := filepath.Join(e.Dir(), safeFileName(t.Title)+"-"+now.Format("20060102-150405")+".md")
	md := BuildSessionMarkdown(t, BuildTranscriptMarkdown(t.Messages), now)
	if err := e.write(path, []byte(md)); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCSV stores the backend's CSV payload as received.
func (e *Exporter) WriteCSV(document string, data []byte) (string, error) {
	name := strings.TrimSuffix(document, filepath.Ext(document))
	if strings.TrimSpace(name) == "" {
		name = "test_cases"
	} else {
		name = name + "_test_cases"
	}
	path := filepath.Join(e.Dir(), safeFileName(name)+"-"+e.now().UTC().Format("20060102-150405")+".csv")
	if err := e.write(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Exporter) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	return nil
}

func BuildTranscriptMarkdown(messages []chat.Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case chat.RoleUser:
			b.WriteString("## You\n\n")
			b.WriteString(content + "\n\n")
		case chat.RoleAssistant:
			b.WriteString("## Assistant\n\n")
			b.WriteString(content + "\n\n")
			if len(m.Sources) > 0 {
				b.WriteString("Sources:\n\n")
				for _, src := range m.Sources {
					b.WriteString("- " + strings.TrimSpace(src) + "\n")
				}
				b.WriteString("\n")
			}
		case chat.RoleError:
			b.WriteString("> **Error:** " + content + "\n\n")
		default:
			b.WriteString("_" + content + "_\n\n")
		}
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func BuildSessionMarkdown(t Transcript, transcript string, now time.Time) string {
	var b strings.Builder
	b.WriteString("# " + safeValue(t.Title) + "\n\n")
	b.WriteString("Exported: " + now.Format(time.RFC3339) + "\n\n")
	b.WriteString("```text\n")
	b.WriteString("document: " + safeValue(t.Document) + "\n")
	b.WriteString(fmt.Sprintf("message_count: %d\n", len(t.Messages)))
	b.WriteString("```\n\n")
	b.WriteString(transcript)
	if !strings.HasSuffix(transcript, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// BuildTestCasesMarkdown renders a test-case list as a markdown table.
func BuildTestCasesMarkdown(tcs []backend.TestCase) string {
	if len(tcs) == 0 {
		return "_No test cases._\n"
	}
	var b strings.Builder
	b.WriteString("| ID | Feature | Scenario | Priority | Category |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, tc := range tcs {
		b.WriteString("| " + strings.Join([]string{
			cell(tc.TestCaseID), cell(tc.Feature), cell(tc.Scenario), cell(tc.Priority), cell(tc.Category),
		}, " | ") + " |\n")
	}
	return b.String()
}

func cell(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	return strings.ReplaceAll(s, "|", `\|`)
}

func safeFileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "session"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(s)
}

func safeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "n/a"
	}
	return s
}
