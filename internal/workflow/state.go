package workflow

import (
	"fmt"
	"strings"

	"docpilot/internal/chat"
	"docpilot/internal/document"
)

type State int

const (
	Idle State = iota
	Uploading
	AwaitingPathChoice
	Chatting
	Generating
	Results
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case AwaitingPathChoice:
		return "awaiting path choice"
	case Chatting:
		return "chatting"
	case Generating:
		return "generating"
	case Results:
		return "results"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tool is one of the workflows a controller can drive.
type Tool string

const (
	ToolGenerator    Tool = "generator"
	ToolDocumentChat Tool = "document"
)

var Tools = []Tool{ToolGenerator, ToolDocumentChat}

func ParseTool(s string) (Tool, error) {
	switch Tool(strings.ToLower(strings.TrimSpace(s))) {
	case ToolGenerator:
		return ToolGenerator, nil
	case ToolDocumentChat:
		return ToolDocumentChat, nil
	}
	return "", fmt.Errorf("unknown tool %q", s)
}

func (t Tool) Title() string {
	if t == ToolDocumentChat {
		return "Document Chat"
	}
	return "PRD Test Case Generator"
}

func (t Tool) Description() string {
	if t == ToolDocumentChat {
		return "Ask questions about process documents and operational guides"
	}
	return "Turn a PRD into test cases, chat about it, then refine the results"
}

// Formats are the upload types the tool accepts.
func (t Tool) Formats() document.Formats {
	if t == ToolDocumentChat {
		return document.PDFOnly
	}
	return document.PDFOrImage
}

// Generates reports whether the tool offers test-case generation.
func (t Tool) Generates() bool {
	return t == ToolGenerator
}

func (t Tool) chatKind() chat.Kind {
	if t == ToolDocumentChat {
		return chat.KindDocument
	}
	return chat.KindPRD
}

func (t Tool) seedSubject() (string, string) {
	if t == ToolDocumentChat {
		return "Document", "Ask me anything about it!"
	}
	return "PRD", "You can now chat with your PRD to understand requirements better, or generate test cases directly."
}
