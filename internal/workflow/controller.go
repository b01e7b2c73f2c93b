// Package workflow sequences one tool's run: upload, an optional path
// choice, chat, generation and results. The Controller is an update-loop
// component: methods that start network work return a tea.Cmd and the
// resulting message must be passed back through Update.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docpilot/internal/apperr"
	"docpilot/internal/backend"
	"docpilot/internal/chat"
	"docpilot/internal/document"
	"docpilot/internal/export"
	"docpilot/internal/history"
	"docpilot/internal/quota"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoDocument        = errors.New("no document uploaded")
	ErrFileNotRetained   = errors.New("uploaded file not retained")
	ErrQuotaBlocked      = errors.New("generation blocked")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrNoExporter        = errors.New("export is not configured")
)

// Backend is the remote contract the controller needs.
type Backend interface {
	document.Uploader
	chat.DocumentChatter
	chat.AssistantClient
	quota.Fetcher
	UploadPRD(ctx context.Context, file backend.FilePart, apiKey string) (backend.GenerateResponse, error)
	DownloadCSV(ctx context.Context, testCases []backend.TestCase) ([]byte, error)
}

type Archiver interface {
	Archive(ctx context.Context, run history.Run) error
}

type Exporter interface {
	ExportTranscript(t export.Transcript) (string, error)
	WriteCSV(document string, data []byte) (string, error)
}

type Options struct {
	Archiver   Archiver
	Exporter   Exporter
	Credential string
	Logger     *zap.Logger
	Now        func() time.Time
}

// Messages produced by controller commands. Each carries the cycle it was
// issued in; replies from an earlier cycle are dropped.
type (
	UploadedMsg struct {
		Cycle   string
		File    document.File
		Session document.Session
		Err     error
	}
	GeneratedMsg struct {
		Cycle string
		Resp  backend.GenerateResponse
		Err   error
	}
	CSVSavedMsg struct {
		Cycle string
		Path  string
		Err   error
	}
	TranscriptExportedMsg struct {
		Path string
		Err  error
	}
	ArchivedMsg struct {
		RunID string
		Err   error
	}
)

type Controller struct {
	tool     Tool
	be       Backend
	gate     *quota.Gate
	archiver Archiver
	exporter Exporter
	log      *zap.Logger
	now      func() time.Time

	cycle      string
	state      State
	resume     State
	doc        *document.Session
	file       *document.File
	conv       *chat.Session
	refinement *chat.Session
	testCases  []backend.TestCase

	notice *apperr.Classified
	status string
}

// New builds a fresh controller for tool. Switching tools means building a
// new controller; nothing is shared between them.
func New(tool Tool, be Backend, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("tool", string(tool)))
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		tool:     tool,
		be:       be,
		gate:     quota.NewGate(be, log.Named("quota")),
		archiver: opts.Archiver,
		exporter: opts.Exporter,
		log:      log,
		now:      now,
		cycle:    uuid.NewString(),
		state:    Idle,
	}
	c.gate.SetCredential(opts.Credential)

	chatOpts := []chat.Option{
		chat.WithCredential(c.gate.Credential),
		chat.WithClock(now),
		chat.WithLogger(log.Named("chat")),
	}
	c.conv = chat.New(tool.chatKind(), chat.NewDocumentEndpoint(string(tool), be), chatOpts...)
	if tool.Generates() {
		c.refinement = chat.New(chat.KindRefinement, chat.NewAssistantEndpoint(be), chatOpts...)
	}
	return c
}

// Init fetches the quota once so the gate reflects the service.
func (c *Controller) Init() tea.Cmd {
	return c.gate.RefreshCmd()
}

func (c *Controller) Tool() Tool     { return c.tool }
func (c *Controller) State() State   { return c.state }
func (c *Controller) Cycle() string  { return c.cycle }
func (c *Controller) Status() string { return c.status }

// CanGenerate reports whether Generate would pass the quota gate.
func (c *Controller) CanGenerate() bool {
	return c.tool.Generates() && c.gate.CanGenerate()
}

func (c *Controller) Quota() quota.UsageQuota { return c.gate.Current() }

func (c *Controller) Document() (document.Session, bool) {
	if c.doc == nil {
		return document.Session{}, false
	}
	return *c.doc, true
}

func (c *Controller) TestCases() []backend.TestCase {
	return append([]backend.TestCase(nil), c.testCases...)
}

// Conversation is the chat about the uploaded document.
func (c *Controller) Conversation() *chat.Session { return c.conv }

// Refinement is the chat about generated test cases. It is nil for tools
// that do not generate.
func (c *Controller) Refinement() *chat.Session { return c.refinement }

// ActiveSession is the conversation the current state shows, if any.
func (c *Controller) ActiveSession() *chat.Session {
	switch c.state {
	case Chatting:
		return c.conv
	case Results:
		return c.refinement
	}
	return nil
}

// Notice is the transient failure of the last upload, generation or export.
func (c *Controller) Notice() (apperr.Classified, bool) {
	if c.notice == nil {
		return apperr.Classified{}, false
	}
	return *c.notice, true
}

func (c *Controller) DismissNotice() { c.notice = nil }

// SetCredential stores the user's own key. It is forwarded verbatim with
// generation and chat requests.
func (c *Controller) SetCredential(key string) {
	c.gate.SetCredential(key)
}

func (c *Controller) setNotice(err error) {
	cl := apperr.Classify(err)
	c.notice = &cl
	c.status = ""
}

// Upload starts indexing file. It is valid whenever no request owns the
// workflow. A held document is replaced only once the new upload succeeds;
// a rejected or failed upload leaves it in place. Unsupported formats are
// rejected here without a network call.
func (c *Controller) Upload(file document.File) (tea.Cmd, error) {
	if c.state == Uploading || c.state == Generating {
		return nil, fmt.Errorf("%w: upload from %s", ErrInvalidTransition, c.state)
	}
	formats := c.tool.Formats()
	if err := formats.Check(file); err != nil {
		c.setNotice(err)
		return nil, err
	}
	c.notice = nil
	c.status = ""

	c.resume = c.state
	c.state = Uploading
	c.log.Info("uploading document", zap.String("name", file.Name), zap.String("mime", file.MIMEType), zap.Int("bytes", len(file.Data)))
	be, cycle, now := c.be, c.cycle, c.now
	return func() tea.Msg {
		s, err := document.Upload(context.Background(), be, file, formats, now())
		return UploadedMsg{Cycle: cycle, File: file, Session: s, Err: err}
	}, nil
}

// ChooseChat moves from the path choice to the conversation.
func (c *Controller) ChooseChat() error {
	if c.state != AwaitingPathChoice {
		return fmt.Errorf("%w: chat from %s", ErrInvalidTransition, c.state)
	}
	c.state = Chatting
	return nil
}

// Back returns from the conversation to the path choice. Messages are kept.
func (c *Controller) Back() error {
	if c.state != Chatting || !c.tool.Generates() {
		return fmt.Errorf("%w: back from %s", ErrInvalidTransition, c.state)
	}
	c.state = AwaitingPathChoice
	return nil
}

// Generate submits the retained file for test-case generation.
func (c *Controller) Generate() (tea.Cmd, error) {
	if !c.tool.Generates() {
		return nil, fmt.Errorf("%w: %s does not generate", ErrInvalidTransition, c.tool)
	}
	if c.state != AwaitingPathChoice && c.state != Chatting {
		return nil, fmt.Errorf("%w: generate from %s", ErrInvalidTransition, c.state)
	}
	if c.doc == nil {
		return nil, ErrNoDocument
	}
	if c.file == nil {
		return nil, ErrFileNotRetained
	}
	if q := c.gate.Current(); !quota.CanGenerate(q) {
		blocked := quota.Blocked(q)
		c.notice = &blocked
		return nil, fmt.Errorf("%w: %s", ErrQuotaBlocked, blocked.Message)
	}

	c.notice = nil
	c.status = ""
	c.state = Generating
	c.log.Info("generating test cases", zap.String("document_id", c.doc.ID))
	be, cycle, part, key := c.be, c.cycle, c.file.Part(), c.gate.Credential()
	return func() tea.Msg {
		resp, err := be.UploadPRD(context.Background(), part, key)
		return GeneratedMsg{Cycle: cycle, Resp: resp, Err: err}
	}, nil
}

// Send posts text to the conversation the current state shows.
func (c *Controller) Send(text string) tea.Cmd {
	s := c.ActiveSession()
	if s == nil {
		return nil
	}
	return s.Send(text)
}

// Refine asks for a critique of the generated test cases.
func (c *Controller) Refine(prompt string) tea.Cmd {
	if c.state != Results || c.refinement == nil {
		return nil
	}
	return c.refinement.Refine(prompt)
}

// DownloadCSV fetches the CSV export of the results and writes it to disk.
func (c *Controller) DownloadCSV() (tea.Cmd, error) {
	if c.state != Results || len(c.testCases) == 0 {
		return nil, fmt.Errorf("%w: download from %s", ErrInvalidTransition, c.state)
	}
	if c.exporter == nil {
		return nil, ErrNoExporter
	}
	be, ex, cycle := c.be, c.exporter, c.cycle
	tcs := c.TestCases()
	name := ""
	if c.doc != nil {
		name = c.doc.Name
	}
	return func() tea.Msg {
		data, err := be.DownloadCSV(context.Background(), tcs)
		if err != nil {
			return CSVSavedMsg{Cycle: cycle, Err: err}
		}
		path, err := ex.WriteCSV(name, data)
		return CSVSavedMsg{Cycle: cycle, Path: path, Err: err}
	}, nil
}

// ExportTranscript writes the active conversation to a markdown file.
func (c *Controller) ExportTranscript() (tea.Cmd, error) {
	s := c.ActiveSession()
	if s == nil || s.Len() == 0 {
		return nil, fmt.Errorf("%w: nothing to export in %s", ErrInvalidTransition, c.state)
	}
	if c.exporter == nil {
		return nil, ErrNoExporter
	}
	t := export.Transcript{Title: c.tool.Title() + " " + string(s.Kind()), Messages: s.Messages()}
	if c.doc != nil {
		t.Document = c.doc.Name
	}
	ex := c.exporter
	return func() tea.Msg {
		path, err := ex.ExportTranscript(t)
		return TranscriptExportedMsg{Path: path, Err: err}
	}, nil
}

// ClipboardText is what a copy action should place on the clipboard: the
// last answer of the active conversation, else the test-case table.
func (c *Controller) ClipboardText() string {
	if s := c.ActiveSession(); s != nil {
		if m, ok := s.LastAnswer(); ok {
			return m.Content
		}
	}
	if c.state == Results {
		return export.BuildTestCasesMarkdown(c.testCases)
	}
	return ""
}

// Reset discards the document, retained file, conversations and results.
// The run is archived first. Replies still in flight are dropped when they
// arrive. Resetting an idle controller does nothing.
func (c *Controller) Reset() tea.Cmd {
	if c.state == Idle && c.doc == nil {
		c.notice = nil
		return nil
	}
	archive := c.archiveCmd()

	c.log.Info("reset", zap.String("from", c.state.String()))
	c.state = Idle
	c.doc = nil
	c.file = nil
	c.testCases = nil
	c.conv.Clear()
	if c.refinement != nil {
		c.refinement.Clear()
	}
	c.notice = nil
	c.status = ""
	c.cycle = uuid.NewString()
	return tea.Batch(archive, c.gate.RefreshCmd())
}

func (c *Controller) archiveCmd() tea.Cmd {
	if c.archiver == nil || c.doc == nil {
		return nil
	}
	run := history.Run{
		ID:           c.cycle,
		Tool:         string(c.tool),
		DocumentID:   c.doc.ID,
		DocumentName: c.doc.Name,
		ChunkCount:   c.doc.ChunkCount,
		UploadedAt:   c.doc.UploadedAt,
		ArchivedAt:   c.now(),
		TestCases:    c.TestCases(),
	}
	for _, s := range []*chat.Session{c.conv, c.refinement} {
		if s == nil || s.Len() == 0 {
			continue
		}
		run.Conversations = append(run.Conversations, history.Conversation{Name: string(s.Kind()), Messages: s.Messages()})
	}
	a := c.archiver
	return func() tea.Msg {
		err := a.Archive(context.Background(), run)
		return ArchivedMsg{RunID: run.ID, Err: err}
	}
}

// Update applies a message produced by one of the controller's commands.
func (c *Controller) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case UploadedMsg:
		return c.applyUploaded(msg)
	case GeneratedMsg:
		return c.applyGenerated(msg)
	case chat.ReplyMsg:
		applied := c.conv.Apply(msg)
		if !applied && c.refinement != nil {
			applied = c.refinement.Apply(msg)
		}
		if applied && msg.Succeeded() {
			return c.gate.RefreshCmd()
		}
	case quota.RefreshedMsg:
		c.gate.Apply(msg)
	case CSVSavedMsg:
		if msg.Cycle != c.cycle {
			return nil
		}
		if msg.Err != nil {
			c.log.Warn("csv download failed", zap.Error(msg.Err))
			c.setNotice(msg.Err)
			return nil
		}
		c.status = "Saved CSV to " + msg.Path
	case TranscriptExportedMsg:
		if msg.Err != nil {
			c.log.Warn("transcript export failed", zap.Error(msg.Err))
			c.setNotice(msg.Err)
			return nil
		}
		c.status = "Exported transcript to " + msg.Path
	case ArchivedMsg:
		if msg.Err != nil {
			c.log.Warn("archive failed", zap.String("run", msg.RunID), zap.Error(msg.Err))
		}
	}
	return nil
}

func (c *Controller) applyUploaded(msg UploadedMsg) tea.Cmd {
	if msg.Cycle != c.cycle || c.state != Uploading {
		c.log.Debug("dropping stale upload", zap.String("cycle", msg.Cycle))
		return nil
	}
	if msg.Err != nil {
		c.log.Warn("upload failed", zap.String("name", msg.File.Name), zap.Error(msg.Err))
		c.state = c.resume
		c.setNotice(msg.Err)
		return nil
	}

	// The replaced run is archived before its state is dropped.
	var archive tea.Cmd
	if c.doc != nil {
		archive = c.archiveCmd()
		c.log.Info("replacing document", zap.String("document_id", c.doc.ID))
		c.testCases = nil
		c.conv.Clear()
		if c.refinement != nil {
			c.refinement.Clear()
		}
		c.cycle = uuid.NewString()
	}

	s, f := msg.Session, msg.File
	c.doc = &s
	c.file = &f
	c.gate.ApplyUsageInfo(s.Usage)
	c.conv.SetScope(chat.DocumentScope(s.ID))
	subject, followUp := c.tool.seedSubject()
	c.conv.Seed(document.SeedMessage(s, subject, followUp))
	c.status = strings.TrimSpace(s.StatusMessage)
	c.log.Info("document indexed", zap.String("document_id", s.ID), zap.Int("chunks", s.ChunkCount))

	if c.tool.Generates() {
		c.state = AwaitingPathChoice
	} else {
		c.state = Chatting
	}
	// Indexing counts against the free tier.
	return tea.Batch(archive, c.gate.RefreshCmd())
}

func (c *Controller) applyGenerated(msg GeneratedMsg) tea.Cmd {
	if msg.Cycle != c.cycle || c.state != Generating {
		c.log.Debug("dropping stale generation", zap.String("cycle", msg.Cycle))
		return nil
	}
	err := msg.Err
	if err == nil && !msg.Resp.Success {
		err = apperr.Declined(msg.Resp.Message, apperr.MessageGenerationFallback)
	}
	if err != nil {
		c.log.Warn("generation failed", zap.Error(err))
		c.state = AwaitingPathChoice
		c.setNotice(err)
		return nil
	}

	c.testCases = append([]backend.TestCase(nil), msg.Resp.TestCases...)
	c.gate.ApplyUsageInfo(msg.Resp.UsageInfo)
	c.state = Results
	c.refinement.SetScope(chat.ArtifactScope(c.testCases))
	c.status = fmt.Sprintf("Generated %d test cases", len(c.testCases))
	c.log.Info("test cases generated", zap.Int("count", len(c.testCases)))
	return tea.Batch(c.gate.RefreshCmd(), c.archiveCmd())
}
