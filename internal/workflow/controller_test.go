package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"docpilot/internal/apperr"
	"docpilot/internal/backend"
	"docpilot/internal/chat"
	"docpilot/internal/document"
	"docpilot/internal/export"
	"docpilot/internal/history"

	tea "github.com/charmbracelet/bubbletea"
)

var (
	pdf = document.NewFile("checkout.pdf", []byte("%PDF-1.4\n%test\n"))
	png = document.NewFile("mock.png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	gif = document.NewFile("anim.gif", []byte("GIF89a\x01\x00\x01\x00"))
)

type reply struct {
	status int
	body   string
}

// fakeBackend serves the backend routes with canned replies.
type fakeBackend struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   map[string]int
	prdKeys []string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *backend.Client) {
	t.Helper()
	fb := &fakeBackend{
		calls: map[string]int{},
		replies: map[string]reply{
			backend.PathUsageInfo:        {200, `{"service_available":true,"daily_limit":5,"remaining_today":5}`},
			backend.PathUploadDocument:   {200, `{"success":true,"document_id":"doc_1","chunks_count":12,"message":"Document processed successfully into 12 chunks"}`},
			backend.PathChatWithDocument: {200, `{"success":true,"answer":"Stripe and PayPal.","sources":["chunk 4"]}`},
			backend.PathUploadPRD:        {200, `{"success":true,"test_cases":[{"test_case_id":"TC001","feature":"Checkout"},{"test_case_id":"TC002","feature":"Refunds"}],"usage_info":{"daily_limit":5,"remaining_today":4}}`},
			backend.PathChat:             {200, `{"success":true,"response":"Add boundary cases."}`},
			backend.PathRefineTestCases:  {200, `{"success":true,"response":"TC002 needs expected results."}`},
			backend.PathDownloadCSV:      {200, "Test Case ID,Feature\nTC001,Checkout\n"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.calls[r.URL.Path]++
		if r.URL.Path == backend.PathUploadPRD {
			fb.prdKeys = append(fb.prdKeys, r.FormValue("api_key"))
		}
		rep, ok := fb.replies[r.URL.Path]
		fb.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(rep.status)
		_, _ = w.Write([]byte(rep.body))
	}))
	t.Cleanup(srv.Close)
	return fb, backend.New(srv.URL, 5*time.Second, nil)
}

func (fb *fakeBackend) set(path string, status int, body string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.replies[path] = reply{status, body}
}

func (fb *fakeBackend) count(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.calls[path]
}

type fakeArchiver struct {
	runs []history.Run
}

func (a *fakeArchiver) Archive(_ context.Context, run history.Run) error {
	a.runs = append(a.runs, run)
	return nil
}

type fakeExporter struct {
	csv      []byte
	document string
	exported []export.Transcript
}

func (e *fakeExporter) ExportTranscript(t export.Transcript) (string, error) {
	e.exported = append(e.exported, t)
	return "/tmp/transcript.md", nil
}

func (e *fakeExporter) WriteCSV(document string, data []byte) (string, error) {
	e.document, e.csv = document, data
	return "/tmp/cases.csv", nil
}

// drain runs cmd and feeds every resulting message back through Update
// until no work is left.
func drain(c *Controller, cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	switch msg := cmd().(type) {
	case tea.BatchMsg:
		for _, sub := range msg {
			drain(c, sub)
		}
	case nil:
	default:
		drain(c, c.Update(msg))
	}
}

func mustCmd(t *testing.T, cmd tea.Cmd, err error) tea.Cmd {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd == nil {
		t.Fatalf("expected command")
	}
	return cmd
}

func uploaded(t *testing.T, c *Controller) {
	t.Helper()
	drain(c, c.Init())
	cmd, err := c.Upload(pdf)
	drain(c, mustCmd(t, cmd, err))
}

func TestGeneratorHappyPath(t *testing.T) {
	fb, client := newFakeBackend(t)
	arch := &fakeArchiver{}
	c := New(ToolGenerator, client, Options{Archiver: arch})

	drain(c, c.Init())
	if !c.CanGenerate() {
		t.Fatalf("expected generation allowed after refresh, quota %+v", c.Quota())
	}

	cmd, err := c.Upload(pdf)
	mustCmd(t, cmd, err)
	if c.State() != Uploading {
		t.Fatalf("expected uploading, got %s", c.State())
	}
	drain(c, cmd)
	if c.State() != AwaitingPathChoice {
		t.Fatalf("expected path choice, got %s", c.State())
	}
	doc, ok := c.Document()
	if !ok || doc.ID != "doc_1" || doc.ChunkCount != 12 {
		t.Fatalf("unexpected document %#v", doc)
	}
	seed := c.Conversation().Messages()
	if len(seed) != 1 || seed[0].Role != chat.RoleSystem {
		t.Fatalf("expected seed message, got %#v", seed)
	}

	if err := c.ChooseChat(); err != nil {
		t.Fatalf("choose chat: %v", err)
	}
	drain(c, c.Send("Which payment providers?"))
	msgs := c.Conversation().Messages()
	if len(msgs) != 3 || msgs[2].Role != chat.RoleAssistant || msgs[2].Sources[0] != "chunk 4" {
		t.Fatalf("unexpected conversation %#v", msgs)
	}

	refreshes := fb.count(backend.PathUsageInfo)
	cmd, err = c.Generate()
	mustCmd(t, cmd, err)
	if c.State() != Generating {
		t.Fatalf("expected generating, got %s", c.State())
	}
	drain(c, cmd)
	if c.State() != Results {
		t.Fatalf("expected results, got %s", c.State())
	}
	if tcs := c.TestCases(); len(tcs) != 2 || tcs[0].TestCaseID != "TC001" {
		t.Fatalf("unexpected test cases %#v", tcs)
	}
	if fb.count(backend.PathUsageInfo) <= refreshes {
		t.Fatalf("expected quota refresh after generation")
	}
	if scope := c.Refinement().Scope(); len(scope.TestCases) != 2 {
		t.Fatalf("expected refinement scoped to results, got %#v", scope)
	}
	if len(arch.runs) != 1 || len(arch.runs[0].TestCases) != 2 {
		t.Fatalf("expected results archived, got %#v", arch.runs)
	}
	if len(c.Conversation().Messages()) != 3 {
		t.Fatalf("conversation must survive generation")
	}
}

func TestRefinementChatInResults(t *testing.T) {
	fb, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)
	cmd, err := c.Generate()
	drain(c, mustCmd(t, cmd, err))

	drain(c, c.Send("How should I prioritize?"))
	drain(c, c.Refine(""))
	msgs := c.Refinement().Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected user, reply and critique, got %#v", msgs)
	}
	if msgs[1].Content != "Add boundary cases." || msgs[2].Content != "TC002 needs expected results." {
		t.Fatalf("unexpected refinement log %#v", msgs)
	}
	if fb.count(backend.PathChat) != 1 || fb.count(backend.PathRefineTestCases) != 1 {
		t.Fatalf("unexpected call counts %v", fb.calls)
	}
	if c.ClipboardText() != "TC002 needs expected results." {
		t.Fatalf("unexpected clipboard text %q", c.ClipboardText())
	}
}

func TestUnsupportedFormatRejectedLocally(t *testing.T) {
	fb, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})

	cmd, err := c.Upload(gif)
	if cmd != nil || !errors.Is(err, apperr.ErrUnsupportedFormat) {
		t.Fatalf("expected local rejection, got cmd=%v err=%v", cmd != nil, err)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	n, ok := c.Notice()
	if !ok || n.Kind != apperr.KindUnsupportedFormat {
		t.Fatalf("unexpected notice %#v", n)
	}
	if fb.count(backend.PathUploadDocument) != 0 {
		t.Fatalf("no network call expected")
	}
}

func TestUploadFailureReturnsToIdle(t *testing.T) {
	fb, client := newFakeBackend(t)
	fb.set(backend.PathUploadDocument, http.StatusServiceUnavailable, `{"detail":"AI service temporarily unavailable"}`)
	c := New(ToolGenerator, client, Options{})

	cmd, err := c.Upload(pdf)
	drain(c, mustCmd(t, cmd, err))
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	if _, ok := c.Document(); ok {
		t.Fatalf("no document expected")
	}
	if n, _ := c.Notice(); n.Kind != apperr.KindServiceUnavailable {
		t.Fatalf("unexpected notice %#v", n)
	}
	if c.Conversation().Len() != 0 {
		t.Fatalf("failed upload must not seed the conversation")
	}
}

func TestGenerateBlockedByQuota(t *testing.T) {
	fb, client := newFakeBackend(t)
	fb.set(backend.PathUsageInfo, 200, `{"service_available":true,"daily_limit":5,"remaining_today":0}`)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)

	cmd, err := c.Generate()
	if cmd != nil || !errors.Is(err, ErrQuotaBlocked) {
		t.Fatalf("expected quota block, got %v", err)
	}
	if c.State() != AwaitingPathChoice {
		t.Fatalf("state must not change, got %s", c.State())
	}
	if n, _ := c.Notice(); n.Kind != apperr.KindQuotaExceeded || n.Message != apperr.MessageQuotaExceeded {
		t.Fatalf("unexpected notice %#v", n)
	}
	if fb.count(backend.PathUploadPRD) != 0 {
		t.Fatalf("no generation call expected")
	}

	c.SetCredential("  sk-user ")
	cmd, err = c.Generate()
	drain(c, mustCmd(t, cmd, err))
	if c.State() != Results {
		t.Fatalf("credential must lift the quota, got %s", c.State())
	}
	if len(fb.prdKeys) != 1 || fb.prdKeys[0] != "  sk-user " {
		t.Fatalf("credential must be forwarded verbatim, got %#v", fb.prdKeys)
	}
}

func TestGenerateBlockedWhenServiceUnavailable(t *testing.T) {
	fb, client := newFakeBackend(t)
	fb.set(backend.PathUsageInfo, 200, `{"service_available":false}`)
	c := New(ToolGenerator, client, Options{Credential: "k"})
	uploaded(t, c)

	if _, err := c.Generate(); !errors.Is(err, ErrQuotaBlocked) {
		t.Fatalf("expected block, got %v", err)
	}
	if n, _ := c.Notice(); n.Kind != apperr.KindServiceUnavailable {
		t.Fatalf("unexpected notice %#v", n)
	}
}

func TestGenerationFailureKeepsDocument(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   apperr.Kind
		text   string
	}{
		{http.StatusTooManyRequests, `{"detail":"Daily limit (5 uses) reached."}`, apperr.KindQuotaExceeded, apperr.MessageQuotaExceeded},
		{200, `{"success":false,"message":"No requirements found"}`, apperr.KindDeclined, "No requirements found"},
		{200, `{"success":false}`, apperr.KindDeclined, apperr.MessageGenerationFallback},
		{http.StatusInternalServerError, `{"detail":"Error processing PRD: boom"}`, apperr.KindDeclined, "Error processing PRD: boom"},
	}
	for _, tc := range cases {
		fb, client := newFakeBackend(t)
		fb.set(backend.PathUploadPRD, tc.status, tc.body)
		c := New(ToolGenerator, client, Options{})
		uploaded(t, c)
		if err := c.ChooseChat(); err != nil {
			t.Fatalf("choose chat: %v", err)
		}

		cmd, err := c.Generate()
		drain(c, mustCmd(t, cmd, err))
		if c.State() != AwaitingPathChoice {
			t.Fatalf("%d: expected path choice after failure, got %s", tc.status, c.State())
		}
		if len(c.TestCases()) != 0 {
			t.Fatalf("%d: no test cases expected", tc.status)
		}
		if _, ok := c.Document(); !ok {
			t.Fatalf("%d: document must survive a failed generation", tc.status)
		}
		n, _ := c.Notice()
		if n.Kind != tc.kind || n.Message != tc.text {
			t.Fatalf("%d: unexpected notice %#v", tc.status, n)
		}
	}
}

func TestGenerationTimeoutKeepsDocument(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case backend.PathUsageInfo:
			_, _ = w.Write([]byte(`{"service_available":true,"daily_limit":5,"remaining_today":5}`))
		case backend.PathUploadDocument:
			_, _ = w.Write([]byte(`{"success":true,"document_id":"doc_1","chunks_count":12}`))
		case backend.PathUploadPRD:
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(ToolGenerator, backend.New(srv.URL, 100*time.Millisecond, nil), Options{})
	uploaded(t, c)
	cmd, err := c.Generate()
	drain(c, mustCmd(t, cmd, err))

	if c.State() != AwaitingPathChoice || len(c.TestCases()) != 0 {
		t.Fatalf("expected path choice without test cases, got %s", c.State())
	}
	if doc, ok := c.Document(); !ok || doc.ID != "doc_1" {
		t.Fatalf("document must survive a timeout, got %#v", doc)
	}
	n, _ := c.Notice()
	if n.Kind != apperr.KindUnreachable {
		t.Fatalf("expected unreachable notice, got %#v", n)
	}
}

func TestChatQuotaErrorIsLogged(t *testing.T) {
	fb, client := newFakeBackend(t)
	fb.set(backend.PathChatWithDocument, http.StatusTooManyRequests, `{"detail":"Daily limit reached"}`)
	c := New(ToolDocumentChat, client, Options{})
	uploaded(t, c)

	drain(c, c.Send("What now?"))
	msgs := c.Conversation().Messages()
	if len(msgs) != 3 || msgs[2].Role != chat.RoleError || msgs[2].Content != apperr.MessageQuotaExceeded {
		t.Fatalf("unexpected conversation %#v", msgs)
	}
	if c.Conversation().Pending() {
		t.Fatalf("pending must clear")
	}
	if _, ok := c.Notice(); ok {
		t.Fatalf("chat failures belong in the conversation, not the notice")
	}
}

func TestBackRetainsMessages(t *testing.T) {
	_, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)
	_ = c.ChooseChat()
	drain(c, c.Send("Scope?"))

	if err := c.Back(); err != nil {
		t.Fatalf("back: %v", err)
	}
	if c.State() != AwaitingPathChoice || c.Conversation().Len() != 3 {
		t.Fatalf("expected messages retained, state %s len %d", c.State(), c.Conversation().Len())
	}
	if c.Send("ignored") != nil {
		t.Fatalf("no chat surface in path choice")
	}
	if err := c.Back(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestResetDuringUploadDropsLateReply(t *testing.T) {
	_, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})

	cmd, err := c.Upload(pdf)
	mustCmd(t, cmd, err)
	c.Reset()
	if c.State() != Idle {
		t.Fatalf("expected idle after reset, got %s", c.State())
	}
	drain(c, cmd)
	if c.State() != Idle {
		t.Fatalf("late upload must not reanimate the workflow, got %s", c.State())
	}
	if _, ok := c.Document(); ok {
		t.Fatalf("late upload must not set a document")
	}
	if c.Conversation().Len() != 0 {
		t.Fatalf("late upload must not seed the conversation")
	}
}

func TestResetDuringChatDropsLateReply(t *testing.T) {
	_, client := newFakeBackend(t)
	c := New(ToolDocumentChat, client, Options{})
	uploaded(t, c)

	send := c.Send("question")
	if send == nil {
		t.Fatalf("expected send command")
	}
	c.Reset()
	drain(c, send)
	if c.Conversation().Len() != 0 || c.Conversation().Pending() {
		t.Fatalf("cleared conversation must stay empty, got %#v", c.Conversation().Messages())
	}
}

func TestResetDuringGenerationDropsLateReply(t *testing.T) {
	_, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)
	cmd, err := c.Generate()
	mustCmd(t, cmd, err)

	c.Reset()
	drain(c, cmd)
	if c.State() != Idle || len(c.TestCases()) != 0 {
		t.Fatalf("late generation must be dropped, state %s", c.State())
	}
}

func TestResetClearsEverythingAndArchives(t *testing.T) {
	_, client := newFakeBackend(t)
	arch := &fakeArchiver{}
	c := New(ToolGenerator, client, Options{Archiver: arch})
	uploaded(t, c)
	cycle := c.Cycle()
	cmd, err := c.Generate()
	drain(c, mustCmd(t, cmd, err))
	drain(c, c.Send("More edge cases?"))

	drain(c, c.Reset())
	if c.State() != Idle || len(c.TestCases()) != 0 || c.Conversation().Len() != 0 || c.Refinement().Len() != 0 {
		t.Fatalf("reset must clear all state")
	}
	if _, ok := c.Document(); ok {
		t.Fatalf("reset must clear the document")
	}
	if c.Cycle() == cycle {
		t.Fatalf("reset must start a new cycle")
	}
	if _, err := c.Generate(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("generate after reset must fail, got %v", err)
	}
	if len(arch.runs) != 2 || arch.runs[1].ID != cycle || len(arch.runs[1].Conversations) != 2 {
		t.Fatalf("expected results and reset archives of the same run, got %#v", arch.runs)
	}

	if c.Reset() != nil {
		t.Fatalf("reset of an idle controller must be a no-op")
	}
	if len(arch.runs) != 2 {
		t.Fatalf("idle reset must not archive")
	}
}

func TestDocumentChatTool(t *testing.T) {
	fb, client := newFakeBackend(t)
	c := New(ToolDocumentChat, client, Options{})

	if _, err := c.Upload(png); !errors.Is(err, apperr.ErrUnsupportedFormat) {
		t.Fatalf("document chat accepts PDF only, got %v", err)
	}
	if n, _ := c.Notice(); n.Message != "Please upload a PDF file only." {
		t.Fatalf("unexpected notice %q", n.Message)
	}

	uploaded(t, c)
	if c.State() != Chatting {
		t.Fatalf("document chat goes straight to chatting, got %s", c.State())
	}
	if c.Refinement() != nil || c.CanGenerate() {
		t.Fatalf("document chat must not offer generation")
	}
	if _, err := c.Generate(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if c.Back() == nil {
		t.Fatalf("document chat has no path choice to go back to")
	}
	drain(c, c.Send("What are the prerequisites?"))
	if c.Conversation().Len() != 3 || fb.count(backend.PathChatWithDocument) != 1 {
		t.Fatalf("unexpected conversation %#v", c.Conversation().Messages())
	}
}

func TestGeneratorAcceptsImages(t *testing.T) {
	fb, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	cmd, err := c.Upload(png)
	drain(c, mustCmd(t, cmd, err))
	if c.State() != AwaitingPathChoice || fb.count(backend.PathUploadDocument) != 1 {
		t.Fatalf("expected png upload, state %s", c.State())
	}
}

func TestUploadRejectedWhileBusy(t *testing.T) {
	_, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)
	gen, err := c.Generate()
	mustCmd(t, gen, err)

	if _, err := c.Upload(pdf); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	drain(c, gen)
	if doc, _ := c.Document(); doc.ID != "doc_1" || c.State() != Results {
		t.Fatalf("generation must finish undisturbed, state %s", c.State())
	}
}

func TestRejectedReplacementKeepsResults(t *testing.T) {
	fb, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)
	cmd, err := c.Generate()
	drain(c, mustCmd(t, cmd, err))

	if _, err := c.Upload(gif); !errors.Is(err, apperr.ErrUnsupportedFormat) {
		t.Fatalf("expected local rejection, got %v", err)
	}
	if c.State() != Results || len(c.TestCases()) != 2 {
		t.Fatalf("results must survive, state %s", c.State())
	}
	if doc, ok := c.Document(); !ok || doc.ID != "doc_1" {
		t.Fatalf("document must survive")
	}
	if fb.count(backend.PathUploadDocument) != 1 {
		t.Fatalf("no network call expected for the rejected file")
	}
}

func TestFailedReplacementRestoresState(t *testing.T) {
	fb, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)
	if err := c.ChooseChat(); err != nil {
		t.Fatalf("choose chat: %v", err)
	}
	drain(c, c.Send("Which payment providers?"))
	cycle := c.Cycle()

	fb.set(backend.PathUploadDocument, http.StatusInternalServerError, `{"detail":"boom"}`)
	cmd, err := c.Upload(png)
	mustCmd(t, cmd, err)
	if c.State() != Uploading {
		t.Fatalf("expected uploading, got %s", c.State())
	}
	drain(c, cmd)
	if c.State() != Chatting || c.Cycle() != cycle {
		t.Fatalf("failed upload must restore chatting, state %s", c.State())
	}
	if doc, _ := c.Document(); doc.ID != "doc_1" || c.Conversation().Len() != 3 {
		t.Fatalf("document and conversation must survive, got %#v", c.Conversation().Messages())
	}
	if _, ok := c.Notice(); !ok {
		t.Fatalf("expected a notice")
	}
	if _, err := c.Generate(); err != nil {
		t.Fatalf("retained file must still generate: %v", err)
	}
}

func TestReplacementUploadArchivesPreviousRun(t *testing.T) {
	fb, client := newFakeBackend(t)
	arch := &fakeArchiver{}
	c := New(ToolGenerator, client, Options{Archiver: arch})
	uploaded(t, c)
	cmd, err := c.Generate()
	drain(c, mustCmd(t, cmd, err))
	drain(c, c.Send("More edge cases?"))
	cycle := c.Cycle()

	fb.set(backend.PathUploadDocument, 200, `{"success":true,"document_id":"doc_2","chunks_count":3,"message":"ok"}`)
	cmd, err = c.Upload(png)
	drain(c, mustCmd(t, cmd, err))
	if c.State() != AwaitingPathChoice {
		t.Fatalf("expected path choice, got %s", c.State())
	}
	if doc, _ := c.Document(); doc.ID != "doc_2" || doc.Name != "mock.png" {
		t.Fatalf("unexpected document %#v", doc)
	}
	if len(c.TestCases()) != 0 || c.Refinement().Len() != 0 || c.Conversation().Len() != 1 {
		t.Fatalf("previous run must be cleared")
	}
	if c.Cycle() == cycle {
		t.Fatalf("replacement must start a new cycle")
	}
	last := arch.runs[len(arch.runs)-1]
	if last.ID != cycle || last.DocumentID != "doc_1" || len(last.TestCases) != 2 {
		t.Fatalf("expected the previous run archived, got %#v", last)
	}
}

func TestUploadAppliesUsageAndRefreshes(t *testing.T) {
	fb, client := newFakeBackend(t)
	fb.set(backend.PathUploadDocument, 200, `{"success":true,"document_id":"doc_1","chunks_count":12,"usage_info":{"daily_limit":5,"remaining_today":3}}`)
	c := New(ToolGenerator, client, Options{})

	cmd, err := c.Upload(pdf)
	mustCmd(t, cmd, err)
	refresh := c.Update(cmd())
	if q := c.Quota(); q.RemainingToday != 3 || q.DailyLimit != 5 {
		t.Fatalf("embedded usage not applied, quota %+v", q)
	}
	if refresh == nil {
		t.Fatalf("expected a quota refresh after upload")
	}
	before := fb.count(backend.PathUsageInfo)
	drain(c, refresh)
	if fb.count(backend.PathUsageInfo) != before+1 {
		t.Fatalf("expected one usage fetch, got %d", fb.count(backend.PathUsageInfo)-before)
	}
	if q := c.Quota(); q.RemainingToday != 5 {
		t.Fatalf("refresh must replace embedded usage, quota %+v", q)
	}
}

func TestDownloadCSVAndExport(t *testing.T) {
	_, client := newFakeBackend(t)
	ex := &fakeExporter{}
	c := New(ToolGenerator, client, Options{Exporter: ex})
	uploaded(t, c)

	if _, err := c.DownloadCSV(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("download requires results, got %v", err)
	}
	cmd, err := c.Generate()
	drain(c, mustCmd(t, cmd, err))

	cmd, err = c.DownloadCSV()
	drain(c, mustCmd(t, cmd, err))
	if string(ex.csv) != "Test Case ID,Feature\nTC001,Checkout\n" || ex.document != "checkout.pdf" {
		t.Fatalf("unexpected csv write %q for %q", ex.csv, ex.document)
	}
	if c.Status() != "Saved CSV to /tmp/cases.csv" {
		t.Fatalf("unexpected status %q", c.Status())
	}

	if _, err := c.ExportTranscript(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("empty refinement chat has nothing to export, got %v", err)
	}
	drain(c, c.Refine(""))
	cmd, err = c.ExportTranscript()
	drain(c, mustCmd(t, cmd, err))
	if len(ex.exported) != 1 || ex.exported[0].Document != "checkout.pdf" {
		t.Fatalf("unexpected export %#v", ex.exported)
	}
}

func TestDownloadCSVWithoutExporter(t *testing.T) {
	_, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	uploaded(t, c)
	cmd, err := c.Generate()
	drain(c, mustCmd(t, cmd, err))
	if _, err := c.DownloadCSV(); !errors.Is(err, ErrNoExporter) {
		t.Fatalf("expected ErrNoExporter, got %v", err)
	}
}

func TestQuotaRefreshFailureIsSwallowed(t *testing.T) {
	fb, client := newFakeBackend(t)
	c := New(ToolGenerator, client, Options{})
	drain(c, c.Init())
	before := c.Quota()

	fb.set(backend.PathUsageInfo, http.StatusInternalServerError, `{"detail":"boom"}`)
	drain(c, c.Init())
	if c.Quota() != before {
		t.Fatalf("failed refresh must keep the last quota, got %+v", c.Quota())
	}
	if _, ok := c.Notice(); ok {
		t.Fatalf("refresh failures must not surface")
	}
}

func TestParseTool(t *testing.T) {
	if tool, err := ParseTool(" Document "); err != nil || tool != ToolDocumentChat {
		t.Fatalf("unexpected tool %q err=%v", tool, err)
	}
	if _, err := ParseTool("release"); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
	if Chatting.String() != "chatting" || State(42).String() != "state(42)" {
		t.Fatalf("unexpected state names")
	}
}
