package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docpilot/internal/backend"
	"docpilot/internal/clipboard"
	"docpilot/internal/config"
	"docpilot/internal/document"
	"docpilot/internal/highlight"
	"docpilot/internal/history"
	"docpilot/internal/workflow"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Rendered panes are kept this long; resizes and redraws reuse them.
const renderTTL = 10 * time.Minute

// RunStore is the archive the sidebar lists.
type RunStore interface {
	ListRuns(query string, limit int) ([]history.Summary, error)
	GetMessages(runID string) ([]history.Message, error)
	GetTestCases(runID string) ([]backend.TestCase, error)
}

type Copier interface {
	Copy(ctx context.Context, text string) error
}

type Options struct {
	Config config.AppConfig
	// NewController builds a fresh controller each time a tool is opened.
	NewController func(workflow.Tool) *workflow.Controller
	History       RunStore
	Copier        Copier
	Logger        *zap.Logger
}

type inputMode int

const (
	inputNone inputMode = iota
	inputPath
	inputMessage
	inputRefine
	inputCredential
	inputSearch
)

type Model struct {
	cfg           config.AppConfig
	newController func(workflow.Tool) *workflow.Controller
	runs          RunStore
	copier        Copier
	log           *zap.Logger

	list     list.Model
	viewport viewport.Model
	help     help.Model
	spinner  spinner.Model
	input    textinput.Model
	keys     keyMap

	width  int
	height int

	focusOnList bool
	mode        inputMode
	searchQuery string
	sampleIndex int
	spinning    bool

	ctrl    *workflow.Controller
	ctrlGen int

	summaries map[string]history.Summary
	runID     string
	runDoc    string

	rendering   bool
	renderNonce int
	renderKey   string
	rendered    *cache.Cache
	plain       string
	matchLines  []int
	matchCount  int
	matchIndex  int

	status string
	err    error
}

// controllerMsg carries a controller reply tagged with the controller
// generation that issued it. Replies for a replaced controller are dropped.
type controllerMsg struct {
	gen int
	msg tea.Msg
}
type openedMsg struct {
	file document.File
	err  error
}
type runsMsg struct {
	runs []history.Summary
	err  error
}
type runMsg struct {
	id       string
	markdown string
	err      error
}
type renderMsg struct {
	cacheKey string
	rendered string
	nonce    int
	err      error
}
type copyMsg struct {
	err error
}

type toolItem struct {
	t workflow.Tool
}

func (i toolItem) Title() string       { return i.t.Title() }
func (i toolItem) Description() string { return i.t.Description() }
func (i toolItem) FilterValue() string { return strings.ToLower(i.t.Title()) }

type runItem struct {
	s history.Summary
}

func (i runItem) Title() string {
	if i.s.DocumentName != "" {
		return i.s.DocumentName
	}
	return shorten(i.s.ID, 28)
}

func (i runItem) Description() string {
	meta := fmt.Sprintf("%s | %s | %d msgs", history.FormatUnix(i.s.ArchivedTS), i.s.Tool, i.s.MessageCount)
	if i.s.TestCaseCount > 0 {
		meta += fmt.Sprintf(" | %d cases", i.s.TestCaseCount)
	}
	if i.s.Preview == "" {
		return meta
	}
	return meta + " | " + i.s.Preview
}

func (i runItem) FilterValue() string {
	return strings.ToLower(i.s.DocumentName + " " + i.s.Preview)
}

func NewModel(opts Options) Model {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Config.GlamourStyle == "" {
		opts.Config.GlamourStyle = config.DefaultGlamourStyle
	}
	copier := opts.Copier
	if copier == nil {
		copier = clipboard.New()
	}

	l := list.New(toolItems(), list.NewDefaultDelegate(), 40, 20)
	l.Title = "docpilot"
	l.SetShowFilter(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()

	vp := viewport.New(60, 20)
	vp.SetContent("Pick a tool and press enter.")

	h := help.New()
	h.ShowAll = false

	sp := spinner.New()
	sp.Spinner = spinner.Points

	ti := textinput.New()
	ti.CharLimit = 4096

	m := Model{
		cfg:           opts.Config,
		newController: opts.NewController,
		runs:          opts.History,
		copier:        copier,
		log:           log,
		list:          l,
		viewport:      vp,
		help:          h,
		spinner:       sp,
		input:         ti,
		keys:          defaultKeys(),
		focusOnList:   true,
		summaries:     make(map[string]history.Summary),
		rendered:      cache.New(renderTTL, 2*renderTTL),
		matchIndex:    -1,
	}
	if t, err := workflow.ParseTool(opts.Config.Tool); err == nil && m.newController != nil {
		m.ctrlGen++
		m.ctrl = m.newController(t)
		m.focusOnList = false
	}
	return m
}

func toolItems() []list.Item {
	items := make([]list.Item, 0, len(workflow.Tools))
	for _, t := range workflow.Tools {
		items = append(items, toolItem{t: t})
	}
	return items
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.runsCmd("")}
	if m.ctrl != nil {
		cmds = append(cmds, m.forward(m.ctrl.Init()))
	}
	return tea.Batch(cmds...)
}

// forward tags the messages cmd produces with the current controller
// generation, looking inside batches.
func (m Model) forward(cmd tea.Cmd) tea.Cmd {
	return tagCmd(m.ctrlGen, cmd)
}

func tagCmd(gen int, cmd tea.Cmd) tea.Cmd {
	if cmd == nil {
		return nil
	}
	return func() tea.Msg {
		switch msg := cmd().(type) {
		case nil:
			return nil
		case tea.BatchMsg:
			out := make(tea.BatchMsg, 0, len(msg))
			for _, c := range msg {
				if c != nil {
					out = append(out, tagCmd(gen, c))
				}
			}
			return out
		default:
			return controllerMsg{gen: gen, msg: msg}
		}
	}
}

func (m Model) runsCmd(query string) tea.Cmd {
	if m.runs == nil {
		return nil
	}
	return func() tea.Msg {
		runs, err := m.runs.ListRuns(query, 200)
		return runsMsg{runs: runs, err: err}
	}
}

func (m Model) loadRunCmd(s history.Summary) tea.Cmd {
	if m.runs == nil {
		return nil
	}
	return func() tea.Msg {
		msgs, err := m.runs.GetMessages(s.ID)
		if err != nil {
			return runMsg{id: s.ID, err: err}
		}
		tcs, err := m.runs.GetTestCases(s.ID)
		if err != nil {
			return runMsg{id: s.ID, err: err}
		}
		return runMsg{id: s.ID, markdown: runMarkdown(s, msgs, tcs)}
	}
}

func openCmd(path string) tea.Cmd {
	return func() tea.Msg {
		f, err := document.Open(path)
		return openedMsg{file: f, err: err}
	}
}

func (m Model) copyCmd(text string) tea.Cmd {
	c := m.copier
	return func() tea.Msg {
		return copyMsg{err: c.Copy(context.Background(), text)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		cmds = append(cmds, m.renderCurrent(true))

	case controllerMsg:
		if archived, ok := msg.msg.(workflow.ArchivedMsg); ok && archived.Err == nil {
			cmds = append(cmds, m.runsCmd(m.searchQuery))
		}
		if m.ctrl == nil || msg.gen != m.ctrlGen {
			m.log.Debug("dropping reply for replaced controller", zap.Int("gen", msg.gen))
			break
		}
		cmds = append(cmds, m.forward(m.ctrl.Update(msg.msg)))
		cmds = append(cmds, m.renderCurrent(false))

	case openedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Could not open file"
			break
		}
		cmds = append(cmds, m.upload(msg.file))

	case runsMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "History query failed"
			break
		}
		m.applyRuns(msg.runs)

	case runMsg:
		if msg.id != m.runID || m.ctrl != nil {
			break
		}
		if msg.err != nil {
			m.err = msg.err
			m.status = "Could not load archived run"
			break
		}
		m.runDoc = msg.markdown
		cmds = append(cmds, m.renderCurrent(false))

	case renderMsg:
		if msg.nonce != m.renderNonce {
			break
		}
		m.rendering = false
		if msg.err != nil {
			m.log.Warn("render failed", zap.Error(msg.err))
		}
		m.rendered.SetDefault(msg.cacheKey, msg.rendered)
		if msg.cacheKey == m.renderKey {
			m.setViewport(msg.rendered, true)
		}

	case copyMsg:
		if msg.err != nil {
			m.err = msg.err
			if errors.Is(msg.err, clipboard.ErrToolNotFound) {
				m.status = "Could not copy: clipboard tool not found"
			} else {
				m.status = "Could not copy: " + msg.err.Error()
			}
		} else {
			m.err = nil
			m.status = "Copied to clipboard"
		}

	case spinner.TickMsg:
		if !m.busy() {
			m.spinning = false
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.mode != inputNone {
			cmds = append(cmds, m.updateInput(msg))
		} else {
			cmd, quit := m.handleKey(msg)
			if quit {
				return m, tea.Quit
			}
			cmds = append(cmds, cmd)
		}
	}

	if m.busy() && !m.spinning {
		m.spinning = true
		cmds = append(cmds, m.spinner.Tick)
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return nil, true
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.resize()
		return nil, false
	case key.Matches(msg, m.keys.Tab):
		m.focusOnList = !m.focusOnList
		return nil, false
	case key.Matches(msg, m.keys.Search):
		m.beginInput(inputSearch, "/ ", "Search archived runs and the transcript...", m.searchQuery)
		return nil, false
	case key.Matches(msg, m.keys.Esc):
		return m.escape(), false
	case key.Matches(msg, m.keys.NextMatch):
		m.jumpToMatch(1)
		return nil, false
	case key.Matches(msg, m.keys.PrevMatch):
		m.jumpToMatch(-1)
		return nil, false
	}

	if m.focusOnList {
		if key.Matches(msg, m.keys.Select) {
			return m.selectItem(), false
		}
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return cmd, false
	}

	switch {
	case key.Matches(msg, m.keys.Up):
		m.viewport.LineUp(1)
		return nil, false
	case key.Matches(msg, m.keys.Down):
		m.viewport.LineDown(1)
		return nil, false
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return nil, false
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return nil, false
	}
	if m.ctrl == nil {
		if key.Matches(msg, m.keys.Copy) && m.runDoc != "" {
			return m.copyCmd(m.runDoc), false
		}
		return nil, false
	}
	return m.handleToolKey(msg), false
}

// handleToolKey maps workflow keys onto the active controller.
func (m *Model) handleToolKey(msg tea.KeyMsg) tea.Cmd {
	c := m.ctrl
	switch {
	case key.Matches(msg, m.keys.Upload):
		m.beginInput(inputPath, "file: ", "Path to "+uploadHint(c.Tool()), "")
		return nil
	case key.Matches(msg, m.keys.Chat):
		return m.step(c.ChooseChat())
	case key.Matches(msg, m.keys.Back):
		return m.step(c.Back())
	case key.Matches(msg, m.keys.Generate):
		cmd, err := c.Generate()
		return m.run(cmd, err)
	case key.Matches(msg, m.keys.Message), key.Matches(msg, m.keys.Select):
		if c.ActiveSession() == nil {
			m.status = "Nothing to chat with yet"
			return nil
		}
		m.beginInput(inputMessage, "> ", "Ask a question...", "")
		return nil
	case key.Matches(msg, m.keys.Sample):
		s := c.ActiveSession()
		if s == nil {
			m.status = "Nothing to chat with yet"
			return nil
		}
		qs := s.SampleQuestions()
		if len(qs) == 0 {
			m.status = "No sample questions"
			return nil
		}
		q := qs[m.sampleIndex%len(qs)]
		m.sampleIndex++
		m.beginInput(inputMessage, "> ", "", q)
		return nil
	case key.Matches(msg, m.keys.Refine):
		if c.State() != workflow.Results {
			m.status = "Refinement needs generated test cases"
			return nil
		}
		m.beginInput(inputRefine, "refine: ", "Leave empty for a general review", "")
		return nil
	case key.Matches(msg, m.keys.Download):
		cmd, err := c.DownloadCSV()
		return m.run(cmd, err)
	case key.Matches(msg, m.keys.Export):
		cmd, err := c.ExportTranscript()
		return m.run(cmd, err)
	case key.Matches(msg, m.keys.Copy):
		text := c.ClipboardText()
		if text == "" {
			m.status = "Nothing to copy"
			return nil
		}
		return m.copyCmd(text)
	case key.Matches(msg, m.keys.Reset):
		m.status = "Started over"
		return tea.Batch(m.forward(c.Reset()), m.renderCurrent(false))
	case key.Matches(msg, m.keys.Credential):
		m.beginInput(inputCredential, "api key: ", "Your own key; empty to clear", "")
		m.input.EchoMode = textinput.EchoPassword
		return nil
	}
	return nil
}

// step reports a synchronous transition and redraws.
func (m *Model) step(err error) tea.Cmd {
	return m.run(nil, err)
}

// run forwards a controller command, or reports why none was started.
// Failures the controller records as a notice are shown in the pane.
func (m *Model) run(cmd tea.Cmd, err error) tea.Cmd {
	if err != nil {
		if _, ok := m.ctrl.Notice(); !ok {
			m.status = err.Error()
		}
	} else {
		m.status = ""
	}
	return tea.Batch(m.forward(cmd), m.renderCurrent(false))
}

func (m *Model) escape() tea.Cmd {
	if m.ctrl != nil {
		if _, ok := m.ctrl.Notice(); ok {
			m.ctrl.DismissNotice()
			return m.renderCurrent(false)
		}
	}
	if m.searchQuery != "" {
		m.searchQuery = ""
		m.refreshHighlights()
		return m.runsCmd("")
	}
	m.err = nil
	m.status = ""
	m.focusOnList = true
	return nil
}

func (m *Model) selectItem() tea.Cmd {
	switch item := m.list.SelectedItem().(type) {
	case toolItem:
		return m.openTool(item.t)
	case runItem:
		return m.openRun(item.s)
	}
	return nil
}

// openTool swaps in a fresh controller. The previous run is archived by
// its own reset; its late replies are dropped by generation.
func (m *Model) openTool(t workflow.Tool) tea.Cmd {
	m.focusOnList = false
	if m.ctrl != nil && m.ctrl.Tool() == t {
		return m.renderCurrent(false)
	}
	if m.newController == nil {
		m.status = "No backend configured"
		return nil
	}
	var cmds []tea.Cmd
	if m.ctrl != nil {
		cmds = append(cmds, m.forward(m.ctrl.Reset()))
	}
	m.ctrlGen++
	m.ctrl = m.newController(t)
	m.runID, m.runDoc = "", ""
	m.sampleIndex = 0
	m.status = ""
	m.log.Info("tool opened", zap.String("tool", string(t)))
	cmds = append(cmds, m.forward(m.ctrl.Init()), m.renderCurrent(false))
	return tea.Batch(cmds...)
}

// openRun shows an archived run read-only. Any live run is archived first.
func (m *Model) openRun(s history.Summary) tea.Cmd {
	var cmds []tea.Cmd
	if m.ctrl != nil {
		cmds = append(cmds, m.forward(m.ctrl.Reset()))
		m.ctrl = nil
		m.ctrlGen++
	}
	m.focusOnList = false
	m.runID = s.ID
	m.runDoc = ""
	m.viewport.SetContent("Loading archived run...")
	cmds = append(cmds, m.loadRunCmd(s))
	return tea.Batch(cmds...)
}

// upload hands file to the controller, which keeps the current run until
// the new document is indexed.
func (m *Model) upload(file document.File) tea.Cmd {
	if m.ctrl == nil {
		m.status = "Open a tool before uploading"
		return nil
	}
	cmd, err := m.ctrl.Upload(file)
	return m.run(cmd, err)
}

func (m *Model) beginInput(mode inputMode, prompt, placeholder, value string) {
	m.mode = mode
	m.input.Prompt = prompt
	m.input.Placeholder = placeholder
	m.input.EchoMode = textinput.EchoNormal
	m.input.SetValue(value)
	m.input.CursorEnd()
	m.input.Focus()
	m.resize()
}

func (m *Model) endInput() {
	m.mode = inputNone
	m.input.Blur()
	m.input.SetValue("")
	m.resize()
}

func (m *Model) updateInput(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		mode := m.mode
		m.endInput()
		if mode == inputSearch {
			m.searchQuery = ""
			m.refreshHighlights()
			return m.runsCmd("")
		}
		return nil
	case "enter":
		mode, value := m.mode, m.input.Value()
		m.endInput()
		return m.submit(mode, value)
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.mode != inputSearch {
		return cmd
	}
	after := strings.TrimSpace(m.input.Value())
	if after == strings.TrimSpace(before) {
		return cmd
	}
	m.searchQuery = after
	m.refreshHighlights()
	return tea.Batch(cmd, m.runsCmd(after))
}

func (m *Model) submit(mode inputMode, value string) tea.Cmd {
	switch mode {
	case inputSearch:
		m.searchQuery = strings.TrimSpace(value)
		m.refreshHighlights()
		m.jumpToMatch(0)
		return m.runsCmd(m.searchQuery)
	case inputPath:
		path := strings.TrimSpace(value)
		if path == "" {
			return nil
		}
		return openCmd(path)
	}
	if m.ctrl == nil {
		return nil
	}
	switch mode {
	case inputMessage:
		s := m.ctrl.ActiveSession()
		if s == nil {
			return nil
		}
		if !s.CanSend(value) {
			if s.Pending() {
				m.status = "Wait for the current reply"
			}
			return nil
		}
		return tea.Batch(m.forward(m.ctrl.Send(value)), m.renderCurrent(false))
	case inputRefine:
		return tea.Batch(m.forward(m.ctrl.Refine(value)), m.renderCurrent(false))
	case inputCredential:
		cred := strings.TrimSpace(value)
		m.ctrl.SetCredential(cred)
		if cred == "" {
			m.status = "API key cleared"
		} else {
			m.status = "Using your API key"
		}
		return m.renderCurrent(false)
	}
	return nil
}

func (m *Model) applyRuns(in []history.Summary) {
	prev, _ := m.list.SelectedItem().(runItem)
	items := toolItems()
	m.summaries = make(map[string]history.Summary, len(in))
	selectIdx := m.list.Index()
	for _, s := range in {
		m.summaries[s.ID] = s
		if prev.s.ID != "" && s.ID == prev.s.ID {
			selectIdx = len(items)
		}
		items = append(items, runItem{s: s})
	}
	m.list.SetItems(items)
	if selectIdx >= len(items) {
		selectIdx = len(items) - 1
	}
	m.list.Select(selectIdx)
}

// currentMarkdown is what the right pane should show.
func (m *Model) currentMarkdown() string {
	switch {
	case m.ctrl != nil:
		return controllerMarkdown(m.ctrl)
	case m.runDoc != "":
		return m.runDoc
	}
	return ""
}

func (m *Model) renderCurrent(force bool) tea.Cmd {
	md := m.currentMarkdown()
	if md == "" {
		return nil
	}
	cacheKey := renderKey(md, m.viewport.Width)
	if !force && cacheKey == m.renderKey {
		return nil
	}
	m.renderKey = cacheKey
	if rendered, ok := m.rendered.Get(cacheKey); ok {
		m.setViewport(rendered.(string), true)
		return nil
	}
	m.rendering = true
	m.renderNonce++
	wrap := m.viewport.Width - 2
	if wrap < 20 {
		wrap = 20
	}
	return renderMarkdownCmd(cacheKey, md, m.cfg.GlamourStyle, wrap, m.renderNonce)
}

// setViewport shows rendered text, marking search matches. New content
// scrolls to the end so the latest reply is visible.
func (m *Model) setViewport(rendered string, fresh bool) {
	m.plain = rendered
	content := rendered
	m.clearMatches()
	if q := strings.TrimSpace(m.searchQuery); q != "" {
		res := highlight.Mark(rendered, q, func(s string) string {
			return searchMatchStyle.Render(s)
		})
		content = res.Text
		m.matchCount = res.Count
		m.matchLines = res.Lines
	}
	m.viewport.SetContent(content)
	if fresh {
		m.viewport.GotoBottom()
	}
}

func (m *Model) refreshHighlights() {
	if m.plain == "" {
		m.clearMatches()
		return
	}
	offset := m.viewport.YOffset
	m.setViewport(m.plain, false)
	m.viewport.SetYOffset(m.clampViewportOffset(offset))
}

func (m *Model) clearMatches() {
	m.matchLines = nil
	m.matchCount = 0
	m.matchIndex = -1
}

// jumpToMatch moves to the next (delta > 0), previous (delta < 0) or
// first (delta == 0) matching line.
func (m *Model) jumpToMatch(delta int) {
	if len(m.matchLines) == 0 {
		if m.searchQuery != "" {
			m.status = "No matches in this pane"
		}
		return
	}
	switch {
	case delta == 0 || m.matchIndex < 0:
		m.matchIndex = 0
	case delta > 0:
		m.matchIndex = (m.matchIndex + 1) % len(m.matchLines)
	default:
		m.matchIndex = (m.matchIndex - 1 + len(m.matchLines)) % len(m.matchLines)
	}
	m.viewport.SetYOffset(m.clampViewportOffset(m.matchLines[m.matchIndex]))
	m.status = fmt.Sprintf("Match %d/%d", m.matchIndex+1, len(m.matchLines))
}

func (m *Model) clampViewportOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if offset > maxOffset {
		return maxOffset
	}
	return offset
}

func (m *Model) busy() bool {
	if m.rendering {
		return true
	}
	if m.ctrl == nil {
		return false
	}
	switch m.ctrl.State() {
	case workflow.Uploading, workflow.Generating:
		return true
	}
	s := m.ctrl.ActiveSession()
	return s != nil && s.Pending()
}

func (m *Model) resize() {
	if m.width == 0 || m.height == 0 {
		return
	}
	left, right := m.paneWidths()
	bodyHeight := m.height - 2 - lipgloss.Height(m.footer())
	if bodyHeight < 5 {
		bodyHeight = 5
	}
	m.list.SetSize(left-4, bodyHeight-2)
	m.viewport.Width = right - 4
	m.viewport.Height = bodyHeight - 2
	m.input.Width = m.width - len(m.input.Prompt) - 2
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Starting..."
	}

	left, right := m.paneWidths()
	bodyHeight := m.viewport.Height
	leftPane := panelStyle(m.focusOnList).Width(left - 2).Height(bodyHeight).Render(m.list.View())
	rightPane := panelStyle(!m.focusOnList).Width(right - 2).Height(bodyHeight).Render(m.viewport.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusLine(),
		body,
		m.footer(),
	)
}

func (m Model) footer() string {
	if m.mode != inputNone {
		return m.input.View()
	}
	helpView := m.help.View(m.keys)
	if m.searchQuery != "" {
		helpView = "search: " + m.searchQuery + "  " + helpView
	}
	return helpView
}

func (m Model) statusLine() string {
	var parts []string
	if m.busy() {
		parts = append(parts, m.spinner.View()+" working")
	}
	if m.ctrl != nil {
		parts = append(parts, fmt.Sprintf("%s [%s]", m.ctrl.Tool().Title(), m.ctrl.State()))
		if m.ctrl.Tool().Generates() {
			parts = append(parts, quotaLabel(m.ctrl.Quota()))
		}
		if s := m.ctrl.Status(); s != "" {
			parts = append(parts, s)
		}
	} else if s, ok := m.summaries[m.runID]; ok {
		parts = append(parts, "archived run "+shorten(s.ID, 12))
	}
	if m.matchCount > 0 {
		parts = append(parts, fmt.Sprintf("[%d matches]", m.matchCount))
	}
	if strings.TrimSpace(m.status) != "" {
		parts = append(parts, strings.TrimSpace(m.status))
	}
	if m.err != nil {
		parts = append(parts, "err="+m.err.Error())
	}

	style := statusStyle
	if m.ctrl != nil {
		if _, ok := m.ctrl.Notice(); ok {
			style = noticeStyle
		}
	}
	return style.Render(shorten(strings.Join(parts, "  "), m.width-2))
}

func (m *Model) paneWidths() (int, int) {
	left := m.width / 3
	if left < 32 {
		left = 32
	}
	if left > m.width-32 {
		left = m.width - 32
	}
	if left < 20 {
		left = 20
	}
	right := m.width - left
	if right < 20 {
		right = 20
	}
	return left, right
}
