// Package chat holds the conversational session shared by every chat
// surface. A Session owns an ordered message log and allows one request in
// flight; the request runs as a tea.Cmd and its ReplyMsg is applied back on
// the update loop.
package chat

import (
	"context"
	"strings"
	"time"

	"docpilot/internal/apperr"
	"docpilot/internal/backend"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

type Message struct {
	Role      Role
	Content   string
	Sources   []string
	Timestamp time.Time
}

// Scope is what the session's requests are about: a backend document id,
// or a list of test cases carried by value.
type Scope struct {
	DocumentID string
	TestCases  []backend.TestCase
}

func DocumentScope(id string) Scope {
	return Scope{DocumentID: id}
}

// ArtifactScope copies tcs so later edits by the caller do not leak into
// requests already issued.
func ArtifactScope(tcs []backend.TestCase) Scope {
	return Scope{TestCases: append([]backend.TestCase(nil), tcs...)}
}

func (s Scope) clone() Scope {
	return Scope{DocumentID: s.DocumentID, TestCases: append([]backend.TestCase(nil), s.TestCases...)}
}

// Kind selects the sample prompts offered for a session.
type Kind string

const (
	KindDocument   Kind = "document"
	KindPRD        Kind = "prd"
	KindRefinement Kind = "refinement"
)

// DefaultRefinementPrompt is sent by Refine when no prompt is given.
const DefaultRefinementPrompt = "Please analyze these test cases and suggest improvements for better coverage, clarity, and effectiveness."

// ReplyMsg is produced by the command returned from Send or Refine.
type ReplyMsg struct {
	SessionID string
	Epoch     string
	Reply     Reply
	Err       error
}

// Succeeded reports whether the exchange produced an assistant message.
func (m ReplyMsg) Succeeded() bool {
	return m.Err == nil && m.Reply.Success
}

type Session struct {
	id       string
	kind     Kind
	endpoint Endpoint
	log      *zap.Logger

	epoch    string
	messages []Message
	pending  bool
	scope    Scope

	credential func() string
	now        func() time.Time
}

type Option func(*Session)

// WithCredential supplies the user's access key at send time.
func WithCredential(fn func() string) Option {
	return func(s *Session) { s.credential = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func New(kind Kind, ep Endpoint, opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		kind:       kind,
		endpoint:   ep,
		log:        zap.NewNop(),
		epoch:      uuid.NewString(),
		credential: func() string { return "" },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", s.id), zap.String("endpoint", ep.Name()))
	return s
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Kind() Kind    { return s.kind }
func (s *Session) Pending() bool { return s.pending }
func (s *Session) Scope() Scope  { return s.scope.clone() }

// Messages returns a copy of the log.
func (s *Session) Messages() []Message {
	return append([]Message(nil), s.messages...)
}

func (s *Session) Len() int { return len(s.messages) }

func (s *Session) SetScope(scope Scope) {
	s.scope = scope.clone()
}

// Seed appends a system line. It is how an upload announces itself.
func (s *Session) Seed(text string) {
	s.appendMessage(RoleSystem, text, nil)
}

// Clear empties the session and rotates its epoch so replies to requests
// issued before the clear are dropped.
func (s *Session) Clear() {
	s.messages = nil
	s.pending = false
	s.scope = Scope{}
	s.epoch = uuid.NewString()
}

// CanSend reports whether Send would issue a request for text.
func (s *Session) CanSend(text string) bool {
	if strings.TrimSpace(text) == "" || s.pending {
		return false
	}
	return !s.endpoint.DocumentScoped() || s.scope.DocumentID != ""
}

// Send appends the user message and returns the command that performs the
// exchange. It returns nil, changing nothing, when CanSend is false.
func (s *Session) Send(text string) tea.Cmd {
	if !s.CanSend(text) {
		return nil
	}
	text = strings.TrimSpace(text)
	s.appendMessage(RoleUser, text, nil)
	s.pending = true

	ep := s.endpoint
	return s.exchange(Request{Text: text, Scope: s.scope.clone(), Credential: s.credential()}, ep.Exchange)
}

// CanRefine reports whether Refine would issue a request.
func (s *Session) CanRefine() bool {
	_, ok := s.endpoint.(Refiner)
	return ok && !s.pending && len(s.scope.TestCases) > 0
}

// Refine asks the endpoint to critique the test cases in scope. Only the
// answer is logged; no user message is appended.
func (s *Session) Refine(prompt string) tea.Cmd {
	if !s.CanRefine() {
		return nil
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = DefaultRefinementPrompt
	}
	s.pending = true

	r := s.endpoint.(Refiner)
	return s.exchange(Request{Text: prompt, Scope: s.scope.clone(), Credential: s.credential()}, r.Refine)
}

func (s *Session) exchange(req Request, call func(context.Context, Request) (Reply, error)) tea.Cmd {
	id, epoch := s.id, s.epoch
	return func() tea.Msg {
		reply, err := call(context.Background(), req)
		return ReplyMsg{SessionID: id, Epoch: epoch, Reply: reply, Err: err}
	}
}

// Apply records the outcome of a previous Send or Refine. It returns false
// and changes nothing when msg belongs to another session, to an epoch
// since cleared, or when nothing is pending.
func (s *Session) Apply(msg ReplyMsg) bool {
	if msg.SessionID != s.id {
		return false
	}
	if msg.Epoch != s.epoch || !s.pending {
		s.log.Debug("dropping stale reply", zap.String("epoch", msg.Epoch))
		return false
	}
	s.pending = false

	switch {
	case msg.Err != nil:
		c := apperr.Classify(msg.Err)
		s.log.Warn("chat request failed", zap.String("kind", string(c.Kind)), zap.Error(msg.Err))
		s.appendMessage(RoleError, c.Message, nil)
	case !msg.Reply.Success:
		c := apperr.Classify(apperr.Declined(msg.Reply.Explanation, apperr.MessageChatFallback))
		s.log.Info("chat request declined", zap.String("explanation", msg.Reply.Explanation))
		s.appendMessage(RoleError, c.Message, nil)
	default:
		s.appendMessage(RoleAssistant, msg.Reply.Content, msg.Reply.Sources)
	}
	return true
}

func (s *Session) appendMessage(role Role, content string, sources []string) {
	s.messages = append(s.messages, Message{
		Role:      role,
		Content:   content,
		Sources:   append([]string(nil), sources...),
		Timestamp: s.now(),
	})
}

// LastAnswer returns the most recent assistant message, if any.
func (s *Session) LastAnswer() (Message, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleAssistant {
			return s.messages[i], true
		}
	}
	return Message{}, false
}
