package chat

import (
	"context"

	"docpilot/internal/backend"
)

// Request is what a Session hands to its Endpoint for one exchange.
type Request struct {
	Text       string
	Scope      Scope
	Credential string
}

// Reply is the endpoint-neutral shape of a chat answer. Success=false with
// a nil error means the backend answered but declined.
type Reply struct {
	Success     bool
	Content     string
	Sources     []string
	Explanation string
}

// Endpoint is one backend chat route. DocumentScoped endpoints refuse to
// send until a document id is in scope.
type Endpoint interface {
	Name() string
	DocumentScoped() bool
	Exchange(ctx context.Context, req Request) (Reply, error)
}

// Refiner is implemented by endpoints that can critique the artifact list
// in scope without a user question.
type Refiner interface {
	Refine(ctx context.Context, req Request) (Reply, error)
}

type DocumentChatter interface {
	ChatWithDocument(ctx context.Context, req backend.DocumentChatRequest) (backend.DocumentChatResponse, error)
}

// DocumentEndpoint asks questions of an indexed document. The document
// chat tool and the generator's PRD chat both use it, against their own
// base addresses.
type DocumentEndpoint struct {
	name   string
	client DocumentChatter
}

func NewDocumentEndpoint(name string, client DocumentChatter) *DocumentEndpoint {
	return &DocumentEndpoint{name: name, client: client}
}

func (e *DocumentEndpoint) Name() string         { return e.name }
func (e *DocumentEndpoint) DocumentScoped() bool { return true }

func (e *DocumentEndpoint) Exchange(ctx context.Context, req Request) (Reply, error) {
	resp, err := e.client.ChatWithDocument(ctx, backend.DocumentChatRequest{
		Question:   req.Text,
		DocumentID: req.Scope.DocumentID,
		APIKey:     req.Credential,
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		Success:     resp.Success,
		Content:     resp.Answer,
		Sources:     resp.Sources,
		Explanation: resp.Message,
	}, nil
}

type AssistantClient interface {
	Chat(ctx context.Context, req backend.AssistantChatRequest) (backend.AssistantReply, error)
	RefineTestCases(ctx context.Context, req backend.RefineRequest) (backend.AssistantReply, error)
}

// AssistantEndpoint discusses a list of generated test cases. The list is
// sent by value on every call since the backend keeps no copy.
type AssistantEndpoint struct {
	client AssistantClient
}

func NewAssistantEndpoint(client AssistantClient) *AssistantEndpoint {
	return &AssistantEndpoint{client: client}
}

func (e *AssistantEndpoint) Name() string         { return "assistant" }
func (e *AssistantEndpoint) DocumentScoped() bool { return false }

func (e *AssistantEndpoint) Exchange(ctx context.Context, req Request) (Reply, error) {
	resp, err := e.client.Chat(ctx, backend.AssistantChatRequest{
		Message:   req.Text,
		TestCases: req.Scope.TestCases,
		APIKey:    req.Credential,
	})
	if err != nil {
		return Reply{}, err
	}
	return assistantReply(resp), nil
}

func (e *AssistantEndpoint) Refine(ctx context.Context, req Request) (Reply, error) {
	resp, err := e.client.RefineTestCases(ctx, backend.RefineRequest{
		TestCases:        req.Scope.TestCases,
		RefinementPrompt: req.Text,
		APIKey:           req.Credential,
	})
	if err != nil {
		return Reply{}, err
	}
	return assistantReply(resp), nil
}

func assistantReply(resp backend.AssistantReply) Reply {
	return Reply{Success: resp.Success, Content: resp.Response, Explanation: resp.Message}
}
