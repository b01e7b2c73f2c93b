package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	PathUploadDocument   = "/api/upload-document"
	PathChatWithDocument = "/api/chat-with-document"
	PathUploadPRD        = "/api/upload-prd"
	PathDownloadCSV      = "/api/download-csv"
	PathUsageInfo        = "/api/usage-info"
	PathChat             = "/api/chat"
	PathRefineTestCases  = "/api/refine-test-cases"
)

// Client speaks the analysis backend's HTTP contract. It never retries:
// every failure is returned to the caller for classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// New returns a client for baseURL. A zero timeout leaves requests unbounded.
func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// TransportError is a failure with no HTTP response at all.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error    { return e.Err }
func (e *TransportError) NoResponse() bool { return true }

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
	detail     string
}

func (e *StatusError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Path, e.StatusCode, e.detail)
	}
	return fmt.Sprintf("%s: http %d", e.Path, e.StatusCode)
}

func (e *StatusError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// Detail is the backend's structured explanation ("detail", else "message").
func (e *StatusError) Detail() string {
	return e.detail
}

func newStatusError(path string, code int, raw []byte) *StatusError {
	se := &StatusError{Path: path, StatusCode: code, Body: string(raw)}
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		var detail string
		if len(body.Detail) > 0 && json.Unmarshal(body.Detail, &detail) == nil {
			se.detail = strings.TrimSpace(detail)
		}
		if se.detail == "" {
			se.detail = strings.TrimSpace(body.Message)
		}
	}
	return se
}

func (c *Client) UploadDocument(ctx context.Context, file FilePart) (UploadDocumentResponse, error) {
	var out UploadDocumentResponse
	err := c.doMultipart(ctx, PathUploadDocument, file, nil, &out)
	return out, err
}

func (c *Client) ChatWithDocument(ctx context.Context, req DocumentChatRequest) (DocumentChatResponse, error) {
	var out DocumentChatResponse
	err := c.doJSON(ctx, http.MethodPost, PathChatWithDocument, req, &out)
	return out, err
}

// UploadPRD submits the raw file for test-case generation. apiKey is
// forwarded verbatim when non-empty.
func (c *Client) UploadPRD(ctx context.Context, file FilePart, apiKey string) (GenerateResponse, error) {
	var fields map[string]string
	if apiKey != "" {
		fields = map[string]string{"api_key": apiKey}
	}
	var out GenerateResponse
	err := c.doMultipart(ctx, PathUploadPRD, file, fields, &out)
	return out, err
}

// DownloadCSV returns the export payload unmodified.
func (c *Client) DownloadCSV(ctx context.Context, testCases []TestCase) ([]byte, error) {
	if testCases == nil {
		testCases = []TestCase{}
	}
	payload, err := json.Marshal(testCases)
	if err != nil {
		return nil, fmt.Errorf("encode test cases: %w", err)
	}
	return c.do(ctx, http.MethodPost, PathDownloadCSV, "application/json", bytes.NewReader(payload))
}

func (c *Client) UsageInfo(ctx context.Context) (UsageInfo, error) {
	var out UsageInfo
	err := c.doJSON(ctx, http.MethodGet, PathUsageInfo, nil, &out)
	return out, err
}

func (c *Client) Chat(ctx context.Context, req AssistantChatRequest) (AssistantReply, error) {
	var out AssistantReply
	err := c.doJSON(ctx, http.MethodPost, PathChat, req, &out)
	return out, err
}

func (c *Client) RefineTestCases(ctx context.Context, req RefineRequest) (AssistantReply, error) {
	if req.TestCases == nil {
		req.TestCases = []TestCase{}
	}
	var out AssistantReply
	err := c.doJSON(ctx, http.MethodPost, PathRefineTestCases, req, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = &buf
		contentType = "application/json"
	}
	raw, err := c.do(ctx, method, path, contentType, reader)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) doMultipart(ctx context.Context, path string, file FilePart, fields map[string]string, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	// The backend validates the part's own content type, so set it explicitly
	// instead of CreateFormFile's application/octet-stream.
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, path, w.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("backend unreachable", zap.String("path", path), zap.Error(err))
		return nil, &TransportError{Path: path, Err: err}
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	c.log.Debug("backend call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError(path, resp.StatusCode, raw)
	}
	if readErr != nil {
		return nil, fmt.Errorf("read %s response: %w", path, readErr)
	}
	return raw, nil
}
