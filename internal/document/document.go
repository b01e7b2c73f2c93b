package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docpilot/internal/apperr"
	"docpilot/internal/backend"

	"github.com/gabriel-vasile/mimetype"
)

const (
	MIMEPDF  = "application/pdf"
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
)

// Formats is the set of MIME types a tool accepts for upload.
type Formats []string

var (
	PDFOnly    = Formats{MIMEPDF}
	PDFOrImage = Formats{MIMEPDF, MIMEJPEG, MIMEPNG}
)

func (f Formats) Accepts(mime string) bool {
	for _, m := range f {
		if m == mime {
			return true
		}
	}
	return false
}

// Check rejects file locally when its type is not accepted.
func (f Formats) Check(file File) error {
	if f.Accepts(file.MIMEType) {
		return nil
	}
	return apperr.UnsupportedFormat(file.Name, file.MIMEType, f...)
}

// File is the raw upload kept client-side. Generation re-submits it, so the
// workflow retains it next to the Session.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// NewFile sniffs the content type of data, falling back to the extension
// when the content is empty.
func NewFile(name string, data []byte) File {
	return File{Name: filepath.Base(name), MIMEType: detect(name, data), Data: data}
}

// Open reads path from disk into a File.
func Open(path string) (File, error) {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return NewFile(path, data), nil
}

func (f File) Part() backend.FilePart {
	return backend.FilePart{Name: f.Name, ContentType: f.MIMEType, Data: f.Data}
}

func detect(name string, data []byte) string {
	if len(data) == 0 {
		return extensionMIME(name)
	}
	return baseMIME(mimetype.Detect(data).String())
}

func extensionMIME(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return MIMEPDF
	case ".jpg", ".jpeg":
		return MIMEJPEG
	case ".png":
		return MIMEPNG
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func baseMIME(s string) string {
	if i := strings.Index(s, ";"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Session is one indexed document. ID is opaque and only ever copied from
// the backend's response.
type Session struct {
	ID            string
	Name          string
	ChunkCount    int
	UploadedAt    time.Time
	StatusMessage string
	// Usage is the quota report embedded in the upload reply, if any.
	Usage         *backend.UsageInfo
}

type Uploader interface {
	UploadDocument(ctx context.Context, file backend.FilePart) (backend.UploadDocumentResponse, error)
}

// Upload validates file against accepted and indexes it on the backend.
// Format errors are returned before any network call.
func Upload(ctx context.Context, up Uploader, file File, accepted Formats, now time.Time) (Session, error) {
	if err := accepted.Check(file); err != nil {
		return Session{}, err
	}
	resp, err := up.UploadDocument(ctx, file.Part())
	if err != nil {
		return Session{}, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	if !resp.Success {
		return Session{}, apperr.Declined(resp.Message, apperr.MessageUploadFallback)
	}
	if strings.TrimSpace(resp.DocumentID) == "" {
		return Session{}, fmt.Errorf("upload %s: response has no document id", file.Name)
	}
	return Session{
		ID:            resp.DocumentID,
		Name:          file.Name,
		ChunkCount:    resp.ChunksCount,
		UploadedAt:    now,
		StatusMessage: resp.Message,
		Usage:         resp.UsageInfo,
	}, nil
}

// SeedMessage is the system line that opens a conversation about s.
// subject names the document kind ("Document", "PRD").
func SeedMessage(s Session, subject string, followUp string) string {
	msg := fmt.Sprintf("%s %q uploaded successfully! Split into %d searchable chunks.", subject, s.Name, s.ChunkCount)
	if followUp != "" {
		msg += " " + followUp
	}
	return msg
}
