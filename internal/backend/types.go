package backend

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// FilePart is a raw file submitted as the multipart field "file".
type FilePart struct {
	Name        string
	ContentType string
	Data        []byte
}

type TestCase struct {
	TestCaseID     string `json:"test_case_id"`
	Feature        string `json:"feature"`
	Scenario       string `json:"scenario"`
	TestSteps      string `json:"test_steps"`
	ExpectedResult string `json:"expected_result"`
	Priority       string `json:"priority"`
	Category       string `json:"category"`
}

type UploadDocumentResponse struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	DocumentID  string     `json:"document_id"`
	ChunksCount int        `json:"chunks_count"`
	UsageInfo   *UsageInfo `json:"usage_info,omitempty"`
}

type DocumentChatRequest struct {
	Question   string `json:"question"`
	DocumentID string `json:"document_id,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

type DocumentChatResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

type GenerateResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	TestCases []TestCase `json:"test_cases"`
	UsageInfo *UsageInfo `json:"usage_info,omitempty"`
}

type AssistantChatRequest struct {
	Message   string     `json:"message"`
	TestCases []TestCase `json:"test_cases,omitempty"`
	APIKey    string     `json:"api_key,omitempty"`
}

type RefineRequest struct {
	TestCases        []TestCase `json:"test_cases"`
	RefinementPrompt string     `json:"refinement_prompt"`
	APIKey           string     `json:"api_key,omitempty"`
}

// AssistantReply is the shared response shape of /api/chat and
// /api/refine-test-cases.
type AssistantReply struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Response string `json:"response"`
}

type UsageInfo struct {
	ServiceAvailable  bool   `json:"service_available"`
	FreeTierAvailable bool   `json:"free_tier_available"`
	DevelopmentMode   bool   `json:"development_mode"`
	Tier              string `json:"tier"`
	DailyLimit        Limit  `json:"daily_limit"`
	RemainingToday    Limit  `json:"remaining_today"`
	UsedToday         int    `json:"used_today"`
	CanUse            *bool  `json:"can_use,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Limit is a usage counter that the backend reports either as a number or
// as the string "unlimited" (development mode). Set is false when the field
// was absent.
type Limit struct {
	Value     int
	Unlimited bool
	Set       bool
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = Limit{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "unlimited" {
			*l = Limit{Unlimited: true, Set: true}
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			*l = Limit{}
			return nil
		}
		*l = Limit{Value: n, Set: true}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*l = Limit{Value: int(f), Set: true}
	return nil
}

func (l Limit) MarshalJSON() ([]byte, error) {
	switch {
	case !l.Set:
		return []byte("null"), nil
	case l.Unlimited:
		return []byte(`"unlimited"`), nil
	default:
		return []byte(strconv.Itoa(l.Value)), nil
	}
}
