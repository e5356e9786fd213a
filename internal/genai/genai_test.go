package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/formweaver/formweaver/internal/models"
)

// mockChatService implements completionService for testing.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.lastParams = params
	if m.err != nil {
		return nil, m.err
	}
	return &m.resp, nil
}

func testTranscript() []models.ConversationTurn {
	return []models.ConversationTurn{
		{Role: models.RoleSystem, Content: "persona"},
		{Role: models.RoleUser, Content: "contact form with name and email"},
	}
}

func TestComplete_Success(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: `[{"label":"Name","type":"text","required":true}]`}},
		},
	}
	mock := &mockChatService{resp: mockResp}
	client := &Client{chat: mock, model: DefaultModel, temperature: DefaultTemperature, maxTokens: DefaultMaxTokens}

	out, err := client.Complete(context.Background(), testTranscript(), false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(out, "Name") {
		t.Errorf("unexpected completion: %q", out)
	}
	if len(mock.lastParams.Messages) != 2 {
		t.Errorf("expected 2 messages sent, got %d", len(mock.lastParams.Messages))
	}
	if got := mock.lastParams.Temperature.Or(-1); got != DefaultTemperature {
		t.Errorf("expected temperature %v, got %v", DefaultTemperature, got)
	}
}

func TestComplete_StrictDropsTemperature(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "[]"}}},
	}}
	client := &Client{chat: mock, model: DefaultModel, temperature: DefaultTemperature, maxTokens: DefaultMaxTokens}

	if _, err := client.Complete(context.Background(), testTranscript(), true); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := mock.lastParams.Temperature.Or(-1); got != 0 {
		t.Errorf("expected strict temperature 0, got %v", got)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}}
	client := &Client{chat: mock, model: DefaultModel, temperature: DefaultTemperature, maxTokens: DefaultMaxTokens}

	_, err := client.Complete(context.Background(), testTranscript(), false)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	mock := &mockChatService{err: &openai.Error{StatusCode: 429}}
	client := &Client{chat: mock, model: DefaultModel, temperature: DefaultTemperature, maxTokens: DefaultMaxTokens}

	_, err := client.Complete(context.Background(), testTranscript(), false)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestComplete_ModelUnavailable(t *testing.T) {
	for _, apierr := range []*openai.Error{
		{StatusCode: 404},
		{StatusCode: 400, Code: "model_decommissioned"},
		{StatusCode: 400, Code: "model_not_found"},
	} {
		mock := &mockChatService{err: apierr}
		client := &Client{chat: mock, model: DefaultModel, temperature: DefaultTemperature, maxTokens: DefaultMaxTokens}
		_, err := client.Complete(context.Background(), testTranscript(), false)
		if !errors.Is(err, ErrModelUnavailable) {
			t.Errorf("status %d code %q: expected ErrModelUnavailable, got %v", apierr.StatusCode, apierr.Code, err)
		}
	}
}

func TestComplete_TransportError(t *testing.T) {
	mock := &mockChatService{err: errors.New("connection reset")}
	client := &Client{chat: mock, model: DefaultModel, temperature: DefaultTemperature, maxTokens: DefaultMaxTokens}

	_, err := client.Complete(context.Background(), testTranscript(), false)
	if err == nil || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected generic transport error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithMaxTokens(512))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.chat == nil {
		t.Error("expected completion service wired on real client")
	}
}
