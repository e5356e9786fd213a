package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/formweaver/formweaver/internal/genai"
	"github.com/formweaver/formweaver/internal/models"
	"github.com/formweaver/formweaver/internal/session"
)

const validOutput = `[{"label":"Name","type":"text","required":true},{"label":"Email","type":"email","required":true}]`

// scriptedClient returns one scripted result per Complete call, in order.
type scriptedClient struct {
	results []completionResult
	calls   []completionCall
}

type completionResult struct {
	text string
	err  error
}

type completionCall struct {
	transcript []models.ConversationTurn
	strict     bool
}

func (c *scriptedClient) Complete(ctx context.Context, transcript []models.ConversationTurn, strict bool) (string, error) {
	copied := make([]models.ConversationTurn, len(transcript))
	copy(copied, transcript)
	c.calls = append(c.calls, completionCall{transcript: copied, strict: strict})
	if len(c.results) == 0 {
		return "", errors.New("scriptedClient: no results left")
	}
	next := c.results[0]
	c.results = c.results[1:]
	return next.text, next.err
}

// fakeForms serves a single form keyed by id+owner.
type fakeForms struct {
	form models.Form
}

func (f *fakeForms) GetOwnedForm(ctx context.Context, formID, owner string) (models.Form, error) {
	if formID != f.form.ID || owner != f.form.Owner {
		return models.Form{}, models.ErrFormNotFound
	}
	return f.form, nil
}

func newTestGenerator(client genai.ClientInterface, forms FormSource) (*Generator, *session.InMemoryStore, *[]time.Duration) {
	sessions := session.NewInMemoryStore()
	gen := NewGenerator(sessions, client, forms, nil)
	delays := &[]time.Duration{}
	gen.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	gen.newSessionID = func() string { return "test-session" }
	return gen, sessions, delays
}

func TestGenerate_FreshSession(t *testing.T) {
	client := &scriptedClient{results: []completionResult{{text: validOutput}}}
	gen, sessions, _ := newTestGenerator(client, nil)

	sessionID, schemaOut, err := gen.Generate(context.Background(), "contact form with name and email", "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sessionID != "test-session" {
		t.Errorf("expected minted session id, got %q", sessionID)
	}
	if len(schemaOut) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(schemaOut))
	}

	// Labels pairwise distinct, types in the recognized enum.
	seen := map[string]bool{}
	for _, field := range schemaOut {
		if seen[field.Label] {
			t.Errorf("duplicate label %q", field.Label)
		}
		seen[field.Label] = true
		if !models.IsValidFieldType(field.Type) {
			t.Errorf("field %q has invalid type %q", field.Label, field.Type)
		}
	}

	transcript, err := sessions.Read(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(transcript) != 3 {
		t.Fatalf("expected system+user+assistant persisted, got %d turns", len(transcript))
	}
	if transcript[0].Role != models.RoleSystem || transcript[1].Role != models.RoleUser || transcript[2].Role != models.RoleAssistant {
		t.Errorf("unexpected transcript roles: %+v", transcript)
	}
	if transcript[1].Content != "contact form with name and email" {
		t.Errorf("user turn not persisted verbatim: %q", transcript[1].Content)
	}
}

func TestGenerate_ReusesExistingSession(t *testing.T) {
	client := &scriptedClient{results: []completionResult{{text: validOutput}, {text: validOutput}}}
	gen, sessions, _ := newTestGenerator(client, nil)
	ctx := context.Background()

	sessionID, _, err := gen.Generate(ctx, "contact form", "")
	if err != nil {
		t.Fatalf("first generate failed: %v", err)
	}
	_, _, err = gen.Generate(ctx, "add a phone field", sessionID)
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}

	transcript, _ := sessions.Read(ctx, sessionID)
	if len(transcript) != 5 {
		t.Fatalf("expected 5 turns after two generations, got %d", len(transcript))
	}
	// Only one system seed: the session was reused, not reseeded.
	systems := 0
	for _, turn := range transcript {
		if turn.Role == models.RoleSystem {
			systems++
		}
	}
	if systems != 1 {
		t.Errorf("expected exactly 1 system turn, got %d", systems)
	}

	// The second completion saw the full prior history.
	lastCall := client.calls[len(client.calls)-1]
	if len(lastCall.transcript) != 4 {
		t.Errorf("expected prior history in second call, got %d turns", len(lastCall.transcript))
	}
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	client := &scriptedClient{}
	gen, sessions, _ := newTestGenerator(client, nil)

	_, _, err := gen.Generate(context.Background(), "", "")
	if !errors.Is(err, models.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Error("expected no LLM calls for invalid input")
	}
	if transcript, _ := sessions.Read(context.Background(), "test-session"); len(transcript) != 0 {
		t.Error("expected no session writes for invalid input")
	}
}

func TestGenerate_PromptTooLong(t *testing.T) {
	client := &scriptedClient{}
	gen, _, _ := newTestGenerator(client, nil)

	long := strings.Repeat("a", models.MaxGenerationPromptLength+1)
	_, _, err := gen.Generate(context.Background(), long, "")
	if !errors.Is(err, models.ErrPromptTooLong) {
		t.Fatalf("expected ErrPromptTooLong, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Error("expected no LLM calls for oversized prompt")
	}
}

func TestGenerate_PromptLimitCountsRunesNotBytes(t *testing.T) {
	client := &scriptedClient{results: []completionResult{{text: validOutput}}}
	gen, _, _ := newTestGenerator(client, nil)

	// 300 runes but 600 bytes: within the character cap.
	prompt := strings.Repeat("é", 300)
	_, _, err := gen.Generate(context.Background(), prompt, "")
	if err != nil {
		t.Fatalf("expected multibyte prompt under the cap to succeed, got %v", err)
	}

	over := strings.Repeat("é", models.MaxGenerationPromptLength+1)
	_, _, err = gen.Generate(context.Background(), over, "")
	if !errors.Is(err, models.ErrPromptTooLong) {
		t.Fatalf("expected ErrPromptTooLong for %d runes, got %v", models.MaxGenerationPromptLength+1, err)
	}
}

func TestGenerate_RetriesInvalidOutputStrictly(t *testing.T) {
	client := &scriptedClient{results: []completionResult{
		{text: "sorry, here is your form!"},
		{text: validOutput},
	}}
	gen, sessions, _ := newTestGenerator(client, nil)

	sessionID, schemaOut, err := gen.Generate(context.Background(), "contact form", "")
	if err != nil {
		t.Fatalf("expected recovery on retry, got %v", err)
	}
	if len(schemaOut) != 2 {
		t.Errorf("expected 2 fields, got %d", len(schemaOut))
	}
	if len(client.calls) != 2 {
		t.Fatalf("expected 2 completion calls, got %d", len(client.calls))
	}
	if client.calls[0].strict {
		t.Error("first attempt should not be strict")
	}
	if !client.calls[1].strict {
		t.Error("retry should be strict")
	}

	// Retry transcript carries the raw invalid output plus the corrective turn.
	retry := client.calls[1].transcript
	n := len(retry)
	if retry[n-2].Role != models.RoleAssistant || retry[n-2].Content != "sorry, here is your form!" {
		t.Errorf("expected raw invalid output in scratch transcript, got %+v", retry[n-2])
	}
	if retry[n-1].Role != models.RoleSystem || retry[n-1].Content != correctiveInstruction {
		t.Errorf("expected corrective system turn, got %+v", retry[n-1])
	}

	// Durable transcript never saw the invalid attempt.
	transcript, _ := sessions.Read(context.Background(), sessionID)
	for _, turn := range transcript {
		if turn.Content == "sorry, here is your form!" {
			t.Error("invalid attempt leaked into durable transcript")
		}
		if turn.Content == correctiveInstruction {
			t.Error("corrective turn leaked into durable transcript")
		}
	}
}

func TestGenerate_ValidationBudgetExhausted(t *testing.T) {
	client := &scriptedClient{results: []completionResult{
		{text: "junk"}, {text: "junk"}, {text: "junk"},
	}}
	gen, sessions, _ := newTestGenerator(client, nil)

	sessionID, _, err := gen.Generate(context.Background(), "contact form", "")
	if !errors.Is(err, models.ErrValidationExceeded) {
		t.Fatalf("expected ErrValidationExceeded, got %v", err)
	}
	if len(client.calls) != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", len(client.calls))
	}

	// Only the system seed and the user turn survive a total failure.
	transcript, _ := sessions.Read(context.Background(), sessionID)
	if len(transcript) != 2 {
		t.Fatalf("expected 2 persisted turns after failure, got %d", len(transcript))
	}
	if transcript[1].Role != models.RoleUser {
		t.Errorf("expected user turn persisted, got %+v", transcript[1])
	}
}

func TestGenerate_SelectWithoutOptionsIsRetried(t *testing.T) {
	client := &scriptedClient{results: []completionResult{
		{text: `[{"label":"Category","type":"select","required":true}]`},
		{text: `[{"label":"Category","type":"select","required":true,"options":["a","b"]}]`},
	}}
	gen, _, _ := newTestGenerator(client, nil)

	_, schemaOut, err := gen.Generate(context.Background(), "category form", "")
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if len(schemaOut) != 1 || len(schemaOut[0].Options) != 2 {
		t.Errorf("unexpected schema: %+v", schemaOut)
	}
}

func TestGenerate_RateLimitBackoffAndExhaustion(t *testing.T) {
	rl := completionResult{err: fmt.Errorf("%w: 429", genai.ErrRateLimited)}
	client := &scriptedClient{results: []completionResult{rl, rl, rl}}
	gen, _, delays := newTestGenerator(client, nil)

	_, _, err := gen.Generate(context.Background(), "contact form", "")
	if !errors.Is(err, models.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if len(client.calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(client.calls))
	}
	// Backoff delays are non-decreasing and double per rejection.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %d", len(want), len(*delays))
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("sleep %d: expected %v, got %v", i, d, (*delays)[i])
		}
	}
}

func TestGenerate_RateLimitThenSuccess(t *testing.T) {
	client := &scriptedClient{results: []completionResult{
		{err: fmt.Errorf("%w: 429", genai.ErrRateLimited)},
		{text: validOutput},
	}}
	gen, _, delays := newTestGenerator(client, nil)

	_, schemaOut, err := gen.Generate(context.Background(), "contact form", "")
	if err != nil {
		t.Fatalf("expected success after backoff, got %v", err)
	}
	if len(schemaOut) != 2 {
		t.Errorf("expected schema, got %+v", schemaOut)
	}
	if len(*delays) != 1 || (*delays)[0] != 2*time.Second {
		t.Errorf("expected a single 2s backoff, got %v", *delays)
	}
}

func TestGenerate_BudgetsAreIndependent(t *testing.T) {
	// Two rate limits then three invalid outputs: the validation budget is
	// exhausted on its own terms, unaffected by the rate-limit failures.
	client := &scriptedClient{results: []completionResult{
		{err: fmt.Errorf("%w: 429", genai.ErrRateLimited)},
		{err: fmt.Errorf("%w: 429", genai.ErrRateLimited)},
		{text: "junk"}, {text: "junk"}, {text: "junk"},
	}}
	gen, _, _ := newTestGenerator(client, nil)

	_, _, err := gen.Generate(context.Background(), "contact form", "")
	if !errors.Is(err, models.ErrValidationExceeded) {
		t.Fatalf("expected ErrValidationExceeded, got %v", err)
	}
	if len(client.calls) != 5 {
		t.Errorf("expected 5 attempts total, got %d", len(client.calls))
	}
}

func TestGenerate_ModelUnavailableIsTerminal(t *testing.T) {
	client := &scriptedClient{results: []completionResult{
		{err: fmt.Errorf("%w: gone", genai.ErrModelUnavailable)},
	}}
	gen, _, delays := newTestGenerator(client, nil)

	_, _, err := gen.Generate(context.Background(), "contact form", "")
	if !errors.Is(err, models.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if len(client.calls) != 1 {
		t.Errorf("expected no retries for model unavailability, got %d calls", len(client.calls))
	}
	if len(*delays) != 0 {
		t.Errorf("expected no backoff for model unavailability, got %v", *delays)
	}
}

func TestGenerate_BackoffHonorsCancellation(t *testing.T) {
	rl := completionResult{err: fmt.Errorf("%w: 429", genai.ErrRateLimited)}
	client := &scriptedClient{results: []completionResult{rl, rl, rl}}
	sessions := session.NewInMemoryStore()
	gen := NewGenerator(sessions, client, nil, nil)
	gen.newSessionID = func() string { return "test-session" }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := gen.Generate(ctx, "contact form", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from backoff sleep, got %v", err)
	}
	if len(client.calls) != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", len(client.calls))
	}
}

func TestRefineSession_UnknownSession(t *testing.T) {
	client := &scriptedClient{}
	gen, _, _ := newTestGenerator(client, nil)

	_, _, _, err := gen.RefineSession(context.Background(), "missing", "make it shorter")
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Error("expected no LLM call for unknown session")
	}
}

func TestRefineSession_ReturnsVisibleTranscript(t *testing.T) {
	client := &scriptedClient{results: []completionResult{{text: validOutput}, {text: validOutput}}}
	gen, _, _ := newTestGenerator(client, nil)
	ctx := context.Background()

	sessionID, _, err := gen.Generate(ctx, "contact form", "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	gotID, schemaOut, transcript, err := gen.RefineSession(ctx, sessionID, "make email optional")
	if err != nil {
		t.Fatalf("refine failed: %v", err)
	}
	if gotID != sessionID {
		t.Errorf("expected same session id, got %q", gotID)
	}
	if len(schemaOut) != 2 {
		t.Errorf("expected schema, got %+v", schemaOut)
	}
	if len(transcript) != 4 {
		t.Fatalf("expected 4 visible turns (2 user + 2 assistant), got %d", len(transcript))
	}
	for _, turn := range transcript {
		if turn.Role == models.RoleSystem {
			t.Errorf("system turn leaked into visible transcript: %+v", turn)
		}
	}
}

func TestAmendFromForm_SeedsFromExistingFields(t *testing.T) {
	forms := &fakeForms{form: models.Form{
		ID:    "form-1",
		Owner: "user-1",
		Title: "Signup",
		Fields: models.FormSchema{
			{Label: "Name", Type: models.FieldTypeText, Required: true},
		},
	}}
	client := &scriptedClient{results: []completionResult{{text: validOutput}}}
	gen, sessions, _ := newTestGenerator(client, forms)

	sessionID, schemaOut, err := gen.AmendFromForm(context.Background(), "form-1", "user-1", "add an email field")
	if err != nil {
		t.Fatalf("amend failed: %v", err)
	}
	if len(schemaOut) != 2 {
		t.Errorf("expected amended schema, got %+v", schemaOut)
	}

	transcript, _ := sessions.Read(context.Background(), sessionID)
	if len(transcript) != 3 {
		t.Fatalf("expected seeded transcript, got %d turns", len(transcript))
	}
	if transcript[0].Role != models.RoleSystem || !strings.Contains(transcript[0].Content, `"label":"Name"`) {
		t.Errorf("expected system seed embedding existing schema, got %+v", transcript[0])
	}
}

func TestAmendFromForm_UnknownForm(t *testing.T) {
	forms := &fakeForms{form: models.Form{ID: "form-1", Owner: "user-1"}}
	client := &scriptedClient{}
	gen, _, _ := newTestGenerator(client, forms)

	_, _, err := gen.AmendFromForm(context.Background(), "form-2", "user-1", "add a field")
	if !errors.Is(err, models.ErrFormNotFound) {
		t.Fatalf("expected ErrFormNotFound, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Error("expected no LLM call for unknown form")
	}
}

func TestAmendFromForm_WrongOwner(t *testing.T) {
	forms := &fakeForms{form: models.Form{ID: "form-1", Owner: "user-1"}}
	client := &scriptedClient{}
	gen, _, _ := newTestGenerator(client, forms)

	_, _, err := gen.AmendFromForm(context.Background(), "form-1", "user-2", "add a field")
	if !errors.Is(err, models.ErrFormNotFound) {
		t.Fatalf("expected ErrFormNotFound for wrong owner, got %v", err)
	}
}

func TestSchemaFromSession(t *testing.T) {
	client := &scriptedClient{results: []completionResult{{text: validOutput}}}
	gen, _, _ := newTestGenerator(client, nil)
	ctx := context.Background()

	sessionID, _, err := gen.Generate(ctx, "contact form", "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	schemaOut, err := gen.SchemaFromSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("expected stored schema, got %v", err)
	}
	if len(schemaOut) != 2 {
		t.Errorf("expected 2 fields, got %d", len(schemaOut))
	}

	if _, err := gen.SchemaFromSession(ctx, "missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for missing session, got %v", err)
	}
}
