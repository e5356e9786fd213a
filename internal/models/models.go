// Package models defines the core data structures for FormWeaver.
//
// It includes form schema types, conversation transcript types, persisted
// form/response records, and the API response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// FieldType defines the input type of a form field.
type FieldType string

const (
	// FieldTypeText is a free-form text input.
	FieldTypeText FieldType = "text"
	// FieldTypeNumber is a numeric input.
	FieldTypeNumber FieldType = "number"
	// FieldTypeEmail is an email address input.
	FieldTypeEmail FieldType = "email"
	// FieldTypeDate is a date input.
	FieldTypeDate FieldType = "date"
	// FieldTypeSelect is a single-choice input backed by options.
	FieldTypeSelect FieldType = "select"
	// FieldTypeCheckbox is a boolean input.
	FieldTypeCheckbox FieldType = "checkbox"
	// FieldTypeFile is a file upload input.
	FieldTypeFile FieldType = "file"
)

// Validation constants for input validation
const (
	// MaxGenerationPromptLength defines the maximum allowed length for a schema generation prompt
	MaxGenerationPromptLength = 500
	// SessionTTLSeconds defines the sliding time-to-live for generation sessions
	SessionTTLSeconds = 3600
)

// Error variables for better error handling and testability
var (
	ErrEmptyPrompt          = errors.New("prompt cannot be empty")
	ErrPromptTooLong        = errors.New("prompt exceeds 500 characters")
	ErrSessionNotFound      = errors.New("session not found or expired")
	ErrFormNotFound         = errors.New("form not found")
	ErrValidationExceeded   = errors.New("model did not produce a valid schema within the retry budget")
	ErrServiceUnavailable   = errors.New("AI service unavailable")
	ErrModelUnavailable     = errors.New("configured model is unavailable or decommissioned; reconfigure the target model")
	ErrEmptyTitle           = errors.New("title must be a non-empty string")
	ErrEmptySchema          = errors.New("schema must contain at least one field")
	ErrEmptyResponses       = errors.New("responses must be a non-empty array")
	ErrUnknownResponseField = errors.New("response references a field not present on the form")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrMissingAuthSecret    = errors.New("auth secret not set")
)

// IsValidFieldType checks if the given field type is supported.
func IsValidFieldType(ft FieldType) bool {
	switch ft {
	case FieldTypeText, FieldTypeNumber, FieldTypeEmail, FieldTypeDate, FieldTypeSelect, FieldTypeCheckbox, FieldTypeFile:
		return true
	default:
		return false
	}
}

// FormField represents one element of a form schema.
// Options must be present and non-empty iff Type is FieldTypeSelect.
type FormField struct {
	Label    string    `json:"label"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"`
}

// FormSchema is an ordered sequence of form fields with pairwise-distinct labels.
type FormSchema []FormField

// TurnRole identifies the author of a conversation turn.
type TurnRole string

const (
	// RoleSystem marks instruction turns injected by the orchestrator.
	RoleSystem TurnRole = "system"
	// RoleUser marks turns authored by the caller.
	RoleUser TurnRole = "user"
	// RoleAssistant marks turns produced by the model.
	RoleAssistant TurnRole = "assistant"
)

// ConversationTurn is a single role-tagged message in a session transcript.
type ConversationTurn struct {
	Role    TurnRole `json:"role"`
	Content string   `json:"content"`
}

// Form is a persisted, published form owned by a user.
type Form struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Fields      FormSchema `json:"fields"`
	Owner       string     `json:"owner"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ResponseField is one answered field of a form response.
type ResponseField struct {
	Label string      `json:"label"`
	Value interface{} `json:"value"`
}

// FormResponse is a submitted response to a form. SubmitterID is empty for
// anonymous submissions.
type FormResponse struct {
	ID          string          `json:"id"`
	FormID      string          `json:"form_id"`
	SubmitterID string          `json:"submitter_id,omitempty"`
	Answers     []ResponseField `json:"responses"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OwnerResponse is a response joined with its form's context, for the
// owner-wide response listing.
type OwnerResponse struct {
	ResponseID  string          `json:"responseId"`
	FormID      string          `json:"formId"`
	FormTitle   string          `json:"formTitle"`
	FormFields  FormSchema      `json:"formFields"`
	SubmitterID string          `json:"submitterId,omitempty"`
	Answers     []ResponseField `json:"responses"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// MonthCount is an aggregate bucket keyed by calendar month (YYYY-MM).
type MonthCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

// FormSummary is a trimmed form record for dashboard listings.
type FormSummary struct {
	FormID      string    `json:"formId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	FieldCount  int       `json:"fieldCount"`
}

// ResponseSummary is a trimmed response record for dashboard listings.
type ResponseSummary struct {
	ResponseID  string    `json:"responseId"`
	FormTitle   string    `json:"formTitle"`
	CreatedAt   time.Time `json:"createdAt"`
	AnswerCount int       `json:"responseCount"`
}

// ActiveForm identifies the owner's form with the most responses.
type ActiveForm struct {
	FormID        string `json:"formId"`
	Title         string `json:"title"`
	ResponseCount int    `json:"responseCount"`
}

// DashboardStats aggregates an owner's form and response activity.
type DashboardStats struct {
	TotalForms           int               `json:"totalForms"`
	TotalResponses       int               `json:"totalResponses"`
	RecentForms          []FormSummary     `json:"recentForms"`
	RecentResponses      []ResponseSummary `json:"recentResponses"`
	FormsByMonth         []MonthCount      `json:"formsByMonth"`
	ResponsesByMonth     []MonthCount      `json:"responsesByMonth"`
	AverageFieldsPerForm float64           `json:"averageFieldsPerForm"`
	MostActiveForm       *ActiveForm       `json:"mostActiveForm"`
	TotalFields          int               `json:"totalFields"`
}

// SaveFormRequest is the payload for saving/publishing a generated form.
type SaveFormRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Schema      FormSchema `json:"schema"`
	SessionID   string     `json:"sessionId,omitempty"`
}

// Validate performs structural validation on a SaveFormRequest.
func (r *SaveFormRequest) Validate() error {
	if r.Title == "" {
		return ErrEmptyTitle
	}
	if len(r.Schema) == 0 {
		return ErrEmptySchema
	}
	for _, field := range r.Schema {
		if field.Label == "" || field.Type == "" {
			return errors.New("schema field is missing label or type")
		}
		if !IsValidFieldType(field.Type) {
			return errors.New("schema field has unrecognized type")
		}
		if field.Type == FieldTypeSelect && len(field.Options) == 0 {
			return errors.New("select field requires non-empty options array")
		}
	}
	return nil
}

// GenerateRequest is the payload for schema generation.
type GenerateRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId,omitempty"`
}

// AmendFormRequest is the payload for amending a saved form.
type AmendFormRequest struct {
	FormID string `json:"formId"`
	Prompt string `json:"prompt"`
}

// RefineSessionRequest is the payload for refining an unsaved session schema.
type RefineSessionRequest struct {
	SessionID        string `json:"sessionId"`
	RefinementPrompt string `json:"refinementPrompt"`
}

// SubmitResponseRequest is the payload for submitting a form response.
type SubmitResponseRequest struct {
	Responses []ResponseField `json:"responses"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful operation.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed operation.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
