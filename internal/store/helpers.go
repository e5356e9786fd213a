package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/formweaver/formweaver/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanForm scans a form row, decoding the JSON fields column.
func scanForm(row rowScanner) (models.Form, error) {
	var f models.Form
	var description sql.NullString
	var fieldsJSON string
	err := row.Scan(&f.ID, &f.Title, &description, &fieldsJSON, &f.Owner, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	f.Description = description.String
	if err := json.Unmarshal([]byte(fieldsJSON), &f.Fields); err != nil {
		return f, fmt.Errorf("failed to decode form fields: %w", err)
	}
	return f, nil
}

// scanResponse scans a response row, decoding the JSON answers column.
func scanResponse(row rowScanner) (models.FormResponse, error) {
	var r models.FormResponse
	var submitter sql.NullString
	var answersJSON string
	err := row.Scan(&r.ID, &r.FormID, &submitter, &answersJSON, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	r.SubmitterID = submitter.String
	if err := json.Unmarshal([]byte(answersJSON), &r.Answers); err != nil {
		return r, fmt.Errorf("failed to decode response answers: %w", err)
	}
	return r, nil
}

// scanOwnerResponse scans a response row joined with its form's title and
// fields.
func scanOwnerResponse(row rowScanner) (models.OwnerResponse, error) {
	var r models.OwnerResponse
	var submitter sql.NullString
	var answersJSON, fieldsJSON string
	err := row.Scan(&r.ResponseID, &r.FormID, &r.FormTitle, &fieldsJSON, &submitter, &answersJSON, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	r.SubmitterID = submitter.String
	if err := json.Unmarshal([]byte(fieldsJSON), &r.FormFields); err != nil {
		return r, fmt.Errorf("failed to decode form fields: %w", err)
	}
	if err := json.Unmarshal([]byte(answersJSON), &r.Answers); err != nil {
		return r, fmt.Errorf("failed to decode response answers: %w", err)
	}
	return r, nil
}
