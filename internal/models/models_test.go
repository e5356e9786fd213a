package models

import (
	"encoding/json"
	"testing"
)

func TestIsValidFieldType(t *testing.T) {
	valid := []FieldType{FieldTypeText, FieldTypeNumber, FieldTypeEmail, FieldTypeDate, FieldTypeSelect, FieldTypeCheckbox, FieldTypeFile}
	for _, ft := range valid {
		if !IsValidFieldType(ft) {
			t.Errorf("expected %q to be valid", ft)
		}
	}
	invalid := []FieldType{"", "textarea", "radio", "TEXT"}
	for _, ft := range invalid {
		if IsValidFieldType(ft) {
			t.Errorf("expected %q to be invalid", ft)
		}
	}
}

func TestSaveFormRequestValidate(t *testing.T) {
	validSchema := FormSchema{
		{Label: "Name", Type: FieldTypeText, Required: true},
		{Label: "Plan", Type: FieldTypeSelect, Required: false, Options: []string{"basic", "pro"}},
	}

	tests := []struct {
		name    string
		req     SaveFormRequest
		wantErr bool
	}{
		{"valid", SaveFormRequest{Title: "Signup", Schema: validSchema}, false},
		{"empty title", SaveFormRequest{Schema: validSchema}, true},
		{"empty schema", SaveFormRequest{Title: "Signup"}, true},
		{"missing label", SaveFormRequest{Title: "Signup", Schema: FormSchema{{Type: FieldTypeText}}}, true},
		{"unknown type", SaveFormRequest{Title: "Signup", Schema: FormSchema{{Label: "X", Type: "radio"}}}, true},
		{"select without options", SaveFormRequest{Title: "Signup", Schema: FormSchema{{Label: "Plan", Type: FieldTypeSelect}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFormFieldJSONOmitsEmptyOptions(t *testing.T) {
	data, err := json.Marshal(FormField{Label: "Name", Type: FieldTypeText, Required: true})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := raw["options"]; ok {
		t.Errorf("expected options to be omitted for non-select field, got %s", data)
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	resp := Success(map[string]string{"sessionId": "abc"})
	if resp.Status != string(APIStatusOK) {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	if resp.Result == nil {
		t.Error("expected result to be set")
	}

	errResp := Error("boom")
	if errResp.Status != string(APIStatusError) {
		t.Errorf("expected error status, got %q", errResp.Status)
	}
	if errResp.Message != "boom" {
		t.Errorf("expected message 'boom', got %q", errResp.Message)
	}
}
