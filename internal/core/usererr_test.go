package core

import (
	"errors"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "duplicate key maps correctly",
			err:         errors.New("pq: duplicate key value violates unique constraint"),
			wantCode:    "DB001",
			wantMessage: "A record with this key already exists",
		},
		{
			name:        "unique constraint maps correctly",
			err:         errors.New("ERROR: unique constraint violated"),
			wantCode:    "DB002",
			wantMessage: "This value must be unique but already exists",
		},
		{
			name:        "foreign key maps correctly",
			err:         errors.New("violates foreign key constraint"),
			wantCode:    "DB003",
			wantMessage: "A referenced record does not exist",
		},
		{
			name:        "connection refused maps correctly",
			err:         errors.New("dial tcp: connection refused"),
			wantCode:    "DB004",
			wantMessage: "Unable to connect to the database",
		},
		{
			name:     "validation error maps to VAL family",
			err:      &ValidationError{Row: 7, Messages: []string{"email must be a valid email address"}},
			wantCode: "VAL001",
		},
		{
			name:     "mapper error maps to VAL family",
			err:      &MapperError{Row: 3, Err: errors.New("boom")},
			wantCode: "VAL008",
		},
		{
			name:     "missing file maps to FILE family",
			err:      &FileError{Path: "data.csv", Err: errors.New("open data.csv: no such file or directory")},
			wantCode: "FILE002",
		},
		{
			name:     "unsupported format maps to FILE family",
			err:      &UnsupportedFormatError{Format: ".pdf", Path: "report.pdf"},
			wantCode: "FILE004",
		},
		{
			name:     "header past end maps to FILE family",
			err:      errors.New("header row 50 is past the end of the file"),
			wantCode: "FILE005",
		},
		{
			name:     "limiter rejection maps to RUN family",
			err:      ErrTooManyImports,
			wantCode: "RUN001",
		},
		{
			name:     "persistence error falls through to batch pattern",
			err:      &PersistenceError{Rows: 500, Err: errors.New("driver glitch")},
			wantCode: "DB007",
		},
		{
			name:     "constraint detail wins over batch wrapper",
			err:      &PersistenceError{Rows: 500, Err: errors.New("duplicate key value")},
			wantCode: "DB001",
		},
		{
			name:        "timeout maps correctly",
			err:         errors.New("i/o timeout"),
			wantCode:    "DB008",
			wantMessage: "The operation timed out",
		},
		{
			name:     "context deadline wins over generic timeout",
			err:      errors.New("context deadline exceeded"),
			wantCode: "RUN004",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
		{
			name:     "case insensitive matching",
			err:      errors.New("DUPLICATE KEY value violates"),
			wantCode: "DB001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if tt.wantMessage != "" && got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	err := errors.New("duplicate key value violates")
	result := FormatUserError(err)

	expected := "A record with this key already exists (Code: DB001). Use upsert mode or remove the duplicates from your file"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error is not user facing",
			err:  nil,
			want: false,
		},
		{
			name: "known error is user facing",
			err:  errors.New("duplicate key"),
			want: true,
		},
		{
			name: "unknown error is not user facing",
			err:  errors.New("random internal error xyz"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsUserFacing(tt.err)
			if got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := errors.New("pq: duplicate key value")
		userErr := NewUserError(techErr)

		if userErr.Error() != "A record with this key already exists" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}

		if !errors.Is(userErr, techErr) {
			t.Error("Unwrap() should return original error")
		}
	})
}
