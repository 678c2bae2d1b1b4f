package core

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable
// guidance. Users can quote the code to support staff for faster
// diagnosis.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user
// messages. Matching uses strings.Contains and the first match wins, so
// specific patterns come before general ones.
//
// Codes are grouped by family:
//
//	DB001-DB099   database writes and connectivity
//	VAL001-VAL099 validation and mapping
//	FILE001-FILE099 file access and parsing
//	RUN001-RUN099 run lifecycle and limits
//	ERR000        fallback when nothing matches
//
// When a user reports ERR000, the original technical error is in the
// application logs.
var errorPatterns = []errorPattern{
	// Database constraint errors
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Use upsert mode or remove the duplicates from your file",
			Code:    "DB001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "This value must be unique but already exists",
			Action:  "Check for duplicate entries in your file",
			Code:    "DB002",
		},
	},
	{
		pattern: "violates unique",
		msg: UserMessage{
			Message: "A duplicate value was found",
			Action:  "Review your data for duplicate key values",
			Code:    "DB002",
		},
	},
	{
		pattern: "foreign key",
		msg: UserMessage{
			Message: "A referenced record does not exist",
			Action:  "Import parent records first, or enable relaxed constraints",
			Code:    "DB003",
		},
	},

	// Database connection errors
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to the database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "The database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "The database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB006",
		},
	},

	// Validation and mapping errors
	{
		pattern: "failed validation",
		msg: UserMessage{
			Message: "A row did not pass the validation rules",
			Action:  "Fix the reported row, or enable skip-invalid to continue past bad rows",
			Code:    "VAL001",
		},
	},
	{
		pattern: "value is required",
		msg: UserMessage{
			Message: "A required field is empty",
			Action:  "Ensure all required columns have values",
			Code:    "VAL002",
		},
	},
	{
		pattern: "must be a valid email",
		msg: UserMessage{
			Message: "An email address is not valid",
			Action:  "Check the email column for typos",
			Code:    "VAL003",
		},
	},
	{
		pattern: "must be a number",
		msg: UserMessage{
			Message: "A numeric field contains something that is not a number",
			Action:  "Remove currency symbols and use a standard decimal format",
			Code:    "VAL004",
		},
	},
	{
		pattern: "must be an integer",
		msg: UserMessage{
			Message: "A whole-number field contains a fraction or text",
			Action:  "Use whole numbers without decimal points",
			Code:    "VAL005",
		},
	},
	{
		pattern: "must be a valid date",
		msg: UserMessage{
			Message: "A date field is not in a recognized format",
			Action:  "Use YYYY-MM-DD or MM/DD/YYYY",
			Code:    "VAL006",
		},
	},
	{
		pattern: "must be one of",
		msg: UserMessage{
			Message: "A value is not in the allowed list",
			Action:  "Check the allowed values for this field",
			Code:    "VAL007",
		},
	},
	{
		pattern: "mapping failed",
		msg: UserMessage{
			Message: "A row could not be transformed",
			Action:  "Check the mapper configuration against the reported row",
			Code:    "VAL008",
		},
	},

	// File errors
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "The file exceeds the maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no such file",
		msg: UserMessage{
			Message: "The file could not be found",
			Action:  "Check the path and try again",
			Code:    "FILE002",
		},
	},
	{
		pattern: "permission denied",
		msg: UserMessage{
			Message: "The file could not be opened",
			Action:  "Check the file permissions",
			Code:    "FILE003",
		},
	},
	{
		pattern: "unsupported format",
		msg: UserMessage{
			Message: "This file type is not supported",
			Action:  "Upload a CSV, TSV, or XLSX file",
			Code:    "FILE004",
		},
	},
	{
		pattern: "header row",
		msg: UserMessage{
			Message: "The configured header row is past the end of the file",
			Action:  "Lower the header row setting or check the file contents",
			Code:    "FILE005",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please choose a file to import",
			Code:    "FILE006",
		},
	},

	// Run lifecycle errors
	{
		pattern: "too many concurrent imports",
		msg: UserMessage{
			Message: "The system is busy processing other runs",
			Action:  "Please wait a moment and try again",
			Code:    "RUN001",
		},
	},
	{
		pattern: "run not found",
		msg: UserMessage{
			Message: "This run is no longer tracked",
			Action:  "It may have expired; check the history for its result",
			Code:    "RUN002",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "The run was canceled",
			Action:  "Start a new run when ready",
			Code:    "RUN003",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The run timed out",
			Action:  "Try a smaller file or raise the import timeout",
			Code:    "RUN004",
		},
	},
	{
		pattern: "destination table",
		msg: UserMessage{
			Message: "No destination table was specified",
			Action:  "Set the table to import into",
			Code:    "RUN005",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RUN006",
		},
	},

	// General database failures, after the specific constraint and
	// connectivity patterns had their chance.
	{
		pattern: "persisting batch",
		msg: UserMessage{
			Message: "A batch of rows could not be written",
			Action:  "Check the failed rows in the report and try again",
			Code:    "DB007",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "The operation timed out",
			Action:  "Try a smaller file or try again later",
			Code:    "DB008",
		},
	},
}

// defaultMessage is the ERR000 fallback for unexpected errors.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. It
// searches the known patterns case-insensitively and returns the first
// match, or the ERR000 fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether the error matches a specific pattern
// rather than the generic fallback. Use it to decide between showing the
// mapped message and logging the raw error.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message. The
// original error stays reachable through Unwrap for logging.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err and wraps it. Returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
