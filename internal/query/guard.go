// Package query gates, executes and normalizes read-only analytical queries.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrQueryRejected matches any RejectedError via errors.Is.
var ErrQueryRejected = errors.New("query rejected: read-only statements only")

// RejectedError reports a candidate query that failed the read-only gate.
type RejectedError struct {
	Reason string
	SQL    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("query rejected: %s", e.Reason)
}

// Is reports whether target is ErrQueryRejected.
func (e *RejectedError) Is(target error) bool { return target == ErrQueryRejected }

var (
	// One left-to-right pass: whichever literal, identifier or comment
	// opens first consumes its whole extent. An unterminated block comment
	// runs to the end of the input.
	lexical     = regexp.MustCompile(`(?s)'(?:[^']|'')*'|"(?:[^"]|"")*"|--[^\n]*|/\*.*?(?:\*/|$)`)
	leadingWord = regexp.MustCompile(`^[\s(]*([A-Za-z]+)`)
	forbidden   = regexp.MustCompile(`(?i)\b(alter|create|insert|update|delete|drop|truncate|attach|detach|copy|pragma|vacuum|grant|revoke|merge|install|upsert)\b`)
)

// CheckReadOnly rejects anything but a single SELECT (or WITH ... SELECT)
// statement. Literals and quoted identifiers are ignored when scanning for
// write verbs, so a column named "update_date" or the text 'drop' is fine.
func CheckReadOnly(sql string) error {
	stripped := lexical.ReplaceAllStringFunc(sql, func(tok string) string {
		switch tok[0] {
		case '\'':
			return "''"
		case '"':
			return `""`
		default:
			return " "
		}
	})
	stripped = strings.TrimSpace(stripped)
	stripped = strings.TrimRight(stripped, "; \t\r\n")

	if stripped == "" {
		return &RejectedError{Reason: "empty statement", SQL: sql}
	}
	if strings.Contains(stripped, ";") {
		return &RejectedError{Reason: "multiple statements", SQL: sql}
	}

	m := leadingWord.FindStringSubmatch(stripped)
	if m == nil {
		return &RejectedError{Reason: "statement has no leading keyword", SQL: sql}
	}
	switch strings.ToUpper(m[1]) {
	case "SELECT", "WITH":
	default:
		return &RejectedError{Reason: fmt.Sprintf("%s statements are not allowed", strings.ToUpper(m[1])), SQL: sql}
	}

	if verb := forbidden.FindString(stripped); verb != "" {
		return &RejectedError{Reason: fmt.Sprintf("%s is not allowed", strings.ToUpper(verb)), SQL: sql}
	}
	return nil
}
