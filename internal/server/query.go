package server

import (
	"fmt"
	"regexp"
	"strings"
)

// read_data accepts only statements that cannot modify data or schema.
var forbiddenSQLWords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE",
	"GRANT", "REVOKE", "EXEC", "EXECUTE", "MERGE", "BULK",
}

var (
	sqlLineComment  = regexp.MustCompile(`--[^\n]*`)
	sqlBlockComment = regexp.MustCompile(`/\*[\s\S]*?\*/`)
	forbiddenWordRe = regexp.MustCompile(`(?i)\b(` + strings.Join(forbiddenSQLWords, "|") + `)\b`)
	batchSeparator  = regexp.MustCompile(`(?im)^\s*GO\s*$`)
)

// ValidateReadOnlySQL returns an error if sql appears to be non–read-only
// (INSERT/UPDATE/DELETE/DDL/EXEC etc). Line (--) and block (/* */) comments
// are stripped before checking, and T-SQL GO batch separators are rejected
// outright. A simple heuristic, not a full parser.
func ValidateReadOnlySQL(sql string) error {
	if batchSeparator.MatchString(sql) {
		return fmt.Errorf("read-only queries only: GO batch separators are not allowed")
	}
	cleaned := sqlLineComment.ReplaceAllString(sql, " ")
	cleaned = sqlBlockComment.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return fmt.Errorf("empty SQL after removing comments")
	}
	if loc := forbiddenWordRe.FindStringIndex(cleaned); loc != nil {
		word := strings.ToUpper(cleaned[loc[0]:loc[1]])
		return fmt.Errorf("read-only queries only: found %q", word)
	}
	return nil
}

// statementPrefix reports whether sql (after comment stripping) begins with
// the given keywords, case-insensitively. Used by create_table/create_index
// to pin raw DDL to its advertised statement kind.
func statementPrefix(sql string, keywords ...string) bool {
	cleaned := sqlLineComment.ReplaceAllString(sql, " ")
	cleaned = sqlBlockComment.ReplaceAllString(cleaned, " ")
	fields := strings.Fields(cleaned)
	if len(fields) < len(keywords) {
		return false
	}
	for i, kw := range keywords {
		if !strings.EqualFold(fields[i], kw) {
			return false
		}
	}
	return true
}
