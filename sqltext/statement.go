package sqltext

import "strings"

// Normalize returns a canonical form of query: comments dropped, runs of
// whitespace collapsed to one space between tokens, and everything outside
// string literals and quoted identifiers lower-cased. Two queries that only
// differ in layout or keyword case normalize to the same string.
//
// Unlexable text is still normalized, by whitespace only, so that the
// storage engine gets to report the real error.
func Normalize(query string) string {
	toks, err := Tokenize(query)
	if err != nil {
		return strings.Join(strings.Fields(query), " ")
	}
	var b strings.Builder
	for _, t := range Significant(toks) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		switch t.Kind {
		case String, QuotedIdent:
			b.WriteString(t.Text)
		default:
			b.WriteString(strings.ToLower(t.Text))
		}
	}
	return b.String()
}

// FirstKeyword returns the upper-cased first word of query, skipping
// comments and opening parentheses. It returns "" when there is none.
func FirstKeyword(query string) string {
	toks, err := Tokenize(query)
	if err != nil {
		return ""
	}
	for _, t := range Significant(toks) {
		if t.Kind == Punct && t.Text == "(" {
			continue
		}
		if t.Kind == Word {
			return t.Upper()
		}
		return ""
	}
	return ""
}

var verbs = map[string]bool{
	"SELECT": true, "VALUES": true, "INSERT": true,
	"UPDATE": true, "DELETE": true, "REPLACE": true,
}

// IsReadOnly reports whether query is a single statement that cannot modify
// the database. Anything it cannot prove read-only is treated as a write.
func IsReadOnly(query string) bool {
	toks, err := Tokenize(query)
	if err != nil {
		return false
	}
	sig := Significant(toks)
	for i, t := range sig {
		if t.Kind == Punct && t.Text == ";" && i != len(sig)-1 {
			return false
		}
	}
	switch FirstKeyword(query) {
	case "SELECT", "VALUES", "EXPLAIN":
		return true
	case "WITH":
		v := mainVerb(sig)
		return v == "SELECT" || v == "VALUES"
	case "PRAGMA":
		for _, t := range sig {
			if t.Kind == Punct && t.Text == "=" {
				return false
			}
		}
		return true
	}
	return false
}

// mainVerb returns the statement verb that follows a WITH clause: the first
// SELECT/VALUES/INSERT/UPDATE/DELETE/REPLACE outside any parentheses.
func mainVerb(toks []Token) string {
	depth := 0
	for _, t := range toks {
		switch {
		case t.Kind == Punct && t.Text == "(":
			depth++
		case t.Kind == Punct && t.Text == ")":
			depth--
		case t.Kind == Word && depth == 0 && verbs[t.Upper()]:
			return t.Upper()
		}
	}
	return ""
}

// ReadsInternalTables reports whether query references SQLite's own
// sqlite_* objects (sqlite_master, sqlite_version(), ...).
func ReadsInternalTables(query string) bool {
	toks, err := Tokenize(query)
	if err != nil {
		return false
	}
	for _, t := range toks {
		if t.Kind == Word && strings.HasPrefix(strings.ToLower(t.Text), "sqlite_") {
			return true
		}
	}
	return false
}
