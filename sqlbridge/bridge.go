// Package sqlbridge rewrites SQL text: Optimize tidies a query into a
// canonical layout and Convert translates common constructs between SQL
// dialects. Both work on tokens, not on a parse tree.
package sqlbridge

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mohans/sqlgate/domain"
	"github.com/mohans/sqlgate/sqltext"
)

// Dialect names accepted by Convert.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
	MySQL    = "mysql"
	DuckDB   = "duckdb"
)

var dialectAliases = map[string]string{
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"postgres":   Postgres,
	"postgresql": Postgres,
	"pg":         Postgres,
	"mysql":      MySQL,
	"mariadb":    MySQL,
	"duckdb":     DuckDB,
}

// Dialects returns the canonical dialect names.
func Dialects() []string { return []string{SQLite, Postgres, MySQL, DuckDB} }

// ParseDialect returns the canonical name for d.
func ParseDialect(d string) (string, error) {
	if c, ok := dialectAliases[strings.ToLower(strings.TrimSpace(d))]; ok {
		return c, nil
	}
	return "", domain.InvalidInput("unsupported dialect %q (supported: %s)", d, strings.Join(Dialects(), ", "))
}

func tokenize(query string) ([]sqltext.Token, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.Parse("empty query")
	}
	toks, err := sqltext.Tokenize(query)
	if err != nil {
		var se *sqltext.SyntaxError
		if errors.As(err, &se) {
			return nil, domain.Parse("%s", se.Error())
		}
		return nil, domain.Parse("%v", err)
	}
	depth := 0
	for _, t := range toks {
		if t.Kind != sqltext.Punct {
			continue
		}
		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
			if depth < 0 {
				return nil, domain.Parse("unbalanced ')' at offset %d", t.Pos)
			}
		}
	}
	if depth != 0 {
		return nil, domain.Parse("%d unclosed '('", depth)
	}
	return toks, nil
}

// Convert translates query from one dialect to another. Identifier quoting,
// ILIKE, NOW()/CURRENT_TIMESTAMP, RAND()/RANDOM(), IFNULL/COALESCE and
// positional parameters are rewritten; everything else is kept as written.
func Convert(query, from, to string) (string, error) {
	src, err := ParseDialect(from)
	if err != nil {
		return "", err
	}
	dst, err := ParseDialect(to)
	if err != nil {
		return "", err
	}
	toks, err := tokenize(query)
	if err != nil {
		return "", err
	}
	if src == dst {
		return query, nil
	}

	var b strings.Builder
	nparam := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.Kind {
		case sqltext.QuotedIdent:
			b.WriteString(quoteIdent(unquoteIdent(t.Text), dst))
			continue

		case sqltext.Param:
			switch {
			case t.Text == "?" && dst == Postgres:
				nparam++
				b.WriteString("$" + strconv.Itoa(nparam))
				continue
			case src == Postgres && dst == SQLite && isDollarNumber(t.Text):
				b.WriteString("?" + t.Text[1:])
				continue
			}

		case sqltext.Word:
			call := nextSignificant(toks, i+1) == "("
			switch up := t.Upper(); {
			case up == "ILIKE" && (dst == SQLite || dst == MySQL):
				b.WriteString("LIKE")
				continue
			case up == "NOW" && call && dst == SQLite:
				if end := emptyCallEnd(toks, i+1); end > 0 {
					b.WriteString("CURRENT_TIMESTAMP")
					i = end
					continue
				}
			case up == "CURRENT_TIMESTAMP" && !call && dst != SQLite:
				b.WriteString("NOW()")
				continue
			case up == "RANDOM" && call && dst == MySQL:
				b.WriteString("RAND")
				continue
			case up == "RAND" && call && dst != MySQL:
				b.WriteString("RANDOM")
				continue
			case up == "IFNULL" && call && (dst == Postgres || dst == DuckDB):
				b.WriteString("COALESCE")
				continue
			case up == "COALESCE" && call && (dst == SQLite || dst == MySQL) && callArgs(toks, i+1) == 2:
				b.WriteString("IFNULL")
				continue
			}
		}
		b.WriteString(t.Text)
	}
	return b.String(), nil
}

func isDollarNumber(s string) bool {
	if len(s) < 2 || s[0] != '$' {
		return false
	}
	_, err := strconv.Atoi(s[1:])
	return err == nil
}

// nextSignificant returns the text of the first non-space, non-comment token
// at or after i.
func nextSignificant(toks []sqltext.Token, i int) string {
	for ; i < len(toks); i++ {
		if toks[i].Kind != sqltext.Space && toks[i].Kind != sqltext.Comment {
			return toks[i].Text
		}
	}
	return ""
}

// emptyCallEnd returns the index of ")" when toks[i:] is "(" ")" with only
// whitespace in between, or -1.
func emptyCallEnd(toks []sqltext.Token, i int) int {
	seenOpen := false
	for ; i < len(toks); i++ {
		switch t := toks[i]; {
		case t.Kind == sqltext.Space || t.Kind == sqltext.Comment:
		case t.Text == "(" && !seenOpen:
			seenOpen = true
		case t.Text == ")" && seenOpen:
			return i
		default:
			return -1
		}
	}
	return -1
}

// callArgs counts the top-level arguments of the call whose "(" is the next
// significant token at or after i.
func callArgs(toks []sqltext.Token, i int) int {
	depth, args, empty := 0, 0, true
	for ; i < len(toks); i++ {
		t := toks[i]
		if t.Kind == sqltext.Space || t.Kind == sqltext.Comment {
			continue
		}
		switch {
		case t.Kind == sqltext.Punct && t.Text == "(":
			depth++
			if depth == 1 {
				continue
			}
		case t.Kind == sqltext.Punct && t.Text == ")":
			depth--
			if depth == 0 {
				if empty {
					return 0
				}
				return args + 1
			}
		case t.Kind == sqltext.Punct && t.Text == "," && depth == 1:
			args++
			continue
		}
		empty = false
	}
	return -1
}

func unquoteIdent(s string) string {
	if len(s) < 2 {
		return s
	}
	switch s[0] {
	case '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	case '`':
		return strings.ReplaceAll(s[1:len(s)-1], "``", "`")
	case '[':
		return s[1 : len(s)-1]
	}
	return s
}

func quoteIdent(name, dialect string) string {
	if dialect == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Optimize returns query in canonical form: comments dropped, keywords
// upper-cased, redundant whitespace and trailing semicolons removed, and
// each major clause on its own line. Statements stay separated by ";".
func Optimize(query string) (string, error) {
	toks, err := tokenize(query)
	if err != nil {
		return "", err
	}
	sig := sqltext.Significant(toks)
	for len(sig) > 0 && sig[len(sig)-1].Text == ";" {
		sig = sig[:len(sig)-1]
	}
	if len(sig) == 0 {
		return "", domain.Parse("query has no statements")
	}

	var b strings.Builder
	depth := 0
	lineStart := true
	for i, t := range sig {
		text := t.Text
		if t.Kind == sqltext.Word && keywords[t.Upper()] {
			text = t.Upper()
		}

		if t.Kind == sqltext.Punct && t.Text == ";" {
			b.WriteString(";\n")
			lineStart = true
			continue
		}
		if i > 0 && !lineStart && depth == 0 && startsClause(sig, i) {
			b.WriteByte('\n')
			lineStart = true
		}
		if !lineStart && spaceBefore(sig, i) {
			b.WriteByte(' ')
		}
		b.WriteString(text)
		lineStart = false

		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
		}
	}
	return b.String(), nil
}

var clauseStarts = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "HAVING": true, "LIMIT": true,
	"OFFSET": true, "UNION": true, "INTERSECT": true, "EXCEPT": true, "VALUES": true,
	"SET": true, "RETURNING": true, "WINDOW": true,
	"INSERT": true, "UPDATE": true, "DELETE": true, "REPLACE": true, "WITH": true,
}

var joinWords = map[string]bool{
	"LEFT": true, "RIGHT": true, "INNER": true, "CROSS": true, "FULL": true,
	"NATURAL": true, "OUTER": true, "JOIN": true,
}

// startsClause reports whether sig[i] begins a major clause at depth 0.
func startsClause(sig []sqltext.Token, i int) bool {
	t := sig[i]
	if t.Kind != sqltext.Word {
		return false
	}
	up := t.Upper()
	if i+1 < len(sig) && sig[i+1].Text == "(" && (!keywords[up] || callableKeywords[up]) {
		return false // function call such as replace(...) or left(...)
	}
	prev := ""
	if i > 0 {
		prev = sig[i-1].Upper()
	}
	switch {
	case up == "GROUP" || up == "ORDER":
		return i+1 < len(sig) && sig[i+1].Upper() == "BY"
	case joinWords[up] && up != "OUTER":
		return !joinWords[prev]
	case up == "SELECT":
		// UNION ALL SELECT, INSERT ... SELECT: always a new line.
		return true
	case up == "SET" || up == "VALUES":
		return prev != "DEFAULT"
	case up == "REPLACE":
		return prev != "OR"
	}
	return clauseStarts[up]
}

// spaceBefore decides whether to separate sig[i] from the previous token.
func spaceBefore(sig []sqltext.Token, i int) bool {
	t, prev := sig[i], sig[i-1]
	switch t.Text {
	case ",", ")", ".", "::":
		return false
	case "(":
		// call: name( ; grouping after a keyword: IN (
		if i >= 2 && columnListAfter[sig[i-2].Upper()] {
			return true // INSERT INTO t (a, b)
		}
		if prev.Kind == sqltext.QuotedIdent {
			return false
		}
		if prev.Kind == sqltext.Word {
			return keywords[prev.Upper()] && !callableKeywords[prev.Upper()]
		}
		return prev.Kind == sqltext.Punct && prev.Text != "(" && prev.Text != "."
	}
	switch prev.Text {
	case "(", ".", "::":
		return false
	}
	return true
}

var columnListAfter = map[string]bool{"INTO": true, "TABLE": true, "EXISTS": true, "VIEW": true, "ON": true}

// callableKeywords are keywords that are also commonly called as functions.
var callableKeywords = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
	"COALESCE": true, "IFNULL": true, "NULLIF": true, "CAST": true,
	"REPLACE": true, "LEFT": true, "RIGHT": true,
	"NOW": true, "RANDOM": true, "RAND": true, "ABS": true, "LENGTH": true,
	"LOWER": true, "UPPER": true, "SUBSTR": true, "ROUND": true,
}

var keywords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`
		ABORT ALL ALTER ANALYZE AND AS ASC ATTACH AUTOINCREMENT BEGIN BETWEEN BY
		CASCADE CASE CAST CHECK COLLATE COLUMN COMMIT CONFLICT CONSTRAINT CREATE
		CROSS CURRENT_DATE CURRENT_TIME CURRENT_TIMESTAMP DEFAULT DEFERRABLE DELETE
		DESC DETACH DISTINCT DROP ELSE END ESCAPE EXCEPT EXISTS EXPLAIN FALSE FILTER
		FOREIGN FROM FULL GLOB GROUP HAVING IF IGNORE ILIKE IN INDEX INNER INSERT
		INTERSECT INTO IS ISNULL JOIN KEY LEFT LIKE LIMIT MATCH NATURAL NOT NOTNULL
		NULL NULLS OF OFFSET ON OR ORDER OUTER OVER PARTITION PRAGMA PRIMARY QUERY
		RECURSIVE REFERENCES REGEXP REINDEX RELEASE RENAME REPLACE RETURNING RIGHT
		ROLLBACK ROW ROWS SAVEPOINT SELECT SET TABLE TEMP TEMPORARY THEN TO
		TRANSACTION TRIGGER TRUE UNION UNIQUE UPDATE USING VACUUM VALUES VIEW
		VIRTUAL WHEN WHERE WINDOW WITH WITHOUT
		COUNT SUM AVG MIN MAX COALESCE IFNULL NULLIF NOW RANDOM RAND ABS LENGTH
		LOWER UPPER SUBSTR ROUND
		INTEGER INT REAL TEXT BLOB NUMERIC BOOLEAN VARCHAR TIMESTAMP DATE`) {
		m[w] = true
	}
	return m
}()
