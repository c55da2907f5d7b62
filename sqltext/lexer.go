// Package sqltext is a small SQL lexer. It knows nothing about grammar; it
// splits text into tokens so callers can fold case, strip comments and look
// at statement keywords without being fooled by quoted text.
package sqltext

import (
	"fmt"
	"strings"
)

// TokenKind identifies the lexical class of a Token.
type TokenKind int

const (
	Word TokenKind = iota
	Number
	String
	QuotedIdent
	Param
	Punct
	Comment
	Space
)

func (k TokenKind) String() string {
	switch k {
	case Word:
		return "word"
	case Number:
		return "number"
	case String:
		return "string"
	case QuotedIdent:
		return "quoted_ident"
	case Param:
		return "param"
	case Punct:
		return "punct"
	case Comment:
		return "comment"
	case Space:
		return "space"
	}
	return "unknown"
}

// Token is a lexical unit. Text is the exact source text, quotes included.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

// Upper returns the token text upper-cased. Only meaningful for words.
func (t Token) Upper() string { return strings.ToUpper(t.Text) }

// SyntaxError reports an unterminated literal, identifier or comment.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string { return fmt.Sprintf("%s at offset %d", e.Msg, e.Pos) }

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// Tokenize splits src into tokens, comments and whitespace included.
func Tokenize(src string) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(src) {
		start := i
		c := src[i]
		switch {
		case isSpace(c):
			for i < len(src) && isSpace(src[i]) {
				i++
			}
			toks = append(toks, Token{Space, src[start:i], start})

		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			toks = append(toks, Token{Comment, src[start:i], start})

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated block comment"}
			}
			i += end + 4
			toks = append(toks, Token{Comment, src[start:i], start})

		case c == '\'':
			n, err := scanQuoted(src, i, '\'')
			if err != nil {
				return nil, err
			}
			i = n
			toks = append(toks, Token{String, src[start:i], start})

		case c == '"' || c == '`':
			n, err := scanQuoted(src, i, c)
			if err != nil {
				return nil, err
			}
			i = n
			toks = append(toks, Token{QuotedIdent, src[start:i], start})

		case c == '[':
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated bracket identifier"}
			}
			i += end + 1
			toks = append(toks, Token{QuotedIdent, src[start:i], start})

		case (c == 'x' || c == 'X') && i+1 < len(src) && src[i+1] == '\'':
			n, err := scanQuoted(src, i+1, '\'')
			if err != nil {
				return nil, err
			}
			i = n
			toks = append(toks, Token{String, src[start:i], start})

		case isWordStart(c):
			for i < len(src) && isWordPart(src[i]) {
				i++
			}
			toks = append(toks, Token{Word, src[start:i], start})

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			i = scanNumber(src, i)
			toks = append(toks, Token{Number, src[start:i], start})

		case c == '?':
			i++
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			toks = append(toks, Token{Param, src[start:i], start})

		case (c == ':' || c == '@' || c == '$') && i+1 < len(src) && isWordPart(src[i+1]):
			i++
			for i < len(src) && isWordPart(src[i]) {
				i++
			}
			toks = append(toks, Token{Param, src[start:i], start})

		default:
			i += punctLen(src, i)
			toks = append(toks, Token{Punct, src[start:i], start})
		}
	}
	return toks, nil
}

// scanQuoted returns the offset just past the quoted run starting at i.
// A doubled quote character escapes itself.
func scanQuoted(src string, i int, q byte) (int, error) {
	start := i
	i++
	for i < len(src) {
		if src[i] == q {
			if i+1 < len(src) && src[i+1] == q {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	what := "string literal"
	if q != '\'' {
		what = "quoted identifier"
	}
	return 0, &SyntaxError{Pos: start, Msg: "unterminated " + what}
}

func scanNumber(src string, i int) int {
	if src[i] == '0' && i+1 < len(src) && (src[i+1] == 'x' || src[i+1] == 'X') {
		i += 2
		for i < len(src) && strings.IndexByte("0123456789abcdefABCDEF", src[i]) >= 0 {
			i++
		}
		return i
	}
	for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
		i++
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	return i
}

var multiCharOps = []string{"||", "<=", ">=", "<>", "!=", "==", "<<", ">>", "::", "->>", "->"}

func punctLen(src string, i int) int {
	for _, op := range multiCharOps {
		if strings.HasPrefix(src[i:], op) {
			return len(op)
		}
	}
	return 1
}

// Significant returns toks without whitespace and comments.
func Significant(toks []Token) []Token {
	out := make([]Token, 0, len(toks))
	for _, t := range toks {
		if t.Kind == Space || t.Kind == Comment {
			continue
		}
		out = append(out, t)
	}
	return out
}
