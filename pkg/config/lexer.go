// Package config parses scenario files written in a brace-delimited
// hierarchical syntax and compiles them into typed settings.
package config

import (
	"fmt"
	"strings"
)

// TokenType is the kind of a scanned token.
type TokenType int

const (
	TokenLBrace    TokenType = iota // {
	TokenRBrace                     // }
	TokenSemicolon                  // ;
	TokenWord                       // unquoted word
	TokenString                     // "quoted string"
	TokenEOF
	TokenError
)

var tokenNames = [...]string{
	TokenLBrace:    "'{'",
	TokenRBrace:    "'}'",
	TokenSemicolon: "';'",
	TokenWord:      "word",
	TokenString:    "string",
	TokenEOF:       "EOF",
	TokenError:     "error",
}

func (t TokenType) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return "unknown"
}

// punctuation maps single-byte tokens to their type.
var punctuation = map[byte]TokenType{
	'{': TokenLBrace,
	'}': TokenRBrace,
	';': TokenSemicolon,
}

// Token is one scanned token with its starting position.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	switch t.Type {
	case TokenWord, TokenString, TokenError:
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer splits scenario text into tokens. Square brackets are separators,
// so "[ a b ]" lists flatten into the enclosing statement.
type Lexer struct {
	src  string
	off  int
	line int
	col  int
}

// NewLexer returns a lexer positioned at the start of src.
func NewLexer(src string) *Lexer {
	return &Lexer{src: src, line: 1, col: 1}
}

func (l *Lexer) at(i int) byte {
	if l.off+i < len(l.src) {
		return l.src[l.off+i]
	}
	return 0
}

func (l *Lexer) bump() {
	if l.src[l.off] == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	l.off++
}

func (l *Lexer) token(typ TokenType, val string, line, col int) Token {
	return Token{Type: typ, Value: val, Line: line, Column: col}
}

// Next scans and returns the next token. After EOF it keeps returning EOF.
func (l *Lexer) Next() Token {
	if tok, ok := l.skip(); !ok {
		return tok
	}
	line, col := l.line, l.col
	if l.off >= len(l.src) {
		return l.token(TokenEOF, "", line, col)
	}

	ch := l.src[l.off]
	if typ, ok := punctuation[ch]; ok {
		l.bump()
		return l.token(typ, string(ch), line, col)
	}
	switch {
	case ch == '"':
		return l.quoted(line, col)
	case isWordByte(ch):
		start := l.off
		for l.off < len(l.src) && isWordByte(l.src[l.off]) {
			l.bump()
		}
		return l.token(TokenWord, l.src[start:l.off], line, col)
	}
	l.bump()
	return l.token(TokenError, fmt.Sprintf("unexpected character %q", ch), line, col)
}

// skip consumes blanks, brackets and comments. It returns an error token
// and false for an unterminated block comment.
func (l *Lexer) skip() (Token, bool) {
	for l.off < len(l.src) {
		switch ch := l.src[l.off]; {
		case ch == ' ', ch == '\t', ch == '\r', ch == '\n', ch == '[', ch == ']':
			l.bump()
		case ch == '#', ch == '/' && l.at(1) == '/':
			for l.off < len(l.src) && l.src[l.off] != '\n' {
				l.bump()
			}
		case ch == '/' && l.at(1) == '*':
			line, col := l.line, l.col
			end := strings.Index(l.src[l.off+2:], "*/")
			if end < 0 {
				for l.off < len(l.src) {
					l.bump()
				}
				return l.token(TokenError, "unterminated comment", line, col), false
			}
			for stop := l.off + 2 + end + 2; l.off < stop; {
				l.bump()
			}
		default:
			return Token{}, true
		}
	}
	return Token{}, true
}

// quoted scans a double-quoted string. \" \\ \n and \t are unescaped;
// other backslash pairs are kept as written.
func (l *Lexer) quoted(line, col int) Token {
	l.bump()
	var b strings.Builder
	for l.off < len(l.src) {
		ch := l.src[l.off]
		l.bump()
		switch {
		case ch == '"':
			return l.token(TokenString, b.String(), line, col)
		case ch == '\\' && l.off < len(l.src):
			esc := l.src[l.off]
			l.bump()
			switch esc {
			case '"', '\\':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return l.token(TokenError, "unterminated string", line, col)
}

// isWordByte reports whether ch may appear in an unquoted word. Words
// cover IPv6 prefixes (2001:db8::/64), MAC addresses, durations (1.5ms)
// and names (ge-0/0/0).
func isWordByte(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("-_./:*+", ch) >= 0
}
