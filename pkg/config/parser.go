package config

import (
	"bufio"
	"fmt"
	"strings"
)

// ParseError is a syntax error with its position.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

// Parser builds a ConfigTree from hierarchical scenario text.
type Parser struct {
	lex    *Lexer
	tok    Token
	errors []error
}

// NewParser returns a parser for input.
func NewParser(input string) *Parser {
	p := &Parser{lex: NewLexer(input)}
	p.next()
	return p
}

func (p *Parser) next() {
	p.tok = p.lex.Next()
}

func (p *Parser) errorf(tok Token, format string, args ...any) {
	p.errors = append(p.errors, &ParseError{
		Line:   tok.Line,
		Column: tok.Column,
		Msg:    fmt.Sprintf(format, args...),
	})
}

// Parse consumes the whole input. Syntax errors are collected and parsing
// resumes at the next statement, so one call reports every error.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{Children: p.parseBlock(false)}
	return tree, p.errors
}

// parseBlock reads statements until EOF or, when nested, a closing brace.
func (p *Parser) parseBlock(nested bool) []*Node {
	var nodes []*Node
	for {
		switch p.tok.Type {
		case TokenEOF:
			if nested {
				p.errorf(p.tok, "unexpected EOF, missing '}'")
			}
			return nodes
		case TokenRBrace:
			if nested {
				p.next()
				return nodes
			}
			p.errorf(p.tok, "unexpected '}'")
			p.next()
		case TokenError:
			p.errorf(p.tok, "%s", p.tok.Value)
			p.next()
		case TokenWord, TokenString:
			if n := p.parseStatement(); n != nil {
				nodes = append(nodes, n)
			}
		default:
			p.errorf(p.tok, "unexpected %s", p.tok.Type)
			p.next()
		}
	}
}

func (p *Parser) parseStatement() *Node {
	n := &Node{Line: p.tok.Line, Column: p.tok.Column}
	for p.tok.Type == TokenWord || p.tok.Type == TokenString {
		n.Keys = append(n.Keys, p.tok.Value)
		p.next()
	}
	switch p.tok.Type {
	case TokenSemicolon:
		p.next()
		n.IsLeaf = true
		return n
	case TokenLBrace:
		p.next()
		n.Children = p.parseBlock(true)
		if n.Children == nil {
			n.Children = []*Node{}
		}
		return n
	default:
		p.errorf(p.tok, "expected ';' or '{' after %q, got %s", n.KeyPath(), p.tok.Type)
		p.recover()
		return nil
	}
}

// recover skips to just past the next ';' or to the next brace.
func (p *Parser) recover() {
	for {
		switch p.tok.Type {
		case TokenSemicolon:
			p.next()
			return
		case TokenEOF, TokenRBrace, TokenLBrace:
			return
		}
		p.next()
	}
}

// ParseSetCommand splits a "set ..." line into its path.
func ParseSetCommand(line string) ([]string, error) {
	lex := NewLexer(line)
	var words []string
	for {
		tok := lex.Next()
		if tok.Type == TokenEOF {
			break
		}
		switch tok.Type {
		case TokenWord, TokenString:
			words = append(words, tok.Value)
		case TokenError:
			return nil, fmt.Errorf("column %d: %s", tok.Column, tok.Value)
		default:
			return nil, fmt.Errorf("column %d: unexpected %s", tok.Column, tok.Type)
		}
	}
	if len(words) == 0 || words[0] != "set" {
		return nil, fmt.Errorf("not a set command: %q", line)
	}
	if len(words) < 2 {
		return nil, fmt.Errorf("set command has no path")
	}
	return words[1:], nil
}

// ParseSetConfig builds a tree from one "set" command per line. Blank
// lines and '#' comments are skipped.
func ParseSetConfig(input string) (*ConfigTree, []error) {
	tree := &ConfigTree{}
	var errs []error
	sc := bufio.NewScanner(strings.NewReader(input))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path, err := ParseSetCommand(line)
		if err == nil {
			err = tree.SetPath(path)
		}
		if err != nil {
			errs = append(errs, &ParseError{Line: lineNo, Column: 1, Msg: err.Error()})
		}
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return tree, errs
}

// ParseText parses input in either hierarchical or "set" form, chosen by
// its first statement.
func ParseText(input string) (*ConfigTree, []error) {
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if strings.HasPrefix(line, "set ") {
			return ParseSetConfig(input)
		}
		break
	}
	return NewParser(input).Parse()
}
