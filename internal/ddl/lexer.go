package ddl

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind classifies a token.
type Kind int

const (
	EOF Kind = iota
	Ident
	QuotedIdent
	String
	DollarString
	Number
	Punct
	Operator
)

func (k Kind) String() string {
	switch k {
	case EOF:
		return "end of statement"
	case Ident:
		return "identifier"
	case QuotedIdent:
		return "quoted identifier"
	case String:
		return "string"
	case DollarString:
		return "dollar-quoted string"
	case Number:
		return "number"
	case Punct:
		return "punctuation"
	default:
		return "operator"
	}
}

// Token is one lexical unit. Value is lower-cased for Ident and unescaped
// for String, QuotedIdent and DollarString. Pos and End are byte offsets
// into the source, so callers can recover verbatim text.
type Token struct {
	Kind  Kind
	Value string
	Pos   int
	End   int
	Line  int
}

// Is reports whether t is the unquoted keyword kw (lower case).
func (t Token) Is(kw string) bool {
	return t.Kind == Ident && t.Value == kw
}

// IsPunct reports whether t is the punctuation p.
func (t Token) IsPunct(p string) bool {
	return t.Kind == Punct && t.Value == p
}

// LexError reports an unterminated literal or comment.
type LexError struct {
	Line int
	Msg  string
}

func (e *LexError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Tokenize splits src into tokens, dropping whitespace and comments. On a
// LexError the tokens read before the failure are returned with it.
func Tokenize(src string) ([]Token, error) {
	l := &lexer{src: src, line: 1}
	for {
		tok, err := l.next()
		if err != nil {
			return l.tokens, err
		}
		if tok.Kind == EOF {
			return l.tokens, nil
		}
		l.tokens = append(l.tokens, tok)
	}
}

type lexer struct {
	src    string
	pos    int
	line   int
	tokens []Token
}

func (l *lexer) peekAt(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) next() (Token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return Token{}, err
	}
	if l.pos >= len(l.src) {
		return Token{Kind: EOF, Pos: l.pos, End: l.pos, Line: l.line}, nil
	}

	start, line := l.pos, l.line
	tok := func(kind Kind, value string) Token {
		return Token{Kind: kind, Value: value, Pos: start, End: l.pos, Line: line}
	}

	c := l.src[l.pos]
	switch {
	case c == '\'':
		v, err := l.quoted('\'', false)
		return tok(String, v), err
	case (c == 'e' || c == 'E') && l.peekAt(1) == '\'':
		l.pos++
		v, err := l.quoted('\'', true)
		return tok(String, v), err
	case c == '"':
		v, err := l.quoted('"', false)
		return tok(QuotedIdent, v), err
	case c == '$':
		if tag, ok := l.dollarTag(); ok {
			v, err := l.dollarBody(tag)
			return tok(DollarString, v), err
		}
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		return tok(Operator, l.src[start:l.pos]), nil
	case isDigit(c) || (c == '.' && isDigit(l.peekAt(1))):
		l.number()
		return tok(Number, l.src[start:l.pos]), nil
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return tok(Ident, strings.ToLower(l.src[start:l.pos])), nil
	case strings.IndexByte("(),;[].", c) >= 0:
		l.pos++
		return tok(Punct, string(c)), nil
	case c == ':' && l.peekAt(1) == ':':
		l.pos += 2
		return tok(Operator, "::"), nil
	default:
		l.pos++
		for l.pos < len(l.src) && isOpChar(l.src[l.pos]) && !l.atCommentStart() {
			l.pos++
		}
		return tok(Operator, l.src[start:l.pos]), nil
	}
}

func (l *lexer) atCommentStart() bool {
	c, n := l.peekAt(0), l.peekAt(1)
	return (c == '-' && n == '-') || (c == '/' && n == '*')
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			l.pos++
		case c == '-' && l.peekAt(1) == '-':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '/' && l.peekAt(1) == '*':
			startLine := l.line
			l.pos += 2
			depth := 1
			for depth > 0 {
				if l.pos >= len(l.src) {
					return &LexError{Line: startLine, Msg: "unterminated block comment"}
				}
				switch {
				case l.src[l.pos] == '/' && l.peekAt(1) == '*':
					depth++
					l.pos += 2
				case l.src[l.pos] == '*' && l.peekAt(1) == '/':
					depth--
					l.pos += 2
				default:
					if l.src[l.pos] == '\n' {
						l.line++
					}
					l.pos++
				}
			}
		default:
			return nil
		}
	}
	return nil
}

// quoted reads a literal delimited by q with doubled-quote escaping. When
// backslash is set, C-style escapes are honored as in E'...' strings.
func (l *lexer) quoted(q byte, backslash bool) (string, error) {
	startLine := l.line
	l.pos++
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return b.String(), &LexError{Line: startLine, Msg: fmt.Sprintf("unterminated %c-quoted literal", q)}
		}
		c := l.src[l.pos]
		switch {
		case c == q && l.peekAt(1) == q:
			b.WriteByte(q)
			l.pos += 2
		case c == q:
			l.pos++
			return b.String(), nil
		case backslash && c == '\\' && l.pos+1 < len(l.src):
			b.WriteByte(unescape(l.src[l.pos+1]))
			l.pos += 2
		default:
			if c == '\n' {
				l.line++
			}
			b.WriteByte(c)
			l.pos++
		}
	}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

// dollarTag matches $tag$ at the current position without consuming it.
func (l *lexer) dollarTag() (string, bool) {
	i := l.pos + 1
	if i < len(l.src) && isDigit(l.src[i]) {
		return "", false
	}
	for i < len(l.src) {
		c := l.src[i]
		if c == '$' {
			return l.src[l.pos : i+1], true
		}
		if !isIdentPart(c) || c == '$' {
			return "", false
		}
		i++
	}
	return "", false
}

func (l *lexer) dollarBody(tag string) (string, error) {
	startLine := l.line
	l.pos += len(tag)
	end := strings.Index(l.src[l.pos:], tag)
	if end < 0 {
		l.line += strings.Count(l.src[l.pos:], "\n")
		l.pos = len(l.src)
		return "", &LexError{Line: startLine, Msg: "unterminated dollar-quoted string " + tag}
	}
	body := l.src[l.pos : l.pos+end]
	l.line += strings.Count(body, "\n")
	l.pos += end + len(tag)
	return body, nil
}

func (l *lexer) number() {
	for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		l.pos++
	}
	if c := l.peekAt(0); c == 'e' || c == 'E' {
		n := l.peekAt(1)
		if isDigit(n) || ((n == '+' || n == '-') && isDigit(l.peekAt(2))) {
			l.pos += 2
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= utf8.RuneSelf
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}

func isOpChar(c byte) bool {
	return strings.IndexByte("+-*/<>=~!@#%^&|`?:", c) >= 0
}
