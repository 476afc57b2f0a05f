package sqltext

import (
	"strings"
)

// Lexer tokenizes SQL input, recording the byte span of every token so
// callers can splice replacement text back into the original.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// readChar advances to the next character.
func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // ASCII NUL = EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// peekChar returns the next character without advancing.
func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	start := l.pos
	if l.pos >= len(l.input) {
		return Token{Type: TOKEN_EOF, Pos: len(l.input), End: len(l.input)}
	}

	switch l.ch {
	case '.':
		if isDigit(l.peekChar()) {
			return l.finish(TOKEN_NUMBER, start, l.readNumber())
		}
		return l.single(TOKEN_DOT)
	case ',':
		return l.single(TOKEN_COMMA)
	case ';':
		return l.single(TOKEN_SEMICOLON)
	case '(':
		return l.single(TOKEN_LPAREN)
	case ')':
		return l.single(TOKEN_RPAREN)
	case '[':
		return l.single(TOKEN_LBRACKET)
	case ']':
		return l.single(TOKEN_RBRACKET)
	case '\'':
		return l.finish(TOKEN_STRING, start, l.readString())
	case '"':
		tok := l.finish(TOKEN_IDENT, start, l.readQuotedIdentifier())
		tok.Quoted = true
		return tok
	case '$':
		if isDigit(l.peekChar()) {
			l.readChar()
			for isDigit(l.ch) {
				l.readChar()
			}
			return l.finish(TOKEN_PARAM, start, l.input[start:l.pos])
		}
		if body, ok := l.readDollarQuoted(); ok {
			return l.finish(TOKEN_STRING, start, body)
		}
		return l.single(TOKEN_ILLEGAL)
	}

	if isLetter(l.ch) || l.ch == '_' {
		lit := l.readIdentifier()
		return l.finish(LookupIdent(strings.ToLower(lit)), start, lit)
	}
	if isDigit(l.ch) {
		return l.finish(TOKEN_NUMBER, start, l.readNumber())
	}
	if isOperator(l.ch) {
		for isOperator(l.ch) {
			// "--" and "/*" open comments even when glued to an operator.
			if (l.ch == '-' && l.peekChar() == '-') || (l.ch == '/' && l.peekChar() == '*') {
				if l.pos > start {
					break
				}
			}
			l.readChar()
		}
		return l.finish(TOKEN_OP, start, l.input[start:l.pos])
	}
	return l.single(TOKEN_ILLEGAL)
}

func (l *Lexer) single(t TokenType) Token {
	tok := Token{Type: t, Literal: string(l.ch), Pos: l.pos, End: l.pos + 1}
	l.readChar()
	return tok
}

func (l *Lexer) finish(t TokenType, start int, lit string) Token {
	return Token{Type: t, Literal: lit, Pos: start, End: l.pos}
}

// skipWhitespaceAndComments skips whitespace and comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' || l.ch == '\f' {
			l.readChar()
		}

		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && l.pos < len(l.input) {
				l.readChar()
			}
			continue
		}

		if l.ch == '/' && l.peekChar() == '*' {
			l.skipBlockComment()
			continue
		}

		break
	}
}

// skipBlockComment skips a block comment. Postgres block comments nest.
func (l *Lexer) skipBlockComment() {
	depth := 0
	for l.pos < len(l.input) {
		switch {
		case l.ch == '/' && l.peekChar() == '*':
			depth++
			l.readChar()
		case l.ch == '*' && l.peekChar() == '/':
			depth--
			l.readChar()
			if depth == 0 {
				l.readChar()
				return
			}
		}
		l.readChar()
	}
}

// readString reads a single-quoted string literal.
// Handles doubled single quotes as escape: 'it''s' -> it's
func (l *Lexer) readString() string {
	l.readChar() // skip opening quote

	var result strings.Builder
	for l.pos < len(l.input) {
		if l.ch == '\'' {
			if l.peekChar() == '\'' {
				result.WriteByte('\'')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			break
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String()
}

// readQuotedIdentifier reads a double-quoted identifier.
// Handles doubled double quotes as escape: "col""name" -> col"name
func (l *Lexer) readQuotedIdentifier() string {
	l.readChar() // skip opening quote

	var result strings.Builder
	for l.pos < len(l.input) {
		if l.ch == '"' {
			if l.peekChar() == '"' {
				result.WriteByte('"')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			break
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return result.String()
}

// readDollarQuoted reads a $tag$...$tag$ string. It leaves the lexer
// untouched and returns false when the opening delimiter is malformed.
func (l *Lexer) readDollarQuoted() (string, bool) {
	rest := l.input[l.pos+1:]
	end := strings.IndexByte(rest, '$')
	if end < 0 {
		return "", false
	}
	tag := rest[:end]
	for i := 0; i < len(tag); i++ {
		if !isLetter(tag[i]) && !isDigit(tag[i]) && tag[i] != '_' {
			return "", false
		}
	}
	delim := "$" + tag + "$"
	bodyStart := l.pos + len(delim)
	closeAt := strings.Index(l.input[bodyStart:], delim)
	var body string
	var stop int
	if closeAt < 0 {
		body = l.input[bodyStart:]
		stop = len(l.input)
	} else {
		body = l.input[bodyStart : bodyStart+closeAt]
		stop = bodyStart + closeAt + len(delim)
	}
	for l.pos < stop {
		l.readChar()
	}
	return body, true
}

// readIdentifier reads an unquoted identifier.
func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readNumber reads a numeric literal (integer, decimal, or scientific).
func (l *Lexer) readNumber() string {
	start := l.pos

	for isDigit(l.ch) {
		l.readChar()
	}

	if l.ch == '.' && l.peekChar() != '.' {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}

	if (l.ch == 'e' || l.ch == 'E') && (isDigit(l.peekChar()) || l.peekChar() == '+' || l.peekChar() == '-') {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}

	return l.input[start:l.pos]
}

// isLetter returns true if ch is an ASCII letter or part of a multi-byte
// UTF-8 sequence.
func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

// isDigit returns true if ch is a digit.
func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isOperator(ch byte) bool {
	return strings.IndexByte("+-*/%<>=~!@#^&|`?:", ch) >= 0
}

// Tokenize returns all tokens from the input, ending with TOKEN_EOF.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TOKEN_EOF {
			break
		}
	}
	return tokens
}
