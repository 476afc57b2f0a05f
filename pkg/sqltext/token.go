package sqltext

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexical token.
type TokenType int

//nolint:revive // TOKEN_* names are intentionally ALL_CAPS for SQL token conventions
const (
	// TOKEN_EOF represents end of input.
	TOKEN_EOF TokenType = iota
	// TOKEN_ILLEGAL represents an illegal/unrecognized character.
	TOKEN_ILLEGAL

	TOKEN_IDENT  // orders, "Order Items"
	TOKEN_NUMBER // 123, 45.67, 1e10
	TOKEN_STRING // 'hello', $$body$$
	TOKEN_PARAM  // $1
	TOKEN_OP     // + - * / % || = <> < > <= >= :: ~ ! ^ & | # @ ?

	TOKEN_DOT       // .
	TOKEN_COMMA     // ,
	TOKEN_SEMICOLON // ;
	TOKEN_LPAREN    // (
	TOKEN_RPAREN    // )
	TOKEN_LBRACKET  // [
	TOKEN_RBRACKET  // ]

	// Keywords (alphabetical)
	TOKEN_AS
	TOKEN_CROSS
	TOKEN_EXCEPT
	TOKEN_FETCH
	TOKEN_FROM
	TOKEN_FULL
	TOKEN_GROUP
	TOKEN_HAVING
	TOKEN_INNER
	TOKEN_INTERSECT
	TOKEN_JOIN
	TOKEN_LATERAL
	TOKEN_LEFT
	TOKEN_LIMIT
	TOKEN_NATURAL
	TOKEN_OFFSET
	TOKEN_ON
	TOKEN_ORDER
	TOKEN_OUTER
	TOKEN_QUALIFY
	TOKEN_RETURNING
	TOKEN_RIGHT
	TOKEN_SELECT
	TOKEN_UNION
	TOKEN_USING
	TOKEN_WHERE
	TOKEN_WINDOW
	TOKEN_WITH
)

// Token represents a lexical token with its byte span in the input.
type Token struct {
	Type    TokenType
	Literal string // unquoted text for identifiers and strings
	Pos     int    // 0-based byte offset of the first byte
	End     int    // 0-based byte offset just past the last byte
	Quoted  bool   // identifier was written with double quotes
}

// IsWord reports whether the token is an identifier or a keyword.
// After a dot every word is a name, keyword or not.
func (t Token) IsWord() bool {
	return t.Type == TOKEN_IDENT || t.Type >= TOKEN_AS
}

// IsBare reports whether the token is the unquoted identifier word, in any
// case. Words such as DISTINCT that have no token type of their own are
// matched this way.
func (t Token) IsBare(word string) bool {
	return t.Type == TOKEN_IDENT && !t.Quoted && strings.EqualFold(t.Literal, word)
}

// String returns a human-readable representation of the token type.
func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TOKEN(%d)", t)
}

// tokenNames maps token types to their string representations.
var tokenNames = map[TokenType]string{
	TOKEN_EOF:     "EOF",
	TOKEN_ILLEGAL: "ILLEGAL",

	TOKEN_IDENT:  "IDENT",
	TOKEN_NUMBER: "NUMBER",
	TOKEN_STRING: "STRING",
	TOKEN_PARAM:  "PARAM",
	TOKEN_OP:     "OP",

	TOKEN_DOT:       ".",
	TOKEN_COMMA:     ",",
	TOKEN_SEMICOLON: ";",
	TOKEN_LPAREN:    "(",
	TOKEN_RPAREN:    ")",
	TOKEN_LBRACKET:  "[",
	TOKEN_RBRACKET:  "]",

	TOKEN_AS:        "AS",
	TOKEN_CROSS:     "CROSS",
	TOKEN_EXCEPT:    "EXCEPT",
	TOKEN_FETCH:     "FETCH",
	TOKEN_FROM:      "FROM",
	TOKEN_FULL:      "FULL",
	TOKEN_GROUP:     "GROUP",
	TOKEN_HAVING:    "HAVING",
	TOKEN_INNER:     "INNER",
	TOKEN_INTERSECT: "INTERSECT",
	TOKEN_JOIN:      "JOIN",
	TOKEN_LATERAL:   "LATERAL",
	TOKEN_LEFT:      "LEFT",
	TOKEN_LIMIT:     "LIMIT",
	TOKEN_NATURAL:   "NATURAL",
	TOKEN_OFFSET:    "OFFSET",
	TOKEN_ON:        "ON",
	TOKEN_ORDER:     "ORDER",
	TOKEN_OUTER:     "OUTER",
	TOKEN_QUALIFY:   "QUALIFY",
	TOKEN_RETURNING: "RETURNING",
	TOKEN_RIGHT:     "RIGHT",
	TOKEN_SELECT:    "SELECT",
	TOKEN_UNION:     "UNION",
	TOKEN_USING:     "USING",
	TOKEN_WHERE:     "WHERE",
	TOKEN_WINDOW:    "WINDOW",
	TOKEN_WITH:      "WITH",
}

// keywords maps lowercase keyword strings to their token types.
// Only words that delimit query clauses are keywords here; everything else
// lexes as an identifier.
var keywords = map[string]TokenType{
	"as":        TOKEN_AS,
	"cross":     TOKEN_CROSS,
	"except":    TOKEN_EXCEPT,
	"fetch":     TOKEN_FETCH,
	"from":      TOKEN_FROM,
	"full":      TOKEN_FULL,
	"group":     TOKEN_GROUP,
	"having":    TOKEN_HAVING,
	"inner":     TOKEN_INNER,
	"intersect": TOKEN_INTERSECT,
	"join":      TOKEN_JOIN,
	"lateral":   TOKEN_LATERAL,
	"left":      TOKEN_LEFT,
	"limit":     TOKEN_LIMIT,
	"natural":   TOKEN_NATURAL,
	"offset":    TOKEN_OFFSET,
	"on":        TOKEN_ON,
	"order":     TOKEN_ORDER,
	"outer":     TOKEN_OUTER,
	"qualify":   TOKEN_QUALIFY,
	"returning": TOKEN_RETURNING,
	"right":     TOKEN_RIGHT,
	"select":    TOKEN_SELECT,
	"union":     TOKEN_UNION,
	"using":     TOKEN_USING,
	"where":     TOKEN_WHERE,
	"window":    TOKEN_WINDOW,
	"with":      TOKEN_WITH,
}

// LookupIdent returns the token type for the given lowercase identifier.
// If the identifier is a keyword, the keyword token type is returned.
// Otherwise, TOKEN_IDENT is returned.
func LookupIdent(ident string) TokenType {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return TOKEN_IDENT
}

// IsClauseEnd reports whether a token terminates a FROM clause.
func IsClauseEnd(t TokenType) bool {
	switch t {
	case TOKEN_WHERE, TOKEN_GROUP, TOKEN_HAVING, TOKEN_ORDER, TOKEN_LIMIT, TOKEN_OFFSET,
		TOKEN_FETCH, TOKEN_UNION, TOKEN_EXCEPT, TOKEN_INTERSECT, TOKEN_WINDOW, TOKEN_QUALIFY,
		TOKEN_RETURNING, TOKEN_SEMICOLON:
		return true
	}
	return false
}

// IsJoinWord reports whether a keyword belongs to a join operator.
func IsJoinWord(t TokenType) bool {
	switch t {
	case TOKEN_JOIN, TOKEN_LEFT, TOKEN_RIGHT, TOKEN_FULL, TOKEN_INNER, TOKEN_CROSS,
		TOKEN_OUTER, TOKEN_NATURAL, TOKEN_LATERAL:
		return true
	}
	return false
}
