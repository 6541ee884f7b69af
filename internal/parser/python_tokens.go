package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind classifies Python tokens.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokName
	TokNumber
	TokString
	TokOp
	TokNewline
	TokIndent
	TokDedent
)

func (k TokenKind) String() string {
	switch k {
	case TokEOF:
		return "EOF"
	case TokName:
		return "NAME"
	case TokNumber:
		return "NUMBER"
	case TokString:
		return "STRING"
	case TokOp:
		return "OP"
	case TokNewline:
		return "NEWLINE"
	case TokIndent:
		return "INDENT"
	case TokDedent:
		return "DEDENT"
	}
	return "UNKNOWN"
}

// Token is one lexical token. For strings, Value holds the decoded text.
type Token struct {
	Kind  TokenKind
	Text  string
	Value string
	Line  int
	// Format marks f-strings, whose value is not a constant.
	Format bool
	Bytes  bool
}

func (t Token) is(kind TokenKind, text string) bool {
	return t.Kind == kind && t.Text == text
}

// SyntaxError reports source the tokenizer cannot handle.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

var threeCharOps = []string{"**=", "//=", ">>=", "<<=", "..."}

var twoCharOps = []string{
	"->", ":=", "==", "!=", "<=", ">=", "**", "//", "<<", ">>",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
}

const oneCharOps = "()[]{},:;.@=+-*/%&|^~<>!"

type lexer struct {
	src    string
	pos    int
	line   int
	depth  int
	indent []int
	toks   []Token
}

// Tokenize splits Python source into tokens, synthesizing NEWLINE, INDENT
// and DEDENT the way the Python tokenizer does. Comments are dropped.
func Tokenize(src string) ([]Token, error) {
	lx := &lexer{src: strings.TrimPrefix(src, "\ufeff"), line: 1, indent: []int{0}}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) emit(kind TokenKind, text string) {
	lx.toks = append(lx.toks, Token{Kind: kind, Text: text, Line: lx.line})
}

func (lx *lexer) lastKind() TokenKind {
	if len(lx.toks) == 0 {
		return TokNewline
	}
	return lx.toks[len(lx.toks)-1].Kind
}

func (lx *lexer) run() error {
	atLineStart := true
	for {
		if atLineStart && lx.depth == 0 {
			if err := lx.indentation(); err != nil {
				return err
			}
			atLineStart = false
		}
		if lx.pos >= len(lx.src) {
			break
		}

		c := lx.src[lx.pos]
		switch {
		case c == '\n':
			lx.pos++
			if lx.depth == 0 {
				if k := lx.lastKind(); k != TokNewline && k != TokIndent && k != TokDedent {
					lx.emit(TokNewline, "")
				}
				atLineStart = true
			}
			lx.line++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			lx.pos++
		case c == '#':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		case c == '\\':
			// Explicit line joining
			if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
				lx.pos += 2
				lx.line++
				continue
			}
			if lx.pos+2 < len(lx.src) && lx.src[lx.pos+1] == '\r' && lx.src[lx.pos+2] == '\n' {
				lx.pos += 3
				lx.line++
				continue
			}
			return &SyntaxError{Line: lx.line, Msg: "unexpected backslash"}
		case c == '"' || c == '\'':
			if err := lx.str(""); err != nil {
				return err
			}
		case isDigit(c) || (c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])):
			lx.number()
		case isNameStart(lx.src[lx.pos:]):
			name := lx.name()
			if lx.pos < len(lx.src) && (lx.src[lx.pos] == '"' || lx.src[lx.pos] == '\'') && isStringPrefix(name) {
				if err := lx.str(name); err != nil {
					return err
				}
				continue
			}
			lx.emit(TokName, name)
		default:
			if err := lx.op(); err != nil {
				return err
			}
		}
	}

	if k := lx.lastKind(); k != TokNewline && k != TokIndent && k != TokDedent {
		lx.emit(TokNewline, "")
	}
	for len(lx.indent) > 1 {
		lx.indent = lx.indent[:len(lx.indent)-1]
		lx.emit(TokDedent, "")
	}
	lx.emit(TokEOF, "")
	return nil
}

// indentation measures the next non-blank line and emits INDENT/DEDENT.
func (lx *lexer) indentation() error {
	for {
		col := 0
		p := lx.pos
	measure:
		for p < len(lx.src) {
			switch lx.src[p] {
			case ' ':
				col++
			case '\t':
				col = (col/8 + 1) * 8
			case '\f':
				col = 0
			default:
				break measure
			}
			p++
		}
		if p >= len(lx.src) {
			lx.pos = p
			return nil
		}
		switch lx.src[p] {
		case '\n', '#', '\r':
			// Blank or comment-only line
			for p < len(lx.src) && lx.src[p] != '\n' {
				p++
			}
			if p < len(lx.src) {
				p++
				lx.line++
			}
			lx.pos = p
			continue
		}
		lx.pos = p

		top := lx.indent[len(lx.indent)-1]
		switch {
		case col > top:
			lx.indent = append(lx.indent, col)
			lx.emit(TokIndent, "")
		case col < top:
			for col < lx.indent[len(lx.indent)-1] {
				lx.indent = lx.indent[:len(lx.indent)-1]
				lx.emit(TokDedent, "")
			}
			if col != lx.indent[len(lx.indent)-1] {
				return &SyntaxError{Line: lx.line, Msg: "unindent does not match any outer indentation level"}
			}
		}
		return nil
	}
}

func (lx *lexer) name() string {
	start := lx.pos
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		lx.pos += size
	}
	return lx.src[start:lx.pos]
}

func (lx *lexer) number() {
	start := lx.pos
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if isDigit(c) || c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			lx.pos++
			continue
		}
		// Exponent sign
		if (c == '+' || c == '-') && lx.pos > start {
			prev := lx.src[lx.pos-1]
			lit := strings.ToLower(lx.src[start:lx.pos])
			if (prev == 'e' || prev == 'E') && !strings.HasPrefix(lit, "0x") {
				lx.pos++
				continue
			}
		}
		break
	}
	lx.emit(TokNumber, lx.src[start:lx.pos])
}

func (lx *lexer) op() error {
	rest := lx.src[lx.pos:]
	for _, group := range [][]string{threeCharOps, twoCharOps} {
		for _, op := range group {
			if strings.HasPrefix(rest, op) {
				lx.pos += len(op)
				lx.emit(TokOp, op)
				return nil
			}
		}
	}

	c := lx.src[lx.pos]
	if strings.IndexByte(oneCharOps, c) < 0 {
		return &SyntaxError{Line: lx.line, Msg: fmt.Sprintf("unexpected character %q", c)}
	}
	switch c {
	case '(', '[', '{':
		lx.depth++
	case ')', ']', '}':
		if lx.depth > 0 {
			lx.depth--
		}
	}
	lx.pos++
	lx.emit(TokOp, string(c))
	return nil
}

func (lx *lexer) str(prefix string) error {
	startLine := lx.line
	start := lx.pos - len(prefix)
	quote := lx.src[lx.pos]
	triple := strings.HasPrefix(lx.src[lx.pos:], strings.Repeat(string(quote), 3))
	delim := string(quote)
	if triple {
		delim = strings.Repeat(string(quote), 3)
	}
	lx.pos += len(delim)

	bodyStart := lx.pos
	for {
		if lx.pos >= len(lx.src) {
			return &SyntaxError{Line: startLine, Msg: "unterminated string literal"}
		}
		c := lx.src[lx.pos]
		if c == '\\' {
			if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
				lx.line++
			}
			lx.pos += 2
			continue
		}
		if c == '\n' {
			if !triple {
				return &SyntaxError{Line: startLine, Msg: "unterminated string literal"}
			}
			lx.line++
		}
		if strings.HasPrefix(lx.src[lx.pos:], delim) {
			break
		}
		lx.pos++
	}
	body := lx.src[bodyStart:lx.pos]
	lx.pos += len(delim)

	lower := strings.ToLower(prefix)
	raw := strings.Contains(lower, "r")
	value := body
	if !raw {
		value = unescape(body)
	}
	lx.toks = append(lx.toks, Token{
		Kind:   TokString,
		Text:   lx.src[start:lx.pos],
		Value:  value,
		Line:   startLine,
		Format: strings.Contains(lower, "f"),
		Bytes:  strings.Contains(lower, "b"),
	})
	return nil
}

func unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case 'x', 'u', 'U':
			width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[e]
			if i+width < len(s) {
				if n, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32); err == nil {
					b.WriteRune(rune(n))
					i += width
					continue
				}
			}
			b.WriteByte('\\')
			b.WriteByte(e)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			n, _ := strconv.ParseUint(s[i:j], 8, 32)
			b.WriteRune(rune(n))
			i = j - 1
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNameStart(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == '_' || unicode.IsLetter(r)
}

func isStringPrefix(name string) bool {
	switch strings.ToLower(name) {
	case "r", "u", "b", "f", "br", "rb", "fr", "rf":
		return true
	}
	return false
}
