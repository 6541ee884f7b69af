package parser

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Decorator is a decorator expression such as @server.list_tools().
type Decorator struct {
	// Text is the expression with whitespace removed.
	Text string
	// Name is the last dotted component, "list_tools" above.
	Name string
	// Call reports whether the decorator is invoked with parentheses.
	Call bool
}

// Function is a def or async def with its decorators and body tokens.
type Function struct {
	Name       string
	Async      bool
	Line       int
	Decorators []Decorator
	Body       []Token
}

// HasDecorator reports whether any decorator's last component is name.
func (f *Function) HasDecorator(name string) bool {
	for _, d := range f.Decorators {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Functions returns every function definition in source order, including
// methods and nested functions.
func Functions(toks []Token) []*Function {
	var out []*Function
	var pending []Decorator

	for i := 0; i < len(toks); i++ {
		if !atLineStart(toks, i) {
			continue
		}
		tok := toks[i]

		switch {
		case tok.is(TokOp, "@"):
			end := nextKind(toks, i, TokNewline)
			pending = append(pending, parseDecorator(toks[i+1:end]))
			i = end
		case tok.is(TokName, "def"), tok.is(TokName, "async") && i+1 < len(toks) && toks[i+1].is(TokName, "def"):
			fn, ok := parseFunction(toks, i)
			if ok {
				fn.Decorators = pending
				out = append(out, fn)
			}
			pending = nil
		case tok.Kind == TokIndent || tok.Kind == TokDedent || tok.Kind == TokNewline:
		default:
			pending = nil
		}
	}
	return out
}

func atLineStart(toks []Token, i int) bool {
	if i == 0 {
		return true
	}
	switch toks[i-1].Kind {
	case TokNewline, TokIndent, TokDedent:
		return true
	}
	return false
}

func nextKind(toks []Token, i int, kind TokenKind) int {
	for ; i < len(toks); i++ {
		if toks[i].Kind == kind || toks[i].Kind == TokEOF {
			return i
		}
	}
	return len(toks) - 1
}

func parseDecorator(toks []Token) Decorator {
	var text strings.Builder
	var d Decorator
	for i, t := range toks {
		text.WriteString(t.Text)
		if t.Kind == TokName && !d.Call {
			d.Name = t.Text
		}
		if t.is(TokOp, "(") && i > 0 {
			d.Call = true
		}
	}
	d.Text = text.String()
	return d
}

func parseFunction(toks []Token, i int) (*Function, bool) {
	fn := &Function{Line: toks[i].Line}
	if toks[i].Text == "async" {
		fn.Async = true
		i++
	}
	i++ // def
	if i >= len(toks) || toks[i].Kind != TokName {
		return nil, false
	}
	fn.Name = toks[i].Text
	i++

	i = signatureEnd(toks, i)
	if i < 0 {
		return nil, false
	}
	i++
	if i < len(toks) && toks[i].Kind == TokNewline && i+1 < len(toks) && toks[i+1].Kind == TokIndent {
		start := i + 2
		level := 1
		for j := start; j < len(toks); j++ {
			switch toks[j].Kind {
			case TokIndent:
				level++
			case TokDedent:
				level--
				if level == 0 {
					fn.Body = toks[start:j]
					return fn, true
				}
			case TokEOF:
				fn.Body = toks[start:j]
				return fn, true
			}
		}
		return nil, false
	}

	// Single-line body
	end := nextKind(toks, i, TokNewline)
	fn.Body = toks[i:end]
	return fn, true
}

// signatureEnd returns the index of the ':' closing a def signature, or -1.
func signatureEnd(toks []Token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		t := toks[i]
		if t.Kind == TokEOF || (t.Kind == TokNewline && depth == 0) {
			return -1
		}
		if t.Kind != TokOp {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ":":
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// FirstReturnList finds the first `return [...]` in the body and
// evaluates the list literal.
func (f *Function) FirstReturnList() ([]any, bool) {
	for i := 0; i+1 < len(f.Body); i++ {
		if f.Body[i].is(TokName, "return") && f.Body[i+1].is(TokOp, "[") {
			v, _, err := ParseValue(f.Body, i+1)
			if err != nil {
				return nil, false
			}
			list, ok := v.([]any)
			return list, ok
		}
	}
	return nil, false
}

// Call is a constructor or function call expression.
type Call struct {
	Func   string
	Args   []any
	Kwargs map[string]any
}

// Ref is a bare or dotted name that is not a literal.
type Ref struct {
	Name string
}

// Unknown is an expression that is not a literal, kept as source text.
type Unknown struct {
	Text string
}

// ParseValue evaluates the literal expression starting at toks[i] and
// returns the index of the first token after it. Strings (with implicit
// concatenation), numbers, True/False/None, lists, tuples, dicts and sets
// are evaluated; calls become *Call, names Ref, anything else Unknown.
func ParseValue(toks []Token, i int) (any, int, error) {
	p := &valueParser{toks: toks}
	v, next, err := p.expr(i)
	return v, next, err
}

type valueParser struct {
	toks []Token
}

func (p *valueParser) at(i int) Token {
	if i >= len(p.toks) {
		return Token{Kind: TokEOF}
	}
	return p.toks[i]
}

// isDelim reports whether t ends an expression at bracket depth 0.
func isDelim(t Token) bool {
	switch t.Kind {
	case TokEOF, TokNewline, TokIndent, TokDedent:
		return true
	case TokOp:
		switch t.Text {
		case ",", ")", "]", "}", ":", "=":
			return true
		}
	}
	return false
}

func (p *valueParser) expr(i int) (any, int, error) {
	start := i
	v, next, err := p.primary(i)
	if err != nil {
		return nil, next, err
	}
	if isDelim(p.at(next)) {
		return v, next, nil
	}
	// Something more than a literal; keep it as text
	end, err := p.skip(next)
	if err != nil {
		return nil, end, err
	}
	return Unknown{Text: p.text(start, end)}, end, nil
}

// skip advances to the next delimiter outside brackets.
func (p *valueParser) skip(i int) (int, error) {
	depth := 0
	for ; i < len(p.toks); i++ {
		t := p.toks[i]
		if t.Kind == TokEOF {
			if depth > 0 {
				return i, fmt.Errorf("line %d: unbalanced brackets", t.Line)
			}
			return i, nil
		}
		if depth == 0 && isDelim(t) {
			return i, nil
		}
		if t.Kind == TokOp {
			switch t.Text {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				depth--
			}
		}
	}
	return i, nil
}

func (p *valueParser) text(start, end int) string {
	var parts []string
	for _, t := range p.toks[start:end] {
		if t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, " ")
}

func (p *valueParser) primary(i int) (any, int, error) {
	t := p.at(i)
	switch t.Kind {
	case TokString:
		return p.stringLit(i)
	case TokNumber:
		return parseNumber(t.Text), i + 1, nil
	case TokName:
		switch t.Text {
		case "True":
			return true, i + 1, nil
		case "False":
			return false, i + 1, nil
		case "None":
			return nil, i + 1, nil
		}
		return p.nameOrCall(i)
	case TokOp:
		switch t.Text {
		case "[":
			items, next, err := p.sequence(i+1, "]")
			return items, next, err
		case "(":
			return p.paren(i)
		case "{":
			return p.dict(i)
		case "-", "+":
			if n := p.at(i + 1); n.Kind == TokNumber {
				v := parseNumber(n.Text)
				if t.Text == "-" {
					switch x := v.(type) {
					case int64:
						v = -x
					case float64:
						v = -x
					}
				}
				return v, i + 2, nil
			}
		}
	case TokEOF:
		return nil, i, fmt.Errorf("unexpected end of input")
	}

	end, err := p.skip(i + 1)
	return Unknown{Text: p.text(i, end)}, end, err
}

func (p *valueParser) stringLit(i int) (any, int, error) {
	var b strings.Builder
	constant := true
	start := i
	for p.at(i).Kind == TokString {
		t := p.at(i)
		if t.Format {
			constant = false
		}
		b.WriteString(t.Value)
		i++
	}
	if !constant {
		return Unknown{Text: p.text(start, i)}, i, nil
	}
	return b.String(), i, nil
}

func (p *valueParser) nameOrCall(i int) (any, int, error) {
	var name strings.Builder
	name.WriteString(p.at(i).Text)
	i++
	for p.at(i).is(TokOp, ".") && p.at(i+1).Kind == TokName {
		name.WriteString(".")
		name.WriteString(p.at(i + 1).Text)
		i += 2
	}
	if !p.at(i).is(TokOp, "(") {
		return Ref{Name: name.String()}, i, nil
	}

	call := &Call{Func: name.String(), Kwargs: map[string]any{}}
	i++
	for {
		t := p.at(i)
		if t.is(TokOp, ")") {
			return call, i + 1, nil
		}
		if t.Kind == TokEOF {
			return nil, i, fmt.Errorf("line %d: unterminated call to %s", t.Line, call.Func)
		}

		switch {
		case t.Kind == TokName && p.at(i+1).is(TokOp, "="):
			v, next, err := p.expr(i + 2)
			if err != nil {
				return nil, next, err
			}
			call.Kwargs[t.Text] = v
			i = next
		case t.is(TokOp, "*") || t.is(TokOp, "**"):
			next, err := p.skip(i + 1)
			if err != nil {
				return nil, next, err
			}
			call.Args = append(call.Args, Unknown{Text: p.text(i, next)})
			i = next
		default:
			v, next, err := p.expr(i)
			if err != nil {
				return nil, next, err
			}
			call.Args = append(call.Args, v)
			i = next
		}

		switch {
		case p.at(i).is(TokOp, ","):
			i++
		case p.at(i).is(TokOp, ")"):
		default:
			// e.g. a generator expression argument
			next, err := p.skipTo(i, ")")
			if err != nil {
				return nil, next, err
			}
			i = next
		}
	}
}

// skipTo advances to the closing token at depth 0.
func (p *valueParser) skipTo(i int, closing string) (int, error) {
	depth := 0
	for ; i < len(p.toks); i++ {
		t := p.toks[i]
		if t.Kind == TokEOF {
			return i, fmt.Errorf("line %d: expected %q", t.Line, closing)
		}
		if t.Kind != TokOp {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			if depth == 0 {
				if t.Text == closing {
					return i, nil
				}
				return i, fmt.Errorf("line %d: mismatched %q", t.Line, t.Text)
			}
			depth--
		}
	}
	return i, fmt.Errorf("expected %q", closing)
}

// sequence parses comma separated values up to closing.
func (p *valueParser) sequence(i int, closing string) ([]any, int, error) {
	items := []any{}
	for {
		t := p.at(i)
		if t.is(TokOp, closing) {
			return items, i + 1, nil
		}
		if t.Kind == TokEOF {
			return nil, i, fmt.Errorf("expected %q", closing)
		}
		if t.is(TokOp, "*") {
			next, err := p.skip(i + 1)
			if err != nil {
				return nil, next, err
			}
			items = append(items, Unknown{Text: p.text(i, next)})
			i = next
		} else {
			v, next, err := p.expr(i)
			if err != nil {
				return nil, next, err
			}
			items = append(items, v)
			i = next
		}

		switch {
		case p.at(i).is(TokOp, ","):
			i++
		case p.at(i).is(TokOp, closing):
		default:
			// Comprehension or other construct
			next, err := p.skipTo(i, closing)
			if err != nil {
				return nil, next, err
			}
			i = next
		}
	}
}

func (p *valueParser) paren(i int) (any, int, error) {
	// Empty tuple
	if p.at(i + 1).is(TokOp, ")") {
		return []any{}, i + 2, nil
	}
	v, next, err := p.expr(i + 1)
	if err != nil {
		return nil, next, err
	}
	if p.at(next).is(TokOp, ")") {
		// Parenthesized expression, e.g. implicit string concatenation
		return v, next + 1, nil
	}
	// Tuple: reparse as a sequence
	return p.sequence(i+1, ")")
}

func (p *valueParser) dict(i int) (any, int, error) {
	i++
	if p.at(i).is(TokOp, "}") {
		return map[string]any{}, i + 1, nil
	}

	// A set literal has no ':' after its first element
	if !p.at(i).is(TokOp, "**") {
		_, next, err := p.expr(i)
		if err != nil {
			return nil, next, err
		}
		if !p.at(next).is(TokOp, ":") {
			return p.sequence(i, "}")
		}
	}

	out := map[string]any{}
	for {
		t := p.at(i)
		switch {
		case t.is(TokOp, "}"):
			return out, i + 1, nil
		case t.Kind == TokEOF:
			return nil, i, fmt.Errorf("expected '}'")
		case t.is(TokOp, "**"):
			next, err := p.skip(i + 1)
			if err != nil {
				return nil, next, err
			}
			i = next
		default:
			key, next, err := p.expr(i)
			if err != nil {
				return nil, next, err
			}
			if !p.at(next).is(TokOp, ":") {
				// Dict comprehension or something we cannot read
				end, err := p.skipTo(next, "}")
				return out, end + 1, err
			}
			v, next, err := p.expr(next + 1)
			if err != nil {
				return nil, next, err
			}
			out[keyString(key)] = v
			i = next
		}

		switch {
		case p.at(i).is(TokOp, ","):
			i++
		case p.at(i).is(TokOp, "}"):
		default:
			end, err := p.skipTo(i, "}")
			return out, end + 1, err
		}
	}
}

func keyString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case Ref:
		return v.Name
	case Unknown:
		return v.Text
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	}
	return fmt.Sprint(k)
}

func parseNumber(text string) any {
	clean := strings.ReplaceAll(text, "_", "")
	lower := strings.ToLower(clean)
	if strings.HasSuffix(lower, "j") {
		return Unknown{Text: text}
	}
	if strings.HasPrefix(lower, "0x") || strings.HasPrefix(lower, "0o") || strings.HasPrefix(lower, "0b") {
		if n, err := strconv.ParseInt(lower, 0, 64); err == nil {
			return n
		}
		return Unknown{Text: text}
	}
	if !strings.ContainsAny(lower, ".e") {
		if n, err := strconv.ParseInt(clean, 10, 64); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(clean, 64); err == nil {
		return f
	}
	return Unknown{Text: text}
}

// ToJSON converts a parsed value to something encoding/json can marshal.
// Calls, names and other non-literals become their source text.
func ToJSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = ToJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = ToJSON(val)
		}
		return out
	case *Call:
		return x.String()
	case Ref:
		return x.Name
	case Unknown:
		return x.Text
	}
	return v
}

func (c *Call) String() string {
	var args []string
	for _, a := range c.Args {
		args = append(args, fmt.Sprint(ToJSON(a)))
	}
	keys := make([]string, 0, len(c.Kwargs))
	for k := range c.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+fmt.Sprint(ToJSON(c.Kwargs[k])))
	}
	return c.Func + "(" + strings.Join(args, ", ") + ")"
}
