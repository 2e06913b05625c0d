package lua

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	glua "github.com/yuin/gopher-lua"
)

// decodeTimeout bounds the evaluation of one serialized payload.
const decodeTimeout = time.Second

// decode turns a value serialized by the debuggee (a Lua table constructor or
// a chunk returning one) back into a value. The chunk runs in a fresh state
// with only the math library, which serialized infinities refer to.
func decode(serialized string) (glua.LValue, error) {
	L := glua.NewState(glua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.Push(L.NewFunction(glua.OpenMath))
	L.Push(glua.LString(glua.MathLibName))
	L.Call(1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), decodeTimeout)
	defer cancel()
	L.SetContext(ctx)

	fn, err := L.LoadString("return " + serialized)
	if err != nil {
		if fn, err = L.LoadString(serialized); err != nil {
			return glua.LNil, errors.Wrap(err, "malformed serialized value")
		}
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return glua.LNil, errors.Wrap(err, "evaluating serialized value")
	}
	v := L.Get(-1)
	L.Pop(1)
	return v, nil
}

// Pretty renders Lua values for display. Output longer than MaxLength
// characters or MaxLines lines is cut and marked with "...".
type Pretty struct {
	MaxLength int
	MaxLines  int
}

func (p Pretty) Render(v glua.LValue) string {
	var b strings.Builder
	p.write(&b, v, 0, map[*glua.LTable]bool{})
	return p.cut(b.String())
}

func (p Pretty) cut(s string) string {
	if p.MaxLines > 0 {
		lines := strings.Split(s, "\n")
		if len(lines) > p.MaxLines {
			s = strings.Join(append(lines[:p.MaxLines], "..."), "\n")
		}
	}
	if p.MaxLength > 0 && len(s) > p.MaxLength {
		// never split a multibyte character
		n := p.MaxLength
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "..."
	}
	return s
}

func (p Pretty) write(b *strings.Builder, v glua.LValue, indent int, seen map[*glua.LTable]bool) {
	switch v := v.(type) {
	case glua.LString:
		b.WriteString(strconv.Quote(string(v)))
	case *glua.LTable:
		if seen[v] {
			b.WriteString("{...}")
			return
		}
		seen[v] = true
		p.table(b, v, indent, seen)
		delete(seen, v)
	default:
		b.WriteString(v.String())
	}
}

type entry struct {
	key   glua.LValue
	value glua.LValue
}

// entries returns the array part first, then the other keys sorted by their
// rendering.
func entries(t *glua.LTable) (array []glua.LValue, rest []entry) {
	n := t.Len()
	for i := 1; i <= n; i++ {
		array = append(array, t.RawGetInt(i))
	}
	t.ForEach(func(k, v glua.LValue) {
		if num, ok := k.(glua.LNumber); ok {
			if i := int(num); glua.LNumber(i) == num && i >= 1 && i <= n {
				return
			}
		}
		rest = append(rest, entry{k, v})
	})
	sort.Slice(rest, func(i, j int) bool {
		return keyString(rest[i].key) < keyString(rest[j].key)
	})
	return array, rest
}

func keyString(k glua.LValue) string {
	if s, ok := k.(glua.LString); ok && isIdentifier(string(s)) {
		return string(s)
	}
	if s, ok := k.(glua.LString); ok {
		return "[" + strconv.Quote(string(s)) + "]"
	}
	return "[" + k.String() + "]"
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// table writes flat tables that fit on one line inline and everything else
// one entry per line.
func (p Pretty) table(b *strings.Builder, t *glua.LTable, indent int, seen map[*glua.LTable]bool) {
	array, rest := entries(t)
	if len(array) == 0 && len(rest) == 0 {
		b.WriteString("{}")
		return
	}

	items := make([]string, 0, len(array)+len(rest))
	flat := true
	for _, v := range array {
		if v.Type() == glua.LTTable {
			flat = false
		}
		var ib strings.Builder
		p.write(&ib, v, indent+1, seen)
		items = append(items, ib.String())
	}
	for _, e := range rest {
		if e.value.Type() == glua.LTTable {
			flat = false
		}
		var ib strings.Builder
		p.write(&ib, e.value, indent+1, seen)
		items = append(items, keyString(e.key)+" = "+ib.String())
	}

	inline := "{" + strings.Join(items, ", ") + "}"
	if flat && (p.MaxLength == 0 || indent*2+len(inline) <= p.MaxLength) {
		b.WriteString(inline)
		return
	}
	pad := strings.Repeat("  ", indent+1)
	b.WriteString("{\n")
	for i, item := range items {
		b.WriteString(pad)
		b.WriteString(item)
		if i < len(items)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString("}")
}
