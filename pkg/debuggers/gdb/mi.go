package gdb

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Sentinel is the line gdb prints after each command completes.
const Sentinel = "(gdb)"

// isRecord reports whether line is an MI record rather than raw debuggee
// output.
func isRecord(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case '^', '*', '+', '=', '~', '@', '&':
		return true
	}
	return false
}

// resultClass returns the class of the result record in out ("done",
// "running", "error", "exit", ...), or "" if there is none.
func resultClass(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "^") {
			class := line[1:]
			if i := strings.IndexByte(class, ','); i >= 0 {
				class = class[:i]
			}
			return class
		}
	}
	return ""
}

var (
	fieldLock    sync.Mutex
	fieldRegexps = map[string]*regexp.Regexp{}
)

func fieldRegexp(key string) *regexp.Regexp {
	fieldLock.Lock()
	defer fieldLock.Unlock()
	re, ok := fieldRegexps[key]
	if !ok {
		re = regexp.MustCompile(`(?:^|[,{\[\n])` + regexp.QuoteMeta(key) + `="((?:[^"\\]|\\.)*)"`)
		fieldRegexps[key] = re
	}
	return re
}

// field extracts the first key="value" pair of out, unescaped.
func field(out, key string) (string, bool) {
	m := fieldRegexp(key).FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return unescape(m[1]), true
}

func intField(out, key string) int {
	v, ok := field(out, key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// groups returns the top level {...} tuples inside the list that follows
// key=[ in out.
func groups(out, key string) []string {
	start := strings.Index(out, key+"=[")
	if start < 0 {
		return nil
	}
	var result []string
	depth := 0
	open := -1
	inString := false
	for i := start + len(key) + 2; i < len(out); i++ {
		c := out[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				open = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && open >= 0 {
				result = append(result, out[open:i+1])
				open = -1
			}
		case ']':
			if depth == 0 {
				return result
			}
		}
	}
	return result
}

// streams returns the unescaped contents of every stream record of the given
// kind ('~' console, '@' target, '&' log).
func streams(out string, kind byte) string {
	var b strings.Builder
	for _, line := range strings.Split(out, "\n") {
		if len(line) >= 2 && line[0] == kind && line[1] == '"' {
			b.WriteString(unescape(strings.TrimSuffix(line[2:], `"`)))
		}
	}
	return b.String()
}

// unescape decodes an MI c-string body.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'e':
			b.WriteByte(0x1b)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// quote makes s a single MI argument.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"\\") {
		return s
	}
	return strconv.Quote(s)
}
