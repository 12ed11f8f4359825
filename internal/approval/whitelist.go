package approval

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// shellMeta are characters that chain, redirect, or substitute. A
// command containing any of them is never read-only.
const shellMeta = ";&|<>`$()\n"

// Whitelist recognises commands that may run without confirmation.
type Whitelist struct {
	readOnly map[string]bool
	patterns []globPattern
}

type globPattern struct {
	glob string
	re   *regexp.Regexp
}

// NewWhitelist compiles the read-only verbs and glob patterns. A nil
// readOnly uses [DefaultReadOnlyCommands].
func NewWhitelist(readOnly, patterns []string) *Whitelist {
	if readOnly == nil {
		readOnly = DefaultReadOnlyCommands
	}
	w := &Whitelist{readOnly: make(map[string]bool, len(readOnly))}
	for _, v := range readOnly {
		w.readOnly[strings.Join(strings.Fields(strings.ToLower(v)), " ")] = true
	}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			w.patterns = append(w.patterns, globPattern{glob: p, re: globToRegexp(p)})
		}
	}
	return w
}

// Allows reports whether command is whitelisted, and by which rule.
func (w *Whitelist) Allows(command string) (string, bool) {
	if w.IsReadOnly(command) {
		return "read-only command", true
	}
	if p, ok := w.MatchPattern(command); ok {
		return "matches " + p, true
	}
	return "", false
}

// IsReadOnly reports whether command starts with a read-only verb (or
// a read-only verb pair) and contains no shell metacharacters.
func (w *Whitelist) IsReadOnly(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" || strings.ContainsAny(command, shellMeta) {
		return false
	}
	words := strings.Fields(strings.ToLower(command))
	if w.readOnly[words[0]] {
		return true
	}
	return len(words) > 1 && w.readOnly[words[0]+" "+words[1]]
}

// MatchPattern reports whether command matches an auto-approve
// pattern. Chained commands must match segment by segment; command
// substitution and redirection never match.
func (w *Whitelist) MatchPattern(command string) (string, bool) {
	command = strings.TrimSpace(command)
	if command == "" || len(w.patterns) == 0 {
		return "", false
	}
	if strings.ContainsAny(command, "`<>") || strings.Contains(command, "$(") {
		return "", false
	}

	var matched string
	for _, seg := range splitChain(command) {
		p, ok := w.matchOne(seg)
		if !ok {
			return "", false
		}
		if matched == "" {
			matched = p
		}
	}
	return matched, matched != ""
}

func (w *Whitelist) matchOne(segment string) (string, bool) {
	for _, p := range w.patterns {
		if p.re.MatchString(segment) {
			return p.glob, true
		}
	}
	return "", false
}

// splitChain breaks a command on ;, &&, ||, | and newlines.
func splitChain(command string) []string {
	f := func(r rune) bool { return r == ';' || r == '&' || r == '|' || r == '\n' }
	var out []string
	for _, seg := range strings.FieldsFunc(command, f) {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// globToRegexp translates a shell-style glob into an anchored
// expression. Unlike path.Match, * also matches '/', so "cat *"
// covers "cat src/main.go".
func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	rs := []rune(glob)
	for i := 0; i < len(rs); i++ {
		switch c := rs[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			end := slices.Index(rs[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := string(rs[i+1 : i+1+end])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			fmt.Fprintf(&b, "[%s]", strings.ReplaceAll(class, `\`, `\\`))
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile(`^` + regexp.QuoteMeta(glob) + `$`)
	}
	return re
}
