// Package glob implements shell-style wildcard matching of whole strings.
//
// Supported syntax:
//
//	*       matches any run of characters, including none
//	?       matches exactly one character
//	[seq]   matches one character in seq (ranges like a-z allowed)
//	[!seq]  matches one character not in seq
//
// There is no escape character; an unclosed '[' matches itself. Matching is
// case sensitive and always covers the full string, so the empty pattern
// matches only the empty string.
package glob

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheSize bounds the compiled patterns kept around. Patterns come from
// clients, so the set is open ended.
const cacheSize = 256

var cache, _ = lru.New[string, *regexp.Regexp](cacheSize)

// matchNothing is a character class that no character satisfies.
const matchNothing = `[^\x00-\x{10FFFF}]`

// Match reports whether name matches the shell pattern.
func Match(pattern, name string) (bool, error) {
	re, err := compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(name), nil
}

// Filter returns the members of names matching pattern, in input order.
func Filter(names []string, pattern string) ([]string, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, name := range names {
		if re.MatchString(name) {
			res = append(res, name)
		}
	}
	return res, nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := cache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(Translate(pattern))
	if err != nil {
		return nil, err
	}
	cache.Add(pattern, re)
	return re, nil
}

// Translate converts a shell pattern into an anchored regular expression.
func Translate(pattern string) string {
	var sb strings.Builder
	sb.WriteString(`(?s)^(?:`)
	runes := []rune(pattern)
	n := len(runes)
	for i := 0; i < n; {
		c := runes[i]
		i++
		switch c {
		case '*':
			// collapse runs of stars
			for i < n && runes[i] == '*' {
				i++
			}
			sb.WriteString(`.*`)
		case '?':
			sb.WriteString(`.`)
		case '[':
			j := i
			if j < n && runes[j] == '!' {
				j++
			}
			if j < n && runes[j] == ']' {
				j++
			}
			for j < n && runes[j] != ']' {
				j++
			}
			if j >= n {
				sb.WriteString(`\[`)
				continue
			}
			sb.WriteString(translateClass(runes[i:j]))
			i = j + 1
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString(`)\z`)
	return sb.String()
}

type charRange struct {
	lo, hi rune
}

// translateClass renders the body of a bracket expression (without the
// surrounding brackets) as a regexp character class.
func translateClass(body []rune) string {
	negate := false
	if len(body) > 0 && body[0] == '!' {
		negate = true
		body = body[1:]
	}

	var ranges []charRange
	for k := 0; k < len(body); k++ {
		lo := body[k]
		if k+2 < len(body) && body[k+1] == '-' {
			hi := body[k+2]
			k += 2
			if lo > hi {
				// reversed ranges are empty
				continue
			}
			ranges = append(ranges, charRange{lo, hi})
			continue
		}
		ranges = append(ranges, charRange{lo, lo})
	}

	if len(ranges) == 0 {
		if negate {
			return `.`
		}
		return matchNothing
	}

	var sb strings.Builder
	sb.WriteByte('[')
	if negate {
		sb.WriteByte('^')
	}
	for _, r := range ranges {
		sb.WriteString(classLiteral(r.lo))
		if r.hi != r.lo {
			sb.WriteByte('-')
			sb.WriteString(classLiteral(r.hi))
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

func classLiteral(r rune) string {
	if r < utf8.RuneSelf && !isAlnum(byte(r)) {
		if r < 0x20 || r == 0x7f {
			return fmt.Sprintf(`\x{%x}`, r)
		}
		return `\` + string(r)
	}
	return string(r)
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
