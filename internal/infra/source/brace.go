package source

import (
	"fmt"
	"strconv"
	"strings"
)

// ExpandBraces expands shard patterns the way WebDataset tooling does:
//
//	data-{000..003}.tar  → data-000.tar … data-003.tar
//	{train,val}-{0..1}.tar → train-0.tar train-1.tar val-0.tar val-1.tar
//
// Zero padding follows the wider of the two range bounds. Patterns without
// braces come back unchanged. Unbalanced braces are an error.
func ExpandBraces(pattern string) ([]string, error) {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		if strings.IndexByte(pattern, '}') >= 0 {
			return nil, fmt.Errorf("unbalanced '}' in %q", pattern)
		}
		return []string{pattern}, nil
	}

	end := matchingBrace(pattern, open)
	if end < 0 {
		return nil, fmt.Errorf("unbalanced '{' in %q", pattern)
	}

	prefix, body, rest := pattern[:open], pattern[open+1:end], pattern[end+1:]
	alts, err := expandBody(body)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", pattern, err)
	}

	tails, err := ExpandBraces(rest)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(alts)*len(tails))
	for _, alt := range alts {
		// Alternatives may themselves contain braces.
		heads, err := ExpandBraces(prefix + alt)
		if err != nil {
			return nil, err
		}
		for _, h := range heads {
			for _, t := range tails {
				out = append(out, h+t)
			}
		}
	}
	return out, nil
}

func matchingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// expandBody handles the inside of one brace pair: either a numeric range
// "lo..hi" or a comma list at nesting depth zero.
func expandBody(body string) ([]string, error) {
	if lo, hi, ok := strings.Cut(body, ".."); ok && !strings.ContainsAny(body, ",{") {
		return expandRange(lo, hi)
	}

	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, body[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, body[start:])
	return parts, nil
}

func expandRange(lo, hi string) ([]string, error) {
	a, err := strconv.Atoi(lo)
	if err != nil {
		return nil, fmt.Errorf("bad range start %q", lo)
	}
	b, err := strconv.Atoi(hi)
	if err != nil {
		return nil, fmt.Errorf("bad range end %q", hi)
	}

	width := 0
	if strings.HasPrefix(lo, "0") || strings.HasPrefix(hi, "0") {
		width = max(len(lo), len(hi))
	}

	step := 1
	if b < a {
		step = -1
	}
	out := make([]string, 0, abs(b-a)+1)
	for i := a; ; i += step {
		out = append(out, fmt.Sprintf("%0*d", width, i))
		if i == b {
			break
		}
	}
	return out, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
