// Package highlight marks case-insensitive matches inside terminal-rendered
// text without disturbing the escape sequences around them.
package highlight

import "strings"

// Marks is the marked text and where the matches landed.
type Marks struct {
	Text  string
	Count int
	// Lines holds the zero-based index of every line with at least one match.
	Lines []int
}

// Mark wraps each occurrence of query in text with style. A match never
// spans an escape sequence.
func Mark(text, query string, style func(string) string) Marks {
	query = strings.TrimSpace(query)
	if query == "" {
		return Marks{Text: text}
	}
	if style == nil {
		style = func(s string) string { return s }
	}
	needle := strings.ToLower(query)

	var (
		out   strings.Builder
		res   Marks
		lines = strings.Split(text, "\n")
	)
	out.Grow(len(text))
	for i, line := range lines {
		if i > 0 {
			out.WriteByte('\n')
		}
		n := 0
		for _, seg := range split(line) {
			if seg.escape {
				out.WriteString(seg.text)
				continue
			}
			n += markPlain(&out, seg.text, needle, style)
		}
		if n > 0 {
			res.Count += n
			res.Lines = append(res.Lines, i)
		}
	}
	res.Text = out.String()
	return res
}

type segment struct {
	text   string
	escape bool
}

// split cuts a line into printable runs and escape sequences. CSI sequences
// end at their final byte, OSC sequences at BEL or ST.
func split(s string) []segment {
	var segs []segment
	start := 0
	for i := 0; i < len(s); {
		if s[i] != 0x1b || i+1 >= len(s) {
			i++
			continue
		}
		end := escapeEnd(s, i)
		if start < i {
			segs = append(segs, segment{text: s[start:i]})
		}
		segs = append(segs, segment{text: s[i:end], escape: true})
		i, start = end, end
	}
	if start < len(s) {
		segs = append(segs, segment{text: s[start:]})
	}
	return segs
}

func escapeEnd(s string, i int) int {
	switch s[i+1] {
	case '[':
		for j := i + 2; j < len(s); j++ {
			if s[j] >= 0x40 && s[j] <= 0x7e {
				return j + 1
			}
		}
		return len(s)
	case ']':
		for j := i + 2; j < len(s); j++ {
			if s[j] == 0x07 {
				return j + 1
			}
			if s[j] == 0x1b && j+1 < len(s) && s[j+1] == '\\' {
				return j + 2
			}
		}
		return len(s)
	}
	return i + 2
}

func markPlain(out *strings.Builder, s, needle string, style func(string) string) int {
	lower := strings.ToLower(s)
	// Offsets are only valid while folding keeps byte lengths.
	if len(lower) != len(s) {
		out.WriteString(s)
		return 0
	}
	count := 0
	for {
		idx := strings.Index(lower, needle)
		if idx < 0 {
			out.WriteString(s)
			return count
		}
		end := idx + len(needle)
		out.WriteString(s[:idx])
		out.WriteString(style(s[idx:end]))
		count++
		s, lower = s[end:], lower[end:]
	}
}
