// Package chunker splits long reply text into human-sized blocks for chat
// delivery. Fenced code blocks travel intact where they fit; when one must
// be cut, the fence is closed on the left piece and reopened on the right so
// every emitted block renders as valid markdown.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Split boundaries.
const (
	BoundaryParagraph = "paragraph"
	BoundarySentence  = "sentence"
)

// Default chunk size window in characters.
const (
	DefaultMinChars = 50
	DefaultMaxChars = 800
)

// fenceSlack reserves room in the cut window for an inserted closing fence.
const fenceSlack = 4

var (
	paragraphRe = regexp.MustCompile(`\n{2,}`)
	sentenceRe  = regexp.MustCompile(`[.!?]+\s+`)
)

// Options configures a Chunker. Zero values take the defaults.
type Options struct {
	Boundary string
	MinChars int
	MaxChars int
}

type Chunker struct {
	boundary string
	min      int
	max      int
}

func New(opts Options) *Chunker {
	c := &Chunker{
		boundary: opts.Boundary,
		min:      opts.MinChars,
		max:      opts.MaxChars,
	}
	if c.boundary != BoundarySentence {
		c.boundary = BoundaryParagraph
	}
	if c.min <= 0 {
		c.min = DefaultMinChars
	}
	if c.max <= 0 {
		c.max = DefaultMaxChars
	}
	if c.max <= c.min+fenceSlack {
		c.max = c.min + DefaultMaxChars
	}
	return c
}

// fragment is an indivisible unit of assembly: one prose piece ending at a
// boundary, or one whole fenced block.
type fragment struct {
	text   string
	fenced bool
}

// Split breaks text into 1..N blocks. Concatenating the result yields the
// input, except for inserted fence closures. Every block except the last has
// a character count in [MinChars, MaxChars]; the last may run short.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = CloseFences(text)
	if runeLen(text) <= c.max {
		return []string{text}
	}
	return c.assemble(c.fragments(text))
}

// CloseFences appends a closing fence when the text leaves a code block
// unterminated.
func CloseFences(text string) string {
	if _, inside := openFence(text); !inside {
		return text
	}
	if strings.HasSuffix(text, "\n") {
		return text + "```"
	}
	return text + "\n```"
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "```")
}

// openFence reports whether text ends inside a fenced block, and the info
// string of the unmatched opening fence.
func openFence(text string) (string, bool) {
	lang := ""
	open := false
	for _, line := range strings.Split(text, "\n") {
		if !isFenceLine(line) {
			continue
		}
		open = !open
		if open {
			trimmed := strings.TrimLeft(line, " \t")
			lang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
		} else {
			lang = ""
		}
	}
	return lang, open
}

// fragments walks the text line by line, grouping fenced blocks into atomic
// fragments and splitting the prose between them on the boundary.
func (c *Chunker) fragments(text string) []fragment {
	var frags []fragment
	var prose, fence strings.Builder
	inFence := false

	flushProse := func() {
		if prose.Len() == 0 {
			return
		}
		frags = append(frags, c.splitProse(prose.String())...)
		prose.Reset()
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if isFenceLine(line) {
			if inFence {
				fence.WriteString(line)
				frags = append(frags, fragment{text: fence.String(), fenced: true})
				fence.Reset()
				inFence = false
			} else {
				flushProse()
				inFence = true
				fence.WriteString(line)
			}
			continue
		}
		if inFence {
			fence.WriteString(line)
		} else {
			prose.WriteString(line)
		}
	}
	flushProse()
	// CloseFences guarantees termination; flush any remainder anyway.
	if fence.Len() > 0 {
		frags = append(frags, fragment{text: fence.String(), fenced: true})
	}
	return frags
}

// splitProse cuts prose after each boundary match, keeping the separator
// attached to the left fragment so concatenation reproduces the input.
func (c *Chunker) splitProse(text string) []fragment {
	re := paragraphRe
	if c.boundary == BoundarySentence {
		re = sentenceRe
	}
	var frags []fragment
	last := 0
	for _, m := range re.FindAllStringIndex(text, -1) {
		frags = append(frags, fragment{text: text[last:m[1]]})
		last = m[1]
	}
	if last < len(text) {
		frags = append(frags, fragment{text: text[last:]})
	}
	return frags
}

// assemble packs fragments greedily toward MaxChars. A fragment that would
// overflow while the current block is still under MinChars is appended
// anyway and the block is cut at the limit, so no block before the last ever
// runs short.
func (c *Chunker) assemble(frags []fragment) []string {
	var chunks []string
	cur := ""

	emit := func(s string) { chunks = append(chunks, s) }

	for _, f := range frags {
		switch {
		case runeLen(cur)+runeLen(f.text) <= c.max:
			cur += f.text
		case runeLen(f.text) <= c.max && runeLen(cur) >= c.min:
			emit(cur)
			cur = f.text
		default:
			cur += f.text
			cur = c.spill(cur, emit)
		}
	}
	if cur != "" {
		emit(cur)
	}
	return chunks
}

// spill emits limit-sized pieces until the remainder fits, returning the
// remainder. Cuts land after a newline when one falls inside the window,
// then after a space, then at the hard limit. A cut inside a fenced block
// closes the fence on the emitted piece and reopens it on the remainder.
func (c *Chunker) spill(text string, emit func(string)) string {
	for runeLen(text) > c.max {
		runes := []rune(text)
		cut := lastBoundary(runes[:c.max-fenceSlack], c.min)
		piece, rest := string(runes[:cut]), string(runes[cut:])
		if lang, inside := openFence(piece); inside {
			if strings.HasSuffix(piece, "\n") {
				piece += "```"
			} else {
				piece += "\n```"
			}
			rest = "```" + lang + "\n" + rest
		}
		emit(piece)
		text = rest
	}
	return text
}

// lastBoundary picks the cut index in (min, len(window)]: after the last
// newline, else after the last space, else the window end.
func lastBoundary(window []rune, min int) int {
	if min >= len(window) {
		return len(window)
	}
	for i := len(window) - 1; i >= min; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= min; i-- {
		if window[i] == ' ' {
			return i + 1
		}
	}
	return len(window)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
