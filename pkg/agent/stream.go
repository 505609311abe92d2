package agent

import (
	"strings"
	"unicode"
)

const (
	memoryOpenTag  = "<MEMORY>"
	memoryCloseTag = "</MEMORY>"
)

// deltaFilter forwards streamed text with inline memory blocks removed.
// Text that could still become a tag, or a reply that could still be the
// NoResponse sentinel, is held back until it is known not to be.
type deltaFilter struct {
	emit    func(string)
	pending string
	hidden  bool

	// sentinel gate over the visible text
	held    string
	decided bool
	emitted bool
}

func newDeltaFilter(emit func(string)) *deltaFilter { return &deltaFilter{emit: emit} }

func (f *deltaFilter) Write(text string) {
	if f.emit == nil {
		return
	}
	buf := f.pending + text
	f.pending = ""
	for buf != "" {
		if f.hidden {
			i := strings.Index(buf, memoryCloseTag)
			if i < 0 {
				f.pending = tagPrefixSuffix(buf, memoryCloseTag)
				return
			}
			f.hidden = false
			buf = buf[i+len(memoryCloseTag):]
			continue
		}
		if i := strings.Index(buf, memoryOpenTag); i >= 0 {
			f.visible(buf[:i])
			f.hidden = true
			buf = buf[i+len(memoryOpenTag):]
			continue
		}
		f.pending = tagPrefixSuffix(buf, memoryOpenTag)
		f.visible(buf[:len(buf)-len(f.pending)])
		return
	}
}

// Flush emits held-back text at the end of a successful stream. An
// unterminated memory block stays hidden and a bare sentinel is dropped.
func (f *deltaFilter) Flush() {
	if f.emit == nil {
		return
	}
	if !f.hidden {
		f.visible(f.pending)
	}
	f.pending = ""
	if !f.decided && !IsNoResponse(f.held) && strings.TrimSpace(f.held) != "" {
		f.send(f.held)
	}
	f.held = ""
}

// Emitted reports whether any text reached the hook.
func (f *deltaFilter) Emitted() bool { return f.emitted }

func (f *deltaFilter) visible(text string) {
	if text == "" {
		return
	}
	if f.decided {
		f.send(text)
		return
	}
	f.held += text
	lead := strings.TrimLeftFunc(f.held, unicode.IsSpace)
	if lead == "" || strings.HasPrefix(NoResponse, lead) || strings.TrimRightFunc(lead, unicode.IsSpace) == NoResponse {
		return
	}
	f.decided = true
	f.send(f.held)
	f.held = ""
}

func (f *deltaFilter) send(text string) {
	f.emitted = true
	f.emit(text)
}

// tagPrefixSuffix returns the longest proper prefix of tag that buf ends with.
func tagPrefixSuffix(buf, tag string) string {
	for n := len(tag) - 1; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return buf[len(buf)-n:]
		}
	}
	return ""
}
