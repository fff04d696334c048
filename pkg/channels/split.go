package channels

import (
	"strings"
	"unicode/utf8"
)

const codeFence = "```"

// splitMessage cuts content into chunks of at most limit bytes, preferring
// newline then space boundaries near the end of each window. A chunk that
// would end inside a code block is stretched up to codeBlockSlack bytes to
// reach the closing fence, or cut before the opening fence otherwise.
func splitMessage(content string, limit int) []string {
	const codeBlockSlack = 500

	var chunks []string
	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}

		end := naturalBreak(content[:limit])
		if end <= 0 {
			end = runeBoundary(content, limit)
		}

		if open := unclosedFence(content[:end]); open >= 0 {
			switch {
			case len(content) <= limit+codeBlockSlack:
				end = len(content)
			default:
				if closing := closingFenceEnd(content, end); closing > 0 && closing <= limit+codeBlockSlack {
					end = closing
				} else if end = naturalBreak(content[:open]); end <= 0 {
					end = open
				}
			}
		}
		if end <= 0 {
			end = runeBoundary(content, limit)
		}
		if end <= 0 {
			end = limit
		}

		chunks = append(chunks, content[:end])
		content = strings.TrimSpace(content[end:])
	}
	return chunks
}

// naturalBreak returns the last newline within 200 bytes of the end of s,
// else the last space within 100 bytes, else -1.
func naturalBreak(s string) int {
	if i := lastIndexWithin(s, 200, "\n"); i > 0 {
		return i
	}
	if i := lastIndexWithin(s, 100, " \t"); i > 0 {
		return i
	}
	return -1
}

func lastIndexWithin(s string, window int, chars string) int {
	from := len(s) - window
	if from < 0 {
		from = 0
	}
	if i := strings.LastIndexAny(s[from:], chars); i >= 0 {
		return from + i
	}
	return -1
}

// runeBoundary moves n back until it does not split a UTF-8 sequence.
func runeBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// unclosedFence returns the index of the last opening fence that has no
// matching close in text, or -1.
func unclosedFence(text string) int {
	count := 0
	lastOpen := -1
	for i := 0; i+len(codeFence) <= len(text); {
		j := strings.Index(text[i:], codeFence)
		if j < 0 {
			break
		}
		if count%2 == 0 {
			lastOpen = i + j
		}
		count++
		i += j + len(codeFence)
	}
	if count%2 == 1 {
		return lastOpen
	}
	return -1
}

// closingFenceEnd returns the index just past the next fence at or after
// start, or -1.
func closingFenceEnd(text string, start int) int {
	if i := strings.Index(text[start:], codeFence); i >= 0 {
		return start + i + len(codeFence)
	}
	return -1
}
