// Package parser is the Output Artifact Parser: best-effort extraction of
// tool-call records and fenced informational blocks from a completed run's
// captured stdout. Every extractor degrades to an empty result rather than
// an error when its markers are absent — raw assistant output is never
// guaranteed to contain any of them. Parsing the same text twice must
// yield identical results (no hidden mutable state).
package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/overhuman/orchestrator/internal/store"
)

// toolPattern pairs a tool name with the regexes that recognize one
// invocation of it in transcript text, the category it is classified
// under, and the parameter key its first capture group is stored under
// (file tools -> file_path, shell -> command, search -> pattern,
// skill -> skill, task -> subagent_type).
type toolPattern struct {
	name     string
	category string
	paramKey string
	regexes  []*regexp.Regexp
}

var toolPatterns = []toolPattern{
	{
		name:     "Read",
		category: store.CategoryFileOperation,
		paramKey: "file_path",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Read\(([^)]+)\)`),
			regexp.MustCompile(`(?mi)Reading file:?\s+(\S+)`),
		},
	},
	{
		name:     "Write",
		category: store.CategoryFileOperation,
		paramKey: "file_path",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Write\(([^)]+)\)`),
			regexp.MustCompile(`(?mi)Writing file:?\s+(\S+)`),
		},
	},
	{
		name:     "Edit",
		category: store.CategoryFileOperation,
		paramKey: "file_path",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Edit\(([^)]+)\)`),
			regexp.MustCompile(`(?mi)Editing file:?\s+(\S+)`),
		},
	},
	{
		name:     "Bash",
		category: store.CategoryCommandExec,
		paramKey: "command",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Bash\(([^)]+)\)`),
			regexp.MustCompile(`(?m)^\$\s+(.+)$`),
		},
	},
	{
		name:     "Grep",
		category: store.CategorySearch,
		paramKey: "pattern",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Grep\(([^)]+)\)`),
		},
	},
	{
		name:     "Glob",
		category: store.CategorySearch,
		paramKey: "pattern",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Glob\(([^)]+)\)`),
		},
	},
	{
		name:     "Task",
		category: store.CategoryAgentInvocation,
		paramKey: "subagent_type",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Task\(([^)]+)\)`),
			regexp.MustCompile(`(?mi)Invoking (?:sub)?agent:?\s+(\S+)`),
		},
	},
	{
		name:     "Skill",
		category: store.CategorySkillUsage,
		paramKey: "skill",
		regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?mi)^\s*Skill\(([^)]+)\)`),
			regexp.MustCompile(`(?mi)Using skill:?\s+(\S+)`),
		},
	},
}

// failureMarkers are substrings near a tool invocation line that flag it
// as unsuccessful for the best-effort Success classification.
var failureMarkers = []string{"error", "failed", "denied", "not found", "Error:"}

type toolCallMatch struct {
	offset int
	call   store.ToolCall
}

// ParseToolCalls scans stdout for recognizable tool-invocation lines and
// returns a best-effort, sequence-numbered reconstruction. It never
// returns an error: text with no recognizable tool calls yields an empty
// slice.
func ParseToolCalls(runID, stdout string) []store.ToolCall {
	var matches []toolCallMatch
	for _, tp := range toolPatterns {
		for _, re := range tp.regexes {
			for _, loc := range re.FindAllStringSubmatchIndex(stdout, -1) {
				target := ""
				if len(loc) >= 4 && loc[2] >= 0 {
					target = stdout[loc[2]:loc[3]]
				}
				lineStart, lineEnd := lineBounds(stdout, loc[0])
				line := stdout[lineStart:lineEnd]

				matches = append(matches, toolCallMatch{
					offset: loc[0],
					call: store.ToolCall{
						RunID:      runID,
						ToolName:   tp.name,
						Parameters: map[string]string{tp.paramKey: strings.TrimSpace(target)},
						Category:   tp.category,
						Success:    !containsAny(line, failureMarkers),
					},
				})
			}
		}
	}

	sortMatchesByOffset(matches)

	calls := make([]store.ToolCall, 0, len(matches))
	for i, m := range matches {
		c := m.call
		c.SequenceNumber = i + 1
		calls = append(calls, c)
	}
	return calls
}

func lineBounds(s string, offset int) (start, end int) {
	start = strings.LastIndexByte(s[:offset], '\n') + 1
	end = strings.IndexByte(s[offset:], '\n')
	if end == -1 {
		end = len(s)
	} else {
		end += offset
	}
	return start, end
}

func containsAny(s string, subs []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func sortMatchesByOffset(matches []toolCallMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].offset < matches[j-1].offset; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

// ExtractBlock returns the text strictly between the first occurrence of
// startMarker and the following occurrence of endMarker, trimmed of
// surrounding whitespace. It returns "" if either marker is absent or
// endMarker does not follow startMarker.
func ExtractBlock(text, startMarker, endMarker string) string {
	startIdx := strings.Index(text, startMarker)
	if startIdx == -1 {
		return ""
	}
	contentStart := startIdx + len(startMarker)

	endIdx := strings.Index(text[contentStart:], endMarker)
	if endIdx == -1 {
		return ""
	}
	return strings.TrimSpace(text[contentStart : contentStart+endIdx])
}

// fencedBlock extracts the content of a fenced code block tagged with the
// given language label, e.g. tag "json" matches ```json ... ```.
func fencedBlock(text, tag string) string {
	re := regexp.MustCompile("(?s)```" + regexp.QuoteMeta(tag) + `\s*\n(.*?)` + "```")
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractSummary returns the contents of a ```summary fenced block, or ""
// if absent.
func ExtractSummary(text string) string { return fencedBlock(text, "summary") }

// ExtractSuggestions returns the contents of a ```suggestions fenced
// block, or "" if absent.
func ExtractSuggestions(text string) string { return fencedBlock(text, "suggestions") }

// ExtractChanges returns the contents of a ```changes fenced block, or ""
// if absent.
func ExtractChanges(text string) string { return fencedBlock(text, "changes") }

// ExtractSkillsCreated returns the contents of a ```skills-created fenced
// block, or "" if absent.
func ExtractSkillsCreated(text string) string { return fencedBlock(text, "skills-created") }

// ExtractJSON returns the contents of a ```json fenced block, or "" if
// absent.
func ExtractJSON(text string) string { return fencedBlock(text, "json") }

// Preview truncates s to at most maxLen bytes, matching the Run
// Executor's stdout_preview bound, backing off to the nearest rune
// boundary so multi-byte text (e.g. Japanese summaries) is never split
// mid-character.
func Preview(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var summaryLineRe = regexp.MustCompile(`(?m)^\s*(現在の状態|次の予定|最近の進捗)\s*[:：]\s*(.+)$`)

// ParsedSummary holds the three labeled lines of a ```summary block.
type ParsedSummary struct {
	CurrentStatus  string
	NextMilestone  string
	RecentProgress string
}

// ParseSummary extracts the 現在の状態/次の予定/最近の進捗 labeled lines
// from a run's ```summary fenced block. Missing lines are left as "".
func ParseSummary(block string) ParsedSummary {
	var out ParsedSummary
	for _, m := range summaryLineRe.FindAllStringSubmatch(block, -1) {
		label, value := m[1], strings.TrimSpace(m[2])
		switch label {
		case "現在の状態":
			out.CurrentStatus = value
		case "次の予定":
			out.NextMilestone = value
		case "最近の進捗":
			out.RecentProgress = value
		}
	}
	return out
}

// ParsedSuggestion is one "<n>. <title> - <description>" line from a
// ```suggestions block.
type ParsedSuggestion struct {
	Title       string
	Description string
}

var suggestionLineRe = regexp.MustCompile(`(?m)^\s*\d+\.\s*(.+?)\s*-\s*(.+)$`)

// ParseSuggestions extracts numbered suggestion lines from a
// ```suggestions fenced block. Lines not matching the numbered-dash
// format are skipped.
func ParseSuggestions(block string) []ParsedSuggestion {
	var out []ParsedSuggestion
	for _, m := range suggestionLineRe.FindAllStringSubmatch(block, -1) {
		out = append(out, ParsedSuggestion{Title: m[1], Description: m[2]})
	}
	return out
}

// ParsedChange is one "path: description" line from a ```changes block.
type ParsedChange struct {
	Path        string
	Description string
}

// ParseChanges extracts "path: description" lines from a ```changes
// fenced block. The path is everything up to the first colon on the
// line.
func ParseChanges(block string) []ParsedChange {
	var out []ParsedChange
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx == -1 {
			continue
		}
		out = append(out, ParsedChange{
			Path:        strings.TrimSpace(line[:idx]),
			Description: strings.TrimSpace(line[idx+1:]),
		})
	}
	return out
}

// ParseSkillsCreated splits a ```skills-created fenced block on "---"
// separators, returning each non-empty stanza trimmed of whitespace.
func ParseSkillsCreated(block string) []string {
	var out []string
	for _, stanza := range strings.Split(block, "---") {
		stanza = strings.TrimSpace(stanza)
		if stanza != "" {
			out = append(out, stanza)
		}
	}
	return out
}
