package parser

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/overhuman/orchestrator/internal/store"
)

func TestParseToolCalls_Basic(t *testing.T) {
	stdout := "Read(main.go)\nWrite(output.txt)\nBash(go test ./...)\n"
	calls := ParseToolCalls("run1", stdout)
	if len(calls) != 3 {
		t.Fatalf("len = %d, want 3", len(calls))
	}
	if calls[0].ToolName != "Read" || calls[0].Parameters["file_path"] != "main.go" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].ToolName != "Write" || calls[1].Parameters["file_path"] != "output.txt" {
		t.Errorf("calls[1] = %+v", calls[1])
	}
	if calls[2].ToolName != "Bash" {
		t.Errorf("calls[2] = %+v", calls[2])
	}
}

func TestParseToolCalls_SequenceOrder(t *testing.T) {
	stdout := "Read(a.go)\nEdit(b.go)\nRead(c.go)\n"
	calls := ParseToolCalls("run1", stdout)
	for i, c := range calls {
		if c.SequenceNumber != i+1 {
			t.Errorf("calls[%d].SequenceNumber = %d, want %d", i, c.SequenceNumber, i+1)
		}
	}
}

func TestParseToolCalls_Categories(t *testing.T) {
	stdout := "Grep(TODO)\nTask(code-reviewer)\nSkill(deploy)\n"
	calls := ParseToolCalls("run1", stdout)
	want := map[string]string{"Grep": store.CategorySearch, "Task": store.CategoryAgentInvocation, "Skill": store.CategorySkillUsage}
	for _, c := range calls {
		if c.Category != want[c.ToolName] {
			t.Errorf("%s category = %q, want %q", c.ToolName, c.Category, want[c.ToolName])
		}
	}
}

func TestParseToolCalls_FailureDetection(t *testing.T) {
	stdout := "Read(missing.go) failed: not found\nWrite(ok.go)\n"
	calls := ParseToolCalls("run1", stdout)
	if len(calls) != 2 {
		t.Fatalf("len = %d, want 2", len(calls))
	}
	if calls[0].Success {
		t.Error("calls[0].Success = true, want false")
	}
	if !calls[1].Success {
		t.Error("calls[1].Success = false, want true")
	}
}

func TestParseToolCalls_EmptyOnNoMatches(t *testing.T) {
	calls := ParseToolCalls("run1", "just some plain prose with no tool syntax at all")
	if len(calls) != 0 {
		t.Errorf("len = %d, want 0", len(calls))
	}
}

func TestParseToolCalls_Idempotent(t *testing.T) {
	stdout := "Read(a.go)\nBash(ls -la)\nWrite(b.go)\n"
	first := ParseToolCalls("run1", stdout)
	second := ParseToolCalls("run1", stdout)
	if len(first) != len(second) {
		t.Fatalf("len mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("call %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestExtractBlock(t *testing.T) {
	text := "prefix <<<START>>>the content<<<END>>> suffix"
	got := ExtractBlock(text, "<<<START>>>", "<<<END>>>")
	if got != "the content" {
		t.Errorf("got %q", got)
	}
}

func TestExtractBlock_MissingMarkers(t *testing.T) {
	if got := ExtractBlock("no markers here", "<<<START>>>", "<<<END>>>"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := ExtractBlock("<<<START>>>unterminated", "<<<START>>>", "<<<END>>>"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestExtractSummary(t *testing.T) {
	text := "Some preamble\n```summary\nFixed the bug in the parser.\n```\nmore text"
	if got := ExtractSummary(text); got != "Fixed the bug in the parser." {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSON(t *testing.T) {
	text := "```json\n{\"overall_score\": 8.5}\n```"
	if got := ExtractJSON(text); got != `{"overall_score": 8.5}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractSuggestions_Absent(t *testing.T) {
	if got := ExtractSuggestions("no fenced block here"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestExtractChangesAndSkillsCreated(t *testing.T) {
	text := "```changes\nmodified foo.go\n```\n```skills-created\n.claude/skills/new-skill.md\n```"
	if got := ExtractChanges(text); got != "modified foo.go" {
		t.Errorf("changes = %q", got)
	}
	if got := ExtractSkillsCreated(text); got != ".claude/skills/new-skill.md" {
		t.Errorf("skills-created = %q", got)
	}
}

func TestPreview_Truncation(t *testing.T) {
	long := make([]byte, 6000)
	for i := range long {
		long[i] = 'a'
	}
	got := Preview(string(long), 5000)
	if len(got) != 5000 {
		t.Errorf("len = %d, want 5000", len(got))
	}
}

func TestPreview_ShortLeftAsIs(t *testing.T) {
	got := Preview("short", 5000)
	if got != "short" {
		t.Errorf("got %q", got)
	}
}

func TestPreview_DoesNotSplitMultiByteRune(t *testing.T) {
	jp := strings.Repeat("現在の状態", 2000) // well past any reasonable maxLen, all multi-byte
	for _, maxLen := range []int{1, 2, 3, 4, 5, 100, 4999, 5000, 5001} {
		got := Preview(jp, maxLen)
		if len(got) > maxLen {
			t.Fatalf("maxLen=%d: len(got) = %d, exceeds bound", maxLen, len(got))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("maxLen=%d: Preview produced invalid UTF-8: %q", maxLen, got)
		}
	}
}
