package bot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/muesli/reflow/truncate"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zjrosen/telecode/internal/opencode/v1"
)

const (
	// chunkLimit stays under Telegram's 4096-character message cap with
	// headroom for escaping overhead.
	chunkLimit = 3500
	// maxChunks bounds how many messages one reply may fan out into so a
	// huge transcript cannot flood a chat.
	maxChunks = 20

	toolOutputLimit = 600
	logLineWidth    = 120
)

// markdownV2Specials are the characters Telegram requires escaped outside
// code spans.
const markdownV2Specials = `_*[]()~` + "`" + `>#+-=|{}.!\`

// EscapeMarkdownV2 escapes text for Telegram's MarkdownV2 parse mode.
func EscapeMarkdownV2(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + len(s)/4)
	for _, r := range s {
		if strings.ContainsRune(markdownV2Specials, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// escapeCode escapes the only characters MarkdownV2 treats specially inside
// code fences.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

// RenderMessage turns an assistant message into MarkdownV2 text: plain
// parts escaped, reasoning dropped, tool calls summarized with their
// output (or a diff for edits) in code fences.
func RenderMessage(msg *v1.Message) string {
	var sections []string
	for _, part := range msg.Parts {
		switch part.Type {
		case "text":
			if part.Text != "" {
				sections = append(sections, EscapeMarkdownV2(part.Text))
			}
		case "tool":
			if rendered := renderToolPart(part); rendered != "" {
				sections = append(sections, rendered)
			}
		}
	}
	if len(sections) == 0 {
		return EscapeMarkdownV2("(empty reply)")
	}
	return strings.Join(sections, "\n\n")
}

func renderToolPart(part v1.Part) string {
	var sb strings.Builder
	title := part.Tool
	if part.State != nil && part.State.Title != "" {
		title = part.State.Title
	}
	sb.WriteString("🔧 *")
	sb.WriteString(EscapeMarkdownV2(title))
	sb.WriteString("*")

	if part.State == nil {
		return sb.String()
	}

	// Edits render as a diff, everything else shows truncated output.
	if diff := renderEditDiff(part.State.Input); diff != "" {
		sb.WriteString("\n```diff\n")
		sb.WriteString(escapeCode(diff))
		sb.WriteString("\n```")
		return sb.String()
	}

	if output := strings.TrimSpace(part.State.Output); output != "" {
		if len(output) > toolOutputLimit {
			output = output[:toolOutputLimit] + "\n…"
		}
		sb.WriteString("\n```\n")
		sb.WriteString(escapeCode(output))
		sb.WriteString("\n```")
	}
	return sb.String()
}

// renderEditDiff builds a line diff for edit-tool inputs carrying an
// oldString/newString pair. Returns "" when the input is not an edit.
func renderEditDiff(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var edit struct {
		FilePath  string `json:"filePath"`
		OldString string `json:"oldString"`
		NewString string `json:"newString"`
	}
	if err := json.Unmarshal(input, &edit); err != nil {
		return ""
	}
	if edit.OldString == "" && edit.NewString == "" {
		return ""
	}

	dmp := diffmatchpatch.New()
	fromRunes, toRunes, lines := dmp.DiffLinesToRunes(edit.OldString, edit.NewString)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(fromRunes, toRunes, false), lines)

	var sb strings.Builder
	if edit.FilePath != "" {
		sb.WriteString(edit.FilePath)
		sb.WriteString("\n")
	}
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ChunkMessage splits rendered text into Telegram-sized chunks on line
// boundaries, keeping code fences balanced: a fence left open at a chunk
// edge is closed and reopened in the next chunk. At most maxChunks chunks
// come back; the tail is dropped with a marker.
func ChunkMessage(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= chunkLimit {
		return []string{text}
	}

	var (
		chunks    []string
		current   strings.Builder
		inFence   bool
		fenceOpen string
	)

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunk := strings.TrimRight(current.String(), "\n")
		if inFence {
			chunk += "\n```"
		}
		chunks = append(chunks, chunk)
		current.Reset()
		if inFence {
			current.WriteString(fenceOpen)
			current.WriteString("\n")
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if !inFence {
				inFence = true
				fenceOpen = strings.TrimSpace(line)
				// No real language tag is this long; reopening a huge
				// opener verbatim could push a chunk past the limit.
				if len(fenceOpen) > 16 {
					fenceOpen = "```"
				}
			} else {
				inFence = false
				fenceOpen = ""
			}
		}

		// A single line longer than the limit is split hard.
		for len(line) > chunkLimit {
			if current.Len() > 0 {
				flush()
			}
			current.WriteString(line[:chunkLimit])
			line = line[chunkLimit:]
			flush()
		}

		if current.Len()+len(line)+1 > chunkLimit {
			flush()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()

	if len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
		chunks[maxChunks-1] += "\n" + EscapeMarkdownV2("…(truncated)")
	}
	return chunks
}

// FormatLogLines renders log tail entries as a monospace block, truncating
// long lines so one entry cannot blow the message budget.
func FormatLogLines(lines []string) string {
	if len(lines) == 0 {
		return "No log entries yet\\."
	}
	var sb strings.Builder
	sb.WriteString("```\n")
	for _, line := range lines {
		sb.WriteString(escapeCode(truncate.StringWithTail(line, logLineWidth, "…")))
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	return sb.String()
}

// FormatUptime renders a duration the way people read it.
func FormatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm%ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh%dm", seconds/3600, (seconds%3600)/60)
}
