package bot

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/telecode/internal/opencode/v1"
)

func TestEscapeMarkdownV2(t *testing.T) {
	require.Equal(t, "plain text", EscapeMarkdownV2("plain text"))
	require.Equal(t, `a\_b\*c\[d\]`, EscapeMarkdownV2("a_b*c[d]"))
	require.Equal(t, `1\.5 \+ 2 \= 3\.5\!`, EscapeMarkdownV2("1.5 + 2 = 3.5!"))
	require.Equal(t, `back\\slash`, EscapeMarkdownV2(`back\slash`))
}

// unescapeMarkdownV2 reverses EscapeMarkdownV2 for the round-trip property.
func unescapeMarkdownV2(s string) string {
	var sb strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteRune(r)
	}
	return sb.String()
}

func TestProperty_EscapeRoundTrips(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Draw(rt, "s")
		require.Equal(rt, s, unescapeMarkdownV2(EscapeMarkdownV2(s)))
	})
}

func TestRenderMessage_PlainText(t *testing.T) {
	msg := &v1.Message{Parts: []v1.Part{{Type: "text", Text: "All done. See main.go"}}}
	require.Equal(t, `All done\. See main\.go`, RenderMessage(msg))
}

func TestRenderMessage_EmptyReply(t *testing.T) {
	msg := &v1.Message{}
	require.Contains(t, RenderMessage(msg), "empty reply")
}

func TestRenderMessage_ToolOutputFenced(t *testing.T) {
	msg := &v1.Message{Parts: []v1.Part{
		{Type: "text", Text: "Running tests."},
		{Type: "tool", Tool: "bash", State: &v1.ToolState{
			Status: "completed",
			Title:  "Run tests",
			Output: "ok\t3 passed",
		}},
	}}

	rendered := RenderMessage(msg)
	require.Contains(t, rendered, `Running tests\.`)
	require.Contains(t, rendered, "🔧 *Run tests*")
	require.Contains(t, rendered, "```\nok\t3 passed\n```")
}

func TestRenderMessage_ToolOutputTruncated(t *testing.T) {
	msg := &v1.Message{Parts: []v1.Part{
		{Type: "tool", Tool: "bash", State: &v1.ToolState{
			Status: "completed",
			Output: strings.Repeat("y", toolOutputLimit+50),
		}},
	}}

	rendered := RenderMessage(msg)
	require.Contains(t, rendered, "…")
	require.Less(t, len(rendered), toolOutputLimit+100)
}

func TestRenderMessage_EditRendersDiff(t *testing.T) {
	input, err := json.Marshal(map[string]string{
		"filePath":  "main.go",
		"oldString": "alpha\nbeta",
		"newString": "alpha\ngamma",
	})
	require.NoError(t, err)

	msg := &v1.Message{Parts: []v1.Part{
		{Type: "tool", Tool: "edit", State: &v1.ToolState{
			Status: "completed",
			Title:  "Edit main.go",
			Input:  json.RawMessage(input),
		}},
	}}

	rendered := RenderMessage(msg)
	require.Contains(t, rendered, "```diff")
	require.Contains(t, rendered, "main.go")
	require.Contains(t, rendered, "-beta")
	require.Contains(t, rendered, "+gamma")
	require.Contains(t, rendered, " alpha")
}

func TestRenderMessage_NonEditToolInputIgnored(t *testing.T) {
	msg := &v1.Message{Parts: []v1.Part{
		{Type: "tool", Tool: "read", State: &v1.ToolState{
			Status: "completed",
			Input:  json.RawMessage(`{"filePath":"go.mod"}`),
			Output: "module example",
		}},
	}}

	rendered := RenderMessage(msg)
	require.NotContains(t, rendered, "```diff")
	require.Contains(t, rendered, "module example")
}

func TestChunkMessage_ShortPassesThrough(t *testing.T) {
	require.Nil(t, ChunkMessage(""))
	require.Equal(t, []string{"hello"}, ChunkMessage("hello"))
}

func TestChunkMessage_SplitsOnLineBoundaries(t *testing.T) {
	line := strings.Repeat("a", 100)
	text := strings.Join([]string{line, line, line}, "\n") + strings.Repeat("\n"+line, 50)

	chunks := ChunkMessage(text)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		require.LessOrEqual(t, len(chunk), chunkLimit)
		for _, got := range strings.Split(chunk, "\n") {
			require.Equal(t, line, got, "lines must not be cut mid-way")
		}
	}
}

func TestChunkMessage_HardSplitsOversizedLine(t *testing.T) {
	text := strings.Repeat("z", chunkLimit*2+10)

	chunks := ChunkMessage(text)
	require.GreaterOrEqual(t, len(chunks), 3)
	total := 0
	for _, chunk := range chunks {
		require.LessOrEqual(t, len(chunk), chunkLimit)
		total += len(chunk)
	}
	require.Equal(t, len(text), total, "hard splitting must not drop bytes")
}

func TestChunkMessage_ReopensCodeFences(t *testing.T) {
	text := "```go\n" + strings.Repeat("line of code\n", 400) + "```"

	chunks := ChunkMessage(text)
	require.Greater(t, len(chunks), 1)

	require.True(t, strings.HasSuffix(chunks[0], "```"), "an open fence must be closed at the chunk edge")
	require.True(t, strings.HasPrefix(chunks[1], "```go"), "the next chunk must reopen the fence")

	for i, chunk := range chunks {
		fences := 0
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				fences++
			}
		}
		require.Zero(t, fences%2, "chunk %d must have balanced fences", i)
	}
}

func TestChunkMessage_CapsChunkCount(t *testing.T) {
	var sb strings.Builder
	for range maxChunks + 5 {
		sb.WriteString(strings.Repeat("w", chunkLimit-10))
		sb.WriteString("\n")
	}

	chunks := ChunkMessage(sb.String())
	require.Len(t, chunks, maxChunks)
	require.Contains(t, chunks[maxChunks-1], "truncated")
}

func TestProperty_ChunksStayUnderTelegramLimit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching("[a-zA-Z0-9 .,!?_*`]{0,200}"), 1, 120).Draw(rt, "lines")
		text := strings.Join(lines, "\n")

		for _, chunk := range ChunkMessage(text) {
			require.LessOrEqual(rt, len(chunk), 4096, "every chunk must fit a Telegram message")
		}
	})
}

func TestProperty_ChunkingPreservesLineOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching("[a-zA-Z0-9 .,]{1,120}"), 1, 150).Draw(rt, "lines")
		text := strings.Join(lines, "\n")

		joined := strings.Join(ChunkMessage(text), "\n")
		pos := 0
		for _, line := range lines {
			idx := strings.Index(joined[pos:], line)
			require.GreaterOrEqual(rt, idx, 0, "line %q lost in chunking", line)
			pos += idx + len(line)
		}
	})
}

func TestFormatLogLines(t *testing.T) {
	require.Contains(t, FormatLogLines(nil), "No log entries")

	block := FormatLogLines([]string{
		"2026-01-02T10:00:00 [INFO] [server] Server ready port=4096",
		strings.Repeat("x", 300),
	})
	require.True(t, strings.HasPrefix(block, "```\n"))
	require.True(t, strings.HasSuffix(block, "```"))
	require.Contains(t, block, "Server ready")
	require.Contains(t, block, "…", "long lines get truncated with a tail marker")
	require.NotContains(t, block, strings.Repeat("x", 150))
}

func TestFormatUptime(t *testing.T) {
	require.Equal(t, "45s", FormatUptime(45))
	require.Equal(t, "2m5s", FormatUptime(125))
	require.Equal(t, "3h25m", FormatUptime(3*3600+25*60+10))
}
