package slack

import (
	"strconv"
	"strings"
)

// Formatter renders Slack's mrkdwn subset. mrkdwn has no heading or table
// syntax, so both degrade to bold text / a monospace block.
type Formatter struct{}

func (Formatter) Bold(text string) string   { return "*" + text + "*" }
func (Formatter) Italic(text string) string { return "_" + text + "_" }
func (Formatter) InlineCode(text string) string {
	return "`" + strings.ReplaceAll(text, "`", "'") + "`"
}

func (Formatter) CodeBlock(code, _ string) string {
	// mrkdwn code fences carry no language tag.
	var b strings.Builder
	b.WriteString("```\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("```")
	return b.String()
}

func (Formatter) Link(text, url string) string { return "<" + url + "|" + text + ">" }
func (Formatter) Strike(text string) string    { return "~" + text + "~" }
func (Formatter) Mention(userID string) string { return "<@" + userID + ">" }
func (Formatter) HorizontalRule() string       { return strings.Repeat("─", 24) }

func (Formatter) Blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func (Formatter) BulletItem(text string) string { return "• " + text }
func (Formatter) NumberedItem(n int, text string) string {
	return strconv.Itoa(n) + ". " + text
}

func (f Formatter) Heading(_ int, text string) string { return f.Bold(text) }

func (f Formatter) Table(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString(strings.Join(headers, "  |  "))
	for _, row := range rows {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, "  |  "))
	}
	return f.CodeBlock(b.String(), "")
}

func (f Formatter) KeyValueList(pairs [][2]string) string {
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, f.BulletItem(f.Bold(p[0]+":")+" "+p[1]))
	}
	return strings.Join(lines, "\n")
}

func (Formatter) RawEscape(text string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(text)
}
