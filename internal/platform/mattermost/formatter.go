package mattermost

import (
	"strconv"
	"strings"
)

// Formatter renders Mattermost's standard-markdown dialect.
type Formatter struct{}

func (Formatter) Bold(text string) string   { return "**" + text + "**" }
func (Formatter) Italic(text string) string { return "*" + text + "*" }
func (Formatter) InlineCode(text string) string {
	return "`" + strings.ReplaceAll(text, "`", "'") + "`"
}

func (Formatter) CodeBlock(code, language string) string {
	var b strings.Builder
	b.WriteString("```")
	b.WriteString(language)
	b.WriteByte('\n')
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("```")
	return b.String()
}

func (Formatter) Link(text, url string) string { return "[" + text + "](" + url + ")" }
func (Formatter) Strike(text string) string    { return "~~" + text + "~~" }
func (Formatter) Mention(userID string) string { return "@" + userID }
func (Formatter) HorizontalRule() string       { return "---" }

func (Formatter) Blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func (Formatter) BulletItem(text string) string { return "- " + text }
func (Formatter) NumberedItem(n int, text string) string {
	return strconv.Itoa(n) + ". " + text
}

func (Formatter) Heading(level int, text string) string {
	if level < 1 {
		level = 1
	}
	if level > 3 {
		level = 3
	}
	return strings.Repeat("#", level) + " " + text
}

func (Formatter) Table(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(headers, " | "))
	b.WriteString(" |\n|")
	for range headers {
		b.WriteString(" --- |")
	}
	for _, row := range rows {
		b.WriteString("\n| ")
		b.WriteString(strings.Join(row, " | "))
		b.WriteString(" |")
	}
	return b.String()
}

func (f Formatter) KeyValueList(pairs [][2]string) string {
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, f.BulletItem(f.Bold(p[0]+":")+" "+p[1]))
	}
	return strings.Join(lines, "\n")
}

func (Formatter) RawEscape(text string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\", "*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[", "]", "\\]",
	)
	return replacer.Replace(text)
}
