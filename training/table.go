package training

import "strings"

var cellEscaper = strings.NewReplacer("|", `\|`, "\n", " ", "\r", "")

// MarkdownTable renders columns of equal length as a markdown table. Rows
// missing from a shorter column are left blank.
func MarkdownTable(headers []string, columns [][]string) string {
	var b strings.Builder

	b.WriteString("|")
	for _, h := range headers {
		b.WriteString(" " + cellEscaper.Replace(h) + " |")
	}
	b.WriteString("\n|")
	for range headers {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")

	rows := 0
	for _, col := range columns {
		if len(col) > rows {
			rows = len(col)
		}
	}

	for r := 0; r < rows; r++ {
		b.WriteString("|")
		for c := range headers {
			cell := ""
			if c < len(columns) && r < len(columns[c]) {
				cell = cellEscaper.Replace(columns[c][r])
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}

	return b.String()
}
