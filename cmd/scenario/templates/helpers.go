package templates

import (
	"strconv"
	"strings"
)

func plural(n int, noun string) string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(n))
	sb.WriteByte(' ')
	sb.WriteString(noun)
	if n != 1 {
		sb.WriteByte('s')
	}
	return sb.String()
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
