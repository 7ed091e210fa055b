// Package jsonpath escapes names for use as a single gjson/sjson path
// component.
package jsonpath

import "strings"

var replacer = strings.NewReplacer(
	`\`, `\\`,
	".", `\.`,
	"*", `\*`,
	"?", `\?`,
	"|", `\|`,
	"#", `\#`,
	"@", `\@`,
)

// Escape returns name with every path metacharacter escaped, so that gjson
// and sjson treat it as one literal key.
func Escape(name string) string {
	return replacer.Replace(name)
}
