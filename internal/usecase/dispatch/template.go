package dispatch

import "strings"

// FormatPrompt substitutes text and any extra variables into the template.
// Placeholders use {name} syntax; {text} receives the work item itself. An
// empty template passes the text through unchanged.
func FormatPrompt(template, text string, vars map[string]string) string {
	if template == "" {
		return text
	}

	pairs := make([]string, 0, 2+2*len(vars))
	pairs = append(pairs, "{text}", text)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
