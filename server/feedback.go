package main

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

// feedbackPolicy allows the markup Markdown produces and nothing that can run script.
var feedbackPolicy = newFeedbackPolicy()

func newFeedbackPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[\w+#-]+$`)).OnElements("code")
	return policy
}

// renderFeedback turns grader feedback written in Markdown into HTML
// that is safe to show to the student.
func renderFeedback(feedback string) (string, error) {
	if strings.TrimSpace(feedback) == "" {
		return "", nil
	}
	data := []byte(strings.ReplaceAll(feedback, "\r\n", "\n"))
	if !utf8.Valid(data) {
		return "", loggedErrorf("feedback is not valid utf8")
	}

	var extensions blackfriday.Extensions
	extensions |= blackfriday.NoIntraEmphasis
	extensions |= blackfriday.Tables
	extensions |= blackfriday.FencedCode
	extensions |= blackfriday.Autolink
	extensions |= blackfriday.Strikethrough
	extensions |= blackfriday.SpaceHeadings
	justHTML := blackfriday.Run(data, blackfriday.WithExtensions(extensions))

	return string(feedbackPolicy.SanitizeBytes(justHTML)), nil
}
