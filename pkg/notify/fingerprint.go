package notify

import (
	"fmt"
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	return strings.Join(parts, " ")
}

// pipelineFingerprint groups pipeline failures by error code (falling back
// to the step name), so a batch of sources all dying on the same error
// collects into one thread.
func pipelineFingerprint(f PipelineFailure) string {
	key := f.Code
	if key == "" {
		key = f.Step
	}
	if key == "" {
		key = "unknown"
	}
	return fmt.Sprintf("haven-failure:pipeline:%s", key)
}

// jobFingerprint groups job-run failures by plugin and recorded reason.
func jobFingerprint(plugin, reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf("haven-failure:job:%s:%s", plugin, reason)
}
