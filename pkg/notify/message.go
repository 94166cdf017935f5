package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/haven-archive/haven/pkg/pipeline"
)

const maxBlockTextLength = 2900

var categoryEmoji = map[string]string{
	string(pipeline.CategoryTransient): ":hourglass:",
	string(pipeline.CategoryPermanent): ":x:",
	string(pipeline.CategoryFatal):     ":rotating_light:",
	string(pipeline.CategoryUnknown):   ":question:",
}

// BuildPipelineFailureMessage creates Block Kit blocks for a pipeline
// failure notification.
func BuildPipelineFailureMessage(f PipelineFailure) []goslack.Block {
	emoji := categoryEmoji[f.Category]
	if emoji == "" {
		emoji = ":x:"
	}

	headline := fmt.Sprintf("%s *Archive pipeline failed*", emoji)
	if f.Code != "" {
		headline += fmt.Sprintf("\n`%s`", f.Code)
	}
	if f.Message != "" {
		headline += " " + truncateForSlack(f.Message)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headline, false, false),
			nil, nil,
		),
	}

	var fields []*goslack.TextBlockObject
	if f.SourcePath != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Source:*\n`%s`", f.SourcePath), false, false))
	}
	if f.Step != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Step:*\n%s", f.Step), false, false))
	}
	if f.Category != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Category:*\n%s", f.Category), false, false))
	}
	if f.CorrelationID != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Correlation:*\n`%s`", f.CorrelationID), false, false))
	}
	if len(fields) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))
	}

	if funds := buildFundsBlock(f); funds != nil {
		blocks = append(blocks, funds)
	}

	return blocks
}

// buildFundsBlock renders the actionable part of an insufficient-funds sync
// failure: which wallet needs which token on which chain.
func buildFundsBlock(f PipelineFailure) goslack.Block {
	if f.Code != pipeline.CodeInsufficientFunds || len(f.Details) == 0 {
		return nil
	}
	detail := func(key string) string {
		v, _ := f.Details[key].(string)
		if v == "" {
			v = "unknown"
		}
		return v
	}
	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Wallet:*\n`%s`", detail("wallet_address")), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Chain:*\n%s", detail("chain_name")), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Token:*\n%s", detail("token_symbol")), false, false),
	}
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType,
			":money_with_wings: *Action needed: top up funds to resume syncing*", false, false),
		fields, nil,
	)
}

// BuildJobFailureMessage creates Block Kit blocks for a failed job run.
func BuildJobFailureMessage(f JobFailure) []goslack.Block {
	headline := fmt.Sprintf(":x: *Job run failed: %s*", f.JobName)
	if f.Reason != "" {
		headline += fmt.Sprintf("\n`%s`", f.Reason)
	}
	if f.ErrorMessage != "" {
		headline += " " + truncateForSlack(f.ErrorMessage)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headline, false, false),
			nil, nil,
		),
	}

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Plugin:*\n%s", f.PluginName), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Sources found/archived:*\n%d / %d", f.SourcesFound, f.SourcesArchived), false, false),
	}
	blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — see service logs)_"
}
