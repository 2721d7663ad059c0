package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/patchverify/patchverify/pkg/types"
)

// SlackNotifier posts a summary to an incoming webhook.
type SlackNotifier struct {
	WebhookURL string
}

func (s *SlackNotifier) Notify(ctx context.Context, report *types.ScanReport) error {
	msg := &slack.WebhookMessage{
		Text: Summary(report),
		Attachments: []slack.Attachment{{
			Color:  color(report.RiskCategory),
			Fields: verdictFields(report),
			Footer: "scan " + report.ScanID,
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.WebhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// at most this many verdicts are listed; the summary carries the totals
const maxSlackFields = 20

func verdictFields(report *types.ScanReport) []slack.AttachmentField {
	var fields []slack.AttachmentField
	for i, v := range report.Verdicts {
		if i == maxSlackFields {
			break
		}
		fields = append(fields, slack.AttachmentField{
			Title: v.CVEID,
			Value: fmt.Sprintf("%s (%d%%)", v.Status, v.Confidence),
			Short: true,
		})
	}
	return fields
}

func color(c types.RiskCategory) string {
	switch c {
	case types.RiskCritical, types.RiskHigh:
		return "danger"
	case types.RiskMedium:
		return "warning"
	}
	return "good"
}
