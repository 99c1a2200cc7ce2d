// Package notify pushes fleet completion notices to Feishu. Crash-monitor
// triggered dumps run headless, so chat messages are how anyone finds out.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	dumpagent "github.com/qsmonitor/dumpagent"
	"github.com/qsmonitor/dumpagent/internal/config"
)

// FeishuNotifier sends a text message to a fixed chat when a fleet request
// finishes.
type FeishuNotifier struct {
	client    *lark.Client
	receiveID string
	idType    string
}

// NewFromEnv builds a notifier from FEISHU_APP_ID / FEISHU_APP_SECRET /
// FEISHU_RECEIVE_ID. Returns nil (no error) when the variables are unset, so
// callers can treat notification as optional.
func NewFromEnv() *FeishuNotifier {
	appID := config.String("FEISHU_APP_ID", "")
	appSecret := config.String("FEISHU_APP_SECRET", "")
	receiveID := config.String("FEISHU_RECEIVE_ID", "")
	if appID == "" || appSecret == "" || receiveID == "" {
		return nil
	}
	return New(appID, appSecret, receiveID, config.String("FEISHU_RECEIVE_ID_TYPE", "chat_id"))
}

// New builds a notifier for the given app credentials and receive target.
func New(appID, appSecret, receiveID, idType string) *FeishuNotifier {
	if strings.TrimSpace(idType) == "" {
		idType = "chat_id"
	}
	client := lark.NewClient(appID, appSecret,
		lark.WithLogLevel(larkcore.LogLevelError))
	return &FeishuNotifier{client: client, receiveID: receiveID, idType: idType}
}

// FleetCompleted sends a plain-text summary of the finished request.
func (n *FeishuNotifier) FleetCompleted(ctx context.Context, summary dumpagent.FleetSummary) error {
	content, err := json.Marshal(map[string]string{"text": formatSummary(summary)})
	if err != nil {
		return errors.Wrap(err, "marshal notification content failed")
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(n.idType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(n.receiveID).
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()

	resp, err := n.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "send feishu message failed")
	}
	if !resp.Success() {
		return errors.Errorf("send feishu message failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	log.Debug().Str("issue_id", summary.IssueID).Msg("sent fleet completion notice")
	return nil
}

func formatSummary(summary dumpagent.FleetSummary) string {
	status := "✅"
	if summary.FailCount > 0 {
		status = "⚠️"
	}
	return fmt.Sprintf("%s Dump extraction finished\nIssue: %s\nTrigger: %s\nSuccess: %d  Failed: %d\nDir: %s",
		status, summary.IssueID, summary.TriggeredBy,
		summary.SuccessCount, summary.FailCount, summary.IssueRoot)
}

var _ dumpagent.Notifier = (*FeishuNotifier)(nil)
