package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier posts low-balance events to a configured webhook so an
// external billing system can top the subject up. Delivery is
// best-effort; failures are logged and never retried.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

func NewNotifier(webhookURL string) *Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type lowBalanceEvent struct {
	SubjectID string  `json:"subject_id"`
	Balance   float64 `json:"balance"`
	Event     string  `json:"event"`
}

// LowBalance reports that the subject's balance crossed the refill
// threshold.
func (n *Notifier) LowBalance(subject string, balance float64) {
	payload, err := json.Marshal(lowBalanceEvent{
		SubjectID: subject,
		Balance:   balance,
		Event:     "low_balance",
	})
	if err != nil {
		zlog.Error("failed to encode low balance event", zap.Error(err))
		return
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		zlog.Warn("low balance webhook unreachable", zap.String("subject", subject), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		zlog.Warn("low balance webhook rejected event",
			zap.String("subject", subject), zap.Int("status", resp.StatusCode))
	}
}
