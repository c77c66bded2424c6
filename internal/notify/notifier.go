// Package notify delivers best-effort payment notifications to per-site
// downstream targets such as a CRM.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/richardliu001/payledger/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notification is what a site's target receives for a recorded payment.
type Notification struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	Site             string `json:"site"`
	PaymentID        string `json:"payment_id"`
	FormSubmissionID string `json:"form_submission_id,omitempty"`
	AmountCents      int64  `json:"amount_cents"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	CustomerID       string `json:"customer_id,omitempty"`
	Status           string `json:"status"`
	Livemode         bool   `json:"livemode"`
}

// FailureRecorder is told when a notification is given up on.
type FailureRecorder interface {
	NotifyFailed(site string)
}

type HTTPNotifier struct {
	cfg     config.NotifierConfig
	client  *http.Client
	log     *zap.SugaredLogger
	failure FailureRecorder
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewHTTPNotifier(cfg config.NotifierConfig, client *http.Client, log *zap.SugaredLogger) *HTTPNotifier {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HTTPNotifier{
		cfg:    cfg.WithDefaults(),
		client: client,
		log:    log,
		sleep:  sleepCtx,
	}
}

// WithFailureRecorder reports abandoned notifications to rec.
func (n *HTTPNotifier) WithFailureRecorder(rec FailureRecorder) *HTTPNotifier {
	n.failure = rec
	return n
}

// Notify delivers note to the target configured for its site. Sites without
// a target are skipped. Failures are logged and swallowed.
func (n *HTTPNotifier) Notify(ctx context.Context, note Notification) {
	target, ok := n.cfg.Sites[note.Site]
	if !ok {
		n.log.Debugw("no notifier target for site", "site", note.Site, "event_id", note.EventID)
		return
	}
	if note.Amount == "" {
		note.Amount = MajorUnits(note.AmountCents, note.Currency)
	}
	body, err := json.Marshal(note)
	if err != nil {
		n.log.Errorw("encode notification", "event_id", note.EventID, "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= n.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := n.sleep(ctx, time.Duration(attempt-1)*n.cfg.Backoff); err != nil {
				lastErr = err
				break
			}
		}
		lastErr = n.send(ctx, target, body)
		if lastErr == nil {
			n.log.Infow("notification delivered", "site", note.Site, "event_id", note.EventID, "attempt", attempt)
			return
		}
		n.log.Warnw("notification attempt failed",
			"site", note.Site, "event_id", note.EventID, "attempt", attempt, "error", lastErr)
	}
	n.log.Errorw("notification abandoned", "site", note.Site, "event_id", note.EventID, "error", lastErr)
	if n.failure != nil {
		n.failure.NotifyFailed(note.Site)
	}
}

func (n *HTTPNotifier) send(ctx context.Context, target config.SiteTarget, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if target.Token != "" {
		req.Header.Set("Authorization", "Bearer "+target.Token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("target responded %d", resp.StatusCode)
	}
	return nil
}

// zeroDecimal lists currencies whose minor unit is the major unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MajorUnits renders minor units as a decimal amount string, e.g. 4000 gbp → "40.00".
func MajorUnits(minor int64, currency string) string {
	if zeroDecimal[currency] {
		return decimal.NewFromInt(minor).String()
	}
	return decimal.New(minor, -2).StringFixed(2)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
