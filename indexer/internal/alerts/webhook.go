package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
)

// deliver sends webhook notifications for a to all configured targets.
// Errors are logged but do not affect the caller.
func (e *Engine) deliver(a *Alert) {
	e.mu.Lock()
	hooks := e.webhooks
	e.mu.Unlock()

	for _, wh := range hooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = e.sendSlack(url, a)
		case "teams":
			err = e.sendTeams(url, a)
		case "http":
			err = e.sendHTTP(url, a)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("alerts: webhook delivery failed", "type", wh.Type, "rule", a.RuleName, "err", err)
		} else {
			slog.Debug("alerts: webhook delivered", "type", wh.Type, "rule", a.RuleName, "state", a.State)
		}
	}
}

// facts lists the fields every chat payload carries, in display order.
func facts(a *Alert) [][2]string {
	bucket := a.Bucket
	if bucket == "" {
		bucket = "(global)"
	}
	out := [][2]string{
		{"Rule", a.RuleName},
		{"Bucket", bucket},
		{"Value", formatValue(a.Value)},
		{"State", a.State},
	}
	if a.SnapshotID != "" {
		out = append(out, [2]string{"Snapshot", a.SnapshotID.String()})
	}
	return out
}

func headline(a *Alert) string {
	if a.State == "resolved" {
		return fmt.Sprintf("Resolved: %s", a.RuleName)
	}
	return fmt.Sprintf("%s %s", severityLabel(a.Severity), a.RuleName)
}

func (e *Engine) sendSlack(url string, a *Alert) error {
	fields := make([]map[string]string, 0, 5)
	for _, f := range facts(a) {
		fields = append(fields, map[string]string{"type": "mrkdwn", "text": fmt.Sprintf("*%s*\n%s", f[0], f[1])})
	}
	body, err := json.Marshal(map[string]interface{}{
		"text": headline(a),
		"blocks": []map[string]interface{}{
			{"type": "header", "text": map[string]string{"type": "plain_text", "text": headline(a)}},
			{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": a.Message}, "fields": fields},
		},
	})
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return e.post(url, body)
}

func (e *Engine) sendTeams(url string, a *Alert) error {
	fs := make([]map[string]string, 0, 5)
	for _, f := range facts(a) {
		fs = append(fs, map[string]string{"name": f[0], "value": f[1]})
	}
	body, err := json.Marshal(map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": themeColor(a),
		"summary":    headline(a),
		"sections": []map[string]interface{}{{
			"activityTitle": headline(a),
			"text":          a.Message,
			"facts":         fs,
		}},
	})
	if err != nil {
		return fmt.Errorf("encode teams payload: %w", err)
	}
	return e.post(url, body)
}

func (e *Engine) sendHTTP(url string, a *Alert) error {
	cp := *a
	if math.IsNaN(cp.Value) || math.IsInf(cp.Value, 0) {
		// JSON has no NaN; the formatted value survives in the message.
		cp.Value = 0
	}
	body, err := json.Marshal(map[string]interface{}{"event": "rating_alert", "alert": cp})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return e.post(url, body)
}

func (e *Engine) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func themeColor(a *Alert) string {
	if a.State == "resolved" {
		return "2EB67D"
	}
	switch a.Severity {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}
