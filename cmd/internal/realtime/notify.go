package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// WebhookNotifier POSTs notifications as JSON to a fixed URL.
type WebhookNotifier struct {
	url     string
	http    *fasthttp.Client
	timeout time.Duration
}

// NewWebhookNotifier returns nil for an empty url, which disables notifications.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &WebhookNotifier{
		url:     url,
		http:    &fasthttp.Client{ReadTimeout: timeout, WriteTimeout: timeout, MaxConnsPerHost: 16},
		timeout: timeout,
	}
}

// Notify posts n and treats any non-2xx status as failure.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if w == nil {
		return errors.New("realtime: notifier disabled")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(w.url)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := w.http.DoDeadline(req, resp, w.deadline(ctx)); err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		return fmt.Errorf("notify webhook: status=%d", status)
	}
	return nil
}

func (w *WebhookNotifier) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(w.timeout)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}
