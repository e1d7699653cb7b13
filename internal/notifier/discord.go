package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/edge_video_cache/internal/storage"
)

var ErrNoWebhook = errors.New("webhook URL is not set")

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return ErrNoWebhook
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

func displayName(rec *storage.VideoRecord) string {
	if rec.Name == "" {
		return rec.ID
	}

	return rec.Name + " (" + rec.ID + ")"
}

// FinishedMessage formats the notification for a completed download.
func FinishedMessage(rec *storage.VideoRecord) string {
	return fmt.Sprintf("✅ Download finished for video: %s, %s", displayName(rec), humanize.Bytes(uint64(rec.FileSize)))
}

// FailedMessage formats the notification for a failed download.
func FailedMessage(rec *storage.VideoRecord) string {
	return fmt.Sprintf("❌ Download failed for video: %s at %s of %s: %s",
		displayName(rec),
		humanize.Bytes(uint64(rec.DownloadedSize)),
		humanize.Bytes(uint64(rec.FileSize)),
		rec.Message,
	)
}
