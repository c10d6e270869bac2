package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushDispatcher posts ride events to an FCM-style HTTP v1 endpoint, one
// message per recipient topic, so offline users still learn about their rides.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Name() string { return "push" }

func (p *PushDispatcher) Publish(ctx context.Context, ev models.RideEvent) error {
	for _, userID := range ev.Recipients {
		body := map[string]interface{}{"message": map[string]interface{}{
			"topic": "user_" + userID,
			"data": map[string]string{
				"event":   string(ev.Event),
				"ride_id": ev.RideID,
				"status":  string(ev.Status),
				"reason":  ev.Reason,
			},
		}}
		if err := p.post(ctx, body); err != nil {
			return fmt.Errorf("push %s to %s: %w", ev.Event, userID, err)
		}
	}
	return nil
}

func (p *PushDispatcher) post(ctx context.Context, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
	return nil
}
