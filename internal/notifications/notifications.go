// Package notifications pushes endpoint health alerts to an ntfy topic.
package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/internal/env"
)

// ntfy priorities
const (
	PriorityDefault = 3
	PriorityHigh    = 4
)

// Alert is one ntfy message.
type Alert struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type publishRequest struct {
	Topic string `json:"topic"`
	Alert
}

var client *http.Client
var baseURL = "https://ntfy.sh"
var topic string
var initialized bool

// Init initializes the notification client
func Init() {
	if env.Cfg.NtfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return
	}

	client = &http.Client{
		Timeout: 10 * time.Second,
	}
	topic = env.Cfg.NtfyTopic
	initialized = true

	log.Info().
		Str("topic", topic).
		Msg("Ntfy notifications initialized")
}

// EndpointOffline is raised once an endpoint missed failures status requests in a row.
func EndpointOffline(name string, failures int, err error) Alert {
	return Alert{
		Title:    fmt.Sprintf("%s is unreachable", name),
		Message:  fmt.Sprintf("%s failed %d status requests in a row: %v", name, failures, err),
		Priority: PriorityHigh,
		Tags:     []string{"warning", name},
	}
}

// EndpointOnline is raised when an offline endpoint answers again.
func EndpointOnline(name string, failures int) Alert {
	return Alert{
		Title:    fmt.Sprintf("%s is reachable again", name),
		Message:  fmt.Sprintf("%s answered a status request after %d failures.", name, failures),
		Priority: PriorityDefault,
		Tags:     []string{"white_check_mark", name},
	}
}

// Notify sends a when notifications are enabled and is a no-op otherwise.
func Notify(a Alert) error {
	if !initialized {
		log.Debug().Str("title", a.Title).Msg("Notifications disabled, alert not sent")
		return nil
	}
	return Send(a)
}

// Send publishes a to the configured topic.
func Send(a Alert) error {
	if !initialized {
		return fmt.Errorf("notifications not initialized")
	}

	jsonData, err := json.Marshal(publishRequest{Topic: topic, Alert: a})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", a.Title).
		Int("priority", a.Priority).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}
