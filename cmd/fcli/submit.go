package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/arduino-build/coordinator/internal/progressview"
)

type submitPayload struct {
	CallerPID int             `json:"caller_pid"`
	CallerCwd string          `json:"caller_cwd"`
	Verbose   bool            `json:"verbose"`
	Params    json.RawMessage `json:"params"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	StreamURL string `json:"stream_url"`
}

type statusMessage struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// submitAndWait posts params to path, then follows the returned status
// stream until the request reaches a terminal state, rendering progress
// through internal/progressview the whole time.
func submitAndWait(baseURL, path, label string, params interface{}, verbose bool) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	cwd, _ := os.Getwd()
	body, err := json.Marshal(submitPayload{
		CallerPID: os.Getpid(),
		CallerCwd: cwd,
		Verbose:   verbose,
		Params:    raw,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("submit rejected (%d): %s", resp.StatusCode, e.Error)
	}

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return fmt.Errorf("decode submit response: %w", err)
	}

	return watchStatus(baseURL, sub.StreamURL, label)
}

// watchStatus follows the request's status WebSocket, translating each
// transition into a progressview.Update for a single named item.
func watchStatus(baseURL, streamURL, label string) error {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + streamURL

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer c.CloseNow()

	updates := make(chan progressview.Update, 8)
	done := make(chan error, 1)
	go func() { done <- progressview.Run(ctx, os.Stdout, updates) }()

	var finalErr error
	for {
		var msg statusMessage
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			close(updates)
			break
		}
		state := statusToItemState(msg.Status)
		updates <- progressview.Update{Name: label, State: state, Detail: msg.Status, Pct: -1}
		if state.Terminal() {
			if msg.Status == "failed" || msg.Status == "cancelled" {
				finalErr = fmt.Errorf("%s: %s", msg.Status, msg.Error)
			}
			close(updates)
			break
		}
	}

	<-done
	return finalErr
}

func statusToItemState(status string) progressview.ItemState {
	switch status {
	case "succeeded":
		return progressview.StateDone
	case "failed":
		return progressview.StateFailed
	case "cancelled":
		return progressview.StateCancelled
	case "running":
		return progressview.StateRunning
	default:
		return progressview.StatePending
	}
}
