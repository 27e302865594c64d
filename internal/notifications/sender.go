package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// FCMSender posts messages to the FCM HTTP v1 API.
type FCMSender struct {
	endpoint string
	client   *http.Client
}

// NewFCMSender creates a sender for endpoint (e.g. https://fcm.googleapis.com).
// The client's timeout bounds every send.
func NewFCMSender(endpoint string, client *http.Client) *FCMSender {
	return &FCMSender{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *fcmAndroid       `json:"android,omitempty"`
	APNS         *fcmAPNS          `json:"apns,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers"`
}

// Send delivers msg to one device token. Emergency pushes go out at high
// priority on both platforms.
func (s *FCMSender) Send(ctx context.Context, projectID, bearer, deviceToken string, msg Message) Response {
	payload, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:        deviceToken,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Android:      &fcmAndroid{Priority: "high"},
		APNS:         &fcmAPNS{Headers: map[string]string{"apns-priority": "10"}},
	}})
	if err != nil {
		return Response{Err: fmt.Errorf("marshal message: %w", err)}
	}

	u := fmt.Sprintf("%s/v1/projects/%s/messages:send", s.endpoint, url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return Response{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return Response{StatusCode: resp.StatusCode, Body: body}
}
