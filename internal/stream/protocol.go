package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "graphql-transport-ws"

// Frame types exchanged with the upstream log stream.
const (
	FrameConnectionInit = "connection_init"
	FrameConnectionAck  = "connection_ack"
	FrameSubscribe      = "subscribe"
	FrameNext           = "next"
	FrameError          = "error"
	FrameComplete       = "complete"
	FramePing           = "ping"
	FramePong           = "pong"
)

// DefaultFilter bounds stream volume when a subscriber does not choose one.
const DefaultFilter = "severity:error"

// LogsSubscription streams environment logs.
const LogsSubscription = `subscription streamEnvironmentLogs($environmentId: String!, $filter: String, $beforeLimit: Int!) {
  environmentLogs(environmentId: $environmentId, filter: $filter, beforeLimit: $beforeLimit) {
    timestamp
    message
    severity
    tags { serviceId deploymentId }
    attributes { key value }
  }
}`

// Frame is one protocol message.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeOptions tune a subscribe request.
type SubscribeOptions struct {
	// Filter is the upstream log filter expression. Defaults to DefaultFilter.
	Filter string
	// Query replaces the log subscription document with an arbitrary GraphQL operation.
	Query string
	// Variables are merged over the defaults for Query.
	Variables map[string]any
	// BeforeLimit asks the upstream for this many historical lines first.
	BeforeLimit int
}

type subscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

func initFrame(token string) Frame {
	payload, _ := json.Marshal(map[string]string{"authorization": "Bearer " + token})
	return Frame{Type: FrameConnectionInit, Payload: payload}
}

func subscribeFrame(sub models.Subscription, opts SubscribeOptions) (Frame, error) {
	body := subscribePayload{Query: LogsSubscription}
	vars := map[string]any{
		"environmentId": sub.EnvironmentID,
		"filter":        sub.Filter,
		"beforeLimit":   opts.BeforeLimit,
	}
	if opts.Query != "" {
		body.Query = opts.Query
		vars = map[string]any{"environmentId": sub.EnvironmentID}
	}
	for k, v := range opts.Variables {
		vars[k] = v
	}
	body.Variables = vars

	payload, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode subscribe payload: %w", err)
	}
	return Frame{ID: sub.ID, Type: FrameSubscribe, Payload: payload}, nil
}

type logRecord struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Level     string `json:"level"`
	ServiceID string `json:"serviceId"`
	Tags      struct {
		ServiceID    string `json:"serviceId"`
		DeploymentID string `json:"deploymentId"`
	} `json:"tags"`
	Attributes []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"attributes"`
}

func (r logRecord) level() string {
	if r.Severity != "" {
		return r.Severity
	}
	if r.Level != "" {
		return r.Level
	}
	for _, attr := range r.Attributes {
		if attr.Key == "level" || attr.Key == "severity" {
			return strings.Trim(attr.Value, `"`)
		}
	}
	return ""
}

func (r logRecord) serviceID() string {
	if r.Tags.ServiceID != "" {
		return r.Tags.ServiceID
	}
	return r.ServiceID
}

// parseNext extracts log events from a next payload. Every array field under
// data is treated as a list of log records.
func parseNext(payload json.RawMessage, target models.Target, source string, now time.Time) ([]models.LogEvent, error) {
	var body struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode next payload: %w", err)
	}
	if len(body.Errors) > 0 && len(body.Data) == 0 {
		return nil, fmt.Errorf("upstream error: %s", body.Errors[0].Message)
	}

	var events []models.LogEvent
	for _, raw := range body.Data {
		var records []logRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			var single logRecord
			if err := json.Unmarshal(raw, &single); err != nil || single.Message == "" {
				continue
			}
			records = []logRecord{single}
		}
		for _, rec := range records {
			serviceID := rec.serviceID()
			if serviceID == "" {
				serviceID = target.ServiceID
			}
			events = append(events, models.LogEvent{
				ID:            uuid.NewString(),
				Timestamp:     utils.TimestampOr(rec.Timestamp, now),
				Message:       rec.Message,
				Level:         models.ParseLogLevel(rec.level()),
				ServiceID:     serviceID,
				EnvironmentID: target.EnvironmentID,
				Source:        source,
			})
		}
	}
	return events, nil
}

func errorMessage(payload json.RawMessage) string {
	var list []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &list); err == nil && len(list) > 0 {
		msgs := make([]string, 0, len(list))
		for _, e := range list {
			msgs = append(msgs, e.Message)
		}
		return strings.Join(msgs, "; ")
	}
	return string(payload)
}
