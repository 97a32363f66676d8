package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubClient(status int, body string, inspect func(*http.Request)) *Client {
	c := NewClient("https://analysis.example/v1/analyze", "key", "small", time.Second)
	c.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if inspect != nil {
			inspect(req)
		}
		return &http.Response{
			StatusCode: status,
			Status:     http.StatusText(status),
			Body:       io.NopCloser(bytes.NewBufferString(body)),
			Header:     make(http.Header),
		}, nil
	})}
	return c
}

func TestAnalyzeLogsNormalisesResponse(t *testing.T) {
	var sent analyzeRequest
	client := stubClient(http.StatusOK,
		`{"severity":"CRITICAL","confidence":1.4,"root_cause":"heap exhausted","recommended_action":"scale_memory","reasoning":"OOM"}`,
		func(req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer key" {
				t.Fatalf("missing api key header")
			}
			_ = json.NewDecoder(req.Body).Decode(&sent)
		})

	window := []models.LogEvent{{Message: "java.lang.OutOfMemoryError", Level: models.LevelError}}
	got, err := client.AnalyzeLogs(context.Background(), window, "api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Severity != models.SeverityCritical || got.Confidence != 1 || got.RecommendedAction != models.ActionScaleMemory {
		t.Fatalf("unexpected classification: %+v", got)
	}
	if sent.ServiceName != "api" || len(sent.Logs) != 1 || sent.Model != "small" {
		t.Fatalf("unexpected request: %+v", sent)
	}
}

func TestAnalyzeLogsUnknownActionBecomesManualFix(t *testing.T) {
	client := stubClient(http.StatusOK, `{"severity":"high","confidence":0.9,"root_cause":"x","recommended_action":"reboot_datacenter"}`, nil)
	got, err := client.AnalyzeLogs(context.Background(), nil, "api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.RecommendedAction != models.ActionManualFix {
		t.Fatalf("expected manual_fix, got %s", got.RecommendedAction)
	}
}

func TestAnalyzeLogsErrors(t *testing.T) {
	if _, err := NewClient("", "", "", 0).AnalyzeLogs(context.Background(), nil, "api"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := stubClient(http.StatusBadGateway, `{}`, nil).AnalyzeLogs(context.Background(), nil, "api"); err == nil {
		t.Fatal("expected error on non-200")
	}
	if _, err := stubClient(http.StatusOK, `{"confidence":0.9}`, nil).AnalyzeLogs(context.Background(), nil, "api"); err == nil {
		t.Fatal("expected error on empty root cause")
	}
}
