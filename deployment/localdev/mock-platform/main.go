package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-remediator/internal/stream"
)

type logRecord struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Tags      struct {
		ServiceID    string `json:"serviceId"`
		DeploymentID string `json:"deploymentId"`
	} `json:"tags"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// script is replayed in order, one line per tick, on every subscription.
var script = []struct {
	severity string
	message  string
}{
	{"info", "GET /checkout 200 12ms"},
	{"info", "GET /checkout 200 15ms"},
	{"warn", "slow query on orders table (812ms)"},
	{"error", "FATAL: JavaScript heap out of memory"},
	{"info", "GET /checkout 200 11ms"},
	{"error", "Error: connect ECONNREFUSED 10.0.0.12:5432"},
}

type deploymentBook struct {
	mu          sync.Mutex
	deployments []map[string]any
}

func newDeploymentBook() *deploymentBook {
	now := time.Now()
	return &deploymentBook{deployments: []map[string]any{
		{"id": "dep-3", "status": "SUCCESS", "createdAt": now.Add(-10 * time.Minute).Format(time.RFC3339)},
		{"id": "dep-2", "status": "FAILED", "createdAt": now.Add(-2 * time.Hour).Format(time.RFC3339)},
		{"id": "dep-1", "status": "SUCCESS", "createdAt": now.Add(-26 * time.Hour).Format(time.RFC3339)},
	}}
}

func (b *deploymentBook) edges(limit int) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, limit)
	for i, d := range b.deployments {
		if i >= limit {
			break
		}
		out = append(out, map[string]any{"node": d})
	}
	return out
}

func (b *deploymentBook) redeploy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := map[string]any{"id": "dep-" + uuid.NewString()[:8], "status": "SUCCESS", "createdAt": time.Now().Format(time.RFC3339)}
	b.deployments = append([]map[string]any{d}, b.deployments...)
}

func main() {
	logger := log.New(log.Writer(), "platform-mock ", log.LstdFlags|log.Lmicroseconds)
	book := newDeploymentBook()
	upgrader := websocket.Upgrader{
		Subprotocols: []string{stream.Subprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				logger.Printf("upgrade failed: %v", err)
				return
			}
			serveStream(logger, conn)
			return
		}
		if !enforcePost(w, r) {
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"errors": []map[string]any{{"message": "Not Authorized"}}})
			return
		}
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"data": resolve(book, req)})
	})

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func resolve(book *deploymentBook, req graphQLRequest) map[string]any {
	switch {
	case strings.Contains(req.Query, "deploymentRollback"):
		book.redeploy()
		return map[string]any{"deploymentRollback": true}
	case strings.Contains(req.Query, "serviceInstanceRedeploy"):
		book.redeploy()
		return map[string]any{"serviceInstanceRedeploy": true}
	case strings.Contains(req.Query, "serviceInstanceLimitsUpdate"):
		return map[string]any{"serviceInstanceLimitsUpdate": true}
	case strings.Contains(req.Query, "serviceInstanceUpdate"):
		return map[string]any{"serviceInstanceUpdate": true}
	case strings.Contains(req.Query, "deployments"):
		limit := 10
		if v, ok := req.Variables["first"].(float64); ok && v > 0 {
			limit = int(v)
		}
		return map[string]any{"deployments": map[string]any{"edges": book.edges(limit)}}
	default:
		return map[string]any{}
	}
}

// serveStream speaks just enough graphql-transport-ws to feed the remediator.
func serveStream(logger *log.Logger, conn *websocket.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(f stream.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	stops := make(map[string]chan struct{})
	defer func() {
		for _, stop := range stops {
			close(stop)
		}
	}()

	for {
		var frame stream.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case stream.FrameConnectionInit:
			_ = send(stream.Frame{Type: stream.FrameConnectionAck})
		case stream.FramePing:
			_ = send(stream.Frame{Type: stream.FramePong})
		case stream.FrameSubscribe:
			var payload graphQLRequest
			_ = json.Unmarshal(frame.Payload, &payload)
			serviceID, _ := payload.Variables["serviceId"].(string)
			stop := make(chan struct{})
			stops[frame.ID] = stop
			logger.Printf("subscription %s started", frame.ID)
			go emit(frame.ID, serviceID, stop, send)
		case stream.FrameComplete:
			if stop, ok := stops[frame.ID]; ok {
				close(stop)
				delete(stops, frame.ID)
			}
		}
	}
}

func emit(id, serviceID string, stop <-chan struct{}, send func(stream.Frame) error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		line := script[i%len(script)]
		rec := logRecord{Timestamp: time.Now().Format(time.RFC3339Nano), Message: line.message, Severity: line.severity}
		rec.Tags.ServiceID = serviceID
		payload, _ := json.Marshal(map[string]any{"data": map[string]any{"environmentLogs": []logRecord{rec}}})
		if err := send(stream.Frame{ID: id, Type: stream.FrameNext, Payload: payload}); err != nil {
			return
		}
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacking not supported")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
