// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockSender struct {
	pending, open, inflight int
}

func (m *mockSender) Pending() int  { return m.pending }
func (m *mockSender) Open() int     { return m.open }
func (m *mockSender) InFlight() int { return m.inflight }

type mockReceiver struct {
	ready       bool
	pending     int
	connections int
}

func (m *mockReceiver) Ready() bool      { return m.ready }
func (m *mockReceiver) Pending() int     { return m.pending }
func (m *mockReceiver) Connections() int { return m.connections }

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, "node-a", nil, nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, "node-a", &mockSender{}, nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		sender         Sender
		receiver       Receiver
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "ready with listening receiver",
			receiver:       &mockReceiver{ready: true},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "ready with sender only",
			sender:         &mockSender{},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "not ready without transport",
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "transport not initialized",
		},
		{
			name:           "not ready while receiver is stopped",
			sender:         &mockSender{},
			receiver:       &mockReceiver{ready: false},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "receiver not listening",
		},
		{
			name:           "POST request not allowed",
			receiver:       &mockReceiver{ready: true},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, "node-a", tt.sender, tt.receiver, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.method != http.MethodGet {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if tt.expectedReady && response.Status != "ready" {
				t.Errorf("expected ready status, got %q", response.Status)
			}
			if !tt.expectedReady {
				if response.Status != "not_ready" {
					t.Errorf("expected not_ready status, got %q", response.Status)
				}
				if response.Details != tt.expectedReason {
					t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
				}
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	snd := &mockSender{pending: 3, open: 2, inflight: 4}
	rcv := &mockReceiver{ready: true, pending: 1, connections: 5}
	server := New(Config{}, "node-a", snd, rcv, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()
	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.NodeID != "node-a" {
		t.Errorf("expected node ID node-a, got %q", response.NodeID)
	}
	if response.Sender == nil || *response.Sender != (SenderStats{Pending: 3, OpenConnections: 2, InFlight: 4}) {
		t.Errorf("unexpected sender stats %+v", response.Sender)
	}
	if response.Receiver == nil || *response.Receiver != (ReceiverStats{Listening: true, Pending: 1, Connections: 5}) {
		t.Errorf("unexpected receiver stats %+v", response.Receiver)
	}

	server = New(Config{}, "node-b", snd, nil, slog.Default())
	rec = httptest.NewRecorder()
	server.handleStats(rec, req)
	response = StatsResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Receiver != nil {
		t.Errorf("expected no receiver stats, got %+v", response.Receiver)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, "node-a", &mockSender{}, &mockReceiver{ready: true}, slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
		{name: "/stats", handler: server.handleStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]interface{}
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, "node-a", &mockSender{}, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.Addr() == "" {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
