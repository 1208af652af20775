package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDeployUploadsMultipartArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/web/deployments" || r.URL.Query().Get("wait") != "true" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		file, _, err := r.FormFile("archive")
		if err != nil {
			t.Fatalf("archive field: %v", err)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "tarball" {
			t.Errorf("archive = %q", data)
		}
		if r.FormValue("strategy") != "rolling" {
			t.Errorf("strategy = %q", r.FormValue("strategy"))
		}
		if env := r.MultipartForm.Value["env"]; len(env) != 1 || env[0] != "PORT=3000" {
			t.Errorf("env = %v", env)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "dep-1", "status": "DEPLOYED", "url": "http://web.test"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	dep, err := c.Deploy(context.Background(), "tok", "web", strings.NewReader("tarball"), DeployInput{
		Strategy: "rolling",
		Env:      map[string]string{"PORT": "3000"},
		Wait:     true,
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if dep.ID != "dep-1" || !dep.Terminal() {
		t.Fatalf("unexpected deployment %+v", dep)
	}
}

func TestAPIErrorCarriesFailedDeployment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":      "build failed",
			"deployment": map[string]any{"id": "dep-2", "status": "FAILED"},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.Deploy(context.Background(), "", "web", strings.NewReader("x"), DeployInput{Wait: true})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Message != "build failed" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Deployment == nil || apiErr.Deployment.ID != "dep-2" {
		t.Fatalf("expected failed deployment in error, got %+v", apiErr.Deployment)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.GetDeployment(context.Background(), "", "dep-1")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream gone" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("localhost:4100/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://localhost:4100" {
		t.Fatalf("base url = %q", c.baseURL)
	}
}

func TestStreamLogs(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/logs" || r.URL.Query().Get("deployment_id") != "dep-1" || r.URL.Query().Get("offset") != "1" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{"build started", "build finished", "container started"} {
			payload, _ := json.Marshal(LogEntry{DeploymentID: "dep-1", Level: "info", Message: msg, Time: time.Now()})
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("until close", func(t *testing.T) {
		var got []string
		err := c.StreamLogs(ctx, "", "dep-1", 1, func(e LogEntry) error {
			got = append(got, e.Message)
			return nil
		})
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 entries, got %v", got)
		}
	})

	t.Run("callback stops", func(t *testing.T) {
		var got int
		err := c.StreamLogs(ctx, "", "dep-1", 1, func(e LogEntry) error {
			got++
			return ErrStopStream
		})
		if err != nil || got != 1 {
			t.Fatalf("expected one entry and nil error, got %d %v", got, err)
		}
	})

	t.Run("handshake rejected", func(t *testing.T) {
		err := c.StreamLogs(ctx, "", "other", 0, func(LogEntry) error { return nil })
		var apiErr APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
			t.Fatalf("expected 400 APIError, got %v", err)
		}
	})
}
