package comfy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestClient() *Client {
	return New(zerolog.Nop(), false)
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func noEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:8000", "http://127.0.0.1:8000"},
		{"http://127.0.0.1:8000/", "http://127.0.0.1:8000"},
		{"https://art.example.com", "https://art.example.com"},
		{" host:8188 ", "http://host:8188"},
	}
	for _, tc := range cases {
		got, err := normalizeAddress(tc.in)
		if err != nil {
			t.Fatalf("normalizeAddress(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := normalizeAddress(""); err == nil {
		t.Fatalf("expected error for empty address")
	}
	if _, err := normalizeAddress("ftp://host"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestPushURLDerivation(t *testing.T) {
	got := pushURL("http://127.0.0.1:8000", "abc-123")
	if got != "ws://127.0.0.1:8000/ws?clientId=abc-123" {
		t.Fatalf("pushURL = %q", got)
	}
	got = pushURL("https://art.example.com", "id")
	if got != "wss://art.example.com/ws?clientId=id" {
		t.Fatalf("pushURL = %q", got)
	}
}

func TestQueuePromptEmitsSubmitted(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" {
			t.Errorf("path = %s, want /prompt", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-42"})
	}))
	defer srv.Close()

	c := newTestClient()
	c.baseURL = srv.URL
	c.QueuePrompt(map[string]any{"5": map[string]any{"inputs": map[string]any{"text": "hi"}}})

	ev := nextEvent(t, c)
	sub, ok := ev.(Submitted)
	if !ok {
		t.Fatalf("event = %#v, want Submitted", ev)
	}
	if sub.PromptID != "p-42" {
		t.Fatalf("prompt id = %q, want p-42", sub.PromptID)
	}
	if c.CurrentPromptID() != "p-42" {
		t.Fatalf("current prompt id = %q", c.CurrentPromptID())
	}

	if received["client_id"] == "" || received["client_id"] != c.ClientID() {
		t.Fatalf("submitted client_id = %v, want %s", received["client_id"], c.ClientID())
	}
	if _, ok := received["prompt"]; !ok {
		t.Fatalf("request missing prompt wrapper: %v", received)
	}
}

func TestQueuePromptStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient()
	c.baseURL = srv.URL
	c.QueuePrompt(map[string]any{})

	if _, ok := nextEvent(t, c).(ClientError); !ok {
		t.Fatalf("expected ClientError on rejected submit")
	}
}

func TestUploadImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			t.Errorf("path = %s", r.URL.Path)
		}
		f, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		f.Close()
		if header.Filename != "source.png" {
			t.Errorf("filename = %s", header.Filename)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"name": "source_0001.png", "subfolder": "", "type": "input",
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "source.png")
	if err := os.WriteFile(path, []byte("not-really-png"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newTestClient()
	c.baseURL = srv.URL
	if err := c.UploadImage(path); err != nil {
		t.Fatalf("UploadImage: %v", err)
	}

	ev := nextEvent(t, c)
	up, ok := ev.(Uploaded)
	if !ok {
		t.Fatalf("event = %#v, want Uploaded", ev)
	}
	if up.Name != "source_0001.png" {
		t.Fatalf("uploaded name = %q", up.Name)
	}
}

func TestUploadImageMissingFileFailsSynchronously(t *testing.T) {
	c := newTestClient()
	if err := c.UploadImage("/does/not/exist.png"); err == nil {
		t.Fatalf("expected synchronous error for missing file")
	}
	noEvent(t, c)
}

func TestFetchImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("filename") != "out.png" || q.Get("type") != "output" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte("imagebytes"))
	}))
	defer srv.Close()

	c := newTestClient()
	c.baseURL = srv.URL
	c.FetchImage("out.png", "sub", "output", "p-7")

	ev := nextEvent(t, c)
	res, ok := ev.(ResultReady)
	if !ok {
		t.Fatalf("event = %#v, want ResultReady", ev)
	}
	if res.PromptID != "p-7" || res.Filename != "out.png" || string(res.Data) != "imagebytes" {
		t.Fatalf("result = %#v", res)
	}
}

func TestHandleMessageNodeNormalization(t *testing.T) {
	c := newTestClient()

	c.handleMessage([]byte(`{"type":"executed","data":{"node":9,"prompt_id":"p1","output":{"images":[{"filename":"a.png","subfolder":"","type":"output"}]}}}`))
	ev := nextEvent(t, c).(Executed)
	if ev.Node != "9" {
		t.Fatalf("numeric node normalized to %q, want 9", ev.Node)
	}
	if len(ev.Images) != 1 || ev.Images[0].Filename != "a.png" {
		t.Fatalf("images = %#v", ev.Images)
	}

	c.handleMessage([]byte(`{"type":"executed","data":{"node":"20","prompt_id":"p2","output":{}}}`))
	ev = nextEvent(t, c).(Executed)
	if ev.Node != "20" || ev.PromptID != "p2" {
		t.Fatalf("string node event = %#v", ev)
	}
}

func TestHandleMessageStreamAndNoise(t *testing.T) {
	c := newTestClient()

	c.handleMessage([]byte(`{"type":"cloudart_stream","data":{"token":"hel","finished":false}}`))
	tok := nextEvent(t, c).(StreamToken)
	if tok.Token != "hel" || tok.Finished {
		t.Fatalf("stream token = %#v", tok)
	}

	c.handleMessage([]byte(`{"type":"status","data":{"queue_remaining":3}}`))
	c.handleMessage([]byte(`not json at all`))
	noEvent(t, c)
}

func TestConnectPushChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			t.Errorf("push path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("clientId") == "" {
			t.Errorf("missing clientId query parameter")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"cloudart_stream","data":{"token":"x","finished":true}}`))
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient()
	if err := c.Connect(srv.URL); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, ok := nextEvent(t, c).(Connected); !ok {
		t.Fatalf("expected Connected first")
	}
	tok, ok := nextEvent(t, c).(StreamToken)
	if !ok || tok.Token != "x" || !tok.Finished {
		t.Fatalf("stream event = %#v", tok)
	}
	if _, ok := nextEvent(t, c).(Disconnected); !ok {
		t.Fatalf("expected Disconnected after server close")
	}
}

func TestConnectFailsForUnreachableServer(t *testing.T) {
	c := newTestClient()
	if err := c.Connect("127.0.0.1:1"); err == nil {
		t.Fatalf("expected connect error")
	}
}
