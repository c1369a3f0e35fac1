package comfy

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client owns the two channels to the generation server: plain HTTP for
// submit/upload/fetch and a websocket for push events. All operations are
// asynchronous; outcomes arrive on Events.
type Client struct {
	log      zerolog.Logger
	http     *http.Client
	dialer   *websocket.Dialer
	clientID string
	events   chan Event

	mu              sync.Mutex
	baseURL         string
	conn            *websocket.Conn
	currentPromptID string
}

// New builds a client with a fresh per-process identity. When insecureTLS
// is set, certificate verification is disabled on both channels; this
// mirrors how the server is typically deployed (self-signed, LAN) and is a
// deliberate configuration choice, so it is logged loudly.
func New(log zerolog.Logger, insecureTLS bool) *Client {
	c := &Client{
		log:      log,
		clientID: uuid.NewString(),
		events:   make(chan Event, 64),
		http:     &http.Client{Timeout: 5 * time.Minute},
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	if insecureTLS {
		tlsCfg := &tls.Config{InsecureSkipVerify: true}
		c.http.Transport = &http.Transport{TLSClientConfig: tlsCfg}
		c.dialer.TLSClientConfig = tlsCfg
		log.Warn().Msg("TLS certificate verification disabled")
	}
	log.Info().Str("client_id", c.clientID).Msg("client identity generated")
	return c
}

// Events is the single stream every asynchronous outcome arrives on.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ClientID returns the per-process identity token.
func (c *Client) ClientID() string {
	return c.clientID
}

// CurrentPromptID returns the id of the most recently queued job.
func (c *Client) CurrentPromptID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPromptID
}

// Connect normalizes the server address, opens the push channel and starts
// the read loop. Any previous push channel is closed first.
func (c *Client) Connect(address string) error {
	base, err := normalizeAddress(address)
	if err != nil {
		return err
	}
	wsURL := pushURL(base, c.clientID)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.baseURL = base
	c.mu.Unlock()

	c.log.Info().Str("url", wsURL).Msg("opening push channel")
	conn, _, err := c.dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to open push channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.emit(Connected{})
	go c.readLoop(conn)
	return nil
}

// Close shuts the push channel. In-flight HTTP operations still report
// their outcome on Events.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// normalizeAddress accepts "host:port", "http://host:port" or a full URL
// and returns the base request URL without a trailing slash.
func normalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("empty server address")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", address, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// pushURL swaps the request scheme for its streaming equivalent and tags
// the connection with the client identity.
func pushURL(base, clientID string) string {
	ws := strings.Replace(base, "http", "ws", 1)
	return ws + "/ws?clientId=" + url.QueryEscape(clientID)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("push channel closed")
			c.emit(Disconnected{})
			return
		}
		c.handleMessage(data)
	}
}

// envelope is the wire frame for every push message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// nodeKey tolerates servers that send node ids as JSON numbers.
type nodeKey string

func (n *nodeKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = nodeKey(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		*n = nodeKey(num.String())
		return nil
	}
	return fmt.Errorf("node id is neither string nor number: %s", b)
}

func (c *Client) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug().Err(err).Msg("unparseable push message")
		return
	}

	switch env.Type {
	case "cloudart_stream":
		var payload struct {
			Token    string `json:"token"`
			Finished bool   `json:"finished"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.log.Debug().Err(err).Msg("bad stream payload")
			return
		}
		c.emit(StreamToken{Token: payload.Token, Finished: payload.Finished})

	case "executed":
		var payload struct {
			Node     nodeKey `json:"node"`
			PromptID string  `json:"prompt_id"`
			Output   struct {
				Images []ImageRef `json:"images"`
			} `json:"output"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.log.Debug().Err(err).Msg("bad executed payload")
			return
		}
		c.emit(Executed{
			PromptID: payload.PromptID,
			Node:     string(payload.Node),
			Images:   payload.Output.Images,
		})

	default:
		c.log.Debug().Str("type", env.Type).Msg("ignoring push message")
	}
}

// QueuePrompt wraps the job graph with the client identity and posts it to
// the submission endpoint. The server-assigned prompt id arrives as a
// Submitted event; failures arrive as ClientError. No retry.
func (c *Client) QueuePrompt(doc map[string]any) {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	go func() {
		payload := map[string]any{
			"prompt":    doc,
			"client_id": c.clientID,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("failed to encode job graph: %v", err)})
			return
		}

		resp, err := c.http.Post(base+"/prompt", "application/json", bytes.NewReader(body))
		if err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("failed to submit job: %v", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			c.emit(ClientError{Message: fmt.Sprintf("submit rejected: %s", resp.Status)})
			return
		}

		var result struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("bad submit response: %v", err)})
			return
		}

		c.mu.Lock()
		c.currentPromptID = result.PromptID
		c.mu.Unlock()

		c.log.Info().Str("prompt_id", result.PromptID).Msg("job queued")
		c.emit(Submitted{PromptID: result.PromptID})
	}()
}

// UploadImage posts a local image to the upload endpoint as multipart form
// data. A file that cannot be opened fails synchronously, before any
// network traffic; everything later arrives as Uploaded or ClientError.
func (c *Client) UploadImage(localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", localPath, err)
	}

	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	go func() {
		defer f.Close()

		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("image", filepath.Base(localPath))
		if err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("failed to build upload: %v", err)})
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("failed to read image: %v", err)})
			return
		}
		w.Close()

		resp, err := c.http.Post(base+"/upload/image", w.FormDataContentType(), &buf)
		if err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("failed to upload image: %v", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			c.emit(ClientError{Message: fmt.Sprintf("upload rejected: %s", resp.Status)})
			return
		}

		var result struct {
			Name      string `json:"name"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("bad upload response: %v", err)})
			return
		}

		c.log.Info().Str("name", result.Name).Msg("image uploaded")
		c.emit(Uploaded{Name: result.Name})
	}()
	return nil
}

// FetchImage downloads one produced artifact; the body arrives as a
// ResultReady event tagged with promptID so the caller can correlate it.
func (c *Client) FetchImage(filename, subfolder, kind, promptID string) {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	go func() {
		q := url.Values{}
		q.Set("filename", filename)
		q.Set("subfolder", subfolder)
		q.Set("type", kind)

		resp, err := c.http.Get(base + "/view?" + q.Encode())
		if err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("failed to fetch result: %v", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			c.emit(ClientError{Message: fmt.Sprintf("fetch rejected: %s", resp.Status)})
			return
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			c.emit(ClientError{Message: fmt.Sprintf("failed to read result: %v", err)})
			return
		}

		c.emit(ResultReady{PromptID: promptID, Filename: filename, Data: data})
	}()
}

func (c *Client) emit(ev Event) {
	c.events <- ev
}
