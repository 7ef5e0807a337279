package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatrelay/internal/messaging"
)

var (
	httpTimeout = 5 * time.Second

	errUnauthorized = errors.New("session expired, please log in again")
)

type sessionFile struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// apiClient talks to the REST half of the server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: httpTimeout},
	}
}

func (c *apiClient) Register(username, email, password string) error {
	payload := map[string]string{"username": username, "email": email, "password": password}
	return c.do(http.MethodPost, "/api/auth/register", "", payload, nil)
}

func (c *apiClient) Login(email, password string) (*loginResponse, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp loginResponse
	if err := c.do(http.MethodPost, "/api/auth/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Logout(token string) error {
	return c.do(http.MethodPost, "/api/auth/logout", token, nil, nil)
}

func (c *apiClient) Users(token string) ([]userDTO, error) {
	var users []userDTO
	err := c.do(http.MethodGet, "/api/auth/users", token, nil, &users)
	return users, err
}

func (c *apiClient) History(token, peerID string) ([]messaging.HistoryEntry, error) {
	var history []messaging.HistoryEntry
	err := c.do(http.MethodGet, "/api/messages/"+url.PathEscape(peerID), token, nil, &history)
	return history, err
}

func (c *apiClient) SendMessage(token, to, text string) (messaging.Message, error) {
	var msg messaging.Message
	err := c.do(http.MethodPost, "/api/messages", token, sendMessageRequest{To: to, Text: text}, &msg)
	return msg, err
}

func (c *apiClient) EditMessage(token, messageID, text string) (messaging.Message, error) {
	var msg messaging.Message
	err := c.do(http.MethodPut, "/api/messages/"+url.PathEscape(messageID), token, editMessageRequest{Text: text}, &msg)
	return msg, err
}

func (c *apiClient) DeleteMessage(token, messageID string) error {
	return c.do(http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), token, nil, nil)
}

func (c *apiClient) do(method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// websocketURL turns the http base URL into the ws endpoint.
func websocketURL(baseURL, wsPath string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	if wsPath == "" {
		wsPath = "/ws"
	}
	if !strings.HasPrefix(wsPath, "/") {
		wsPath = "/" + wsPath
	}
	parsed.Path = wsPath
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

func defaultSessionPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "chatrelay", "session.json")
	}
	return filepath.Join(".", ".chatrelay", "session.json")
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.UserID == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
