package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/runq/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the runq API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListTasks fetches tasks from the API, optionally filtered by status.
func (c *Client) ListTasks(status models.TaskStatus) ([]models.QueueItem, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var items []models.QueueItem
	err := c.get(path, &items)
	return items, err
}

// GetTask fetches a single task
func (c *Client) GetTask(id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.get("/tasks/"+url.PathEscape(id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListRunners fetches runners with liveness.
func (c *Client) ListRunners() ([]models.RunnerWithStatus, error) {
	var runners []models.RunnerWithStatus
	err := c.get("/runners", &runners)
	return runners, err
}

// ListNamespaces fetches namespace summaries.
func (c *Client) ListNamespaces() ([]models.NamespaceSummary, error) {
	var namespaces []models.NamespaceSummary
	err := c.get("/namespaces", &namespaces)
	return namespaces, err
}

// Healthy reports whether the daemon answers /health with 200.
func (c *Client) Healthy() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CancelTask cancels a task.
func (c *Client) CancelTask(id string) (string, error) {
	return c.transition("/tasks/"+url.PathEscape(id)+"/cancel", nil)
}

// Respond answers a task awaiting a response.
func (c *Client) Respond(id, response string) (string, error) {
	return c.transition("/tasks/"+url.PathEscape(id)+"/respond", map[string]string{"response": response})
}

type transitionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// transition posts body and returns the result message. Rejected
// transitions are returned as errors carrying the result code.
func (c *Client) transition(path string, body any) (string, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return "", err
		}
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var res transitionResult
	if jsonErr := json.Unmarshal(data, &res); jsonErr != nil {
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if !res.Success {
		return "", fmt.Errorf("%s: %s", res.Error, res.Message)
	}
	return res.Message, nil
}

func (c *Client) get(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
