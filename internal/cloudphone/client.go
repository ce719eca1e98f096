// Package cloudphone is the client for the cloud device control plane: the
// vendor that rents out cloud-hosted phones and runs automation task flows
// on them.
package cloudphone

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Per-device failure codes returned in failDetails entries.
const (
	CodeDeviceNotFound   = 42001
	CodeDeviceNotRunning = 42002
	CodeDeviceBusy       = 42003 // busy executing a task; stop may be retried
	CodeDeviceExpired    = 42004
)

// APIError is a non-zero envelope code from the vendor.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device plane error: %s (code %d)", e.Msg, e.Code)
}

// Client talks to the device control plane over signed JSON POSTs.
type Client struct {
	baseURL    string
	appID      string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, appID, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appID:      appID,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	traceID := strings.ToUpper(uuid.New().String())
	nonce := traceID[:6]
	sum := sha256.Sum256([]byte(c.appID + traceID + ts + nonce + c.apiKey))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("appId", c.appID)
	req.Header.Set("traceId", traceID)
	req.Header.Set("ts", ts)
	req.Header.Set("nonce", nonce)
	req.Header.Set("sign", strings.ToUpper(hex.EncodeToString(sum[:])))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("device plane request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// TaskStatus is one row from a batch task-status query.
type TaskStatus struct {
	ID       string      `json:"id"`
	Status   int         `json:"status"`
	FailCode int         `json:"failCode"`
	FailDesc string      `json:"failDesc"`
	Cost     int         `json:"cost"`
	Result   *TaskResult `json:"result,omitempty"`
}

// TaskResult carries kind-specific output; posting tasks return the
// published post id.
type TaskResult struct {
	PostID string `json:"post_id"`
}

// QueryTasks fetches the current status of up to 100 tasks in one call.
// Partial results are normal: ids the vendor has purged are simply absent.
func (c *Client) QueryTasks(ctx context.Context, taskIDs []string) ([]TaskStatus, error) {
	var data struct {
		Items []TaskStatus `json:"items"`
	}
	if err := c.post(ctx, "/open/v1/task/query", map[string]any{"ids": taskIDs}, &data); err != nil {
		return nil, err
	}
	return data.Items, nil
}

// FailDetail is a per-device failure in a batch device operation.
type FailDetail struct {
	ID   string `json:"id"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// BatchResult is the response shape for batch device start/stop calls.
type BatchResult struct {
	SuccessAmount  int            `json:"successAmount"`
	SuccessDetails []DeviceDetail `json:"successDetails"`
	FailDetails    []FailDetail   `json:"failDetails"`
}

// DeviceDetail is a per-device success entry; status is the power code.
type DeviceDetail struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

// StartDevices powers up the given devices.
func (c *Client) StartDevices(ctx context.Context, deviceIDs []string) (BatchResult, error) {
	var data BatchResult
	err := c.post(ctx, "/open/v1/phone/start", map[string]any{"ids": deviceIDs}, &data)
	return data, err
}

// StopDevices powers down the given devices. Callers must go through the
// release coordinator; per-device conflicts come back in FailDetails.
func (c *Client) StopDevices(ctx context.Context, deviceIDs []string) (BatchResult, error) {
	var data BatchResult
	err := c.post(ctx, "/open/v1/phone/stop", map[string]any{"ids": deviceIDs}, &data)
	return data, err
}

// DeviceStatus reports the power code for each device.
func (c *Client) DeviceStatus(ctx context.Context, deviceIDs []string) (BatchResult, error) {
	var data BatchResult
	err := c.post(ctx, "/open/v1/phone/status", map[string]any{"ids": deviceIDs}, &data)
	return data, err
}

// Task flow identifiers on the vendor side.
const (
	flowLogin      = "tiktok_login"
	flowWarmup     = "tiktok_warmup"
	flowPostVideo  = "tiktok_post_video"
	flowCarousel   = "tiktok_post_carousel"
	flowEngagement = "tiktok_engage"
)

type startTaskData struct {
	TaskID string `json:"taskId"`
}

func (c *Client) startTask(ctx context.Context, flow, deviceID string, params map[string]any) (string, error) {
	body := map[string]any{"flow": flow, "envId": deviceID, "params": params}
	var data startTaskData
	if err := c.post(ctx, "/open/v1/task/create", body, &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", errors.New("device plane returned no task id")
	}
	return data.TaskID, nil
}

// StartLogin launches a login flow. The phone number, when present, points
// the flow at the rented OTP number.
func (c *Client) StartLogin(ctx context.Context, deviceID, username, phoneNumber string) (string, error) {
	return c.startTask(ctx, flowLogin, deviceID, map[string]any{
		"username": username,
		"phone":    phoneNumber,
	})
}

// StartWarmup launches a warm-up browsing flow for the given duration.
func (c *Client) StartWarmup(ctx context.Context, deviceID string, durationMinutes int, keywords []string) (string, error) {
	return c.startTask(ctx, flowWarmup, deviceID, map[string]any{
		"duration": durationMinutes,
		"keywords": keywords,
	})
}

// StartVideoPost launches a video posting flow.
func (c *Client) StartVideoPost(ctx context.Context, deviceID, videoURL, caption string) (string, error) {
	return c.startTask(ctx, flowPostVideo, deviceID, map[string]any{
		"video":   videoURL,
		"caption": caption,
	})
}

// StartCarouselPost launches a carousel posting flow.
func (c *Client) StartCarouselPost(ctx context.Context, deviceID string, imageURLs []string, caption string) (string, error) {
	return c.startTask(ctx, flowCarousel, deviceID, map[string]any{
		"images":  imageURLs,
		"caption": caption,
	})
}

// StartEngagement launches an engagement (like/comment/follow) flow.
func (c *Client) StartEngagement(ctx context.Context, deviceID string, targets []string) (string, error) {
	return c.startTask(ctx, flowEngagement, deviceID, map[string]any{
		"targets": targets,
	})
}

// CancelTasks asks the vendor to cancel in-flight tasks.
func (c *Client) CancelTasks(ctx context.Context, taskIDs []string) error {
	return c.post(ctx, "/open/v1/task/cancel", map[string]any{"ids": taskIDs}, nil)
}

// TakeScreenshot requests a screenshot; the result arrives asynchronously.
func (c *Client) TakeScreenshot(ctx context.Context, deviceID string) (string, error) {
	var data startTaskData
	if err := c.post(ctx, "/open/v1/phone/screenShot", map[string]any{"id": deviceID}, &data); err != nil {
		return "", err
	}
	return data.TaskID, nil
}

// ScreenshotResult holds the async screenshot outcome. Status follows the
// task code space; DownloadLink is set once the capture completed.
type ScreenshotResult struct {
	Status       int    `json:"status"`
	DownloadLink string `json:"downloadLink"`
}

// GetScreenshotResult polls for a screenshot requested earlier.
func (c *Client) GetScreenshotResult(ctx context.Context, taskID string) (ScreenshotResult, error) {
	var data ScreenshotResult
	err := c.post(ctx, "/open/v1/phone/screenShot/result", map[string]any{"taskId": taskID}, &data)
	return data, err
}
