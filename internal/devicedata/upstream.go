package devicedata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"fleetwatch/internal/fleet"
)

// Upstream fetches the live state of one device. Implementations may fail in
// any way; Client turns every failure into an offline record.
type Upstream interface {
	GetDevice(ctx context.Context, id string) (*fleet.State, error)
}

// APIConfig configures the HTTP device-state API.
type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// APIClient talks to the remote device-state API over HTTP.
type APIClient struct {
	http *resty.Client
}

// envelope is the response wrapper of the device-state API.
type envelope struct {
	Success *bool           `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewAPIClient creates a client for the device-state API. Retries are
// disabled: the poll interval is the retry mechanism.
func NewAPIClient(cfg APIConfig) *APIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &APIClient{http: client}
}

// GetDevice implements Upstream.
func (a *APIClient) GetDevice(ctx context.Context, id string) (*fleet.State, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Get("/devices/{id}")
	if err != nil {
		return nil, fmt.Errorf("request device %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("device %s: upstream status %d", id, resp.StatusCode())
	}
	return decodeEnvelope(id, resp.Body())
}

func decodeEnvelope(id string, body []byte) (*fleet.State, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if (env.Success != nil && !*env.Success) || env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return nil, fmt.Errorf("upstream error %d: %s", env.Code, msg)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, errors.New("empty device payload")
	}
	return decodeState(id, data)
}

// rawState mirrors the upstream payload with every nested object optional.
type rawState struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	OS    string `json:"os"`
	Proxy *struct {
		City    string `json:"city"`
		Country string `json:"country"`
	} `json:"proxy"`
	SIM *struct {
		Status json.RawMessage `json:"status"`
		MSISDN string          `json:"msisdn"`
	} `json:"sim"`
	Device *struct {
		Model string `json:"model"`
		IMEI  string `json:"imei"`
	} `json:"device"`
	WiFi *struct {
		Status json.RawMessage `json:"status"`
		Name   string          `json:"name"`
	} `json:"wifi"`
	Error string `json:"error"`
}

// decodeState reads a device payload permissively: a missing id is taken from
// the request and missing nested objects leave their status unknown.
func decodeState(id string, data []byte) (*fleet.State, error) {
	var raw rawState
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}

	s := fleet.State{
		ID:    raw.ID,
		Name:  raw.Name,
		OS:    raw.OS,
		SIM:   fleet.SIM{Status: fleet.StatusUnknown},
		WiFi:  fleet.WiFi{Status: fleet.StatusUnknown},
		Error: raw.Error,
	}
	if s.ID == "" {
		s.ID = id
	}
	if raw.Proxy != nil {
		s.Proxy = fleet.Proxy{City: raw.Proxy.City, Country: raw.Proxy.Country}
	}
	if raw.SIM != nil {
		s.SIM = fleet.SIM{Status: parseStatus(raw.SIM.Status), MSISDN: raw.SIM.MSISDN}
	}
	if raw.Device != nil {
		s.Device = fleet.Hardware{Model: raw.Device.Model, IMEI: raw.Device.IMEI}
	}
	if raw.WiFi != nil {
		s.WiFi = fleet.WiFi{Status: parseStatus(raw.WiFi.Status), Name: raw.WiFi.Name}
	}
	return &s, nil
}

// parseStatus accepts numbers, numeric strings and booleans.
func parseStatus(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fleet.StatusUnknown
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return fleet.StatusUp
		}
		return fleet.StatusDown
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "online", "connected", "up":
			return fleet.StatusUp
		case "offline", "disconnected", "down":
			return fleet.StatusDown
		}
		if v, err := strconv.Atoi(strings.TrimSpace(str)); err == nil {
			return v
		}
	}
	return fleet.StatusUnknown
}
