package fleet

import (
	"strconv"
	"strings"
)

// Status codes reported by the device-state API for SIM and WiFi links.
const (
	StatusUnknown = -1
	StatusDown    = 0
	StatusUp      = 1
)

// OfflineName is the display name of a synthetic record built after a failed fetch.
const OfflineName = "Device (Offline)"

// Proxy is the egress location of a device.
type Proxy struct {
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// SIM is the cellular link of a device.
type SIM struct {
	Status int    `json:"status"`
	MSISDN string `json:"msisdn,omitempty"`
}

// Hardware identifies the physical handset.
type Hardware struct {
	Model string `json:"model,omitempty"`
	IMEI  string `json:"imei,omitempty"`
}

// WiFi is the wireless link of a device.
type WiFi struct {
	Status int    `json:"status"`
	Name   string `json:"name,omitempty"`
}

// State is an immutable snapshot of one device as reported by the upstream API.
// A newer snapshot replaces an older one; snapshots are compared by value.
type State struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	OS     string   `json:"os,omitempty"`
	Proxy  Proxy    `json:"proxy"`
	SIM    SIM      `json:"sim"`
	Device Hardware `json:"device"`
	WiFi   WiFi     `json:"wifi"`
	Error  string   `json:"error,omitempty"`
}

// Offline builds the synthetic record returned in place of a failed fetch.
func Offline(id string, err error) State {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return State{
		ID:    id,
		Name:  OfflineName,
		SIM:   SIM{Status: StatusUnknown},
		WiFi:  WiFi{Status: StatusUnknown},
		Error: msg,
	}
}

// Online reports whether the SIM link is up.
func (s State) Online() bool { return s.SIM.Status == StatusUp }

// WiFiConnected reports whether the WiFi link is up.
func (s State) WiFiConnected() bool { return s.WiFi.Status == StatusUp }

// HasError reports whether the snapshot carries an error string.
func (s State) HasError() bool { return s.Error != "" }

// Location returns the country, falling back to the city, then "Unknown".
func (s State) Location() string {
	if s.Proxy.Country != "" {
		return s.Proxy.Country
	}
	if s.Proxy.City != "" {
		return s.Proxy.City
	}
	return "Unknown"
}

// Fingerprint digests the fields that make a change worth alerting on:
// id, SIM status, WiFi status and error. Every other field is ignored.
func Fingerprint(s State) string {
	var b strings.Builder
	b.Grow(len(s.ID) + len(s.Error) + 16)
	b.WriteString(strconv.Quote(s.ID))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.SIM.Status))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.WiFi.Status))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(s.Error))
	return b.String()
}

// StatusLabel renders a link status for humans.
func StatusLabel(status int) string {
	switch status {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}
