//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"fleetwatch/internal/fleet"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/fleetwatch_d1/sim/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// topicSegment makes a device id safe for use as one MQTT topic level.
func topicSegment(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			return r
		}
		return '_'
	}, id)
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(s fleet.State) string {
	if s.Name == "" || s.Name == fleet.OfflineName {
		return s.ID
	}
	return s.Name
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id string) string {
	return "fleetwatch_" + topicSegment(id)
}

// buildDiscovery generates HA discovery messages for a device.
func buildDiscovery(s fleet.State, prefix string) []discoveryMsg {
	avail := bridgeTopic(prefix)
	stateTopic := stateTopic(prefix, s.ID)
	nodeID := deviceIdentifier(s.ID)
	displayName := deviceDisplayName(s)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       s.Device.Model,
		Name:        displayName,
	}

	return []discoveryMsg{
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"sim", "SIM", "connectivity",
			fmt.Sprintf("{{ 'ON' if value_json.sim.status == %d else 'OFF' }}", fleet.StatusUp)),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"wifi", "WiFi", "connectivity",
			fmt.Sprintf("{{ 'ON' if value_json.wifi.status == %d else 'OFF' }}", fleet.StatusUp)),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"problem", "Problem", "problem",
			"{{ 'ON' if value_json.error else 'OFF' }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"location", "Location", "mdi:map-marker",
			"{{ value_json.proxy.city | default(value_json.proxy.country) }}"),
	}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, icon, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
