//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"cast-go-home/internal/supervisor"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/cast_living_room_tv/casting/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name             string           `json:"name"`
	UniqueID         string           `json:"unique_id"`
	StateTopic       string           `json:"state_topic"`
	CommandTopic     string           `json:"command_topic,omitempty"`
	Availability     []haAvailability `json:"availability"`
	AvailabilityMode string           `json:"availability_mode,omitempty"`
	ValueTemplate    string           `json:"value_template,omitempty"`
	CommandTemplate  string           `json:"command_template,omitempty"`
	DeviceClass      string           `json:"device_class,omitempty"`
	Icon             string           `json:"icon,omitempty"`
	PayloadOn        string           `json:"payload_on,omitempty"`
	PayloadOff       string           `json:"payload_off,omitempty"`
	StateOn          string           `json:"state_on,omitempty"`
	StateOff         string           `json:"state_off,omitempty"`
	Min              *int             `json:"min,omitempty"`
	Max              *int             `json:"max,omitempty"`
	Step             int              `json:"step,omitempty"`
	Mode             string           `json:"mode,omitempty"`
	Unit             string           `json:"unit_of_measurement,omitempty"`
	Device           haDevice         `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(name string) string {
	return "cast_" + deviceTopicName(name)
}

// deviceTopicName returns the topic-safe form of a device name.
func deviceTopicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "receiver"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// topics groups the per-device topics under a prefix.
type topics struct {
	state        string
	command      string
	availability string
	bridge       string
}

func deviceTopics(prefix, name string) topics {
	base := prefix + "/" + deviceTopicName(name)
	return topics{
		state:        base,
		command:      base + "/set",
		availability: base + "/availability",
		bridge:       prefix + "/bridge/state",
	}
}

// buildDiscovery generates HA discovery messages for the receiver: a switch for
// casting, a motion sensor for the delayed presentation and a volume number.
func buildDiscovery(snap supervisor.Snapshot, prefix string) []discoveryMsg {
	t := deviceTopics(prefix, snap.Name)
	nodeID := deviceIdentifier(snap.Name)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Google",
		Model:        snap.Identity.DeviceType,
		Name:         snap.Name,
	}
	if snap.Identity.DeviceID != "" {
		haDev.Identifiers = append(haDev.Identifiers, "cast_id_"+snap.Identity.DeviceID)
	}
	avail := []haAvailability{{Topic: t.bridge}, {Topic: t.availability}}

	return []discoveryMsg{
		buildSwitch(nodeID, snap.Name, t, avail, haDev),
		buildMotion(nodeID, snap.Name, t, avail, haDev),
		buildVolume(nodeID, snap.Name, t, avail, haDev),
	}
}

func buildSwitch(nodeID, displayName string, t topics, avail []haAvailability, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/casting/config", nodeID)
	payload := haDiscovery{
		Name:             displayName,
		UniqueID:         nodeID + "_casting",
		StateTopic:       t.state,
		CommandTopic:     t.command,
		Availability:     avail,
		AvailabilityMode: "all",
		ValueTemplate:    "{{ value_json.state }}",
		PayloadOn:        `{"state":"ON"}`,
		PayloadOff:       `{"state":"OFF"}`,
		StateOn:          "ON",
		StateOff:         "OFF",
		Icon:             "mdi:cast",
		Device:           haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildMotion(nodeID, displayName string, t topics, avail []haAvailability, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/motion/config", nodeID)
	payload := haDiscovery{
		Name:             displayName + " Activity",
		UniqueID:         nodeID + "_motion",
		StateTopic:       t.state,
		Availability:     avail,
		AvailabilityMode: "all",
		ValueTemplate:    "{{ value_json.motion }}",
		DeviceClass:      "motion",
		PayloadOn:        "ON",
		PayloadOff:       "OFF",
		Device:           haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildVolume(nodeID, displayName string, t topics, avail []haAvailability, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/number/%s/volume/config", nodeID)
	lo, hi := 0, 100
	payload := haDiscovery{
		Name:             displayName + " Volume",
		UniqueID:         nodeID + "_volume",
		StateTopic:       t.state,
		CommandTopic:     t.command,
		Availability:     avail,
		AvailabilityMode: "all",
		ValueTemplate:    "{{ value_json.volume }}",
		CommandTemplate:  `{"volume": {{ value }}}`,
		Min:              &lo,
		Max:              &hi,
		Step:             1,
		Mode:             "slider",
		Unit:             "%",
		Icon:             "mdi:volume-high",
		Device:           haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove the device from HA.
func buildRemoveDiscovery(name string) []discoveryMsg {
	nodeID := deviceIdentifier(name)
	components := []struct{ comp, obj string }{
		{"switch", "casting"},
		{"binary_sensor", "motion"},
		{"number", "volume"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
