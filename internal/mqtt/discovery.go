package mqtt

import (
	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/device"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	manufacturer = "Gira"
)

// DeviceInfo groups entities under one device in Home Assistant.
type DeviceInfo struct {
	Name         string      `json:"name"`
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
}

// Availability is one entry of a discovery availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// CoverConfig is the Home Assistant MQTT cover discovery payload.
type CoverConfig struct {
	Name             string         `json:"name"`
	UniqueID         string         `json:"unique_id"`
	Device           DeviceInfo     `json:"device"`
	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`
	CommandTopic     string         `json:"command_topic"`
	StateTopic       string         `json:"state_topic"`
	ValueTemplate    string         `json:"value_template"`
	PositionTopic    string         `json:"position_topic"`
	PositionTemplate string         `json:"position_template"`
	SetPositionTopic string         `json:"set_position_topic"`
	PayloadOpen      string         `json:"payload_open"`
	PayloadClose     string         `json:"payload_close"`
	PayloadStop      string         `json:"payload_stop"`
	DeviceClass      string         `json:"device_class"`
	Optimistic       bool           `json:"optimistic"`
}

// ClimateConfig is the Home Assistant MQTT climate discovery payload.
type ClimateConfig struct {
	Name                     string         `json:"name"`
	UniqueID                 string         `json:"unique_id"`
	Device                   DeviceInfo     `json:"device"`
	Availability             []Availability `json:"availability"`
	AvailabilityMode         string         `json:"availability_mode"`
	Modes                    []string       `json:"modes"`
	ModeStateTopic           string         `json:"mode_state_topic"`
	ModeStateTemplate        string         `json:"mode_state_template"`
	CurrentTemperatureTopic  string         `json:"current_temperature_topic"`
	CurrentTemperatureTmpl   string         `json:"current_temperature_template"`
	TemperatureStateTopic    string         `json:"temperature_state_topic"`
	TemperatureStateTemplate string         `json:"temperature_state_template"`
	TemperatureCommandTopic  string         `json:"temperature_command_topic"`
	MinTemp                  float64        `json:"min_temp"`
	MaxTemp                  float64        `json:"max_temp"`
	TempStep                 float64        `json:"temp_step"`
	TemperatureUnit          string         `json:"temperature_unit"`
}

func (b *Bridge) deviceInfo(s device.State) DeviceInfo {
	model := "System 3000 Jalousie"
	if s.Profile == protocol.ProfileClimate {
		model = "System 3000 Thermostat"
	}
	return DeviceInfo{
		Name:         s.Name,
		Identifiers:  []string{"gira_" + objectID(s.Address)},
		Connections:  [][2]string{{"bluetooth", s.Address}},
		Manufacturer: manufacturer,
		Model:        model,
	}
}

func (b *Bridge) availability(address string) []Availability {
	return []Availability{
		{Topic: StatusTopic(b.opts.TopicPrefix)},
		{Topic: b.topic(address, "availability")},
	}
}

// discoveryConfig returns the discovery topic and payload for s.
func (b *Bridge) discoveryConfig(s device.State) (string, any) {
	id := objectID(s.Address)
	state := b.topic(s.Address, "state")

	if s.Profile == protocol.ProfileClimate {
		return b.opts.DiscoveryPrefix + "/climate/gira_" + id + "/config", ClimateConfig{
			Name:                     s.Name,
			UniqueID:                 "gira_" + id + "_climate",
			Device:                   b.deviceInfo(s),
			Availability:             b.availability(s.Address),
			AvailabilityMode:         "all",
			Modes:                    []string{"off", device.HVACModeHeat},
			ModeStateTopic:           state,
			ModeStateTemplate:        "{{ value_json.hvac_mode }}",
			CurrentTemperatureTopic:  state,
			CurrentTemperatureTmpl:   "{{ value_json.current_temperature | default(None) }}",
			TemperatureStateTopic:    state,
			TemperatureStateTemplate: "{{ value_json.target_temperature | default(None) }}",
			TemperatureCommandTopic:  b.topic(s.Address, "temperature/set"),
			MinTemp:                  protocol.MinTargetCelsius,
			MaxTemp:                  protocol.MaxTargetCelsius,
			TempStep:                 protocol.TargetCelsiusStep,
			TemperatureUnit:          "C",
		}
	}

	return b.opts.DiscoveryPrefix + "/cover/gira_" + id + "/config", CoverConfig{
		Name:             s.Name,
		UniqueID:         "gira_" + id + "_cover",
		Device:           b.deviceInfo(s),
		Availability:     b.availability(s.Address),
		AvailabilityMode: "all",
		CommandTopic:     b.topic(s.Address, "set"),
		StateTopic:       state,
		ValueTemplate:    "{{ value_json.state }}",
		PositionTopic:    state,
		PositionTemplate: "{{ value_json.position | default(None) }}",
		SetPositionTopic: b.topic(s.Address, "position/set"),
		PayloadOpen:      CommandOpen,
		PayloadClose:     CommandClose,
		PayloadStop:      CommandStop,
		DeviceClass:      "shutter",
		Optimistic:       false,
	}
}
