package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Home Assistant MQTT discovery documents.

const discoveryPrefix = "homeassistant"

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

type entity struct {
	Name                string `json:"name"`
	StateTopic          string `json:"state_topic"`
	UniqueID            string `json:"unique_id"`
	Icon                string `json:"icon,omitempty"`
	PayloadOn           string `json:"payload_on,omitempty"`
	PayloadOff          string `json:"payload_off,omitempty"`
	DeviceClass         string `json:"device_class,omitempty"`
	ValueTemplate       string `json:"value_template,omitempty"`
	JSONAttributesTopic string `json:"json_attributes_topic,omitempty"`
	UnitOfMeasurement   string `json:"unit_of_measurement,omitempty"`
	Device              device `json:"device"`
}

var carrierIcons = map[string]string{
	"fedex":  "mdi:truck-fast",
	"ups":    "mdi:package-variant-closed",
	"usps":   "mdi:mailbox",
	"amazon": "mdi:amazon",
	"dhl":    "mdi:truck",
}

// Discovery returns the retained QoS 1 configuration messages for one binary
// sensor per carrier plus the summary, status and details sensors.
func Discovery(carriers []string, t Topics, version string) ([]Message, error) {
	dev := device{
		Identifiers:  []string{"mailcam_detector"},
		Name:         "Mailcam Detector",
		Manufacturer: "Custom",
		Model:        "ONNX Detector",
		SWVersion:    version,
	}

	type doc struct {
		topic string
		e     entity
	}
	var docs []doc
	add := func(topic string, e entity) {
		e.Device = dev
		docs = append(docs, doc{topic, e})
	}

	for _, c := range carriers {
		icon, ok := carrierIcons[strings.ToLower(c)]
		if !ok {
			icon = "mdi:truck-delivery"
		}
		add(fmt.Sprintf("%s/binary_sensor/mailcam/%s/config", discoveryPrefix, c), entity{
			Name:        fmt.Sprintf("Mailcam %s Today", strings.ToUpper(c)),
			StateTopic:  t.Carrier(c),
			PayloadOn:   "yes",
			PayloadOff:  "no",
			UniqueID:    "mailcam_carrier_" + c,
			DeviceClass: "occupancy",
			Icon:        icon,
		})
	}
	add(discoveryPrefix+"/sensor/mailcam/daily_summary/config", entity{
		Name:                "Mailcam Daily Summary",
		StateTopic:          t.Summary(),
		ValueTemplate:       "{{ value_json.date | default('Unknown') }}",
		JSONAttributesTopic: t.Summary(),
		UniqueID:            "mailcam_daily_summary",
		Icon:                "mdi:clipboard-text-clock",
	})
	add(discoveryPrefix+"/sensor/mailcam/current_status/config", entity{
		Name:       "Mailcam Current Status",
		StateTopic: t.State,
		UniqueID:   "mailcam_current_status",
		Icon:       "mdi:eye",
	})
	add(discoveryPrefix+"/sensor/mailcam/details/config", entity{
		Name:                "Mailcam Detection Details",
		StateTopic:          t.Details,
		ValueTemplate:       "{{ value_json.hit_count | default(0) }}",
		JSONAttributesTopic: t.Details,
		UniqueID:            "mailcam_detection_details",
		UnitOfMeasurement:   "hits",
		Icon:                "mdi:information",
	})

	out := make([]Message, 0, len(docs))
	for _, it := range docs {
		raw, err := json.Marshal(it.e)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Topic: it.topic, Payload: raw, Retained: true, QoS: 1})
	}
	return out, nil
}

type qosPublisher interface {
	PublishQoS(topic string, qos byte, payload []byte, retained bool)
}

// Announce publishes the discovery documents, at QoS 1 when p supports it.
func Announce(p Publisher, carriers []string, t Topics, version string) error {
	msgs, err := Discovery(carriers, t, version)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if q, ok := p.(qosPublisher); ok {
			q.PublishQoS(m.Topic, m.QoS, m.Payload, m.Retained)
			continue
		}
		p.Publish(m.Topic, m.Payload, m.Retained)
	}
	return nil
}
