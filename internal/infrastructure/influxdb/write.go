package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceState  = "device_state"
	MeasurementDeviceEvents = "device_events"
)

// WriteDeviceState writes the numeric and boolean fields of one device
// record. Records with nothing numeric write no point.
func (c *Client) WriteDeviceState(deviceID, category string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}

	values := telemetryFields(fields)
	if len(values) == 0 {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementDeviceState,
		map[string]string{
			"device_id": deviceID,
			"category":  category,
		},
		values,
		at,
	))
}

// WriteEvent records a named event such as a press or a ring.
// kind is empty for events that carry no classification.
func (c *Client) WriteEvent(name, deviceID, category, kind string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"event":     name,
		"device_id": deviceID,
		"category":  category,
	}
	if kind != "" {
		tags["kind"] = kind
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementDeviceEvents, tags, map[string]any{"count": 1}, at))
}

// telemetryFields keeps the values InfluxDB can store as fields.
func telemetryFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case float64, float32, int, int64, bool:
			out[k] = val
		}
	}
	return out
}
