package mqtt

import "fmt"

// TopicPrefix is the root of every topic the service publishes or consumes.
const TopicPrefix = "hubsync"

// Topics provides builders for hubsync MQTT topics.
// Using these helpers keeps topic naming consistent across publishers and
// subscribers.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState("climate", "c1") // "hubsync/state/climate/c1"
type Topics struct{}

// DeviceState returns the retained state topic for one device record.
//
// Example: hubsync/state/light/l1
func (Topics) DeviceState(category, deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, category, deviceID)
}

// Event returns the topic for a named event raised by a device.
//
// Example: hubsync/event/press/b1
func (Topics) Event(name, deviceID string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, name, deviceID)
}

// Health returns the retained topic carrying the degraded signal.
//
// Example: hubsync/health
func (Topics) Health() string {
	return TopicPrefix + "/health"
}

// SystemStatus returns the retained online/offline status topic (also the LWT).
//
// Example: hubsync/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// RefreshCommand returns the topic other services publish to in order to
// request an immediate full poll.
//
// Example: hubsync/command/refresh
func (Topics) RefreshCommand() string {
	return TopicPrefix + "/command/refresh"
}

// AllDeviceStates returns a pattern matching every device state topic.
//
// Pattern: hubsync/state/+/+
func (Topics) AllDeviceStates() string {
	return TopicPrefix + "/state/+/+"
}

// AllEvents returns a pattern matching every named event topic.
//
// Pattern: hubsync/event/+/+
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/+/+"
}
