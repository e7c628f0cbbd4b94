package mapping

// Subscription is one device entry of a batched subscription call.
type Subscription struct {
	DeviceID   string   `json:"deviceId"`
	Properties []string `json:"properties"`
}

// DeviceRef identifies a device and its category.
type DeviceRef struct {
	ID       string
	Category string
}

// BuildSubscriptions builds subscription descriptors for the given devices.
// Devices of unknown categories and repeated ids are skipped; input order
// is preserved.
func BuildSubscriptions(devices []DeviceRef) []Subscription {
	subs := make([]Subscription, 0, len(devices))
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		t, ok := Lookup(d.Category)
		if !ok || d.ID == "" || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		subs = append(subs, Subscription{
			DeviceID:   d.ID,
			Properties: t.Properties(),
		})
	}
	return subs
}
