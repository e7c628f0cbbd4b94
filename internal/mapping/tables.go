package mapping

import "sort"

// Device categories known to the hub.
const (
	CategoryLight       = "light"
	CategorySwitch      = "switch"
	CategoryShutter     = "shutter"
	CategoryClimate     = "climate"
	CategoryEnergyMeter = "energy_meter"
	CategorySensor      = "sensor"
	CategoryButton      = "button"
	CategoryDoorbell    = "doorbell"
)

// Semantic keys shared between categories and referenced by derived-field code.
const (
	KeyOn       = "on"
	KeyPressed  = "pressed"
	KeyRinging  = "ringing"
	KeyHVACMode = "hvac_mode"

	KeyHeatMin      = "heat_temp_min"
	KeyHeatMax      = "heat_temp_max"
	KeyCoolMin      = "cool_temp_min"
	KeyCoolMax      = "cool_temp_max"
	KeyTargetMin    = "target_temp_min"
	KeyTargetMax    = "target_temp_max"
	KeyTarget       = "target_temperature"
	KeyCurrentTemp  = "current_temperature"
	KeyPower        = "power"
	KeyPowerPhase1  = "power_l1"
	KeyPowerPhase2  = "power_l2"
	KeyPowerPhase3  = "power_l3"
	KeyEnergyTotal  = "energy_total"
	KeyBrightness   = "brightness"
	KeyPosition     = "position"
	KeyHumidity     = "humidity"
	KeyBattery      = "battery"
	KeyAvailability = "available"
)

// Event names fired for edge-triggered keys and classified presses.
const (
	EventRing  = "ring"
	EventPress = "press"
)

// PowerPhaseKeys lists the per-phase power keys summed into KeyPower.
var PowerPhaseKeys = []string{KeyPowerPhase1, KeyPowerPhase2, KeyPowerPhase3}

// Table describes one device category.
type Table struct {
	category string

	// properties is the ordered list of raw property names to subscribe to.
	properties []string

	// keys maps raw property name to semantic key.
	keys map[string]string

	// edges maps a semantic key to the event fired on its false→true transition.
	edges map[string]string

	// pressKey is the semantic key carrying a raw press boolean, or "".
	pressKey string
}

// Category returns the category name.
func (t Table) Category() string { return t.category }

// Properties returns a copy of the raw property names for subscriptions.
func (t Table) Properties() []string {
	out := make([]string, len(t.properties))
	copy(out, t.properties)
	return out
}

// SemanticKey returns the semantic key for a raw property name.
func (t Table) SemanticKey(raw string) (string, bool) {
	key, ok := t.keys[raw]
	return key, ok
}

// EdgeEvent returns the event name fired when key rises from false to true.
func (t Table) EdgeEvent(key string) (string, bool) {
	name, ok := t.edges[key]
	return name, ok
}

// PressKey returns the semantic key that carries raw press telemetry.
func (t Table) PressKey() (string, bool) {
	return t.pressKey, t.pressKey != ""
}

// tables is the static category registry. Property order in each table is
// the order used in subscription payloads.
var tables = buildTables([]tableDef{
	{
		category: CategoryLight,
		props: [][2]string{
			{"isOn", KeyOn},
			{"brightness", KeyBrightness},
			{"colorTemperature", "color_temp"},
			{"isReachable", KeyAvailability},
		},
	},
	{
		category: CategorySwitch,
		props: [][2]string{
			{"isOn", KeyOn},
			{"isReachable", KeyAvailability},
		},
	},
	{
		category: CategoryShutter,
		props: [][2]string{
			{"position", KeyPosition},
			{"slatAngle", "tilt"},
			{"isMoving", "moving"},
			{"isReachable", KeyAvailability},
		},
	},
	{
		category: CategoryClimate,
		props: [][2]string{
			{"actualTemperature", KeyCurrentTemp},
			{"setpointTemperature", KeyTarget},
			{"operationMode", KeyHVACMode},
			{"minHeatSetpoint", KeyHeatMin},
			{"maxHeatSetpoint", KeyHeatMax},
			{"minCoolSetpoint", KeyCoolMin},
			{"maxCoolSetpoint", KeyCoolMax},
			{"humidity", KeyHumidity},
			{"isReachable", KeyAvailability},
		},
	},
	{
		category: CategoryEnergyMeter,
		props: [][2]string{
			{"powerL1", KeyPowerPhase1},
			{"powerL2", KeyPowerPhase2},
			{"powerL3", KeyPowerPhase3},
			{"energyTotal", KeyEnergyTotal},
			{"isReachable", KeyAvailability},
		},
	},
	{
		category: CategorySensor,
		props: [][2]string{
			{"temperature", KeyCurrentTemp},
			{"humidity", KeyHumidity},
			{"batteryLevel", KeyBattery},
			{"isOpen", "open"},
			{"motionDetected", "motion"},
			{"isReachable", KeyAvailability},
		},
	},
	{
		category: CategoryButton,
		props: [][2]string{
			{"isPressed", KeyPressed},
			{"batteryLevel", KeyBattery},
			{"isReachable", KeyAvailability},
		},
		pressKey: KeyPressed,
	},
	{
		category: CategoryDoorbell,
		props: [][2]string{
			{"isRinging", KeyRinging},
			{"isReachable", KeyAvailability},
		},
		edges: map[string]string{KeyRinging: EventRing},
	},
})

type tableDef struct {
	category string
	props    [][2]string
	edges    map[string]string
	pressKey string
}

func buildTables(defs []tableDef) map[string]Table {
	out := make(map[string]Table, len(defs))
	for _, def := range defs {
		t := Table{
			category:   def.category,
			properties: make([]string, 0, len(def.props)),
			keys:       make(map[string]string, len(def.props)),
			edges:      def.edges,
			pressKey:   def.pressKey,
		}
		for _, p := range def.props {
			t.properties = append(t.properties, p[0])
			t.keys[p[0]] = p[1]
		}
		out[def.category] = t
	}
	return out
}

// Lookup returns the table for a category.
func Lookup(category string) (Table, bool) {
	t, ok := tables[category]
	return t, ok
}

// Categories returns all known categories in sorted order.
func Categories() []string {
	out := make([]string, 0, len(tables))
	for c := range tables {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
