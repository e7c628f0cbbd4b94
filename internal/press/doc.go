// Package press classifies raw button telemetry into single, double and
// long presses.
//
// Buttons report a boolean "pressed" property. The hub may coalesce edges
// (two presses without the release in between) or drop the press edge
// entirely, so the detector works from whatever transitions arrive:
//
//	true            → press starts (a second true counts the first as a short release)
//	false           → release; held >= LongPress emits Long immediately,
//	                  otherwise the release is counted and the Window timer (re)starts
//	timer expiry    → 1 release emits Single, 2 or more emit Double
//
// The detector depends only on a Clock. When a classification is emitted
// the current device record is re-resolved through the caller's Lookup by
// stable device ID, since records are replaced rather than mutated.
package press
