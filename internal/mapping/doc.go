// Package mapping holds the static tables that describe hub device categories.
//
// For each category it records the raw property names the hub will push
// for a subscription, the semantic key each raw property is stored under,
// which semantic keys are edge-triggered signals (a doorbell ring), and
// which key carries the raw press boolean of a button.
//
// The tables are pure data: nothing here talks to the hub or holds state.
// Table values are never mutated after package initialisation, and
// accessors return copies of any slice or map.
package mapping
