// Package history persists named hub events (doorbell rings, button
// presses) to SQLite so they can be listed after the fact through the API.
package history
