// Package events defines the payloads published on internal/eventbus.
package events
