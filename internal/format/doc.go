// Package format renders stored catalog items into the legacy wire shapes
// served by the v1 and osu!direct endpoints.
package format
