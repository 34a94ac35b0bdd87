package main

import (
	"strings"

	"github.com/tomaslejdung/peershare/pkg/sdptune"
)

// QualityPreset defines a video quality preset
type QualityPreset struct {
	Name        string
	Bitrate     int    // ceiling in kbps
	Description string // short description for UI
}

// Quality presets from lowest to highest
var QualityPresets = []QualityPreset{
	{Name: "Low", Bitrate: 300, Description: "300 kbps"},
	{Name: "Standard", Bitrate: 1500, Description: "1.5 Mbps"},
	{Name: "High", Bitrate: 3000, Description: "3 Mbps"},
	{Name: "Ultra", Bitrate: 6000, Description: "6 Mbps"},
	{Name: "Max", Bitrate: 10000, Description: "10 Mbps"},
}

// DefaultQualityIndex returns the index of the default quality preset (Standard)
func DefaultQualityIndex() int {
	return 1
}

// QualityIndexByName finds a quality preset by name (case-insensitive).
// Returns -1 if no preset matches.
func QualityIndexByName(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := range QualityPresets {
		if strings.ToLower(QualityPresets[i].Name) == name {
			return i
		}
	}
	return -1
}

// ParseQualityFlag parses the --quality flag value and returns a preset index
func ParseQualityFlag(value string) int {
	value = strings.ToLower(strings.TrimSpace(value))

	// Short names
	switch value {
	case "lo":
		return 0
	case "med", "medium", "std":
		return 1
	case "hi":
		return 2
	}

	if i := QualityIndexByName(value); i >= 0 {
		return i
	}
	return DefaultQualityIndex()
}

// validQualityIndex clamps out-of-range indices (e.g. from an old config
// file) to the default.
func validQualityIndex(i int) int {
	if i < 0 || i >= len(QualityPresets) {
		return DefaultQualityIndex()
	}
	return i
}

// Tuning returns the description rewrite for this preset: the bandwidth
// ceiling, with the encoder starting at two thirds of it and never asked to
// go below a third.
func (p QualityPreset) Tuning() sdptune.Options {
	opts := sdptune.DefaultOptions()
	opts.BandwidthKbps = p.Bitrate
	opts.StartKbps = p.Bitrate * 2 / 3
	opts.MinKbps = p.Bitrate / 3
	return opts
}
