package main

import "time"

// FPSPreset defines a framerate preset
type FPSPreset struct {
	Value       int
	Name        string
	Description string
}

// FPS presets from lowest to highest
var FPSPresets = []FPSPreset{
	{Value: 15, Name: "15", Description: "low power"},
	{Value: 24, Name: "24", Description: "cinematic"},
	{Value: 30, Name: "30", Description: "standard"},
	{Value: 60, Name: "60", Description: "smooth"},
}

// DefaultFPSIndex returns the index of the default FPS preset (30)
func DefaultFPSIndex() int {
	return 2
}

// FPSIndexForValue returns the index of the preset matching the given FPS value,
// or the default index if not found
func FPSIndexForValue(fps int) int {
	for i, preset := range FPSPresets {
		if preset.Value == fps {
			return i
		}
	}
	return DefaultFPSIndex()
}

// frameInterval returns the time between frames at fps, falling back to the
// default preset for non-positive values.
func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = FPSPresets[DefaultFPSIndex()].Value
	}
	return time.Second / time.Duration(fps)
}

// ivfFrameInterval derives the frame interval from an IVF timebase, which
// gives seconds per tick as numerator/denominator. Files with a missing or
// implausible timebase fall back to fps.
func ivfFrameInterval(numerator, denominator uint32, fps int) time.Duration {
	if numerator == 0 || denominator == 0 {
		return frameInterval(fps)
	}
	d := time.Duration(uint64(time.Second) * uint64(numerator) / uint64(denominator))
	if d < time.Millisecond || d > time.Second {
		return frameInterval(fps)
	}
	return d
}
