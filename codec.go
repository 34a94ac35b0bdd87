package main

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// CodecType represents the video codec of the shared stream
type CodecType string

const (
	CodecVP8 CodecType = "vp8"
	CodecVP9 CodecType = "vp9"
)

// CodecInfo describes a codec the capture source can replay
type CodecInfo struct {
	Type     CodecType
	Name     string // Display name
	FourCC   string // IVF header tag
	MimeType string
}

// Codecs lists the codecs an IVF file may carry
var Codecs = []CodecInfo{
	{Type: CodecVP8, Name: "VP8", FourCC: "VP80", MimeType: webrtc.MimeTypeVP8},
	{Type: CodecVP9, Name: "VP9", FourCC: "VP90", MimeType: webrtc.MimeTypeVP9},
}

// DefaultCodec is used when there is no file to take the codec from
func DefaultCodec() CodecInfo {
	return Codecs[0]
}

// CodecByFourCC finds the codec for an IVF FourCC tag
func CodecByFourCC(fourcc string) (CodecInfo, error) {
	for _, c := range Codecs {
		if strings.EqualFold(c.FourCC, strings.TrimSpace(fourcc)) {
			return c, nil
		}
	}
	return CodecInfo{}, fmt.Errorf("unsupported IVF codec %q", fourcc)
}
