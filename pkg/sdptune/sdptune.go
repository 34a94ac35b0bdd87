// Package sdptune rewrites locally generated session descriptions for
// screen sharing: the video section is marked send-only, tagged as screen
// content and given bandwidth ceilings and loss-recovery feedback.
//
// Transform works on the text of the description. It touches only m=video
// sections and never reorders lines outside them.
package sdptune

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Options controls the rewrite. A zero field disables the part it drives.
type Options struct {
	// BandwidthKbps is the ceiling advertised with b=AS, b=TIAS and
	// x-google-max-bitrate.
	BandwidthKbps int
	StartKbps     int
	MinKbps       int

	// ContentHint is the a=content value, e.g. "main" or "slides".
	ContentHint string
}

// DefaultOptions returns the settings used for screen sharing.
func DefaultOptions() Options {
	return Options{
		BandwidthKbps: 300,
		StartKbps:     200,
		MinKbps:       100,
		ContentHint:   "main",
	}
}

// defaultPayloadType is used when the video section names no format.
const defaultPayloadType = "96"

var feedback = []string{"nack", "nack pli", "ccm fir", "goog-remb"}

var directions = map[string]bool{
	"a=sendrecv": true,
	"a=sendonly": true,
	"a=recvonly": true,
	"a=inactive": true,
}

// Transform returns desc with every video section rewritten per opts. It is
// a pure function of its inputs. If desc parses but the rewrite would not,
// desc is returned unchanged.
func Transform(desc string, opts Options) string {
	if desc == "" {
		return desc
	}

	var parsed sdp.SessionDescription
	parsedOK := parsed.Unmarshal([]byte(desc)) == nil
	var videoPTs []string
	if parsedOK {
		for _, md := range parsed.MediaDescriptions {
			if md.MediaName.Media != "video" {
				continue
			}
			pt := ""
			if len(md.MediaName.Formats) > 0 {
				pt = md.MediaName.Formats[0]
			}
			videoPTs = append(videoPTs, pt)
		}
	}

	sep := "\n"
	if strings.Contains(desc, "\r\n") {
		sep = "\r\n"
	}
	trailing := strings.HasSuffix(desc, sep)
	lines := strings.Split(strings.TrimSuffix(desc, sep), sep)

	out := make([]string, 0, len(lines)+16)
	video := 0
	for i := 0; i < len(lines); {
		if !strings.HasPrefix(lines[i], "m=video") {
			out = append(out, lines[i])
			i++
			continue
		}

		end := i + 1
		for end < len(lines) && !strings.HasPrefix(lines[end], "m=") {
			end++
		}
		section := lines[i:end]

		pt := ""
		if video < len(videoPTs) {
			pt = videoPTs[video]
		}
		if pt == "" {
			pt = fallbackPayloadType(section)
		}
		out = append(out, rewriteVideo(section, pt, opts)...)

		video++
		i = end
	}

	result := strings.Join(out, sep)
	if trailing {
		result += sep
	}

	if parsedOK {
		var check sdp.SessionDescription
		if err := check.Unmarshal([]byte(result)); err != nil {
			return desc
		}
	}
	return result
}

// fallbackPayloadType takes the first rtpmap payload type of section, then
// the first format on its m= line.
func fallbackPayloadType(section []string) string {
	for _, line := range section {
		if rest, ok := strings.CutPrefix(line, "a=rtpmap:"); ok {
			if pt, _, ok := strings.Cut(rest, " "); ok && isPayloadType(pt) {
				return pt
			}
		}
	}
	if fields := strings.Fields(section[0]); len(fields) > 3 && isPayloadType(fields[3]) {
		return fields[3]
	}
	return defaultPayloadType
}

func isPayloadType(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0 && n <= 127
}

// rewriteVideo rewrites one m=video section. section[0] is the m= line.
func rewriteVideo(section []string, pt string, opts Options) []string {
	rtpmapPrefix := "a=rtpmap:" + pt + " "
	fmtpPrefix := "a=fmtp:" + pt + " "
	fbPrefix := "a=rtcp-fb:" + pt + " "

	// Drop what is replaced wholesale; keep everything else in order.
	kept := make([]string, 0, len(section)+12)
	hasFeedback := make(map[string]bool)
	for _, line := range section {
		switch {
		case directions[line]:
			continue
		case strings.HasPrefix(line, "b="):
			continue
		case strings.HasPrefix(line, "a=content:"):
			continue
		case strings.HasPrefix(line, fbPrefix):
			hasFeedback[strings.TrimPrefix(line, fbPrefix)] = true
		}
		kept = append(kept, line)
	}

	// fmtp: extend in place or add after the rtpmap line.
	fmtpIdx, rtpmapIdx := -1, -1
	for i, line := range kept {
		switch {
		case strings.HasPrefix(line, fmtpPrefix) && fmtpIdx < 0:
			fmtpIdx = i
		case strings.HasPrefix(line, rtpmapPrefix) && rtpmapIdx < 0:
			rtpmapIdx = i
		}
	}
	if params := bitrateParams(opts); len(params) > 0 {
		if fmtpIdx >= 0 {
			kept[fmtpIdx] = fmtpPrefix + mergeParams(strings.TrimPrefix(kept[fmtpIdx], fmtpPrefix), params)
		} else {
			at := len(kept)
			if rtpmapIdx >= 0 {
				at = rtpmapIdx + 1
			}
			kept = insert(kept, at, fmtpPrefix+mergeParams("", params))
		}
	}

	// Missing feedback goes after the last line describing pt.
	var missing []string
	for _, fb := range feedback {
		if !hasFeedback[fb] {
			missing = append(missing, fbPrefix+fb)
		}
	}
	if len(missing) > 0 {
		at := len(kept)
		for i, line := range kept {
			if strings.HasPrefix(line, rtpmapPrefix) || strings.HasPrefix(line, fmtpPrefix) || strings.HasPrefix(line, fbPrefix) {
				at = i + 1
			}
		}
		kept = insert(kept, at, missing...)
	}

	// Content hint and direction go before the first rtpmap.
	tags := make([]string, 0, 2)
	if opts.ContentHint != "" {
		tags = append(tags, "a=content:"+opts.ContentHint)
	}
	tags = append(tags, "a=sendonly")
	at := len(kept)
	for i, line := range kept {
		if strings.HasPrefix(line, "a=rtpmap:") {
			at = i
			break
		}
	}
	kept = insert(kept, at, tags...)

	// Bandwidth lines precede every attribute.
	if opts.BandwidthKbps > 0 {
		at := len(kept)
		for i, line := range kept {
			if i > 0 && strings.HasPrefix(line, "a=") {
				at = i
				break
			}
		}
		kept = insert(kept, at,
			fmt.Sprintf("b=AS:%d", opts.BandwidthKbps),
			fmt.Sprintf("b=TIAS:%d", opts.BandwidthKbps*1000),
		)
	}

	return kept
}

type param struct{ key, value string }

func bitrateParams(opts Options) []param {
	var params []param
	if opts.StartKbps > 0 {
		params = append(params, param{"x-google-start-bitrate", strconv.Itoa(opts.StartKbps)})
	}
	if opts.MinKbps > 0 {
		params = append(params, param{"x-google-min-bitrate", strconv.Itoa(opts.MinKbps)})
	}
	if opts.BandwidthKbps > 0 {
		params = append(params, param{"x-google-max-bitrate", strconv.Itoa(opts.BandwidthKbps)})
	}
	return params
}

// mergeParams sets params in an fmtp parameter list, overwriting existing
// keys in place and appending new ones.
func mergeParams(existing string, params []param) string {
	var parts []string
	if strings.TrimSpace(existing) != "" {
		parts = strings.Split(existing, ";")
	}
	for _, p := range params {
		found := false
		for i, part := range parts {
			key, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			if key == p.key {
				parts[i] = p.key + "=" + p.value
				found = true
				break
			}
		}
		if !found {
			parts = append(parts, p.key+"="+p.value)
		}
	}
	return strings.Join(parts, ";")
}

func insert(lines []string, at int, add ...string) []string {
	out := make([]string, 0, len(lines)+len(add))
	out = append(out, lines[:at]...)
	out = append(out, add...)
	return append(out, lines[at:]...)
}
