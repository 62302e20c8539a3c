// Package sdp wraps the session description handling the core needs: media
// and codec extraction for CDR annotation, PCMU offer generation for the
// auto-dialer, and remote RTP endpoint extraction from answers.
package sdp

import (
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// staticPayloadTypes maps RFC 3551 static payload numbers to codec names,
// used when a media section carries no rtpmap for them.
var staticPayloadTypes = map[string]string{
	"0":  "PCMU",
	"3":  "GSM",
	"4":  "G723",
	"5":  "DVI4",
	"6":  "DVI4",
	"7":  "LPC",
	"8":  "PCMA",
	"9":  "G722",
	"10": "L16",
	"11": "L16",
	"12": "QCELP",
	"13": "CN",
	"14": "MPA",
	"15": "G728",
	"16": "DVI4",
	"17": "DVI4",
	"18": "G729",
}

// Inspect returns (callType, codecStr) for a SIP body. callType is AUDIO,
// VIDEO, AUDIO+VIDEO or a +-joined upper-case union of other media types;
// codecStr is a de-duplicated, insertion-ordered comma list of codec names.
// A nil/empty or unparseable body yields empty results.
func Inspect(body []byte) (callType, codecStr string) {
	if len(body) == 0 {
		return "", ""
	}
	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return "", ""
	}

	mediaSeen := map[string]bool{}
	var codecs []string
	codecSeen := map[string]bool{}
	addCodec := func(name string) {
		if name != "" && !codecSeen[name] {
			codecSeen[name] = true
			codecs = append(codecs, name)
		}
	}

	for _, m := range desc.MediaDescriptions {
		mediaSeen[m.MediaName.Media] = true

		rtpmap := map[string]string{}
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			// a=rtpmap:<pt> <name>/<rate>[/<params>]
			parts := strings.Fields(a.Value)
			if len(parts) < 2 {
				continue
			}
			name := strings.SplitN(parts[1], "/", 2)[0]
			rtpmap[parts[0]] = name
		}

		for _, pt := range m.MediaName.Formats {
			if name, ok := rtpmap[pt]; ok {
				addCodec(name)
			} else if name, ok := staticPayloadTypes[pt]; ok {
				addCodec(name)
			}
		}
	}

	return mediaCallType(mediaSeen), strings.Join(codecs, ", ")
}

func mediaCallType(media map[string]bool) string {
	if len(media) == 0 {
		return ""
	}
	hasAudio := media["audio"]
	hasVideo := media["video"]
	switch {
	case hasAudio && hasVideo:
		return "AUDIO+VIDEO"
	case hasVideo:
		return "VIDEO"
	case hasAudio:
		return "AUDIO"
	}
	names := make([]string, 0, len(media))
	for m := range media {
		names = append(names, strings.ToUpper(m))
	}
	// Deterministic output for the union case.
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	return strings.Join(names, "+")
}

// RemoteEndpoint extracts the first media section's RTP address and port
// from an SDP answer. Falls back to the session-level connection address.
func RemoteEndpoint(body []byte) (addr string, port int, ok bool) {
	if len(body) == 0 {
		return "", 0, false
	}
	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return "", 0, false
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", 0, false
	}
	m := desc.MediaDescriptions[0]
	port = m.MediaName.Port.Value
	if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
		addr = m.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}
	return addr, port, addr != "" && port > 0
}
