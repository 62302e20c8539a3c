package sdp

import (
	"log/slog"

	psdp "github.com/pion/sdp/v3"
)

// BuildPCMUOffer creates an audio offer advertising PCMU on the given local
// RTP endpoint, with 20 ms packetisation and sendrecv direction.
func BuildPCMUOffer(localAddr string, rtpPort int, sessionID uint64) []byte {
	desc := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "imscore",
			SessionID:      sessionID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "imscore call",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: localAddr},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		slog.Error("failed to marshal SDP offer", "error", err)
		return nil
	}
	return body
}
