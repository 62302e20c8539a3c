package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audioSDP = `v=0
o=- 123456 654321 IN IP4 192.168.1.100
s=SIP Call
c=IN IP4 192.168.1.100
t=0 0
m=audio 49170 RTP/AVP 0 8 18
a=rtpmap:0 PCMU/8000
a=rtpmap:8 PCMA/8000
a=rtpmap:18 G729/8000
`

const audioVideoSDP = `v=0
o=- 123456 654321 IN IP4 192.168.1.100
s=SIP Call
c=IN IP4 192.168.1.100
t=0 0
m=audio 49170 RTP/AVP 0 8
a=rtpmap:0 PCMU/8000
a=rtpmap:8 PCMA/8000
m=video 51372 RTP/AVP 96
a=rtpmap:96 H264/90000
`

const staticOnlySDP = `v=0
o=- 1 1 IN IP4 10.0.0.1
s=call
c=IN IP4 10.0.0.1
t=0 0
m=audio 8000 RTP/AVP 0 8 9 18
`

func TestInspectAudio(t *testing.T) {
	callType, codecs := Inspect([]byte(audioSDP))
	assert.Equal(t, "AUDIO", callType)
	assert.Equal(t, "PCMU, PCMA, G729", codecs)
}

func TestInspectAudioVideo(t *testing.T) {
	callType, codecs := Inspect([]byte(audioVideoSDP))
	assert.Equal(t, "AUDIO+VIDEO", callType)
	assert.Equal(t, "PCMU, PCMA, H264", codecs)
}

// Static RFC 3551 payload numbers resolve without an rtpmap line.
func TestInspectStaticPayloadFallback(t *testing.T) {
	callType, codecs := Inspect([]byte(staticOnlySDP))
	assert.Equal(t, "AUDIO", callType)
	assert.Equal(t, "PCMU, PCMA, G722, G729", codecs)
}

func TestInspectEmptyAndGarbage(t *testing.T) {
	callType, codecs := Inspect(nil)
	assert.Empty(t, callType)
	assert.Empty(t, codecs)

	callType, codecs = Inspect([]byte("not an sdp body"))
	assert.Empty(t, callType)
	assert.Empty(t, codecs)
}

func TestBuildPCMUOfferRoundTrip(t *testing.T) {
	body := BuildPCMUOffer("192.168.8.126", 20000, 42)
	require.NotEmpty(t, body)

	callType, codecs := Inspect(body)
	assert.Equal(t, "AUDIO", callType)
	assert.Equal(t, "PCMU", codecs)

	addr, port, ok := RemoteEndpoint(body)
	require.True(t, ok)
	assert.Equal(t, "192.168.8.126", addr)
	assert.Equal(t, 20000, port)
}

func TestRemoteEndpointSessionLevelConnection(t *testing.T) {
	addr, port, ok := RemoteEndpoint([]byte(audioSDP))
	require.True(t, ok)
	assert.Equal(t, "192.168.1.100", addr)
	assert.Equal(t, 49170, port)
}

func TestRemoteEndpointMissing(t *testing.T) {
	_, _, ok := RemoteEndpoint(nil)
	assert.False(t, ok)
}
