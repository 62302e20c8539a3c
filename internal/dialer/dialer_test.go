package dialer

import (
	"log/slog"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCall() *call {
	return &call{
		callee:     "1002",
		serverIP:   "192.168.8.126",
		serverPort: 5060,
		localIP:    "192.168.8.126",
		username:   "0000",
		logger:     slog.Default(),
	}
}

// Request-URI selection for ACK/BYE follows the four-step ladder.
func TestRequestURILadder(t *testing.T) {
	contact := sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.51", Port: 5062}

	t.Run("route set of two or more uses the last route", func(t *testing.T) {
		c := testCall()
		c.remoteContact = &contact
		c.routeSet = []sip.Uri{
			{Scheme: "sip", Host: "192.168.8.126", Port: 5060},
			{Scheme: "sip", Host: "10.0.0.9", Port: 5080},
		}
		uri := c.requestURI()
		assert.Equal(t, "10.0.0.9", uri.Host)
		assert.Equal(t, 5080, uri.Port)
	})

	t.Run("single route equal to server uses the contact", func(t *testing.T) {
		c := testCall()
		c.remoteContact = &contact
		c.routeSet = []sip.Uri{{Scheme: "sip", Host: "192.168.8.126", Port: 5060}}
		uri := c.requestURI()
		assert.Equal(t, "192.168.8.51", uri.Host)
		assert.Equal(t, 5062, uri.Port)
	})

	t.Run("no route uses the contact", func(t *testing.T) {
		c := testCall()
		c.remoteContact = &contact
		uri := c.requestURI()
		assert.Equal(t, "192.168.8.51", uri.Host)
	})

	t.Run("nothing known falls back to callee at server", func(t *testing.T) {
		c := testCall()
		uri := c.requestURI()
		assert.Equal(t, "1002", uri.User)
		assert.Equal(t, "192.168.8.126", uri.Host)
		assert.Equal(t, 5060, uri.Port)
	})
}

func TestAbsorbAnswer(t *testing.T) {
	c := testCall()

	res := sip.NewResponse(200, "OK")
	toParams := sip.NewParams()
	toParams.Add("tag", "remote-tag")
	res.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.126"},
		Params:  toParams,
	})
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Scheme: "sip", Host: "192.168.8.126", Port: 5060}})
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.51", Port: 5062}})
	res.SetBody([]byte("v=0\r\no=- 1 1 IN IP4 192.168.8.51\r\ns=call\r\nc=IN IP4 192.168.8.51\r\nt=0 0\r\nm=audio 9000 RTP/AVP 0\r\n"))

	c.absorbAnswer(res)

	assert.Equal(t, "remote-tag", c.toTag)
	require.Len(t, c.routeSet, 1)
	assert.Equal(t, "192.168.8.126", c.routeSet[0].Host)
	require.NotNil(t, c.remoteContact)
	assert.Equal(t, "192.168.8.51", c.remoteContact.Host)
	require.NotNil(t, c.remoteRTP)
	assert.Equal(t, 9000, c.remoteRTP.Port)
}

func TestSIPPortCounterRollsOver(t *testing.T) {
	p := NewPortAllocator()
	first := p.NextSIPPort()
	assert.Equal(t, sipPortMin, first)

	p.nextSIP = sipPortMax - 1
	assert.Equal(t, sipPortMax-1, p.NextSIPPort())
	assert.Equal(t, sipPortMin, p.NextSIPPort())
}

func TestRTPPoolAllocateRelease(t *testing.T) {
	p := NewPortAllocator()

	port, err := p.AllocateRTP()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, rtpPortMin)
	assert.Less(t, port, rtpPortMax)
	assert.Zero(t, port%2)
	assert.Equal(t, 1, p.InUse())

	p.ReleaseRTP(port)
	assert.Zero(t, p.InUse())
}

func TestRTPPoolExhaustion(t *testing.T) {
	p := NewPortAllocator()
	p.rtpFree = map[int]bool{20000: true}
	p.rtpUsed = map[int]bool{}

	_, err := p.AllocateRTP()
	require.NoError(t, err)
	_, err = p.AllocateRTP()
	assert.Error(t, err)
}

func TestManagerLifecycleGuards(t *testing.T) {
	m := NewManager("192.168.8.126", 5060, "192.168.8.126", Settings{
		Username: "0000", Password: "0000", MediaFile: "x.wav",
	}, nil, slog.Default())

	ok, _ := m.Stop()
	assert.False(t, ok)

	ok, msg := m.Dial("1002", "", 0)
	assert.False(t, ok)
	assert.Contains(t, msg, "not running")

	ok, _, _ = m.DialBatch([]string{"1002"}, "", 0)
	assert.False(t, ok)

	st := m.Status()
	assert.False(t, st.Running)
	assert.Zero(t, st.Stats.TotalCalls)
}

func TestManagerUpdateConfigMergesNonEmpty(t *testing.T) {
	m := NewManager("192.168.8.126", 5060, "192.168.8.126", Settings{
		Username: "0000", Password: "secret", MediaFile: "x.wav",
	}, nil, slog.Default())

	ok, _ := m.UpdateConfig(Settings{MediaFile: "y.wav"})
	assert.True(t, ok)

	cfg := m.Config()
	assert.Equal(t, "y.wav", cfg.MediaFile)
	assert.Equal(t, "0000", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
}
