package proxy

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/imscore/internal/config"
)

// fakeTx records responses instead of writing to the network.
type fakeTx struct {
	responses []*sip.Response
	done      chan struct{}
}

func newFakeTx() *fakeTx { return &fakeTx{done: make(chan struct{})} }

func (t *fakeTx) Respond(res *sip.Response) error {
	t.responses = append(t.responses, res)
	return nil
}
func (t *fakeTx) Acks() <-chan *sip.Request          { return nil }
func (t *fakeTx) OnCancel(sip.FnTxCancel) bool       { return false }
func (t *fakeTx) Terminate()                         {}
func (t *fakeTx) OnTerminate(sip.FnTxTerminate) bool { return false }
func (t *fakeTx) Done() <-chan struct{}              { return t.done }
func (t *fakeTx) Err() error                         { return nil }

func responseWithVias(vias ...*sip.ViaHeader) *sip.Response {
	res := sip.NewResponse(200, "OK")
	for _, v := range vias {
		res.AppendHeader(v)
	}
	return res
}

func via(host string, port int, params map[string]string) *sip.ViaHeader {
	v := &sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: host, Port: port, Params: sip.NewParams(),
	}
	for k, val := range params {
		v.Params.Add(k, val)
	}
	return v
}

func TestStripOwnVia(t *testing.T) {
	p := newTestProxy(t)

	res := responseWithVias(
		via(serverIP, 5060, map[string]string{"branch": "z9hG4bK-ours"}),
		via("192.168.8.50", 5061, map[string]string{"branch": "z9hG4bK-caller"}),
	)
	p.stripOwnVia(res)
	top := res.Via()
	require.NotNil(t, top)
	assert.Equal(t, "192.168.8.50", top.Host)
}

func TestStripOwnViaLeavesForeignVia(t *testing.T) {
	p := newTestProxy(t)
	res := responseWithVias(via("10.0.0.9", 5060, nil))
	p.stripOwnVia(res)
	top := res.Via()
	require.NotNil(t, top)
	assert.Equal(t, "10.0.0.9", top.Host)
}

func TestResponseDestinationViaReceivedRport(t *testing.T) {
	p := newTestProxy(t)

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.51"})
	req.SetSource("192.168.8.50:5061")
	res := responseWithVias(via("192.168.8.50", 5061, map[string]string{
		"received": "203.0.113.7",
		"rport":    "31337",
	}))

	dest := p.responseDestination(req, res, "x@y", false, 180)
	assert.Equal(t, "203.0.113.7:31337", dest)
}

func TestResponseDestinationSentBy(t *testing.T) {
	p := newTestProxy(t)

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.51"})
	req.SetSource("192.168.8.50:5061")
	res := responseWithVias(via("192.168.8.50", 5061, nil))

	dest := p.responseDestination(req, res, "x@y", false, 180)
	assert.Equal(t, "192.168.8.50:5061", dest)
}

func TestResponseDestinationFallsBackToPendingOriginator(t *testing.T) {
	p := newTestProxy(t)
	p.state.Pending.Set("x@y", "192.168.8.50:5061")

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.51"})
	req.SetSource("192.168.8.99:9999")
	res := responseWithVias(via("nat-router.example.com", 5060, nil))

	dest := p.responseDestination(req, res, "x@y", false, 180)
	assert.Equal(t, "192.168.8.50:5061", dest)
}

// INVITE final responses route to the dialog's caller to survive NAT
// rebinding.
func TestResponseDestinationPrefersDialogCallerForInviteFinal(t *testing.T) {
	p := newTestProxy(t)
	p.state.Dialogs.Set("call-1", Dialog{
		Caller:    "192.168.8.50:5061",
		Callee:    "192.168.8.51:5062",
		CreatedAt: time.Now(),
	})

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.51"})
	req.SetSource("192.168.8.99:9999")
	res := responseWithVias(via("172.16.0.4", 7777, nil))

	dest := p.responseDestination(req, res, "call-1", true, 200)
	assert.Equal(t, "192.168.8.50:5061", dest)
}

func TestDropReflectedError(t *testing.T) {
	p := newTestProxy(t)

	for _, code := range []int{482, 483, 502, 503, 504} {
		res := sip.NewResponse(code, "Err")
		assert.True(t, p.dropReflectedError(res), "code %d", code)
	}
	assert.False(t, p.dropReflectedError(sip.NewResponse(486, "Busy Here")))
	assert.False(t, p.dropReflectedError(sip.NewResponse(200, "OK")))

	// Compliance mode relays everything.
	p.dyn.Set(config.KeyDropReflectedErrors, false)
	assert.False(t, p.dropReflectedError(sip.NewResponse(503, "Service Unavailable")))
}

// An INVITE failure destroys all three table entries and does so once.
func TestOnFinalResponseInviteFailure(t *testing.T) {
	p := newTestProxy(t)

	callID := "fail@1001"
	p.state.Dialogs.Set(callID, Dialog{Caller: "a:1", Callee: "b:2", CreatedAt: time.Now()})
	p.state.Pending.Set(callID, "a:1")
	p.state.Branches.Set(callID, "z9hG4bK-x")

	res := sip.NewResponse(486, "Busy Here")
	p.onFinalResponse(sip.INVITE, callID, res)

	assert.False(t, p.state.Dialogs.Has(callID))
	assert.False(t, p.state.Pending.Has(callID))
	assert.False(t, p.state.Branches.Has(callID))

	// A retransmitted failure must not fail twice; the dialog guard holds.
	p.onFinalResponse(sip.INVITE, callID, res)
}

func TestOnFinalResponseInviteSuccessKeepsDialog(t *testing.T) {
	p := newTestProxy(t)

	callID := "ok@1001"
	p.state.Dialogs.Set(callID, Dialog{Caller: "a:1", Callee: "b:2", CreatedAt: time.Now()})
	p.state.Pending.Set(callID, "a:1")
	p.state.Branches.Set(callID, "z9hG4bK-x")

	res := sip.NewResponse(200, "OK")
	res.SetSource("192.168.8.51:5062")
	p.onFinalResponse(sip.INVITE, callID, res)

	assert.True(t, p.state.Dialogs.Has(callID))
	assert.False(t, p.state.Pending.Has(callID))
	assert.False(t, p.state.Branches.Has(callID))
}

func TestOnFinalResponseByeDestroysDialog(t *testing.T) {
	p := newTestProxy(t)

	callID := "bye@1001"
	p.state.Dialogs.Set(callID, Dialog{Caller: "a:1", Callee: "b:2", CreatedAt: time.Now()})
	p.onFinalResponse(sip.BYE, callID, sip.NewResponse(200, "OK"))
	assert.False(t, p.state.Dialogs.Has(callID))
}

// An initial INVITE for an unregistered callee is answered 480 and leaves
// no state behind.
func TestForwardInitialUnregisteredCallee(t *testing.T) {
	p := newTestProxy(t)

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1003", Host: serverIP, Port: 5060})
	addDialogHeaders(req, "unreg@1001")
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	tx := newFakeTx()
	p.forwardInitial(req, tx)

	require.Len(t, tx.responses, 1)
	assert.Equal(t, 480, tx.responses[0].StatusCode)
	assert.False(t, p.state.Dialogs.Has("unreg@1001"))
	assert.False(t, p.state.Pending.Has("unreg@1001"))
}

// A re-received INVITE for a live dialog gets 100 Trying and no forward.
func TestInviteRetransmissionAnswered100(t *testing.T) {
	p := newTestProxy(t)

	callID := "retrans@1001"
	p.state.Dialogs.Set(callID, Dialog{Caller: "a:1", Callee: "b:2", CreatedAt: time.Now()})

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1002", Host: serverIP, Port: 5060})
	addDialogHeaders(req, callID)
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	tx := newFakeTx()
	p.handleInvite(req, tx)

	require.Len(t, tx.responses, 1)
	assert.Equal(t, 100, tx.responses[0].StatusCode)
}

// An ACK whose dialog is gone is dropped without any emission.
func TestAckWithoutDialogDropped(t *testing.T) {
	p := newTestProxy(t)

	req := sip.NewRequest(sip.ACK, sip.Uri{Scheme: "sip", User: "1002", Host: "192.168.8.51", Port: 5062})
	addDialogHeaders(req, "gone@1001")

	tx := newFakeTx()
	p.handleAck(req, tx)
	assert.Empty(t, tx.responses)
}

func TestClearCall(t *testing.T) {
	p := newTestProxy(t)

	callID := "clear@1001"
	p.state.Dialogs.Set(callID, Dialog{CreatedAt: time.Now()})
	p.state.Pending.Set(callID, "a:1")
	p.state.Branches.Set(callID, "b")

	p.state.ClearCall(callID)
	assert.False(t, p.state.Dialogs.Has(callID))
	assert.False(t, p.state.Pending.Has(callID))
	assert.False(t, p.state.Branches.Has(callID))
}
