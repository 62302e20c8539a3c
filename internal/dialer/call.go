package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/imscore/internal/media"
	"github.com/sebas/imscore/internal/sdp"
)

// Per-call deadlines.
const (
	setupTimeout = 30 * time.Second
	callTimeout  = 120 * time.Second
	byeTimeout   = 5 * time.Second
)

// call is one outbound dialog. Each call owns a dedicated SIP port with its
// own receive loop and a dedicated RTP port, so concurrent calls never
// share dialog state.
type call struct {
	callee    string
	mediaFile string
	duration  time.Duration

	serverIP   string
	serverPort int
	localIP    string
	username   string
	sipPort    int
	rtpPort    int

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	callID  string
	fromTag string

	mu            sync.Mutex
	toTag         string
	routeSet      []sip.Uri
	remoteContact *sip.Uri
	cseq          uint32
	confirmed     bool
	remoteBye     bool
	seenBye       map[string]bool

	remoteRTP *net.UDPAddr
	hangup    chan struct{}
	logger    *slog.Logger
}

func newCall(m *Manager, callee, mediaFile string, duration time.Duration) *call {
	return &call{
		callee:     callee,
		mediaFile:  mediaFile,
		duration:   duration,
		serverIP:   m.serverIP,
		serverPort: m.serverPort,
		localIP:    m.localIP,
		username:   m.username,
		sipPort:    m.ports.NextSIPPort(),
		callID:     uuid.NewString(),
		fromTag:    sip.GenerateTagN(16),
		cseq:       1,
		seenBye:    make(map[string]bool),
		hangup:     make(chan struct{}),
		logger:     m.logger.With("callee", callee),
	}
}

// run drives the whole call: INVITE, ACK, media, BYE. It returns whether
// the call was answered and completed.
func (c *call) run(ctx context.Context, ports *PortAllocator) (bool, error) {
	rtpPort, err := ports.AllocateRTP()
	if err != nil {
		return false, err
	}
	c.rtpPort = rtpPort
	defer ports.ReleaseRTP(rtpPort)

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.hangup:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.setupStack(ctx); err != nil {
		return false, err
	}
	defer c.ua.Close()

	invite := c.buildInvite()
	setupCtx, setupCancel := context.WithTimeout(ctx, setupTimeout)
	defer setupCancel()

	tx, err := c.client.TransactionRequest(setupCtx, invite)
	if err != nil {
		return false, fmt.Errorf("sending INVITE: %w", err)
	}
	defer tx.Terminate()

	answered, res, err := c.awaitAnswer(setupCtx, tx, invite)
	if err != nil || !answered {
		return false, err
	}

	c.absorbAnswer(res)
	if err := c.sendAck(invite, res); err != nil {
		c.logger.Warn("failed to send ack", "call_id", c.callID, "error", err)
	}
	c.mu.Lock()
	c.confirmed = true
	c.mu.Unlock()

	// Retransmitted 200s keep arriving on the transaction until it times
	// out; answer each with a fresh ACK but never a second dialog.
	go c.reackLoop(ctx, tx, invite)

	if c.remoteRTP != nil && c.mediaFile != "" {
		player := media.NewPlayer(c.rtpPort, c.remoteRTP, c.logger)
		if err := player.PlayFile(ctx, c.mediaFile, c.duration); err != nil && ctx.Err() == nil {
			c.logger.Warn("media playback ended with error", "call_id", c.callID, "error", err)
		}
	} else if c.duration > 0 {
		select {
		case <-time.After(c.duration):
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	remoteEnded := c.remoteBye
	c.mu.Unlock()
	if !remoteEnded {
		if err := c.sendBye(); err != nil {
			c.logger.Warn("bye exchange incomplete", "call_id", c.callID, "error", err)
		}
	}
	return true, nil
}

// setupStack creates the per-call UA, server, and client bound to the
// call's local SIP port.
func (c *call) setupStack(ctx context.Context) error {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("imscore-dialer"))
	if err != nil {
		return fmt.Errorf("creating dialer ua: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating dialer server: %w", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(c.localIP),
		sipgo.WithClientPort(c.sipPort),
	)
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating dialer client: %w", err)
	}
	c.ua, c.srv, c.client = ua, srv, client

	srv.OnBye(c.handleInboundBye)

	listenAddr := net.JoinHostPort(c.localIP, strconv.Itoa(c.sipPort))
	go func() {
		if err := srv.ListenAndServe(ctx, "udp", listenAddr); err != nil && ctx.Err() == nil {
			c.logger.Warn("dialer listener stopped", "addr", listenAddr, "error", err)
		}
	}()
	return nil
}

func (c *call) serverURI() sip.Uri {
	return sip.Uri{Scheme: "sip", Host: c.serverIP, Port: c.serverPort}
}

func (c *call) buildInvite() *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: c.callee, Host: c.serverIP, Port: c.serverPort}
	invite := sip.NewRequest(sip.INVITE, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.fromTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: c.username, Host: c.serverIP, Port: c.serverPort},
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: recipient,
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader(c.callID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: c.username, Host: c.localIP, Port: c.sipPort},
	})
	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	invite.SetBody(sdp.BuildPCMUOffer(c.localIP, c.rtpPort, uint64(time.Now().Unix())))
	return invite
}

// awaitAnswer consumes responses until the final one.
func (c *call) awaitAnswer(ctx context.Context, tx sip.ClientTransaction, invite *sip.Request) (bool, *sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil, fmt.Errorf("call setup timed out")
		case res, ok := <-tx.Responses():
			if !ok {
				return false, nil, fmt.Errorf("transaction closed without final response")
			}
			switch {
			case res.StatusCode < 200:
				c.logger.Debug("provisional response", "call_id", c.callID, "status", res.StatusCode)
			case res.StatusCode < 300:
				return true, res, nil
			default:
				c.logger.Info("call rejected", "call_id", c.callID, "status", res.StatusCode, "reason", res.Reason)
				return false, nil, nil
			}
		case <-tx.Done():
			return false, nil, fmt.Errorf("invite transaction ended: %w", tx.Err())
		}
	}
}

// absorbAnswer extracts dialog state from the 200 OK: To tag, route set
// (reversed Record-Routes), remote contact, and the remote RTP endpoint.
func (c *call) absorbAnswer(res *sip.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to := res.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.toTag = tag
		}
	}
	c.routeSet = nil
	rrs := res.GetHeaders("Record-Route")
	for i := len(rrs) - 1; i >= 0; i-- {
		if rr, ok := rrs[i].(*sip.RecordRouteHeader); ok {
			c.routeSet = append(c.routeSet, rr.Address)
		}
	}
	if contact := res.Contact(); contact != nil {
		uri := contact.Address
		c.remoteContact = &uri
	}
	if addr, port, ok := sdp.RemoteEndpoint(res.Body()); ok {
		c.remoteRTP = &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
	}
}

// requestURI picks the target for in-dialog requests (ACK, BYE):
// the last Route when the set has two or more entries; the remote Contact
// when the single Route is the server (server-transparent routing) or when
// no Route exists; the callee at the server as a last resort.
func (c *call) requestURI() sip.Uri {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(c.routeSet) >= 2:
		return c.routeSet[len(c.routeSet)-1]
	case len(c.routeSet) == 1:
		route := c.routeSet[0]
		if route.Host == c.serverIP && (route.Port == c.serverPort || route.Port == 0) && c.remoteContact != nil {
			return *c.remoteContact
		}
		return route
	case c.remoteContact != nil:
		return *c.remoteContact
	}
	return sip.Uri{Scheme: "sip", User: c.callee, Host: c.serverIP, Port: c.serverPort}
}

// sendAck acknowledges a 2xx. ACK for 2xx is a new transaction sent
// straight through the transport.
func (c *call) sendAck(invite *sip.Request, res *sip.Response) error {
	ack := sip.NewRequest(sip.ACK, c.requestURI())

	sip.CopyHeaders("From", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	sip.CopyHeaders("Call-ID", invite, ack)
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	// The server inserted a Record-Route; in-dialog requests traverse it.
	routeURI := c.serverURI()
	routeURI.UriParams = sip.HeaderParams{{K: "lr", V: ""}}
	ack.AppendHeader(&sip.RouteHeader{Address: routeURI})

	ack.SetDestination(net.JoinHostPort(c.serverIP, strconv.Itoa(c.serverPort)))
	return c.client.WriteRequest(ack)
}

// reackLoop answers re-received 200s with a retransmitted ACK.
func (c *call) reackLoop(ctx context.Context, tx sip.ClientTransaction, invite *sip.Request) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode >= 200 && res.StatusCode < 300 {
				c.logger.Debug("200 retransmission, re-sending ack", "call_id", c.callID)
				if err := c.sendAck(invite, res); err != nil {
					c.logger.Debug("re-ack failed", "call_id", c.callID, "error", err)
				}
			}
		case <-tx.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// sendBye terminates the dialog, waiting up to five seconds for the 200.
// Dialog state is cleared regardless of the outcome.
func (c *call) sendBye() error {
	c.mu.Lock()
	c.cseq++
	seq := c.cseq
	toTag := c.toTag
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.confirmed = false
		c.toTag = ""
		c.routeSet = nil
		c.remoteContact = nil
		c.mu.Unlock()
	}()

	bye := sip.NewRequest(sip.BYE, c.requestURI())

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.fromTag)
	bye.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: c.username, Host: c.serverIP, Port: c.serverPort},
		Params:  fromParams,
	})
	toParams := sip.NewParams()
	if toTag != "" {
		toParams.Add("tag", toTag)
	}
	bye.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: c.callee, Host: c.serverIP, Port: c.serverPort},
		Params:  toParams,
	})
	callID := sip.CallIDHeader(c.callID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	routeURI := c.serverURI()
	routeURI.UriParams = sip.HeaderParams{{K: "lr", V: ""}}
	bye.AppendHeader(&sip.RouteHeader{Address: routeURI})

	bye.SetDestination(net.JoinHostPort(c.serverIP, strconv.Itoa(c.serverPort)))

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	res, err := c.client.Do(ctx, bye)
	if err != nil {
		return fmt.Errorf("awaiting BYE response: %w", err)
	}
	if res.StatusCode != 200 {
		c.logger.Debug("unexpected BYE response", "call_id", c.callID, "status", res.StatusCode)
	}
	return nil
}

// handleInboundBye answers a remote hangup with 200 OK echoing the Via
// stack. The response goes to the top Via's sent-by when that is the
// server, otherwise back to the datagram source. Retransmissions are
// deduplicated by (Call-ID, CSeq) but still acknowledged.
func (c *call) handleInboundBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	cseq := ""
	if cs := req.CSeq(); cs != nil {
		cseq = cs.Value()
	}
	key := callID + " " + cseq

	c.mu.Lock()
	dup := c.seenBye[key]
	c.seenBye[key] = true
	first := !c.remoteBye
	c.remoteBye = true
	c.mu.Unlock()

	if first {
		close(c.hangup)
	}
	if !dup {
		c.logger.Info("remote hangup", "call_id", callID)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if via := req.Via(); via != nil && via.Host == c.serverIP {
		port := via.Port
		if port == 0 {
			port = 5060
		}
		res.SetDestination(net.JoinHostPort(via.Host, strconv.Itoa(port)))
	} else {
		res.SetDestination(req.Source())
	}
	if err := tx.Respond(res); err != nil {
		c.logger.Warn("failed to answer bye", "call_id", callID, "error", err)
	}
}
