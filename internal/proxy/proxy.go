// Package proxy implements the stateful SIP forwarding engine: request
// classification, Via/Route/Record-Route and Request-URI manipulation,
// response relaying, and dialog/transaction bookkeeping.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/imscore/internal/cdr"
	"github.com/sebas/imscore/internal/config"
	"github.com/sebas/imscore/internal/registrar"
	"github.com/sebas/imscore/internal/sipauth"
)

// Proxy is the SIP signalling core. It owns the sipgo server and client
// handles, the registrar, and the proxy state tables.
type Proxy struct {
	cfg *config.Config
	dyn *config.Dynamic

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	reg    *registrar.Registrar
	auth   *sipauth.Authenticator
	cdrs   *cdr.Engine
	state  *State
	logger *slog.Logger
}

// New builds the proxy and registers all method handlers.
func New(cfg *config.Config, dyn *config.Dynamic, reg *registrar.Registrar, auth *sipauth.Authenticator, cdrs *cdr.Engine, logger *slog.Logger) (*Proxy, error) {
	log := logger.With("component", "proxy")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("imscore"),
		sipgo.WithUserAgentHostname(cfg.ServerIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(slog.Default()))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(cfg.ServerIP),
		sipgo.WithClientPort(cfg.ServerPort),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	p := &Proxy{
		cfg:    cfg,
		dyn:    dyn,
		ua:     ua,
		srv:    srv,
		client: client,
		reg:    reg,
		auth:   auth,
		cdrs:   cdrs,
		state:  NewState(log),
		logger: log,
	}

	srv.OnRegister(reg.HandleRegister)
	srv.OnInvite(p.handleInvite)
	srv.OnAck(p.handleAck)
	srv.OnCancel(p.handleCancel)
	srv.OnBye(p.handleBye)
	srv.OnOptions(p.handleOptions)
	srv.OnMessage(p.handleMessage)
	srv.OnUpdate(p.handleInDialog)
	srv.OnPrack(p.handleInDialog)
	srv.OnInfo(p.handleInDialog)
	srv.OnRefer(p.handleBlindForward)
	srv.OnNotify(p.handleBlindForward)
	srv.OnSubscribe(p.handleBlindForward)

	return p, nil
}

// Serve binds the UDP socket and runs the receive loop until ctx is done.
// A bind failure is the only fatal startup condition.
func (p *Proxy) Serve(ctx context.Context) error {
	addr := p.cfg.ListenAddr()
	p.logger.Info("sip udp listener starting", "addr", addr)
	return p.srv.ListenAndServe(ctx, "udp", addr)
}

// State exposes the proxy tables to collaborators (timers, MML, stats).
func (p *Proxy) State() *State { return p.state }

// Close shuts the proxy down: sweepers first, then the SIP stack.
func (p *Proxy) Close() error {
	p.state.Close()
	return p.ua.Close()
}

// --- shared forwarding helpers ---

// newBranch mints a Via branch token in the z9hG4bK-<random> form.
func newBranch() string {
	return sip.RFC3261BranchMagicCookie + "-" + sip.GenerateTagN(24)
}

// addProxyVia prepends this server's Via hop with the given branch and
// fills rport/received on the caller's Via per RFC 3581.
func (p *Proxy) addProxyVia(req *sip.Request, branch string) {
	if inVia := req.Via(); inVia != nil && inVia.Params != nil && inVia.Params.Has("rport") {
		if host, port, err := net.SplitHostPort(req.Source()); err == nil {
			inVia.Params.Add("rport", port)
			inVia.Params.Add("received", host)
		}
	}
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            p.cfg.ServerIP,
		Port:            p.cfg.ServerPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	req.PrependHeader(via)
}

// addRecordRoute inserts our loose-routing Record-Route on top.
func (p *Proxy) addRecordRoute(req *sip.Request) {
	rr := &sip.RecordRouteHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			Host:      p.cfg.ServerIP,
			Port:      p.cfg.ServerPort,
			UriParams: sip.HeaderParams{{K: "lr", V: ""}},
			Headers:   sip.NewParams(),
		},
	}
	req.PrependHeader(rr)
}

// decrementMaxForwards applies the hop count. It responds 483 and returns
// false when the budget is exhausted.
func (p *Proxy) decrementMaxForwards(req *sip.Request, tx sip.ServerTransaction) bool {
	mf := req.MaxForwards()
	if mf == nil {
		h := sip.MaxForwardsHeader(70)
		req.AppendHeader(&h)
		return true
	}
	if mf.Val() == 0 {
		p.respond(req, tx, 483, "Too Many Hops")
		return false
	}
	mf.Dec()
	return true
}

func (p *Proxy) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		p.logger.Error("failed to send response", "code", code, "error", err)
	}
}

// respondSendFailure converts a network send failure into the in-band SIP
// status the method expects. ACK and CANCEL are one-shot: no response.
func (p *Proxy) respondSendFailure(req *sip.Request, tx sip.ServerTransaction, callID string, err error) {
	p.logger.Warn("forward failed", "method", req.Method, "call_id", callID, "error", err)
	switch req.Method {
	case sip.INVITE, sip.MESSAGE, sip.REFER, sip.NOTIFY, sip.SUBSCRIBE:
		p.respond(req, tx, 480, "Temporarily Unavailable")
	case sip.BYE:
		p.respond(req, tx, 408, "Request Timeout")
		if _, ok := p.state.Dialogs.Delete(callID); ok {
			p.cdrs.RecordCallEnd(callID, "Network Unreachable")
		}
	case sip.ACK, sip.CANCEL:
		// one-shot, nothing to answer
	default:
		p.respond(req, tx, 502, "Bad Gateway")
	}
}

// forward sends the prepared request downstream and relays its responses
// back through the server transaction.
func (p *Proxy) forward(req *sip.Request, inTx sip.ServerTransaction, out *sip.Request, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	clTx, err := p.client.TransactionRequest(ctx, out)
	if err != nil {
		cancel()
		p.respondSendFailure(req, inTx, callID, err)
		return
	}
	go func() {
		defer cancel()
		defer clTx.Terminate()
		p.relayResponses(req, inTx, clTx, out, callID)
	}()
}

// relayResponses shuttles responses from the downstream client transaction
// to the upstream server transaction until a final response or termination.
func (p *Proxy) relayResponses(req *sip.Request, inTx sip.ServerTransaction, clTx sip.ClientTransaction, out *sip.Request, callID string) {
	isInvite := out.Method == sip.INVITE
	for {
		select {
		case res, ok := <-clTx.Responses():
			if !ok {
				return
			}
			if res.StatusCode == 100 {
				// 100 Trying is hop-by-hop; never relayed upstream.
				continue
			}
			if res.StatusCode == 180 && isInvite {
				p.cdrs.RecordCallRinging(callID)
			}
			if res.StatusCode >= 200 {
				p.onFinalResponse(out.Method, callID, res)
			}
			if p.dropReflectedError(res) {
				p.logger.Debug("reflected error response dropped", "call_id", callID, "status", res.StatusCode)
				if res.StatusCode >= 200 {
					return
				}
				continue
			}
			p.forwardResponse(req, inTx, res, callID, isInvite)
			if res.StatusCode >= 200 {
				return
			}
		case <-clTx.Done():
			if err := clTx.Err(); err != nil {
				p.logger.Debug("client transaction ended", "call_id", callID, "error", err)
			}
			return
		case <-inTx.Done():
			return
		}
	}
}

// dropReflectedError implements the source behaviour of suppressing error
// responses that downstream proxies tend to reflect in routing loops.
func (p *Proxy) dropReflectedError(res *sip.Response) bool {
	if !p.dyn.GetBool(config.KeyDropReflectedErrors, true) {
		return false
	}
	switch res.StatusCode {
	case 482, 483, 502, 503, 504:
		return true
	}
	return false
}

// forwardResponse strips our Via, applies NAT contact rewriting, selects the
// upstream destination, and hands the response to the server transaction.
func (p *Proxy) forwardResponse(req *sip.Request, inTx sip.ServerTransaction, res *sip.Response, callID string, isInvite bool) {
	out := res.Clone()
	p.stripOwnVia(out)
	p.rewriteContactsLocal(out)
	out.SetDestination(p.responseDestination(req, out, callID, isInvite, res.StatusCode))
	if err := inTx.Respond(out); err != nil {
		p.logger.Warn("failed to relay response", "call_id", callID, "status", res.StatusCode, "error", err)
	}
}

// stripOwnVia removes the top Via when it is ours, honouring comma-folded
// Via lists.
func (p *Proxy) stripOwnVia(res *sip.Response) {
	via := res.Via()
	if via == nil || !p.isSelf(via.Host, via.Port) {
		return
	}
	res.RemoveHeader("Via")
}

// rewriteContactsLocal rewrites all Contact hosts to loopback when the
// force-local debug mode is enabled (single-host test setups).
func (p *Proxy) rewriteContactsLocal(res *sip.Response) {
	if !p.dyn.GetBool(config.KeyForceLocalAddr, false) {
		return
	}
	for _, h := range res.GetHeaders("Contact") {
		if c, ok := h.(*sip.ContactHeader); ok {
			c.Address.Host = "127.0.0.1"
		}
	}
}

// responseDestination derives where to send a relayed response: the (new)
// top Via's received/rport, then its sent-by, then the pending originator,
// then the request source. INVITE final responses prefer the dialog's
// caller to survive NAT rebinding.
func (p *Proxy) responseDestination(req *sip.Request, res *sip.Response, callID string, isInvite bool, status int) string {
	if isInvite && status >= 200 {
		if d, ok := p.state.Dialogs.Get(callID); ok && d.Caller != "" {
			return d.Caller
		}
		// The failure path may have dropped the dialog already; fall through.
	}
	if via := res.Via(); via != nil {
		host := via.Host
		port := via.Port
		if via.Params != nil {
			if received, ok := via.Params.Get("received"); ok && received != "" {
				host = received
			}
			if rport, ok := via.Params.Get("rport"); ok && rport != "" {
				if v, err := strconv.Atoi(rport); err == nil {
					port = v
				}
			}
		}
		if port == 0 {
			port = 5060
		}
		if host != "" {
			if isPrivateAddr(host, p.dyn.LocalNetworks()) || net.ParseIP(host) != nil {
				return net.JoinHostPort(host, strconv.Itoa(port))
			}
			// Unresolvable sent-by hostname: fall back to the originator.
			if origin, ok := p.state.Pending.Get(callID); ok {
				return origin
			}
			return net.JoinHostPort(host, strconv.Itoa(port))
		}
	}
	if origin, ok := p.state.Pending.Get(callID); ok {
		return origin
	}
	return req.Source()
}

// onFinalResponse updates dialog and CDR state when a final response is
// about to be relayed.
func (p *Proxy) onFinalResponse(method sip.RequestMethod, callID string, res *sip.Response) {
	switch method {
	case sip.INVITE:
		p.state.Pending.Delete(callID)
		p.state.Branches.Delete(callID)
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			host, portStr, _ := net.SplitHostPort(res.Source())
			port, _ := strconv.Atoi(portStr)
			p.cdrs.RecordCallAnswer(callID, host, port)
			if ct, codec := inspectBody(res.Body()); ct != "" {
				p.cdrs.AnnotateMedia(callID, ct, codec)
			}
			p.state.Dialogs.Touch(callID)
		case res.StatusCode >= 400:
			// Exactly one terminal CDR row, guarded by dialog presence.
			if _, ok := p.state.Dialogs.Delete(callID); ok {
				if res.StatusCode == 487 {
					p.cdrs.RecordCallCancel(callID)
				} else {
					p.cdrs.RecordCallFail(callID, res.StatusCode, res.Reason, "")
				}
			}
			p.state.Pending.Delete(callID)
			p.state.Branches.Delete(callID)
		}
	case sip.BYE:
		p.state.Pending.Delete(callID)
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			if _, ok := p.state.Dialogs.Delete(callID); ok {
				p.cdrs.RecordCallEnd(callID, "Normal")
			}
		}
	default:
		p.state.Pending.Delete(callID)
	}
}

// handleOptions answers capability queries locally.
func (p *Proxy) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, MESSAGE, UPDATE, PRACK, REFER, NOTIFY, SUBSCRIBE"))
	res.AppendHeader(sip.NewHeader("Supported", "replaces, timer"))
	if err := tx.Respond(res); err != nil {
		p.logger.Error("failed to respond to options", "error", err)
	}

	callID := callIDOf(req)
	callerURI, calleeURI := "", ""
	if from := req.From(); from != nil {
		callerURI = registrar.AOR(from.Address)
	}
	if to := req.To(); to != nil {
		calleeURI = registrar.AOR(to.Address)
	}
	host, portStr, _ := net.SplitHostPort(req.Source())
	port, _ := strconv.Atoi(portStr)
	p.cdrs.RecordOptions(callID, callerURI, calleeURI, host, port)
}
