package proxy

import (
	"github.com/emiago/sipgo/sip"
)

// handleBye forwards BYE requests and tears the dialog down once the 200 OK
// has been relayed.
func (p *Proxy) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	p.handleInDialog(req, tx)
}

// handleInDialog forwards mid-dialog requests (BYE, UPDATE, PRACK, INFO,
// re-INVITE, and tagged REFER/NOTIFY/SUBSCRIBE).
func (p *Proxy) handleInDialog(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	out := req.Clone()

	if !p.decrementMaxForwards(out, tx) {
		return
	}

	p.rewriteStaleTarget(out)
	p.stripOwnRoutes(out)

	dest, err := p.nextHop(out)
	if err != nil {
		p.handleNextHopError(req, tx, out, callID, err)
		return
	}
	out.SetDestination(dest)
	p.addProxyVia(out, newBranch())

	p.state.Pending.Set(callID, req.Source())
	p.state.Dialogs.Touch(callID)

	p.logger.Info("forwarding in-dialog request", "method", out.Method, "call_id", callID, "dest", dest)
	p.forward(req, tx, out, callID)
}

// rewriteStaleTarget repairs Request-URIs that cannot be reached directly:
// a leftover ;ob parameter or a private address we hold a fresher binding
// for. The stale Route/Record-Route set goes with it.
func (p *Proxy) rewriteStaleTarget(out *sip.Request) {
	needsRewrite := false
	if out.Recipient.UriParams != nil && out.Recipient.UriParams.Has("ob") {
		needsRewrite = true
	}
	if !needsRewrite && isPrivateAddr(out.Recipient.Host, p.dyn.LocalNetworks()) {
		user := targetUser(out)
		if contact, ok := p.reg.FirstContact(user); ok && contact != out.Recipient.String() {
			needsRewrite = true
		}
	}
	if !needsRewrite {
		return
	}

	user := targetUser(out)
	contact, ok := p.reg.FirstContact(user)
	if !ok {
		return
	}
	var target sip.Uri
	if err := sip.ParseUri(contact, &target); err != nil {
		return
	}
	stripClientParams(&target)
	out.Recipient = target
	stripAllRoutes(out)
	for out.GetHeader("Record-Route") != nil {
		out.RemoveHeader("Record-Route")
	}
	p.logger.Debug("in-dialog target rewritten to registered contact", "user", user, "target", target.String())
}

// targetUser picks the user whose binding should serve an in-dialog
// request: the To AOR, falling back to the Request-URI user.
func targetUser(req *sip.Request) string {
	if to := req.To(); to != nil && to.Address.User != "" {
		return to.Address.User
	}
	return req.Recipient.User
}

// handleAck routes ACK requests. 2xx ACKs carry a Route through us or match
// a confirmed dialog and are passed statelessly; non-2xx ACKs that still
// reach us are forwarded untouched via the dialog, or dropped when the
// dialog is already gone.
func (p *Proxy) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	hasRoute := req.Route() != nil
	tagged := toTag(req) != ""
	d, haveDialog := p.state.Dialogs.Get(callID)

	if (hasRoute && tagged) || (haveDialog && tagged) {
		// ACK for a 2xx: loose-route it, stateless, no Via of ours.
		out := req.Clone()
		p.stripOwnRoutes(out)
		dest, err := p.nextHop(out)
		if err == errSelfLoop && haveDialog {
			dest = d.Callee
			err = nil
		}
		if err != nil {
			p.logger.Debug("ack dropped, no route", "call_id", callID, "error", err)
			return
		}
		out.SetDestination(dest)
		if werr := p.client.WriteRequest(out); werr != nil {
			p.logger.Warn("failed to pass ack", "call_id", callID, "error", werr)
		}
		p.state.Dialogs.Touch(callID)
		return
	}

	if haveDialog {
		// Non-2xx ACK: transparent forward, no header manipulation.
		out := req.Clone()
		out.SetDestination(d.Callee)
		if err := p.client.WriteRequest(out); err != nil {
			p.logger.Debug("failed to pass non-2xx ack", "call_id", callID, "error", err)
		}
		return
	}

	// Dialog already cleaned after the failure response: drop silently.
	p.logger.Debug("ack for unknown dialog dropped", "call_id", callID)
}
