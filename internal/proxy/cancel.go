package proxy

import (
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/imscore/internal/config"
)

// handleCancel forwards a CANCEL towards the same target the INVITE was
// sent to. When branch reuse is enabled the saved INVITE branch goes on the
// top Via — some user agents match the CANCEL against it; conformant ones
// accept either way since the top-hop CANCEL is its own transaction.
func (p *Proxy) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	out := req.Clone()

	if !p.decrementMaxForwards(out, tx) {
		return
	}

	// The CANCEL's Request-URI must equal the INVITE's forwarded target.
	if p.uriPointsAtUs(out.Recipient) {
		user := targetUser(out)
		contact, ok := p.reg.FirstContact(user)
		if !ok {
			p.logger.Info("cancel target has no binding", "callee", user, "call_id", callID)
			p.respond(req, tx, 481, "Call/Transaction Does Not Exist")
			return
		}
		var target sip.Uri
		if err := sip.ParseUri(contact, &target); err != nil {
			p.respond(req, tx, 502, "Bad Gateway")
			return
		}
		stripClientParams(&target)
		out.Recipient = target
	}
	stripAllRoutes(out)

	dest, err := p.nextHop(out)
	if err != nil {
		if err == errSelfLoop {
			if d, ok := p.state.Dialogs.Get(callID); ok {
				dest = d.Callee
			} else {
				p.logger.Warn("cancel self-loop with no dialog, dropping", "call_id", callID)
				return
			}
		} else {
			p.logger.Warn("cancel has no route, dropping", "call_id", callID, "error", err)
			return
		}
	}
	out.SetDestination(dest)

	branch := newBranch()
	if p.dyn.GetBool(config.KeyCancelBranchReuse, true) {
		if saved, ok := p.state.Branches.Get(callID); ok {
			branch = saved
		}
	}
	p.addProxyVia(out, branch)

	p.logger.Info("forwarding cancel", "call_id", callID, "dest", dest, "branch", branch)
	p.forward(req, tx, out, callID)
}
