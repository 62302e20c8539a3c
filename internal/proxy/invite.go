package proxy

import (
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/imscore/internal/cdr"
	"github.com/sebas/imscore/internal/registrar"
	"github.com/sebas/imscore/internal/sdp"
)

func inspectBody(body []byte) (string, string) {
	return sdp.Inspect(body)
}

// handleInvite processes INVITE requests: re-received INVITEs for a live
// dialog get a local 100 Trying, INVITEs carrying a To-tag are handled as
// in-dialog re-INVITEs, and everything else is forwarded as an initial
// request.
func (p *Proxy) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if p.state.Dialogs.Has(callID) && toTag(req) == "" {
		p.logger.Debug("invite retransmission for live dialog", "call_id", callID)
		p.respond(req, tx, 100, "Trying")
		return
	}
	if toTag(req) != "" {
		// Re-INVITE within a dialog: treated like other in-dialog requests.
		p.handleInDialog(req, tx)
		return
	}
	p.forwardInitial(req, tx)
}

// handleMessage forwards MESSAGE requests and records them.
func (p *Proxy) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	p.forwardInitial(req, tx)
}

// handleBlindForward covers REFER/NOTIFY/SUBSCRIBE: in-dialog when a To-tag
// is present, otherwise routed like an initial request.
func (p *Proxy) handleBlindForward(req *sip.Request, tx sip.ServerTransaction) {
	if toTag(req) != "" {
		p.handleInDialog(req, tx)
		return
	}
	p.forwardInitial(req, tx)
}

// forwardInitial routes a dialog-establishing request to the callee's
// registered contact.
func (p *Proxy) forwardInitial(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	out := req.Clone()

	if !p.decrementMaxForwards(out, tx) {
		return
	}

	// IMS mode: any incoming Route set is ours to discard.
	stripAllRoutes(out)

	calleeUser := out.Recipient.User
	if p.uriPointsAtUs(out.Recipient) {
		if to := out.To(); to != nil && to.Address.User != "" {
			calleeUser = to.Address.User
		}
	}

	contact, ok := p.reg.FirstContact(calleeUser)
	if !ok {
		p.logger.Info("callee has no live binding", "callee", calleeUser, "call_id", callID)
		p.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}
	var target sip.Uri
	if err := sip.ParseUri(contact, &target); err != nil {
		p.logger.Warn("registered contact unparseable", "contact", contact, "error", err)
		p.respond(req, tx, 502, "Bad Gateway")
		return
	}
	stripClientParams(&target)
	out.Recipient = target

	p.normaliseLoopbackFrom(out)

	dest, err := p.nextHop(out)
	if err != nil {
		p.handleNextHopError(req, tx, out, callID, err)
		return
	}
	out.SetDestination(dest)

	p.addRecordRoute(out)
	branch := newBranch()
	p.addProxyVia(out, branch)

	if out.Method == sip.INVITE {
		p.state.Branches.Set(callID, branch)
		p.state.Dialogs.Set(callID, Dialog{
			Caller:    req.Source(),
			Callee:    dest,
			CallerURI: uriOfFrom(req),
			CalleeURI: uriOfTo(req),
			CreatedAt: time.Now(),
		})
		host, portStr, _ := net.SplitHostPort(req.Source())
		port, _ := strconv.Atoi(portStr)
		p.cdrs.RecordCallStart(callID, uriOfFrom(req), uriOfTo(req), host, port, p.callExtras(req))
		if ct, codec := inspectBody(req.Body()); ct != "" {
			p.cdrs.AnnotateMedia(callID, ct, codec)
		}
	}
	if out.Method == sip.MESSAGE {
		host, portStr, _ := net.SplitHostPort(req.Source())
		port, _ := strconv.Atoi(portStr)
		p.cdrs.RecordMessage(callID, uriOfFrom(req), uriOfTo(req), host, port, string(req.Body()))
	}
	p.state.Pending.Set(callID, req.Source())

	p.logger.Info("forwarding request", "method", out.Method, "call_id", callID, "dest", dest, "r_uri", out.Recipient.String())
	p.forward(req, tx, out, callID)
}

// normaliseLoopbackFrom rewrites the From URI from the originator's own
// binding when caller and callee are the same user, so responses in
// loopback test calls route back correctly.
func (p *Proxy) normaliseLoopbackFrom(out *sip.Request) {
	from := out.From()
	to := out.To()
	if from == nil || to == nil || from.Address.User == "" || from.Address.User != to.Address.User {
		return
	}
	contact, ok := p.reg.FirstContact(from.Address.User)
	if !ok {
		return
	}
	var uri sip.Uri
	if err := sip.ParseUri(contact, &uri); err != nil {
		return
	}
	stripClientParams(&uri)
	from.Address.Host = uri.Host
	from.Address.Port = uri.Port
}

// handleNextHopError deals with routing dead-ends: self-loops are recovered
// through the dialog when possible, everything else maps to a SIP status.
func (p *Proxy) handleNextHopError(req *sip.Request, tx sip.ServerTransaction, out *sip.Request, callID string, err error) {
	if err == errSelfLoop {
		if d, ok := p.state.Dialogs.Get(callID); ok {
			dest := d.Callee
			if req.Source() == d.Callee {
				dest = d.Caller
			}
			p.logger.Info("self-loop recovered via dialog", "call_id", callID, "dest", dest)
			out.SetDestination(dest)
			p.addProxyVia(out, newBranch())
			p.forward(req, tx, out, callID)
			return
		}
		p.logger.Warn("self-loop with no dialog, dropping", "method", req.Method, "call_id", callID)
		switch req.Method {
		case sip.INVITE, sip.MESSAGE:
			p.respond(req, tx, 480, "Temporarily Unavailable")
		}
		return
	}
	p.logger.Warn("no route for request", "method", req.Method, "call_id", callID, "error", err)
	p.respond(req, tx, 502, "Bad Gateway")
}

// callExtras collects CDR annotations available at INVITE time.
func (p *Proxy) callExtras(req *sip.Request) cdr.Update {
	extras := cdr.Update{}
	if ua := req.GetHeader("User-Agent"); ua != nil {
		extras["user_agent"] = ua.Value()
	}
	if c := req.Contact(); c != nil {
		extras["contact"] = c.Address.String()
	}
	if cseq := req.CSeq(); cseq != nil {
		extras["cseq"] = cseq.Value()
	}
	return extras
}

func uriOfFrom(req *sip.Request) string {
	if from := req.From(); from != nil {
		return registrar.AOR(from.Address)
	}
	return ""
}

func uriOfTo(req *sip.Request) string {
	if to := req.To(); to != nil {
		return registrar.AOR(to.Address)
	}
	return ""
}
