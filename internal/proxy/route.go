package proxy

import (
	"errors"
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

var (
	errSelfLoop = errors.New("next hop is this server")
	errNoRoute  = errors.New("cannot determine next hop")
)

// stripClientParams removes URI parameters that must not leak into the
// rewritten Request-URI (;ob and ;transport=...).
func stripClientParams(uri *sip.Uri) {
	if uri.UriParams == nil {
		return
	}
	uri.UriParams.Remove("ob")
	uri.UriParams.Remove("transport")
}

// hostPort renders a URI's address with the SIP default port applied.
func hostPort(uri *sip.Uri) string {
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port))
}

// nextHop selects the forwarding target: the first Route URI when present,
// otherwise the Request-URI.
func (p *Proxy) nextHop(req *sip.Request) (string, error) {
	uri := &req.Recipient
	if route := req.Route(); route != nil {
		uri = &route.Address
	}
	if uri.Host == "" {
		return "", errNoRoute
	}
	dest := hostPort(uri)
	if p.isSelf(uri.Host, uri.Port) {
		return dest, errSelfLoop
	}
	return dest, nil
}

// isSelf reports whether host:port addresses this server's SIP socket.
func (p *Proxy) isSelf(host string, port int) bool {
	if port == 0 {
		port = 5060
	}
	if port != p.cfg.ServerPort {
		return false
	}
	if host == p.cfg.ServerIP {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback() && p.cfg.ServerIP == "127.0.0.1"
}

// uriPointsAtUs reports whether a Route/Record-Route URI addresses us.
func (p *Proxy) uriPointsAtUs(uri sip.Uri) bool {
	return p.isSelf(uri.Host, uri.Port)
}

// stripOwnRoutes removes leading Route headers that point back at this
// server, covering both separate headers and comma-folded lists.
func (p *Proxy) stripOwnRoutes(req *sip.Request) {
	for {
		route := req.Route()
		if route == nil || !p.uriPointsAtUs(route.Address) {
			return
		}
		req.RemoveHeader("Route")
	}
}

// stripAllRoutes drops the entire incoming Route set (IMS mode for initial
// requests).
func stripAllRoutes(req *sip.Request) {
	for req.GetHeader("Route") != nil {
		req.RemoveHeader("Route")
	}
}

// isPrivateAddr reports whether the host falls inside one of the configured
// local networks.
func isPrivateAddr(host string, nets []*net.IPNet) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// toTag returns the To-tag of a message, when set.
func toTag(msg interface{ To() *sip.ToHeader }) string {
	to := msg.To()
	if to == nil || to.Params == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

// callIDOf returns the Call-ID value of a request.
func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
