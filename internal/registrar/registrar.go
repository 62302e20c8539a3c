// Package registrar maintains the AOR binding table and processes REGISTER
// requests: digest authentication, NAT-learned contact rewriting, expiry
// bookkeeping, and the 200 OK echo of live bindings.
package registrar

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/imscore/internal/cdr"
	"github.com/sebas/imscore/internal/sipauth"
)

const defaultExpiry = 3600

// Binding associates a contact URI with an absolute expiry.
type Binding struct {
	ContactURI string
	Expires    time.Time
}

// Expired reports whether the binding is logically absent.
func (b Binding) Expired() bool {
	return !b.Expires.After(time.Now())
}

type aorEntry struct {
	aor      string
	bindings []Binding
}

// Registrar owns the binding table. The proxy reads it for routing; the
// auto-dialer's post-batch cleanup mutates it under the same lock.
type Registrar struct {
	mu      sync.RWMutex
	entries map[string]*aorEntry // keyed by user part

	auth   *sipauth.Authenticator
	cdrs   *cdr.Engine
	logger *slog.Logger
}

// New creates the registrar.
func New(auth *sipauth.Authenticator, cdrs *cdr.Engine, logger *slog.Logger) *Registrar {
	return &Registrar{
		entries: make(map[string]*aorEntry),
		auth:    auth,
		cdrs:    cdrs,
		logger:  logger.With("subsystem", "registrar"),
	}
}

// AOR returns the canonical address-of-record for a URI: sip:user@host with
// port and parameters stripped.
func AOR(uri sip.Uri) string {
	return "sip:" + uri.User + "@" + uri.Host
}

// HandleRegister processes a REGISTER request.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	srcIP, srcPort := splitSource(req.Source())

	username, err := r.auth.Verify(req)
	if err != nil {
		switch err {
		case sipauth.ErrDigestMismatch, sipauth.ErrUnknownUser:
			// Credentials were offered and rejected.
			to := req.To()
			callerURI := ""
			if to != nil {
				callerURI = AOR(to.Address)
			}
			r.cdrs.RecordRegister(callID, callerURI, srcIP, srcPort, "", 0, false, 401, "Unauthorized")
		}
		if cerr := r.auth.Challenge(req, tx); cerr != nil {
			r.logger.Error("failed to send challenge", "error", cerr)
		}
		return
	}

	to := req.To()
	if to == nil {
		r.respondError(req, tx, 400, "Bad Request")
		return
	}
	aor := AOR(to.Address)
	user := to.Address.User

	expiresHeader := defaultExpiry
	if h := req.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil {
			expiresHeader = v
		}
	}

	contacts := collectContacts(req)
	if len(contacts) == 0 {
		// No Contact: a query; answer with current bindings.
		r.respondBindings(req, tx, user)
		return
	}

	now := time.Now()
	unregistered := false

	r.mu.Lock()
	entry := r.entries[user]
	if entry == nil {
		entry = &aorEntry{aor: aor}
		r.entries[user] = entry
	}
	entry.aor = aor
	// Expired bindings are logically absent; drop them before merging.
	entry.bindings = liveBindings(entry.bindings)

	var lastContact string
	var lastExpires int
	for _, c := range contacts {
		exp := contactExpires(c, expiresHeader)

		if c.Address.Wildcard {
			if exp == 0 {
				entry.bindings = nil
				unregistered = true
				lastContact = "*"
			}
			continue
		}

		rewritten := rewriteContactHost(c, req.Source())
		uriStr := rewritten.Address.String()
		lastContact = uriStr
		lastExpires = exp

		if exp == 0 {
			kept := entry.bindings[:0]
			for _, b := range entry.bindings {
				if b.ContactURI != uriStr {
					kept = append(kept, b)
				}
			}
			entry.bindings = kept
			unregistered = true
			continue
		}

		absolute := now.Add(time.Duration(exp) * time.Second)
		updated := false
		for i := range entry.bindings {
			if entry.bindings[i].ContactURI == uriStr {
				entry.bindings[i].Expires = absolute
				updated = true
				break
			}
		}
		if !updated {
			entry.bindings = append(entry.bindings, Binding{ContactURI: uriStr, Expires: absolute})
		}
	}
	if len(entry.bindings) == 0 && unregistered {
		delete(r.entries, user)
	}
	r.mu.Unlock()

	r.respondBindings(req, tx, user)

	if unregistered && lastExpires == 0 {
		r.logger.Info("unregistered", "aor", aor, "contact", lastContact, "source", req.Source())
		r.cdrs.RecordUnregister(callID, aor, srcIP, srcPort, lastContact)
	} else {
		r.logger.Info("registered", "user", username, "aor", aor, "contact", lastContact, "expires", lastExpires, "source", req.Source())
		r.cdrs.RecordRegister(callID, aor, srcIP, srcPort, lastContact, lastExpires, true, 200, "OK")
	}
}

// respondBindings sends 200 OK carrying the AOR's live bindings as Contact
// headers with their remaining expiry.
func (r *Registrar) respondBindings(req *sip.Request, tx sip.ServerTransaction, user string) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	now := time.Now()
	for _, b := range r.Bindings(user) {
		var uri sip.Uri
		if err := sip.ParseUri(b.ContactURI, &uri); err != nil {
			continue
		}
		remaining := int(b.Expires.Sub(now).Seconds())
		if remaining < 0 {
			continue
		}
		params := sip.NewParams()
		params.Add("expires", strconv.Itoa(remaining))
		res.AppendHeader(&sip.ContactHeader{Address: uri, Params: params})
	}
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// Bindings returns the live bindings for a user, in registration order.
func (r *Registrar) Bindings(user string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.entries[user]
	if entry == nil {
		return nil
	}
	out := make([]Binding, 0, len(entry.bindings))
	for _, b := range entry.bindings {
		if !b.Expired() {
			out = append(out, b)
		}
	}
	return out
}

// FirstContact returns the first live contact URI for a user.
func (r *Registrar) FirstContact(user string) (string, bool) {
	bs := r.Bindings(user)
	if len(bs) == 0 {
		return "", false
	}
	return bs[0].ContactURI, true
}

// Snapshot returns all live bindings keyed by AOR.
func (r *Registrar) Snapshot() map[string][]Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Binding, len(r.entries))
	for _, entry := range r.entries {
		var live []Binding
		for _, b := range entry.bindings {
			if !b.Expired() {
				live = append(live, b)
			}
		}
		if len(live) > 0 {
			out[entry.aor] = live
		}
	}
	return out
}

// BindingCount returns the number of live bindings across all AORs.
func (r *Registrar) BindingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entry := range r.entries {
		for _, b := range entry.bindings {
			if !b.Expired() {
				n++
			}
		}
	}
	return n
}

// RemoveBinding removes one contact binding for a user. Used by the MML
// console and the auto-dialer cleanup.
func (r *Registrar) RemoveBinding(user, contactURI string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[user]
	if entry == nil {
		return false
	}
	kept := entry.bindings[:0]
	removed := false
	for _, b := range entry.bindings {
		if b.ContactURI == contactURI {
			removed = true
			continue
		}
		kept = append(kept, b)
	}
	entry.bindings = kept
	if len(entry.bindings) == 0 {
		delete(r.entries, user)
	}
	return removed
}

// RetainBindings keeps only the user's bindings accepted by keep, returning
// how many were dropped. The auto-dialer uses this to clear residual
// per-call registrations after a batch.
func (r *Registrar) RetainBindings(user string, keep func(contactURI string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[user]
	if entry == nil {
		return 0
	}
	kept := entry.bindings[:0]
	dropped := 0
	for _, b := range entry.bindings {
		if b.Expired() || !keep(b.ContactURI) {
			dropped++
			continue
		}
		kept = append(kept, b)
	}
	entry.bindings = kept
	if len(entry.bindings) == 0 {
		delete(r.entries, user)
	}
	return dropped
}

// SweepExpired drops expired bindings and empty AORs. The timer service
// calls this every 30 seconds.
func (r *Registrar) SweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for user, entry := range r.entries {
		before := len(entry.bindings)
		entry.bindings = liveBindings(entry.bindings)
		total += before - len(entry.bindings)
		if len(entry.bindings) == 0 {
			delete(r.entries, user)
		}
	}
	if total > 0 {
		r.logger.Info("expired bindings swept", "count", total)
	}
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

func liveBindings(in []Binding) []Binding {
	out := in[:0]
	for _, b := range in {
		if !b.Expired() {
			out = append(out, b)
		}
	}
	return out
}

// collectContacts flattens every Contact header, including comma-folded
// lists, into individual headers.
func collectContacts(req *sip.Request) []*sip.ContactHeader {
	var out []*sip.ContactHeader
	for _, h := range req.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// contactExpires resolves the expiry for one contact: the contact's expires
// parameter overrides the request-level Expires header.
func contactExpires(c *sip.ContactHeader, headerDefault int) int {
	if c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(v); err == nil {
				return exp
			}
		}
	}
	return headerDefault
}

// rewriteContactHost replaces the host:port of the contact URI with the
// datagram source address, preserving every URI parameter (;ob included).
func rewriteContactHost(c *sip.ContactHeader, source string) *sip.ContactHeader {
	clone := c.Clone()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return clone
	}
	port, _ := strconv.Atoi(portStr)
	clone.Address.Host = host
	clone.Address.Port = port
	return clone
}

func splitSource(source string) (string, int) {
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// String renders the table for diagnostics.
func (r *Registrar) String() string {
	snap := r.Snapshot()
	var sb strings.Builder
	for aor, bs := range snap {
		fmt.Fprintf(&sb, "%s: %d binding(s)\n", aor, len(bs))
	}
	return sb.String()
}
