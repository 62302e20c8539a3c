// Package console is the collaborator surface the MML operator console
// binds to. The console transport itself lives outside this repository;
// everything it may query or mutate goes through Surface, and the view
// types define the JSON contract.
package console

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/imscore/internal/cdr"
	"github.com/sebas/imscore/internal/config"
	"github.com/sebas/imscore/internal/dialer"
	"github.com/sebas/imscore/internal/logger"
	"github.com/sebas/imscore/internal/proxy"
	"github.com/sebas/imscore/internal/registrar"
	"github.com/sebas/imscore/internal/users"
)

// RegistrationView is one binding row.
type RegistrationView struct {
	AOR        string `json:"aor"`
	ContactURI string `json:"contact_uri"`
	Expires    int    `json:"expires"`
	ExpiresAt  string `json:"expires_at"`
}

// DialogView is one active dialog row.
type DialogView struct {
	CallID    string `json:"call_id"`
	Caller    string `json:"caller"`
	Callee    string `json:"callee"`
	CallerURI string `json:"caller_uri"`
	CalleeURI string `json:"callee_uri"`
	CreatedAt string `json:"created_at"`
}

// PendingView is one pending request row.
type PendingView struct {
	CallID     string `json:"call_id"`
	Originator string `json:"originator"`
}

// BranchView is one saved INVITE branch row.
type BranchView struct {
	CallID string `json:"call_id"`
	Branch string `json:"branch"`
}

// StatsView aggregates the core counters.
type StatsView struct {
	Bindings      int           `json:"bindings"`
	ActiveDialogs int           `json:"active_dialogs"`
	Pending       int           `json:"pending_requests"`
	Branches      int           `json:"invite_branches"`
	CDRToday      cdr.DayStats  `json:"cdr_today"`
	Dialer        dialer.Status `json:"dialer"`
}

// Surface aggregates every handle the operator console may use.
type Surface struct {
	reg      *registrar.Registrar
	state    *proxy.State
	dyn      *config.Dynamic
	cdrs     *cdr.Engine
	users    *users.Store
	dialer   *dialer.Manager
	registry *prometheus.Registry
}

// New wires the surface.
func New(reg *registrar.Registrar, state *proxy.State, dyn *config.Dynamic, cdrs *cdr.Engine, userStore *users.Store, dl *dialer.Manager, registry *prometheus.Registry) *Surface {
	return &Surface{reg: reg, state: state, dyn: dyn, cdrs: cdrs, users: userStore, dialer: dl, registry: registry}
}

// MetricsRegistry exposes the gatherer the console scrapes.
func (s *Surface) MetricsRegistry() *prometheus.Registry { return s.registry }

// Registrations lists all live bindings.
func (s *Surface) Registrations() []RegistrationView {
	now := time.Now()
	var out []RegistrationView
	for aor, bindings := range s.reg.Snapshot() {
		for _, b := range bindings {
			out = append(out, RegistrationView{
				AOR:        aor,
				ContactURI: b.ContactURI,
				Expires:    int(b.Expires.Sub(now).Seconds()),
				ExpiresAt:  b.Expires.Format(time.RFC3339),
			})
		}
	}
	return out
}

// RemoveRegistration drops a single binding.
func (s *Surface) RemoveRegistration(user, contactURI string) bool {
	return s.reg.RemoveBinding(user, contactURI)
}

// Dialogs lists active dialogs.
func (s *Surface) Dialogs() []DialogView {
	var out []DialogView
	for callID, d := range s.state.Dialogs.Snapshot() {
		out = append(out, DialogView{
			CallID:    callID,
			Caller:    d.Caller,
			Callee:    d.Callee,
			CallerURI: d.CallerURI,
			CalleeURI: d.CalleeURI,
			CreatedAt: d.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

// DropDialog removes all state for a Call-ID.
func (s *Surface) DropDialog(callID string) {
	s.state.ClearCall(callID)
}

// PendingRequests lists requests awaiting a final response.
func (s *Surface) PendingRequests() []PendingView {
	var out []PendingView
	for callID, origin := range s.state.Pending.Snapshot() {
		out = append(out, PendingView{CallID: callID, Originator: origin})
	}
	return out
}

// Branches lists saved INVITE branches.
func (s *Surface) Branches() []BranchView {
	var out []BranchView
	for callID, branch := range s.state.Branches.Snapshot() {
		out = append(out, BranchView{CallID: callID, Branch: branch})
	}
	return out
}

// Config returns a read-only copy of the dynamic configuration.
func (s *Surface) Config() map[string]any {
	return s.dyn.All()
}

// SetConfig mutates one dynamic key.
func (s *Surface) SetConfig(key string, value any) {
	s.dyn.Set(key, value)
}

// Stats returns the aggregate counters.
func (s *Surface) Stats() StatsView {
	today, _ := s.cdrs.Stats("")
	return StatsView{
		Bindings:      s.reg.BindingCount(),
		ActiveDialogs: s.state.Dialogs.Len(),
		Pending:       s.state.Pending.Len(),
		Branches:      s.state.Branches.Len(),
		CDRToday:      today,
		Dialer:        s.dialer.Status(),
	}
}

// CDRStats returns the record counts for a day (YYYY-MM-DD, empty=today).
func (s *Surface) CDRStats(date string) (cdr.DayStats, error) {
	return s.cdrs.Stats(date)
}

// Users returns all provisioned accounts.
func (s *Surface) Users() map[string]*users.User {
	return s.users.All()
}

// AddUser provisions an account.
func (s *Surface) AddUser(u users.User) error { return s.users.Add(u) }

// UpdateUser merges changes into an account.
func (s *Surface) UpdateUser(username string, changes users.User) error {
	return s.users.Update(username, changes)
}

// DeleteUser removes an account.
func (s *Surface) DeleteUser(username string) error { return s.users.Delete(username) }

// Dialer exposes the auto-dialer manager.
func (s *Surface) Dialer() *dialer.Manager { return s.dialer }

// SubscribeLogs attaches a log subscriber; cancel detaches it.
func (s *Surface) SubscribeLogs(buffer int) (<-chan logger.Event, func()) {
	return logger.Subscribe(buffer)
}
