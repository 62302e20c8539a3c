package proxy

import (
	"log/slog"
	"time"

	"github.com/sebas/imscore/internal/store"
)

// Table lifetimes. Branch and pending ages follow RFC 3261 timers H and F;
// dialogs are bounded by an application-level idle timeout.
const (
	pendingTTL   = 5 * time.Minute
	pendingSweep = 5 * time.Minute

	dialogTTL   = time.Hour
	dialogSweep = time.Minute

	branchTTL   = 32 * time.Second // 64*T1
	branchSweep = time.Minute
)

// Dialog records the two socket endpoints of a confirmed or in-setup call.
type Dialog struct {
	Caller    string // caller's source socket address
	Callee    string // next-hop socket address the INVITE was forwarded to
	CallerURI string
	CalleeURI string
	CreatedAt time.Time
}

// State aggregates the proxy's transaction and dialog bookkeeping. Timer
// sweeps run inside each table; eviction is cleanup with one log line
// (warn for dialogs, info for pending requests, debug for branches).
type State struct {
	// Dialogs maps Call-ID to the dialog endpoints. Created when an initial
	// INVITE is forwarded; destroyed on BYE 200, INVITE failure, or age-out.
	Dialogs *store.Table[string, Dialog]

	// Pending maps Call-ID to the originator socket awaiting a final
	// response. Cleared when the final response is forwarded or by timer F.
	Pending *store.Table[string, string]

	// Branches maps Call-ID to the Via branch the proxy used on an INVITE,
	// so a later CANCEL can reuse it. Cleared on the INVITE final response
	// or by timer H.
	Branches *store.Table[string, string]
}

// NewState creates the tables and starts their sweepers.
func NewState(logger *slog.Logger) *State {
	log := logger.With("subsystem", "timers")
	return &State{
		Dialogs: store.New[string, Dialog](dialogTTL, dialogSweep, func(callID string, d Dialog) {
			log.Warn("stale dialog swept", "call_id", callID, "age", time.Since(d.CreatedAt).String())
		}),
		Pending: store.New[string, string](pendingTTL, pendingSweep, func(callID string, origin string) {
			log.Info("expired pending request swept", "call_id", callID, "originator", origin)
		}),
		Branches: store.New[string, string](branchTTL, branchSweep, func(callID string, branch string) {
			log.Debug("orphan invite branch swept", "call_id", callID, "branch", branch)
		}),
	}
}

// Close stops all sweepers. Each sweeper finishes its current pass first.
func (s *State) Close() {
	s.Dialogs.Close()
	s.Pending.Close()
	s.Branches.Close()
}

// ClearCall drops every table entry for a Call-ID.
func (s *State) ClearCall(callID string) {
	s.Dialogs.Delete(callID)
	s.Pending.Delete(callID)
	s.Branches.Delete(callID)
}
