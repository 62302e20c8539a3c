// Package dialer implements the embedded auto-dialer: a SIP user agent
// that registers against the local proxy, originates calls on per-call UDP
// ports, and streams WAV media as PCMU RTP.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/imscore/internal/registrar"
)

const (
	batchWorkers  = 10
	batchDeadline = 5 * time.Minute
	registerTTL   = 3600
)

// Stats counts dialer activity.
type Stats struct {
	TotalCalls      int `json:"total_calls"`
	SuccessfulCalls int `json:"successful_calls"`
	FailedCalls     int `json:"failed_calls"`
}

// Status is the dialer state snapshot for the management surface.
type Status struct {
	Running       bool  `json:"running"`
	Registered    bool  `json:"registered"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	ActiveCalls   int   `json:"active_calls"`
	Stats         Stats `json:"stats"`
}

// Settings is the dialer's mutable configuration.
type Settings struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	MediaFile string `json:"media_file"`
}

// Manager runs the auto-dialer service. The registrar handle is used only
// for post-batch cleanup of residual per-call registrations.
type Manager struct {
	serverIP   string
	serverPort int
	localIP    string

	mu        sync.Mutex
	settings  Settings
	username  string
	running   bool
	regOK     bool
	startTime time.Time
	stats     Stats
	active    int
	mainPort  int

	primaryUA *sipgo.UserAgent
	ports     *PortAllocator
	reg       *registrar.Registrar
	logger    *slog.Logger
}

// NewManager creates the dialer.
func NewManager(serverIP string, serverPort int, localIP string, settings Settings, reg *registrar.Registrar, logger *slog.Logger) *Manager {
	return &Manager{
		serverIP:   serverIP,
		serverPort: serverPort,
		localIP:    localIP,
		settings:   settings,
		username:   settings.Username,
		ports:      NewPortAllocator(),
		reg:        reg,
		logger:     logger.With("component", "dialer"),
	}
}

// Start registers the dialer's primary identity with the proxy.
func (m *Manager) Start() (bool, string) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return false, "dialer already running"
	}
	m.mainPort = m.ports.NextSIPPort()
	settings := m.settings
	m.mu.Unlock()

	ua, err := m.register(settings)
	if err != nil {
		m.logger.Error("dialer registration failed", "error", err)
		return false, fmt.Sprintf("registration failed: %v", err)
	}

	m.mu.Lock()
	m.primaryUA = ua
	m.running = true
	m.regOK = true
	m.username = settings.Username
	m.startTime = time.Now()
	m.mu.Unlock()

	m.logger.Info("dialer started", "username", settings.Username, "main_port", m.mainPort)
	return true, "dialer started"
}

// Stop shuts the dialer down.
func (m *Manager) Stop() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false, "dialer not running"
	}
	if m.primaryUA != nil {
		m.primaryUA.Close()
		m.primaryUA = nil
	}
	m.running = false
	m.regOK = false
	m.logger.Info("dialer stopped")
	return true, "dialer stopped"
}

// register sends REGISTER from the main port and answers the digest
// challenge. The returned UA keeps the listener alive for re-registration.
func (m *Manager) register(settings Settings) (*sipgo.UserAgent, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("imscore-dialer"))
	if err != nil {
		return nil, fmt.Errorf("creating ua: %w", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(m.localIP),
		sipgo.WithClientPort(m.mainPort),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: m.serverIP, Port: m.serverPort})
	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: settings.Username, Host: m.serverIP},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: settings.Username, Host: m.serverIP},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: settings.Username, Host: m.localIP, Port: m.mainPort},
	})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(registerTTL)))
	req.SetDestination(net.JoinHostPort(m.serverIP, strconv.Itoa(m.serverPort)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := client.Do(ctx, req)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sending REGISTER: %w", err)
	}
	if res.StatusCode == 401 {
		res, err = client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: settings.Username,
			Password: settings.Password,
		})
		if err != nil {
			ua.Close()
			return nil, fmt.Errorf("digest authentication: %w", err)
		}
	}
	if res.StatusCode != 200 {
		ua.Close()
		return nil, fmt.Errorf("REGISTER rejected: %d %s", res.StatusCode, res.Reason)
	}
	return ua, nil
}

// Dial originates one call asynchronously. The returned message reports
// acceptance, not the call outcome.
func (m *Manager) Dial(callee, mediaFile string, duration time.Duration) (bool, string) {
	m.mu.Lock()
	if !m.running || !m.regOK {
		m.mu.Unlock()
		return false, "dialer not running"
	}
	settings := m.settings
	m.mu.Unlock()

	if mediaFile == "" {
		mediaFile = settings.MediaFile
	}
	go m.dialSync(context.Background(), callee, mediaFile, duration)
	return true, fmt.Sprintf("call to %s accepted", callee)
}

// dialSync runs one call to completion and updates the counters.
func (m *Manager) dialSync(ctx context.Context, callee, mediaFile string, duration time.Duration) bool {
	m.mu.Lock()
	m.stats.TotalCalls++
	m.active++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	c := newCall(m, callee, mediaFile, duration)
	ok, err := c.run(ctx, m.ports)
	if err != nil {
		m.logger.Warn("call failed", "callee", callee, "error", err)
	}

	m.mu.Lock()
	if ok {
		m.stats.SuccessfulCalls++
	} else {
		m.stats.FailedCalls++
	}
	m.mu.Unlock()
	return ok
}

// DialBatch originates calls to every callee through a bounded worker pool
// with a global deadline. It returns immediately; results accumulate in the
// background and residual registrations are cleaned once the batch ends.
func (m *Manager) DialBatch(callees []string, mediaFile string, duration time.Duration) (bool, string, map[string]bool) {
	m.mu.Lock()
	if !m.running || !m.regOK {
		m.mu.Unlock()
		return false, "dialer not running", nil
	}
	settings := m.settings
	m.mu.Unlock()

	if len(callees) == 0 {
		return false, "empty callee list", nil
	}
	if mediaFile == "" {
		mediaFile = settings.MediaFile
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), batchDeadline)
		defer cancel()

		results := make(map[string]bool, len(callees))
		var resMu sync.Mutex

		workers := batchWorkers
		if len(callees) < workers {
			workers = len(callees)
		}
		jobs := make(chan string)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for callee := range jobs {
					ok := m.dialSync(ctx, callee, mediaFile, duration)
					resMu.Lock()
					results[callee] = ok
					resMu.Unlock()
				}
			}()
		}
		for _, callee := range callees {
			select {
			case jobs <- callee:
			case <-ctx.Done():
			}
		}
		close(jobs)
		wg.Wait()

		success := 0
		for _, ok := range results {
			if ok {
				success++
			}
		}
		m.logger.Info("batch finished", "total", len(callees), "successful", success)
		m.CleanupResidualRegistrations()
	}()

	return true, fmt.Sprintf("batch of %d callees accepted", len(callees)), map[string]bool{}
}

// CleanupResidualRegistrations drops bindings of the dialer identity that
// do not belong to the main port. Per-call INVITEs can leave NAT-learned
// bindings at transient ports behind.
func (m *Manager) CleanupResidualRegistrations() {
	m.mu.Lock()
	username := m.username
	mainPort := m.mainPort
	m.mu.Unlock()

	suffix := ":" + strconv.Itoa(mainPort)
	dropped := m.reg.RetainBindings(username, func(contactURI string) bool {
		return strings.Contains(contactURI, suffix)
	})
	if dropped > 0 {
		m.logger.Info("residual registrations cleaned", "username", username, "dropped", dropped, "kept_port", mainPort)
	}
}

// Status reports the dialer's state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Running:     m.running,
		Registered:  m.regOK,
		ActiveCalls: m.active,
		Stats:       m.stats,
	}
	if m.running {
		st.UptimeSeconds = int64(time.Since(m.startTime).Seconds())
	}
	return st
}

// Config returns the current settings.
func (m *Manager) Config() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateConfig merges non-empty fields. Changes to the identity take
// effect on the next Start.
func (m *Manager) UpdateConfig(partial Settings) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partial.Username != "" {
		m.settings.Username = partial.Username
	}
	if partial.Password != "" {
		m.settings.Password = partial.Password
	}
	if partial.MediaFile != "" {
		m.settings.MediaFile = partial.MediaFile
	}
	return true, "config updated (takes effect on restart)"
}
