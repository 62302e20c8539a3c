// Package cdr builds Call Detail Records. Events for one Call-ID are merged
// into a single record which is appended to the current day's CSV file on a
// terminal event. Retransmitted signalling never produces a second row: a
// flushed-set entry suppresses duplicates until it ages out.
package cdr

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Record types.
const (
	TypeRegister = "REGISTER"
	TypeCall     = "CALL"
	TypeMessage  = "MESSAGE"
	TypeOptions  = "OPTIONS"
)

// Call states.
const (
	StateStarted      = "STARTED"
	StateAnswered     = "ANSWERED"
	StateEnded        = "ENDED"
	StateFailed       = "FAILED"
	StateCancelled    = "CANCELLED"
	StateSuccess      = "SUCCESS"
	StateUnregistered = "UNREGISTERED"
	StateCompleted    = "COMPLETED"
)

// FlushedTTL is how long a flushed-set entry suppresses duplicate rows.
const FlushedTTL = time.Hour

// Fields is the fixed CSV column order.
var Fields = []string{
	"record_id", "record_type", "call_state",
	"date", "start_time", "end_time",
	"call_id",
	"caller_uri", "caller_number", "caller_ip", "caller_port",
	"callee_uri", "callee_number", "callee_ip", "callee_port",
	"invite_time", "ringing_time", "answer_time", "bye_time",
	"duration", "setup_time",
	"status_code", "status_text", "termination_reason",
	"call_type", "codec",
	"user_agent", "contact", "expires", "message_body", "cseq",
	"extra_info",
}

var numberRe = regexp.MustCompile(`sip:([^@;>]+)`)

// ExtractNumber pulls the user part out of a SIP URI string.
func ExtractNumber(uri string) string {
	if uri == "" {
		return ""
	}
	if m := numberRe.FindStringSubmatch(uri); m != nil {
		return m[1]
	}
	return ""
}

type session struct {
	start  time.Time
	answer time.Time
}

// Engine is the merge-mode CDR writer.
type Engine struct {
	mu        sync.Mutex
	baseDir   string
	mergeMode bool
	counter   int

	cache    map[string]map[string]string // call_id -> record under construction
	sessions map[string]*session
	flushed  map[string]time.Time
	logger   *slog.Logger
}

// NewEngine creates the engine rooted at baseDir.
func NewEngine(baseDir string, mergeMode bool, logger *slog.Logger) (*Engine, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cdr directory: %w", err)
	}
	return &Engine{
		baseDir:   baseDir,
		mergeMode: mergeMode,
		cache:     make(map[string]map[string]string),
		sessions:  make(map[string]*session),
		flushed:   make(map[string]time.Time),
		logger:    logger.With("subsystem", "cdr"),
	}, nil
}

// SetMergeMode changes the mode for records created afterwards.
func (e *Engine) SetMergeMode(on bool) {
	e.mu.Lock()
	e.mergeMode = on
	e.mu.Unlock()
}

// Update is a partial field set for a record. Empty values never override.
type Update map[string]string

// upsert merges updates into the cached record for callID, creating it on
// first sight. Caller holds e.mu.
func (e *Engine) upsert(callID string, updates Update) map[string]string {
	now := time.Now()
	rec, ok := e.cache[callID]
	if !ok {
		rec = make(map[string]string, len(Fields))
		rec["record_id"] = e.nextRecordID(now)
		rec["call_id"] = callID
		rec["date"] = now.Format("2006-01-02")
		rec["start_time"] = now.Format("15:04:05")
		e.cache[callID] = rec
	}
	for k, v := range updates {
		if v != "" {
			rec[k] = v
		}
	}
	if rec["caller_uri"] != "" && rec["caller_number"] == "" {
		rec["caller_number"] = ExtractNumber(rec["caller_uri"])
	}
	if rec["callee_uri"] != "" && rec["callee_number"] == "" {
		rec["callee_number"] = ExtractNumber(rec["callee_uri"])
	}
	rec["end_time"] = now.Format("15:04:05")
	return rec
}

// nextRecordID generates a timestamped unique record id. Caller holds e.mu.
func (e *Engine) nextRecordID(now time.Time) string {
	e.counter++
	return fmt.Sprintf("%s%06d", now.Format("20060102150405"), e.counter)
}

// flush writes the cached record for callID and marks it flushed. A second
// flush within FlushedTTL is dropped. Caller holds e.mu.
func (e *Engine) flush(callID string) {
	rec, ok := e.cache[callID]
	if !ok {
		return
	}
	delete(e.cache, callID)
	if _, dup := e.flushed[callID]; dup {
		return
	}
	if err := e.appendRow(rec); err != nil {
		e.logger.Error("failed to write cdr row", "call_id", callID, "error", err)
		return
	}
	e.flushed[callID] = time.Now()
}

// appendRow writes one CSV row to today's file, creating it with a header
// row when needed. The file handle is not held across calls so the date may
// roll over freely. Caller holds e.mu.
func (e *Engine) appendRow(rec map[string]string) error {
	date := time.Now().Format("2006-01-02")
	dir := filepath.Join(e.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "cdr_"+date+".csv")

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(Fields); err != nil {
			return err
		}
	}
	row := make([]string, len(Fields))
	for i, field := range Fields {
		row[i] = rec[field]
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// CleanupFlushed drops flushed-set entries older than FlushedTTL.
func (e *Engine) CleanupFlushed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, ts := range e.flushed {
		if now.Sub(ts) > FlushedTTL {
			delete(e.flushed, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Debug("flushed-set entries aged out", "count", removed)
	}
}

// FlushAll writes every cached record, then cleans the flushed set.
// Called on shutdown.
func (e *Engine) FlushAll() {
	e.mu.Lock()
	for callID := range e.cache {
		e.flush(callID)
	}
	e.mu.Unlock()
	e.CleanupFlushed()
}

// CachedCount returns the number of records under construction.
func (e *Engine) CachedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// --- event recorders ---

// RecordRegister records the final outcome of a REGISTER transaction.
// A 401 challenge is not a final outcome and must not be reported here.
func (e *Engine) RecordRegister(callID, callerURI, callerIP string, callerPort int, contact string, expires int, success bool, statusCode int, statusText string) {
	state := StateSuccess
	if !success {
		state = StateFailed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsert(callID, Update{
		"record_type": TypeRegister,
		"call_state":  state,
		"caller_uri":  callerURI,
		"caller_ip":   callerIP,
		"caller_port": strconv.Itoa(callerPort),
		"contact":     contact,
		"expires":     strconv.Itoa(expires),
		"status_code": strconv.Itoa(statusCode),
		"status_text": statusText,
	})
	e.flush(callID)
}

// RecordUnregister records removal of bindings (expires=0).
func (e *Engine) RecordUnregister(callID, callerURI, callerIP string, callerPort int, contact string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsert(callID, Update{
		"record_type": TypeRegister,
		"call_state":  StateUnregistered,
		"caller_uri":  callerURI,
		"caller_ip":   callerIP,
		"caller_port": strconv.Itoa(callerPort),
		"contact":     contact,
		"expires":     "0",
		"status_code": "200",
		"status_text": "OK",
	})
	e.flush(callID)
}

// RecordCallStart opens a CALL record on the initial INVITE.
func (e *Engine) RecordCallStart(callID, callerURI, calleeURI, callerIP string, callerPort int, extra Update) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[callID] = &session{start: now}
	u := Update{
		"record_type": TypeCall,
		"call_state":  StateStarted,
		"caller_uri":  callerURI,
		"callee_uri":  calleeURI,
		"caller_ip":   callerIP,
		"caller_port": strconv.Itoa(callerPort),
		"invite_time": now.Format("15:04:05.000"),
	}
	for k, v := range extra {
		u[k] = v
	}
	e.upsert(callID, u)
	if !e.mergeMode {
		e.flush(callID)
	}
}

// RecordCallRinging stamps the 180 time.
func (e *Engine) RecordCallRinging(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsert(callID, Update{"ringing_time": time.Now().Format("15:04:05.000")})
}

// RecordCallAnswer stamps the 200 OK and computes setup time.
func (e *Engine) RecordCallAnswer(callID, calleeIP string, calleePort int) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	setup := ""
	if s, ok := e.sessions[callID]; ok {
		s.answer = now
		setup = strconv.FormatInt(now.Sub(s.start).Milliseconds(), 10)
	}
	e.upsert(callID, Update{
		"call_state":  StateAnswered,
		"callee_ip":   calleeIP,
		"callee_port": strconv.Itoa(calleePort),
		"setup_time":  setup,
		"answer_time": now.Format("15:04:05.000"),
		"status_code": "200",
		"status_text": "OK",
	})
}

// RecordCallEnd closes the record on BYE completion and flushes it.
func (e *Engine) RecordCallEnd(callID, reason string) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	duration := ""
	if s, ok := e.sessions[callID]; ok {
		delete(e.sessions, callID)
		duration = strconv.FormatInt(int64(now.Sub(s.start).Seconds()), 10)
	}
	if reason == "" {
		reason = "Normal"
	}
	e.upsert(callID, Update{
		"call_state":         StateEnded,
		"bye_time":           now.Format("15:04:05.000"),
		"termination_reason": reason,
		"duration":           duration,
	})
	e.flush(callID)
}

// RecordCallFail closes the record on a failure final response.
func (e *Engine) RecordCallFail(callID string, statusCode int, statusText, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, callID)
	if reason == "" {
		reason = fmt.Sprintf("%d %s", statusCode, statusText)
	}
	e.upsert(callID, Update{
		"call_state":         StateFailed,
		"status_code":        strconv.Itoa(statusCode),
		"status_text":        statusText,
		"termination_reason": reason,
	})
	e.flush(callID)
}

// RecordCallCancel closes the record on CANCEL/487.
func (e *Engine) RecordCallCancel(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, callID)
	e.upsert(callID, Update{
		"call_state":         StateCancelled,
		"termination_reason": "User Cancelled",
	})
	e.flush(callID)
}

// RecordMessage writes a MESSAGE record immediately.
func (e *Engine) RecordMessage(callID, callerURI, calleeURI, callerIP string, callerPort int, body string) {
	if len(body) > 500 {
		body = body[:500]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsert(callID, Update{
		"record_type":  TypeMessage,
		"call_state":   StateCompleted,
		"caller_uri":   callerURI,
		"callee_uri":   calleeURI,
		"caller_ip":    callerIP,
		"caller_port":  strconv.Itoa(callerPort),
		"message_body": body,
		"status_code":  "200",
		"status_text":  "OK",
	})
	e.flush(callID)
}

// RecordOptions writes an OPTIONS record immediately.
func (e *Engine) RecordOptions(callID, callerURI, calleeURI, callerIP string, callerPort int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsert(callID, Update{
		"record_type": TypeOptions,
		"call_state":  StateCompleted,
		"caller_uri":  callerURI,
		"callee_uri":  calleeURI,
		"caller_ip":   callerIP,
		"caller_port": strconv.Itoa(callerPort),
		"status_code": "200",
		"status_text": "OK",
	})
	e.flush(callID)
}

// AnnotateMedia records call type and codec extracted from SDP.
func (e *Engine) AnnotateMedia(callID, callType, codec string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsert(callID, Update{"call_type": callType, "codec": codec})
}

// Annotate merges arbitrary fields into the record.
func (e *Engine) Annotate(callID string, updates Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsert(callID, updates)
}

// DayStats summarises one day's CDR file.
type DayStats struct {
	TotalRecords   int `json:"total_records"`
	Registers      int `json:"registers"`
	CallsStarted   int `json:"calls_started"`
	CallsAnswered  int `json:"calls_answered"`
	CallsEnded     int `json:"calls_ended"`
	CallsFailed    int `json:"calls_failed"`
	CallsCancelled int `json:"calls_cancelled"`
	Messages       int `json:"messages"`
	Options        int `json:"options"`
}

// Stats reads the CSV for the given date (YYYY-MM-DD; empty means today).
func (e *Engine) Stats(date string) (DayStats, error) {
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	var stats DayStats
	path := filepath.Join(e.baseDir, date, "cdr_"+date+".csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return stats, err
	}
	typeIdx, stateIdx := -1, -1
	for i, row := range rows {
		if i == 0 {
			for j, col := range row {
				switch col {
				case "record_type":
					typeIdx = j
				case "call_state":
					stateIdx = j
				}
			}
			continue
		}
		stats.TotalRecords++
		if typeIdx < 0 || typeIdx >= len(row) {
			continue
		}
		state := ""
		if stateIdx >= 0 && stateIdx < len(row) {
			state = row[stateIdx]
		}
		switch row[typeIdx] {
		case TypeRegister:
			stats.Registers++
		case TypeCall:
			switch state {
			case StateStarted:
				stats.CallsStarted++
			case StateAnswered:
				stats.CallsAnswered++
			case StateEnded:
				stats.CallsEnded++
			case StateFailed:
				stats.CallsFailed++
			case StateCancelled:
				stats.CallsCancelled++
			}
		case TypeMessage:
			stats.Messages++
		case TypeOptions:
			stats.Options++
		}
	}
	return stats, nil
}
