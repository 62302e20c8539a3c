package cdr

import (
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := NewEngine(dir, true, slog.Default())
	require.NoError(t, err)
	return e, dir
}

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, date, "cdr_"+date+".csv")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func field(t *testing.T, rows [][]string, rowIdx int, name string) string {
	t.Helper()
	for i, col := range rows[0] {
		if col == name {
			return rows[rowIdx][i]
		}
	}
	t.Fatalf("column %s not found", name)
	return ""
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, "1001", ExtractNumber("sip:1001@192.168.8.126"))
	assert.Equal(t, "1002", ExtractNumber("<sip:1002@host;ob>"))
	assert.Equal(t, "", ExtractNumber("tel:+1555"))
	assert.Equal(t, "", ExtractNumber(""))
}

func TestCallLifecycleProducesOneRow(t *testing.T) {
	e, dir := newTestEngine(t)

	callID := "abc@1001"
	e.RecordCallStart(callID, "sip:1001@192.168.8.126", "sip:1002@192.168.8.126", "192.168.8.50", 5061, nil)
	e.RecordCallRinging(callID)
	e.RecordCallAnswer(callID, "192.168.8.51", 5062)
	e.RecordCallEnd(callID, "Normal")

	// A retransmitted BYE must not yield a second row.
	e.RecordCallEnd(callID, "Normal")

	rows := readRows(t, dir)
	require.Len(t, rows, 2) // header + one record
	assert.Equal(t, Fields, rows[0])
	assert.Equal(t, TypeCall, field(t, rows, 1, "record_type"))
	assert.Equal(t, StateEnded, field(t, rows, 1, "call_state"))
	assert.Equal(t, "1001", field(t, rows, 1, "caller_number"))
	assert.Equal(t, "1002", field(t, rows, 1, "callee_number"))
	assert.NotEmpty(t, field(t, rows, 1, "invite_time"))
	assert.NotEmpty(t, field(t, rows, 1, "ringing_time"))
	assert.NotEmpty(t, field(t, rows, 1, "answer_time"))
	assert.NotEmpty(t, field(t, rows, 1, "bye_time"))
	assert.NotEmpty(t, field(t, rows, 1, "duration"))
}

func TestCallFailure(t *testing.T) {
	e, dir := newTestEngine(t)

	callID := "busy@1001"
	e.RecordCallStart(callID, "sip:1001@h", "sip:1002@h", "192.168.8.50", 5061, nil)
	e.RecordCallFail(callID, 486, "Busy Here", "")

	rows := readRows(t, dir)
	require.Len(t, rows, 2)
	assert.Equal(t, StateFailed, field(t, rows, 1, "call_state"))
	assert.Equal(t, "486", field(t, rows, 1, "status_code"))
	assert.Equal(t, "486 Busy Here", field(t, rows, 1, "termination_reason"))
}

func TestRegisterSuccessWritesOneRow(t *testing.T) {
	e, dir := newTestEngine(t)

	callID := "reg-1@1001"
	e.RecordRegister(callID, "sip:1001@h", "192.168.8.50", 5061, "sip:1001@192.168.8.50:5061", 3600, true, 200, "OK")

	rows := readRows(t, dir)
	require.Len(t, rows, 2)
	assert.Equal(t, TypeRegister, field(t, rows, 1, "record_type"))
	assert.Equal(t, StateSuccess, field(t, rows, 1, "call_state"))
	assert.Equal(t, "3600", field(t, rows, 1, "expires"))
}

func TestMessageRecord(t *testing.T) {
	e, dir := newTestEngine(t)

	e.RecordMessage("msg-1", "sip:1001@h", "sip:1002@h", "192.168.8.50", 5061, "hi")

	rows := readRows(t, dir)
	require.Len(t, rows, 2)
	assert.Equal(t, TypeMessage, field(t, rows, 1, "record_type"))
	assert.Equal(t, StateCompleted, field(t, rows, 1, "call_state"))
	assert.Equal(t, "hi", field(t, rows, 1, "message_body"))
}

func TestAnnotateMedia(t *testing.T) {
	e, dir := newTestEngine(t)

	callID := "media@1001"
	e.RecordCallStart(callID, "sip:1001@h", "sip:1002@h", "192.168.8.50", 5061, nil)
	e.AnnotateMedia(callID, "AUDIO", "PCMU, PCMA")
	e.RecordCallEnd(callID, "Normal")

	rows := readRows(t, dir)
	assert.Equal(t, "AUDIO", field(t, rows, 1, "call_type"))
	assert.Equal(t, "PCMU, PCMA", field(t, rows, 1, "codec"))
}

func TestEmptyUpdatesDoNotOverride(t *testing.T) {
	e, dir := newTestEngine(t)

	callID := "keep@1001"
	e.RecordCallStart(callID, "sip:1001@h", "sip:1002@h", "192.168.8.50", 5061, nil)
	e.Annotate(callID, Update{"caller_uri": ""})
	e.RecordCallEnd(callID, "Normal")

	rows := readRows(t, dir)
	assert.Equal(t, "sip:1001@h", field(t, rows, 1, "caller_uri"))
}

func TestCleanupFlushedAllowsLaterRewrite(t *testing.T) {
	e, _ := newTestEngine(t)

	callID := "cleanup@1001"
	e.RecordCallStart(callID, "sip:1001@h", "sip:1002@h", "192.168.8.50", 5061, nil)
	e.RecordCallEnd(callID, "Normal")

	e.mu.Lock()
	e.flushed[callID] = time.Now().Add(-2 * FlushedTTL)
	e.mu.Unlock()
	e.CleanupFlushed()

	e.mu.Lock()
	_, present := e.flushed[callID]
	e.mu.Unlock()
	assert.False(t, present)
}

func TestStats(t *testing.T) {
	e, _ := newTestEngine(t)

	e.RecordRegister("r1", "sip:1001@h", "1.2.3.4", 5060, "c", 60, true, 200, "OK")
	e.RecordCallStart("c1", "sip:1001@h", "sip:1002@h", "1.2.3.4", 5060, nil)
	e.RecordCallEnd("c1", "Normal")
	e.RecordMessage("m1", "sip:1001@h", "sip:1002@h", "1.2.3.4", 5060, "hello")

	stats, err := e.Stats("")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 1, stats.Registers)
	assert.Equal(t, 1, stats.CallsEnded)
	assert.Equal(t, 1, stats.Messages)
}

func TestStatsMissingDay(t *testing.T) {
	e, _ := newTestEngine(t)
	stats, err := e.Stats("1999-01-01")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
}
