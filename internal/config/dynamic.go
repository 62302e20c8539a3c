package config

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Dynamic config keys with live effect.
const (
	KeyLogLevel            = "LOG_LEVEL"
	KeyForceLocalAddr      = "FORCE_LOCAL_ADDR"
	KeyLocalNetworks       = "LOCAL_NETWORKS"
	KeyUsers               = "USERS"
	KeyCDRMergeMode        = "CDR_MERGE_MODE"
	KeyCancelBranchReuse   = "CANCEL_BRANCH_REUSE"
	KeyDropReflectedErrors = "DROP_REFLECTED_ERRORS"
)

// Dynamic is the mutable knob store. Every mutation is persisted to the
// backing JSON file. Callbacks registered with OnChange fire after the value
// is stored, outside the lock.
type Dynamic struct {
	mu        sync.RWMutex
	file      string
	values    map[string]any
	callbacks []func(key string, value any)
}

// NewDynamic loads (or creates) the dynamic config at path.
func NewDynamic(path string) (*Dynamic, error) {
	d := &Dynamic{
		file: path,
		values: map[string]any{
			KeyLogLevel:            "info",
			KeyForceLocalAddr:      false,
			KeyLocalNetworks:       []any{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			KeyCDRMergeMode:        true,
			KeyCancelBranchReuse:   true,
			KeyDropReflectedErrors: true,
		},
	}
	data, err := os.ReadFile(path)
	if err == nil {
		var loaded map[string]any
		if err := json.Unmarshal(data, &loaded); err != nil {
			slog.Warn("dynamic config unreadable, using defaults", "file", path, "error", err)
		} else {
			for k, v := range loaded {
				d.values[k] = v
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return d, nil
}

// OnChange registers a callback invoked after every Set.
func (d *Dynamic) OnChange(fn func(key string, value any)) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, fn)
	d.mu.Unlock()
}

// Get returns the value for key, or nil.
func (d *Dynamic) Get(key string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.values[key]
}

// GetBool returns the key as a bool, or def when absent or mistyped.
func (d *Dynamic) GetBool(key string, def bool) bool {
	v := d.Get(key)
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// GetString returns the key as a string, or def.
func (d *Dynamic) GetString(key, def string) string {
	v := d.Get(key)
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// GetStringList returns the key as a string slice.
func (d *Dynamic) GetStringList(key string) []string {
	v := d.Get(key)
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// LocalNetworks parses LOCAL_NETWORKS into CIDRs, skipping invalid entries.
func (d *Dynamic) LocalNetworks() []*net.IPNet {
	var nets []*net.IPNet
	for _, s := range d.GetStringList(KeyLocalNetworks) {
		if _, n, err := net.ParseCIDR(s); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

// Set stores the value, persists the document, and fires callbacks.
func (d *Dynamic) Set(key string, value any) {
	d.mu.Lock()
	old := d.values[key]
	d.values[key] = value
	cbs := append([]func(string, any){}, d.callbacks...)
	d.save()
	d.mu.Unlock()

	slog.Info("config changed", "key", key, "old", old, "new", value)
	for _, cb := range cbs {
		cb(key, value)
	}
}

// All returns a copy of every key.
func (d *Dynamic) All() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// save persists the document. Caller holds d.mu.
func (d *Dynamic) save() {
	data, err := json.MarshalIndent(d.values, "", "  ")
	if err != nil {
		slog.Error("failed to marshal dynamic config", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.file), 0o755); err != nil {
		slog.Error("failed to create config directory", "error", err)
		return
	}
	if err := os.WriteFile(d.file, data, 0o644); err != nil {
		slog.Error("failed to persist dynamic config", "file", d.file, "error", err)
	}
}
