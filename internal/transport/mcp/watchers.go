package mcp

import (
	"context"
	"encoding/json"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fleetctl/fleetctl/internal/domain/event"
)

// WatchRegistry tracks operator sessions that asked to be told about fleet
// events, and which channels each one follows.
type WatchRegistry struct {
	mu        sync.RWMutex
	bySession map[string]map[event.Channel]bool

	// mcpSrv is set after the MCP server is constructed (avoids circular init dependency).
	mcpMu  sync.RWMutex
	mcpSrv *mcpserver.MCPServer
}

func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{bySession: make(map[string]map[event.Channel]bool)}
}

// SetMCPServer injects the mcp-go server after construction.
func (r *WatchRegistry) SetMCPServer(s *mcpserver.MCPServer) {
	r.mcpMu.Lock()
	r.mcpSrv = s
	r.mcpMu.Unlock()
}

// Watch replaces the channel set a session follows.
func (r *WatchRegistry) Watch(sessionID string, channels []event.Channel) {
	set := make(map[event.Channel]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	r.mu.Lock()
	r.bySession[sessionID] = set
	r.mu.Unlock()
}

// Unwatch forgets a session. It reports whether the session was watching.
func (r *WatchRegistry) Unwatch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	return ok
}

// Watching reports whether sessionID follows ch.
func (r *WatchRegistry) Watching(sessionID string, ch event.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySession[sessionID][ch]
}

// Notify pushes e to every session following its channel. Sessions that
// cannot be reached are skipped; the last error is returned.
func (r *WatchRegistry) Notify(_ context.Context, e event.Event) error {
	ch := event.ChannelFor(e.Type)

	r.mu.RLock()
	targets := make([]string, 0)
	for sessionID, set := range r.bySession {
		if set[ch] {
			targets = append(targets, sessionID)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	r.mcpMu.RLock()
	srv := r.mcpSrv
	r.mcpMu.RUnlock()
	if srv == nil {
		return nil
	}

	params, err := toParams(e)
	if err != nil {
		return err
	}

	var lastErr error
	for _, sessionID := range targets {
		if err := srv.SendNotificationToSpecificClient(sessionID, "notifications/message", params); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func toParams(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return map[string]any{"data": v}, nil
	}
	return params, nil
}
