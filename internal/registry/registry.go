// Package registry tracks the health record of every live hub connection.
package registry

import (
	"sync"
	"time"
)

// ConnectionHealthInfo is the health record kept for one connection.
//
// IsHealthy implies ConsecutiveFailures == 0.
type ConnectionHealthInfo struct {
	ConnectionID        string     `json:"connection_id"`
	UserID              string     `json:"user_id"`
	IsHealthy           bool       `json:"is_healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RecoveryAttempts    int        `json:"recovery_attempts"`
	LastRecoveryAttempt *time.Time `json:"last_recovery_attempt,omitempty"`
	ConnectedAt         time.Time  `json:"connected_at"`
	LastSeen            time.Time  `json:"last_seen"`

	// HeartbeatSentAt is set when a heartbeat is outstanding and cleared
	// when the client answers it.
	HeartbeatSentAt *time.Time `json:"heartbeat_sent_at,omitempty"`
}

// NewConnectionHealthInfo returns the record for a freshly accepted connection.
func NewConnectionHealthInfo(connectionID, userID string, now time.Time) ConnectionHealthInfo {
	return ConnectionHealthInfo{
		ConnectionID: connectionID,
		UserID:       userID,
		ConnectedAt:  now,
		LastSeen:     now,
	}
}

// Registry is a concurrent map of connection id to health record.
// Records are stored by value so callers never hold a live reference.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]ConnectionHealthInfo
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]ConnectionHealthInfo),
	}
}

// Upsert inserts or replaces the record for info.ConnectionID.
func (r *Registry) Upsert(info ConnectionHealthInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[info.ConnectionID] = cloneInfo(info)
}

// Get returns the record for connectionID, or false if unknown.
func (r *Registry) Get(connectionID string) (ConnectionHealthInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.conns[connectionID]
	if !ok {
		return ConnectionHealthInfo{}, false
	}
	return cloneInfo(info), true
}

// Update applies fn to the record under the write lock. It returns false
// without calling fn if the connection is unknown. fn must not block.
func (r *Registry) Update(connectionID string, fn func(*ConnectionHealthInfo)) (ConnectionHealthInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.conns[connectionID]
	if !ok {
		return ConnectionHealthInfo{}, false
	}
	fn(&info)
	r.conns[connectionID] = info
	return cloneInfo(info), true
}

// Remove deletes the record. Removing an unknown id is a no-op.
func (r *Registry) Remove(connectionID string) (ConnectionHealthInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	return info, ok
}

// All returns a point-in-time copy of every record.
func (r *Registry) All() map[string]ConnectionHealthInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]ConnectionHealthInfo, len(r.conns))
	for id, info := range r.conns {
		snapshot[id] = cloneInfo(info)
	}
	return snapshot
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsUserOnline reports whether userID owns at least one registered connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.conns {
		if info.UserID == userID {
			return true
		}
	}
	return false
}

// OnlineUserCount returns the number of distinct users with a registered connection.
func (r *Registry) OnlineUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make(map[string]struct{}, len(r.conns))
	for _, info := range r.conns {
		users[info.UserID] = struct{}{}
	}
	return len(users)
}

// ConnectionsForUser returns the ids of every connection owned by userID.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, info := range r.conns {
		if info.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// RecordSendFailure counts a failed or dropped write against the connection
// and marks it unhealthy. Unknown ids report false.
func (r *Registry) RecordSendFailure(connectionID string) (ConnectionHealthInfo, bool) {
	return r.Update(connectionID, MarkFailure)
}

// MarkFailure counts one failure against info.
func MarkFailure(info *ConnectionHealthInfo) {
	info.ConsecutiveFailures++
	info.IsHealthy = false
}

// pointer fields are copied so snapshots never alias the stored record
func cloneInfo(info ConnectionHealthInfo) ConnectionHealthInfo {
	if info.LastRecoveryAttempt != nil {
		t := *info.LastRecoveryAttempt
		info.LastRecoveryAttempt = &t
	}
	if info.HeartbeatSentAt != nil {
		t := *info.HeartbeatSentAt
		info.HeartbeatSentAt = &t
	}
	return info
}
