package model

import "strings"

// ScopeKind selects how wide a memory is visible.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeAgent   ScopeKind = "agent"
	ScopeUser    ScopeKind = "user"
	ScopeSession ScopeKind = "session"
)

// Scope bounds a memory's visibility and uniqueness. The zero value is the
// global scope.
type Scope struct {
	Kind           ScopeKind `json:"kind"`
	OrganizationID string    `json:"organization_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
}

func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

func AgentScope(agentID string) Scope {
	return Scope{Kind: ScopeAgent, AgentID: agentID}
}

func UserScope(agentID, userID string) Scope {
	return Scope{Kind: ScopeUser, AgentID: agentID, UserID: userID}
}

func SessionScope(agentID, userID, sessionID string) Scope {
	return Scope{Kind: ScopeSession, AgentID: agentID, UserID: userID, SessionID: sessionID}
}

// Key returns the stable partition key used for uniqueness and storage.
func (s Scope) Key() string {
	parts := []string{string(s.Kind), s.OrganizationID, s.AgentID, s.UserID, s.SessionID}
	return strings.Join(parts, "/")
}

// Contains reports whether a memory stored in s is visible to a caller
// operating in the (usually narrower) scope other. Global memories are
// visible everywhere; agent memories to any caller of the same agent, and
// so on down the hierarchy.
func (s Scope) Contains(other Scope) bool {
	switch s.Kind {
	case ScopeGlobal:
		return true
	case ScopeAgent:
		return s.AgentID == other.AgentID
	case ScopeUser:
		return s.AgentID == other.AgentID && s.UserID == other.UserID
	case ScopeSession:
		return s.AgentID == other.AgentID && s.UserID == other.UserID && s.SessionID == other.SessionID
	}
	return false
}

// Ancestry returns the chain of scopes whose memories are visible to a
// caller in s, widest first: global, then agent, user, session as far as s
// reaches.
func (s Scope) Ancestry() []Scope {
	out := []Scope{GlobalScope()}
	switch s.Kind {
	case ScopeAgent:
		out = append(out, AgentScope(s.AgentID))
	case ScopeUser:
		out = append(out, AgentScope(s.AgentID), UserScope(s.AgentID, s.UserID))
	case ScopeSession:
		out = append(out,
			AgentScope(s.AgentID),
			UserScope(s.AgentID, s.UserID),
			SessionScope(s.AgentID, s.UserID, s.SessionID))
	}
	return out
}

// Validate rejects scopes whose required ids are missing.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeAgent:
		if s.AgentID == "" {
			return errMissingScopeID("agent_id")
		}
		return nil
	case ScopeUser:
		if s.AgentID == "" {
			return errMissingScopeID("agent_id")
		}
		if s.UserID == "" {
			return errMissingScopeID("user_id")
		}
		return nil
	case ScopeSession:
		if s.AgentID == "" || s.UserID == "" || s.SessionID == "" {
			return errMissingScopeID("agent_id/user_id/session_id")
		}
		return nil
	}
	return errUnknownScopeKind(string(s.Kind))
}
