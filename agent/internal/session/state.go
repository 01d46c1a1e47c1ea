package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// agentState is persisted to disk so the wrapper presents the same agent id
// on every connection and the server matches it to the existing directory
// record instead of creating a duplicate.
type agentState struct {
	AgentID string `json:"agent_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

// loadState reads the persisted agent state. Returns an empty agentState if
// the file does not exist yet.
func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("session: read state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("session: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the agent state atomically via temp file + rename.
func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("session: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("session: rename state file: %w", err)
	}
	ok = true
	return nil
}

// ResolveAgentID determines the wrapper's stable identity: an explicit
// configuration value wins, then the persisted state file, then the access
// token's principal claim. The resolved id is persisted for next time.
//
// The token is parsed without signature verification here — only the server
// verifies tokens; the wrapper just needs the principal the operator minted
// the token for.
func ResolveAgentID(explicit, stateDir, token string) (uuid.UUID, error) {
	if explicit != "" {
		id, err := uuid.Parse(explicit)
		if err != nil {
			return uuid.Nil, fmt.Errorf("session: agentId %q: %w", explicit, err)
		}
		return id, nil
	}

	if st, err := loadState(stateDir); err == nil && st.AgentID != "" {
		if id, err := uuid.Parse(st.AgentID); err == nil {
			return id, nil
		}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return uuid.Nil, fmt.Errorf("session: parse access token: %w", err)
	}
	prn, _ := claims["prn"].(string)
	if prn == "" {
		return uuid.Nil, errors.New("session: access token carries no principal claim")
	}
	id, err := uuid.Parse(prn)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session: token principal %q is not an agent id: %w", prn, err)
	}

	if err := saveState(stateDir, agentState{AgentID: id.String()}); err != nil {
		// Non-fatal: the id is re-derived from the token next start.
		return id, nil
	}
	return id, nil
}
