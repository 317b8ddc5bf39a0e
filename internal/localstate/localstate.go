// Package localstate persists the minimal client state that survives
// restarts: the session token and the user profile. The connection
// manager consults it to auto-connect on startup. No message or
// notification content is ever written here.
package localstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coursehub/realtime/internal/types"
)

const stateFile = "session.json"

type State struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

// Load reads persisted state from dir. A missing file is not an
// error; it returns an empty state with ok=false.
func Load(dir string) (State, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("parse state: %w", err)
	}
	return st, st.Token != "", nil
}

func Save(dir string, st State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := filepath.Join(dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, stateFile))
}

// Clear removes persisted state on logout.
func Clear(dir string) error {
	err := os.Remove(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
