package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

const sessionStateVersion = 1

// sessionState is the persistable blob written at shutdown and loaded at
// startup. It carries everything needed to rebuild the transfer set on a
// fresh client.
type sessionState struct {
	Version   int              `json:"version"`
	SavedAt   time.Time        `json:"saved_at"`
	Transfers []transferResume `json:"transfers"`
}

type transferResume struct {
	ID             string           `json:"id"`
	Magnet         string           `json:"magnet,omitempty"`
	SavePath       string           `json:"save_path"`
	Paused         bool             `json:"paused"`
	Sequential     bool             `json:"sequential"`
	FastMode       bool             `json:"fast_mode"`
	MaxConnections int              `json:"max_connections"`
	FilePriorities map[int]Priority `json:"file_priorities,omitempty"`
	AddedAt        time.Time        `json:"added_at"`
}

// SaveState serializes the session's transfer set into an opaque blob.
func (s *Session) SaveState() ([]byte, error) {
	s.mu.Lock()
	state := sessionState{
		Version: sessionStateVersion,
		SavedAt: time.Now(),
	}
	for id, st := range s.transfers {
		resume := transferResume{
			ID:             id,
			Magnet:         st.magnet,
			SavePath:       st.savePath,
			Paused:         st.paused,
			Sequential:     st.sequential,
			FastMode:       st.fastMode,
			MaxConnections: st.maxConns,
			AddedAt:        st.addedAt,
		}
		if len(st.filePrios) > 0 {
			resume.FilePriorities = make(map[int]Priority, len(st.filePrios))
			for i, p := range st.filePrios {
				resume.FilePriorities[i] = p
			}
		}
		state.Transfers = append(state.Transfers, resume)
	}
	s.mu.Unlock()

	return json.Marshal(state)
}

// LoadState rebuilds transfers from a blob produced by SaveState. Entries
// that can no longer be added (missing cached metainfo and no magnet) are
// skipped with a log line; a corrupt blob is an error for the caller to
// log and ignore.
func (s *Session) LoadState(data []byte) error {
	state, err := decodeState(data)
	if err != nil {
		return err
	}

	for _, resume := range state.Transfers {
		id, err := s.restoreTransfer(resume)
		if err != nil {
			s.logger.Error("Failed to restore transfer", resume.ID, ":", err)
			continue
		}
		s.applyResume(id, resume)
	}
	return nil
}

func decodeState(data []byte) (*sessionState, error) {
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt session state: %w", err)
	}
	if state.Version != sessionStateVersion {
		return nil, fmt.Errorf("unsupported session state version %d", state.Version)
	}
	return &state, nil
}

func (s *Session) restoreTransfer(resume transferResume) (string, error) {
	cached := s.CachedTorrentPath(resume.ID)
	if _, err := os.Stat(cached); err == nil {
		id, err := s.AddFromFile(cached, resume.SavePath)
		if err == nil || errors.Is(err, ErrAlreadyAdded) {
			return id, nil
		}
		s.logger.Warn("Cached metainfo unusable for", resume.ID, ":", err)
	}
	if resume.Magnet == "" {
		return "", fmt.Errorf("no cached metainfo and no magnet")
	}
	id, err := s.AddMagnet(resume.Magnet, resume.SavePath)
	if err != nil && !errors.Is(err, ErrAlreadyAdded) {
		return "", err
	}
	return id, nil
}

func (s *Session) applyResume(id string, resume transferResume) {
	s.mu.Lock()
	st, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.sequential = resume.Sequential
	st.fastMode = resume.FastMode
	if resume.MaxConnections > 0 {
		st.maxConns = resume.MaxConnections
	}
	if !resume.AddedAt.IsZero() {
		st.addedAt = resume.AddedAt
	}
	for i, p := range resume.FilePriorities {
		st.filePrios[i] = p
	}
	s.mu.Unlock()

	if resume.Paused {
		if err := s.Pause(id); err != nil {
			s.logger.Error("Failed to pause restored transfer", id, ":", err)
		}
	} else if resume.MaxConnections > 0 {
		if err := s.SetMaxConnections(id, resume.MaxConnections); err != nil {
			s.logger.Error("Failed to restore connection cap for", id, ":", err)
		}
	}
}
