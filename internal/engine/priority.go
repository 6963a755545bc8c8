package engine

import (
	"fmt"

	"github.com/anacrolix/torrent"
)

// Priority is an 8-level per-file download priority. The client only
// understands coarser bands, so the full value is kept wrapper-side and
// mapped down when applied.
type Priority int

const (
	PrioritySkip   Priority = 0
	PriorityLow    Priority = 1
	PriorityNormal Priority = 4
	PriorityMax    Priority = 7
)

// Valid reports whether p is inside the skip..max range.
func (p Priority) Valid() bool {
	return p >= PrioritySkip && p <= PriorityMax
}

// String renders the levels the way the transfer list shows them.
func (p Priority) String() string {
	switch {
	case p == PrioritySkip:
		return "Skip"
	case p <= 2:
		return "Low"
	case p <= 4:
		return "Normal"
	default:
		return "Max"
	}
}

// piecePriority maps the 8-level value onto the client's priority bands.
func (p Priority) piecePriority() torrent.PiecePriority {
	switch {
	case p == PrioritySkip:
		return torrent.PiecePriorityNone
	case p <= 4:
		return torrent.PiecePriorityNormal
	default:
		return torrent.PiecePriorityHigh
	}
}

// SetFilePriority sets the priority for one file of a transfer. Before
// metadata arrives the value is stored and applied as soon as the file
// list exists.
func (s *Session) SetFilePriority(id string, fileIndex int, prio Priority) error {
	if !prio.Valid() {
		return fmt.Errorf("priority %d out of range [%d, %d]", prio, PrioritySkip, PriorityMax)
	}

	s.mu.Lock()
	st, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return ErrTransferNotFound
	}
	hasInfo := st.t.Info() != nil
	if hasInfo && (fileIndex < 0 || fileIndex >= len(st.t.Files())) {
		s.mu.Unlock()
		return fmt.Errorf("file index %d out of range", fileIndex)
	}
	st.filePrios[fileIndex] = prio
	t := st.t
	s.mu.Unlock()

	if hasInfo {
		s.applyFilePriority(t, fileIndex, prio)
	}
	return nil
}

func (s *Session) applyFilePriority(t *torrent.Torrent, fileIndex int, prio Priority) {
	files := t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return
	}
	files[fileIndex].SetPriority(prio.piecePriority())
}

// filePriority returns the stored 8-level value, defaulting to normal.
func (st *transferState) filePriority(fileIndex int) Priority {
	if p, ok := st.filePrios[fileIndex]; ok {
		return p
	}
	return PriorityNormal
}
