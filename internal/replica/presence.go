package replica

import (
	"encoding/json"
	"hash/fnv"
)

// palette holds the colors assigned to collaborators.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46a0a8", "#f032e6", "#9a6324",
	"#800000", "#808000", "#000075", "#5c7f3b",
}

// ColorFor returns the color of userID. The same user always gets the same
// color.
func ColorFor(userID string) string {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(userID))
	return palette[hash.Sum32()%uint32(len(palette))]
}

// Cursor is a caret position inside a root.
type Cursor struct {
	Root  string `json:"root"`
	Index int    `json:"index"`
}

// Selection is a range inside a root.
type Selection struct {
	Root   string `json:"root"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

// Presence is the ephemeral state a collaborator shares with the room.
type Presence struct {
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Color     string     `json:"color"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// PresencePatch changes part of the local presence. Nil fields are kept
// unless the matching Clear flag is set.
type PresencePatch struct {
	Cursor         *Cursor
	Selection      *Selection
	ClearCursor    bool
	ClearSelection bool
}

func (p Presence) apply(patch PresencePatch) Presence {
	switch {
	case patch.ClearCursor:
		p.Cursor = nil
	case patch.Cursor != nil:
		cursor := *patch.Cursor
		p.Cursor = &cursor
	}
	switch {
	case patch.ClearSelection:
		p.Selection = nil
	case patch.Selection != nil:
		selection := *patch.Selection
		p.Selection = &selection
	}
	return p
}

// stamped replaces the self-reported identity with the one the relay verified.
func (p Presence) stamped(userID, userName string) Presence {
	if userID != "" {
		p.UserID = userID
		p.Color = ColorFor(userID)
	}
	if userName != "" {
		p.UserName = userName
	}
	return p
}

func decodePresence(payload []byte) (Presence, error) {
	var presence Presence
	if err := json.Unmarshal(payload, &presence); err != nil {
		return Presence{}, err
	}
	return presence, nil
}
