package ot

// Kind distinguishes text edits from shape moves.
type Kind string

const (
	// KindText is the default operation type sent by clients for label edits.
	KindText Kind = "text_update"
	// KindMove is a relative position change of a shape.
	KindMove Kind = "move_delta"
)

// Operation is a single client edit on one exercise (document).
type Operation struct {
	ClientSequence        int    `json:"clientSequence"`
	ServerSequence        int    `json:"serverSequence"`
	BasedOnServerSequence int    `json:"basedOnServerSequence"`
	UserID                string `json:"userId"`
	SessionID             string `json:"sessionId,omitempty"`
	ExerciseID            int    `json:"exerciseId"`
	ElementID             string `json:"elementId"`
	PartID                string `json:"partId,omitempty"`
	Type                  Kind   `json:"operationType"`
	Timestamp             int64  `json:"timestamp"`

	// Text payload. BeforeText and AfterText are advisory on the way in,
	// the server recomputes AfterText.
	PatchText  string `json:"patchText,omitempty"`
	BeforeText string `json:"beforeText,omitempty"`
	AfterText  string `json:"afterText,omitempty"`

	// Move payload. The delta is relative to (OldX, OldY).
	OldX   int `json:"oldX,omitempty"`
	OldY   int `json:"oldY,omitempty"`
	DeltaX int `json:"deltaX,omitempty"`
	DeltaY int `json:"deltaY,omitempty"`
}

// IsMove reports whether op is a position delta.
func (op Operation) IsMove() bool {
	return op.Type == KindMove
}

// SameTarget reports whether both operations edit the same text part.
func (op Operation) SameTarget(other Operation) bool {
	return op.ElementID == other.ElementID && op.PartID == other.PartID
}

// Key returns the text cache key for op's target.
func (op Operation) Key() string {
	return TargetKey(op.ElementID, op.PartID)
}

// TargetKey builds the text cache key for an element part.
func TargetKey(elementID, partID string) string {
	return elementID + ":" + partID
}
