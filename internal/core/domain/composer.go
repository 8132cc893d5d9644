package domain

// Button selectors toggled by the composer binder.
const (
	SelectorComposeAudioLink   = ".compose-control-buttons-container .audio_link"
	SelectorEditAudioLink      = ".message-edit-feature-group .audio_link"
	SelectorComposeClickToCall = ".compose-control-buttons-container .click_to_call"
	SelectorEditClickToCall    = ".message-edit-feature-group .click_to_call"
)

// Element is the clicked call trigger as seen by the binder.
type Element struct {
	// UserID is the raw data-user-id attribute, empty when absent.
	UserID string `json:"data-user-id,omitempty"`
	// RowID identifies the enclosing message row, empty when the element
	// is not inside one.
	RowID string `json:"row_id,omitempty"`
}

// ButtonState maps a selector to its visibility.
type ButtonState map[string]bool
