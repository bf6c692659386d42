// Package pane abstracts keystroke delivery to a terminal pane. The
// production implementation shells out to tmux; tests substitute a
// recording fake.
package pane

// Key is a named non-literal keystroke.
type Key string

const (
	// KeyEnter submits the current input line.
	KeyEnter Key = "Enter"
	// KeyInterrupt sends a hard interrupt to the foreground process.
	KeyInterrupt Key = "C-c"
)

// Controller delivers keystrokes to panes. No echo or confirmation is
// assumed; success is judged by the absence of an I/O error.
type Controller interface {
	// SendLiteral types text into the pane exactly as given, without
	// interpreting key names.
	SendLiteral(pane, text string) error
	// SendKey presses a single named key in the pane.
	SendKey(pane string, key Key) error
}
