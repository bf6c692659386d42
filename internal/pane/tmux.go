package pane

import (
	"fmt"
	"os/exec"
	"strings"
)

// TmuxController drives panes through the tmux CLI.
type TmuxController struct {
	// Binary is the tmux executable name or path.
	Binary string
	// run is swappable for tests.
	run func(binary string, args ...string) error
}

// NewTmuxController creates a controller using the given tmux binary
// ("tmux" if empty).
func NewTmuxController(binary string) *TmuxController {
	if binary == "" {
		binary = "tmux"
	}
	return &TmuxController{Binary: binary, run: runTmux}
}

func runTmux(binary string, args ...string) error {
	out, err := exec.Command(binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux %s: %v (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SendLiteral types text into the target pane. The -l flag keeps tmux
// from interpreting the text as key names.
func (t *TmuxController) SendLiteral(pane, text string) error {
	return t.run(t.Binary, "send-keys", "-t", pane, "-l", "--", text)
}

// SendKey presses a named key in the target pane.
func (t *TmuxController) SendKey(pane string, key Key) error {
	return t.run(t.Binary, "send-keys", "-t", pane, string(key))
}
