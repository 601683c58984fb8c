package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(finished bool) string {
	if finished {
		return StyleHelp.Render("Run finished | Tab: cycle focus | j/k: select task | q: quit")
	}
	return StyleHelp.Render("Tab: cycle focus | 1/2: jump to pane | j/k: select task | q: stop and quit")
}
