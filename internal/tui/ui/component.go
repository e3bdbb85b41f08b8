package ui

// MenuHint is a key shortcut shown in the header menu.
type MenuHint struct {
	Key         string
	Description string
	Numeric     bool // digit shortcuts, drawn in their own color
}

// Component is a page of the TUI.
type Component interface {
	// Name is shown in the breadcrumbs.
	Name() string
	Hints() []MenuHint
}
