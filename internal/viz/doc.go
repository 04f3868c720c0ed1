// Package viz renders stored runs for the terminal: run tables, energy
// drift plots and density profiles.
//
// Styling goes through lipgloss and plots through asciigraph, so output
// degrades to plain text when stdout is not a terminal.
package viz
