// Package globals holds the CLI flags shared by every condalink
// subcommand.
package globals

// Globals is embedded into the top-level CLI struct so every subcommand's
// Run method can accept *globals.Globals regardless of which command ran.
type Globals struct {
	Verbose bool `help:"Enable debug logging" short:"v" env:"CONDALINK_VERBOSE"`
}
