package tui

import "strings"

// Command is a parsed ":" command.
type Command struct {
	Name string
	Args string
}

var commandAliases = map[string]string{
	"q": "quit",
	"h": "help",
	"s": "search",
}

// ParseCommand parses input without the leading ':'. Names are
// case-insensitive and short aliases are expanded.
func ParseCommand(input string) Command {
	name, args, _ := strings.Cut(strings.TrimSpace(input), " ")
	name = strings.ToLower(name)
	if full, ok := commandAliases[name]; ok {
		name = full
	}
	return Command{Name: name, Args: strings.TrimSpace(args)}
}
