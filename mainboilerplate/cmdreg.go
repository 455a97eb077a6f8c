package mainboilerplate

import (
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// CommandRegistry collects sub-commands of a go-flags command tree, keyed on
// the dotted path of their parent command. The empty path is the root.
type CommandRegistry map[string][]registeredCommand

type registeredCommand struct {
	name, short, long string
	data              interface{}
}

// NewCommandRegistry returns an empty CommandRegistry.
func NewCommandRegistry() CommandRegistry { return make(CommandRegistry) }

// AddCommand registers command |name| beneath the parent |path|: "" for a
// top-level command, or "transactions" for a sub-command of "transactions".
func (r CommandRegistry) AddCommand(path, name, short, long string, data interface{}) {
	r[path] = append(r[path], registeredCommand{name: name, short: short, long: long, data: data})
}

// AddCommands adds commands registered beneath |path| to |parent|. If
// |recursive|, commands registered beneath each added command are added too.
func (r CommandRegistry) AddCommands(path string, parent *flags.Command, recursive bool) error {
	for _, rc := range r[path] {
		var cmd, err = parent.AddCommand(rc.name, rc.short, rc.long, rc.data)
		if err != nil {
			return errors.WithMessagef(err, "adding command %q", joinCommandPath(path, rc.name))
		}
		if !recursive {
			continue
		}
		if err = r.AddCommands(joinCommandPath(path, rc.name), cmd, true); err != nil {
			return err
		}
	}
	return nil
}

func joinCommandPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
