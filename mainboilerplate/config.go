package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// ConfigRootEnv names an additional directory searched for INI configuration.
const ConfigRootEnv = "TXNENGINE_CONFIG_ROOT"

// ConfigPaths returns candidate paths of INI file |configName|, in the order
// they're searched: the working directory, ~/.config/txnengine of the user's
// home directory, and then the directory of ConfigRootEnv (if set).
func ConfigPaths(configName string) []string {
	var dirs = []string{"."}

	for _, env := range []string{"HOME", "UserProfile"} {
		if home := os.Getenv(env); home != "" {
			dirs = append(dirs, filepath.Join(home, ".config", "txnengine"))
		}
	}
	if root := os.Getenv(ConfigRootEnv); root != "" {
		dirs = append(dirs, root)
	}

	var out []string
	for _, dir := range dirs {
		out = append(out, filepath.Join(dir, configName))
	}
	return out
}

// MustParseConfig parses the Parser from the first INI file of ConfigPaths
// which exists, then from environment bindings and argument flags, exiting
// the process on error. Options of an INI file which the Parser doesn't know
// are ignored.
func MustParseConfig(parser *flags.Parser, configName string) {
	var restore = parser.Options
	parser.Options |= flags.IgnoreUnknown

	for _, path := range ConfigPaths(configName) {
		var err = flags.NewIniParser(parser).ParseFile(path)

		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "parsing %s: %s\n", path, err)
			os.Exit(1)
		}
		log.WithField("path", path).Debug("parsed configuration file")
		break
	}

	parser.Options = restore
	MustParseArgs(parser)
}

// MustParseArgs parses the Parser from os.Args, exiting the process if the
// arguments are invalid or help was requested.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "command failed")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		panic(err) // The configuration struct itself is malformed.
	case flags.ErrCommandRequired:
		parser.WriteHelp(os.Stderr)
		fallthrough
	case flags.ErrHelp:
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
	}
	os.Exit(1) // go-flags has printed the error.
}

// AddPrintConfigCmd adds a "print-config" command to the Parser, which writes
// the combined configuration as an INI file suitable for |configName|.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
Parse configuration from `+configName+`, environment variables, and flags,
and then write it to stdout in INI format.
`, &printConfig{parser: parser})
}

type printConfig struct {
	parser *flags.Parser
}

func (p *printConfig) Execute([]string) error {
	flags.NewIniParser(p.parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
