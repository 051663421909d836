package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lexledger/lexmigrate/internal/cli/ui"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
)

// helpGroups orders the root commands in help output.
var helpGroups = []struct {
	id, title string
	commands  []string
}{
	{"run", "RUN", []string{"serve", "phase", "logs"}},
	{"migrate", "MIGRATION STEPS", []string{"schema", "users"}},
	{"safety", "CHECKPOINTS & BACKUPS", []string{"checkpoint", "backup"}},
	{"config", "CONFIGURATION", []string{"config", "token", "version"}},
}

// phaseHints names the command that does the work of each phase.
var phaseHints = map[orchestrator.Phase]string{
	orchestrator.PhaseSchemaExtracted:    "schema extract --validate, schema generate",
	orchestrator.PhaseDataMigrated:       "load data with your own tooling, then checkpoint create",
	orchestrator.PhaseUsersMigrated:      "users migrate",
	orchestrator.PhaseFilesMigrated:      "copy storage objects, then checkpoint create",
	orchestrator.PhaseValidationComplete: "checkpoint validate <phase> for every phase",
	orchestrator.PhaseProductionReady:    "backup create, then phase advance production_ready",
}

func initHelp() {
	byName := map[string]string{}
	for _, g := range helpGroups {
		rootCmd.AddGroup(&cobra.Group{ID: g.id, Title: g.title})
		for _, name := range g.commands {
			byName[name] = g.id
		}
	}
	for _, cmd := range rootCmd.Commands() {
		cmd.GroupID = byName[cmd.Name()]
	}

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		newHelpPrinter(cmd.ErrOrStderr(), colorEnabled()).command(cmd)
	})
	rootCmd.SetUsageFunc(func(cmd *cobra.Command) error {
		newHelpPrinter(cmd.ErrOrStderr(), colorEnabled()).command(cmd)
		return nil
	})
}

type helpPrinter struct {
	w io.Writer
	c bool
}

func newHelpPrinter(w io.Writer, c bool) *helpPrinter {
	return &helpPrinter{w: w, c: c}
}

func (h *helpPrinter) line(format string, args ...any) {
	fmt.Fprintf(h.w, format+"\n", args...)
}

func (h *helpPrinter) section(title string) {
	h.line("%s", boldCyan(title, h.c))
}

func (h *helpPrinter) command(cmd *cobra.Command) {
	h.line("")
	if cmd == rootCmd {
		h.line("  %s %s", ui.BrandMark, boldCyan("lexmigrate", h.c))
		h.line("")
		h.description(cmd.Long, true)
		h.workflow()
	} else if cmd.Long != "" {
		h.description(cmd.Long, false)
	} else if cmd.Short != "" {
		h.line("  %s", cmd.Short)
	}
	h.line("")

	h.section("USAGE")
	use := cmd.UseLine()
	if cmd.HasAvailableSubCommands() {
		use = cmd.CommandPath() + " [command]"
	}
	h.line("  %s", use)
	h.line("")

	if cmd.Example != "" {
		h.section("EXAMPLES")
		for _, l := range strings.Split(strings.TrimSpace(cmd.Example), "\n") {
			h.line("  %s", green(strings.TrimSpace(l), h.c))
		}
		h.line("")
	}

	h.subcommands(cmd)
	h.flags(cmd)

	if cmd.HasAvailableSubCommands() {
		h.line("%s", dim(fmt.Sprintf("Use \"%s [command] --help\" for more information about a command.", cmd.CommandPath()), h.c))
		h.line("")
	}
}

// description prints a Long text. Indented lines are commands and are
// highlighted on the root page.
func (h *helpPrinter) description(text string, root bool) {
	for _, l := range strings.Split(text, "\n") {
		switch {
		case !root:
			h.line("  %s", l)
		case strings.TrimSpace(l) == "":
			h.line("")
		case strings.HasPrefix(l, "  "):
			h.line("    %s", green(strings.TrimSpace(l), h.c))
		default:
			h.line("  %s", dim(l, h.c))
		}
	}
}

func (h *helpPrinter) workflow() {
	h.line("")
	h.section("PHASES")
	for i, p := range orchestrator.Phases {
		hint := phaseHints[p]
		if hint == "" {
			hint = "starting point"
		}
		h.line("  %d. %-20s %s", i+1, string(p), dim(hint, h.c))
	}
}

func (h *helpPrinter) subcommands(cmd *cobra.Command) {
	var available []*cobra.Command
	for _, sub := range cmd.Commands() {
		if sub.IsAvailableCommand() {
			available = append(available, sub)
		}
	}
	if len(available) == 0 {
		return
	}

	if len(cmd.Groups()) == 0 {
		h.section("COMMANDS")
		h.commandList(available)
		h.line("")
		return
	}
	for _, g := range cmd.Groups() {
		var members []*cobra.Command
		for _, sub := range available {
			if sub.GroupID == g.ID {
				members = append(members, sub)
			}
		}
		if len(members) == 0 {
			continue
		}
		h.section(g.Title)
		h.commandList(members)
		h.line("")
	}
	var other []*cobra.Command
	for _, sub := range available {
		if sub.GroupID == "" {
			other = append(other, sub)
		}
	}
	if len(other) > 0 {
		h.section("OTHER")
		h.commandList(other)
		h.line("")
	}
}

func (h *helpPrinter) commandList(cmds []*cobra.Command) {
	width := 0
	for _, c := range cmds {
		width = max(width, len(c.Name()))
	}
	for _, c := range cmds {
		h.line("  %s%s", bold(fmt.Sprintf("%-*s", width+4, c.Name()), h.c), dim(c.Short, h.c))
	}
}

func (h *helpPrinter) flags(cmd *cobra.Command) {
	if cmd == rootCmd {
		h.flagSet("FLAGS", cmd.Flags())
		return
	}
	h.flagSet("FLAGS", cmd.LocalNonPersistentFlags())
	h.flagSet("GLOBAL FLAGS", cmd.InheritedFlags())
}

func (h *helpPrinter) flagSet(title string, fs *pflag.FlagSet) {
	usage := strings.TrimRight(fs.FlagUsages(), "\n")
	if strings.TrimSpace(usage) == "" {
		return
	}
	h.section(title)
	for _, l := range strings.Split(usage, "\n") {
		if strings.TrimSpace(l) != "" {
			h.line("%s", h.flagLine(l))
		}
	}
	h.line("")
}

// flagLine colors the flag name and dims its description. pflag separates
// the two with at least three spaces.
func (h *helpPrinter) flagLine(l string) string {
	if !h.c {
		return l
	}
	body := strings.TrimLeft(l, " ")
	indent := l[:len(l)-len(body)]
	if i := strings.Index(body, "   "); i > 0 {
		if desc := strings.TrimLeft(body[i:], " "); desc != "" {
			return indent + cyan(body[:i], h.c) + "   " + dim(desc, h.c)
		}
	}
	return indent + cyan(body, h.c)
}
