// Package cli implements the interactive operator console: session listing,
// kicks, profile lookup and host statistics.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpcm/internal/config"
	"github.com/energizer-project/gpcm/internal/events"
	"github.com/energizer-project/gpcm/internal/gpcm"
	"github.com/energizer-project/gpcm/internal/store"
	"github.com/energizer-project/gpcm/internal/util"
)

// Presence is the view of the presence server the console needs.
type Presence interface {
	Sessions() []gpcm.SessionInfo
	Session(profileID int) (gpcm.SessionInfo, bool)
	Kick(profileID int, reason string) bool
}

// ProfileFinder looks up stored profiles.
type ProfileFinder interface {
	GetProfileByProfileID(ctx context.Context, profileID int) (*store.Profile, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	presence Presence
	profiles ProfileFinder
	started  time.Time

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, presence Presence, profiles ProfileFinder, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		presence: presence,
		profiles: profiles,
		started:  time.Now(),
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ngpcm console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "gpcm> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "sessions", "ls":
		c.printSessions()
	case "session", "s":
		return c.cmdSession(args)
	case "kick":
		return c.cmdKick(args)
	case "profile", "p":
		return c.cmdProfile(ctx, args)
	case "system", "sys":
		c.printSystem()
	case "loglevel":
		return c.cmdLogLevel(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down gpcm...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  sessions            List authenticated sessions
  session <pid>       Show one session
  kick <pid> [reason] Disconnect a session
  profile <pid>       Show a stored profile
  system              Show host resource usage
  loglevel <level>    Change the log level
  quit                Shut down the server
  help                Show this help message`)
}

func (c *CLI) printSessions() {
	sessions := c.presence.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions.")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Profile", "Nick", "Game", "Status", "Remote", "Online"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range sessions {
		status := s.Presence.Status
		if status == "" {
			status = "-"
		}
		tw.Append([]string{
			strconv.Itoa(s.ProfileID),
			s.UniqueNick,
			s.GameID,
			status,
			s.RemoteAddr,
			time.Since(s.LoggedInAt).Truncate(time.Second).String(),
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "%d session(s)\n", len(sessions))
}

func (c *CLI) cmdSession(args []string) error {
	pid, err := parseProfileArg(args)
	if err != nil {
		return err
	}

	s, ok := c.presence.Session(pid)
	if !ok {
		return fmt.Errorf("no session for profile %d", pid)
	}

	fmt.Fprintf(c.out, "\n  Profile:     %d\n", s.ProfileID)
	fmt.Fprintf(c.out, "  User ID:     %s\n", s.UserID)
	fmt.Fprintf(c.out, "  Nick:        %s\n", s.UniqueNick)
	fmt.Fprintf(c.out, "  Game:        %s\n", s.GameID)
	fmt.Fprintf(c.out, "  State:       %s\n", s.State)
	fmt.Fprintf(c.out, "  Remote:      %s\n", s.RemoteAddr)
	fmt.Fprintf(c.out, "  Status:      %s\n", s.Presence.Status)
	fmt.Fprintf(c.out, "  Stat string: %s\n", s.Presence.StatString)
	fmt.Fprintf(c.out, "  Location:    %s\n", s.Presence.LocString)
	fmt.Fprintf(c.out, "  Logged in:   %s\n\n", s.LoggedInAt.Format(time.RFC3339))
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	pid, err := parseProfileArg(args)
	if err != nil {
		return err
	}

	reason := "kicked from console"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if !c.presence.Kick(pid, reason) {
		return fmt.Errorf("no session for profile %d", pid)
	}

	log.Info().Int("profileid", pid).Str("reason", reason).Msg("CLI: session kicked")
	fmt.Fprintf(c.out, "Kicked profile %d\n", pid)
	return nil
}

func (c *CLI) cmdProfile(ctx context.Context, args []string) error {
	pid, err := parseProfileArg(args)
	if err != nil {
		return err
	}

	p, err := c.profiles.GetProfileByProfileID(ctx, pid)
	if errors.Is(err, store.ErrProfileNotFound) {
		return fmt.Errorf("profile %d not found", pid)
	}
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"profileid", strconv.Itoa(p.ProfileID)},
		{"userid", p.UserID},
		{"uniquenick", p.UniqueNick},
		{"email", p.Email},
		{"gsbrcd", p.BrandCode},
		{"firstname", p.FirstName},
		{"lastname", p.LastName},
		{"loc", p.Loc},
		{"created", p.CreatedAt.Format(time.RFC3339)},
	})
	tw.Render()
	return nil
}

func (c *CLI) printSystem() {
	stats := util.CollectHostStats(".", c.started)

	fmt.Fprintf(c.out, "\n  Host:        %s (%s/%s)\n", stats.Info.Hostname, stats.Info.OS, stats.Info.Architecture)
	fmt.Fprintf(c.out, "  CPU:         %s, %d cores, %.1f%%\n", stats.Info.CPUModel, stats.Info.CPUCores, stats.CPUPercent)
	if stats.Memory != nil {
		fmt.Fprintf(c.out, "  Memory:      %d / %d MB (%.1f%%)\n", stats.Memory.Used, stats.Memory.Total, stats.Memory.UsedPercent)
	}
	fmt.Fprintf(c.out, "  Goroutines:  %d\n", stats.Goroutines)
	fmt.Fprintf(c.out, "  Uptime:      %s\n", stats.Uptime)
	fmt.Fprintf(c.out, "  Sessions:    %d\n\n", len(c.presence.Sessions()))
}

func (c *CLI) cmdLogLevel(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loglevel <trace|debug|info|warn|error>")
	}
	level, err := zerolog.ParseLevel(strings.ToLower(args[0]))
	if err != nil {
		return fmt.Errorf("invalid level: %s", args[0])
	}

	zerolog.SetGlobalLevel(level)
	c.cfg.SetLogLevel(level.String())
	fmt.Fprintf(c.out, "Log level set to %s\n", level)
	return nil
}

func parseProfileArg(args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("profile id required")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid profile id: %s", args[0])
	}
	return pid, nil
}
