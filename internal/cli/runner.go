package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/g960059/lobbywatch/internal/api"
	"github.com/g960059/lobbywatch/internal/appclient"
	"github.com/g960059/lobbywatch/internal/config"
	"github.com/g960059/lobbywatch/internal/doctor"
)

type Runner struct {
	client *appclient.Client
	// custom is set when the client was injected and --socket must not
	// replace it.
	custom bool
	out    io.Writer
	errOut io.Writer
	styles styles
}

type styles struct {
	watched lipgloss.Style
	muted   lipgloss.Style
	header  lipgloss.Style
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return newRunner(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
	r.custom = true
	return r
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	renderer := lipgloss.NewRenderer(out)
	return &Runner{
		client: client,
		out:    out,
		errOut: errOut,
		styles: styles{
			watched: renderer.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
			muted:   renderer.NewStyle().Faint(true),
			header:  renderer.NewStyle().Bold(true),
		},
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if !r.custom && socketPath != "" {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "list":
		return r.runList(ctx, rest[1:])
	case "show":
		return r.runShow(ctx, rest[1:])
	case "world":
		return r.runWorld(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "doctor":
		return r.runDoctor(ctx, rest[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	fs := pflag.NewFlagSet("lobbywatch", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	socket := fs.String("socket", config.DefaultConfig().SocketPath, "daemon socket path")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if !fs.Changed("socket") {
		return "", fs.Args(), nil
	}
	return *socket, fs.Args(), nil
}

func (r *Runner) newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := r.newFlagSet("health")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	resp, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "status=%s players=%d queue=%d\n", resp.Status, resp.Players, resp.QueueDepth)
	for _, src := range resp.Sources {
		line := fmt.Sprintf("source %s status=%s", src.Pattern, src.Status)
		if src.Path != "" {
			line += " path=" + src.Path
		}
		if src.LastError != "" {
			line += fmt.Sprintf(" failures=%d error=%q", src.ConsecutiveFailures, src.LastError)
		}
		_, _ = fmt.Fprintln(r.out, line)
	}
	return 0
}

func (r *Runner) runList(ctx context.Context, args []string) int {
	fs := r.newFlagSet("list")
	watched := fs.BoolP("watched", "w", false, "only watched players")
	query := fs.StringP("query", "q", "", "display name substring")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	env, err := r.client.ListPlayers(ctx, appclient.ListOptions{WatchedOnly: *watched, Query: *query})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WATCH\tNAME\tNET\tAVATAR\tJOINED\tUSER")
	for _, p := range env.Items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.watchCode(p),
			p.DisplayName,
			networkID(p.NetworkID),
			orDash(p.AvatarName),
			p.JoinedAt.Local().Format(time.TimeOnly),
			r.styles.muted.Render(p.UserID),
		)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(r.out, "%d players, %d watched\n", env.Summary.Total, env.Summary.Watched)
	return 0
}

func (r *Runner) runShow(ctx context.Context, args []string) int {
	fs := r.newFlagSet("show")
	jsonOut := fs.Bool("json", false, "output JSON")
	events := fs.IntP("events", "n", 20, "number of recent events to print")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: lobbywatch show <user-id|display-name|network-id> [--json] [-n N]")
		return 2
	}
	env, err := r.client.GetPlayer(ctx, fs.Arg(0))
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	p := env.Player
	_, _ = fmt.Fprintf(r.out, "%s %s\n", r.styles.header.Render(p.DisplayName), r.styles.muted.Render(p.UserID))
	_, _ = fmt.Fprintf(r.out, "watch:      %s\n", r.watchCode(p.PlayerItem))
	_, _ = fmt.Fprintf(r.out, "network id: %s\n", networkID(p.NetworkID))
	_, _ = fmt.Fprintf(r.out, "avatar:     %s\n", orDash(p.AvatarName))
	_, _ = fmt.Fprintf(r.out, "joined:     %s\n", p.JoinedAt.Local().Format(time.DateTime))
	if p.LastActivity != "" {
		_, _ = fmt.Fprintf(r.out, "activity:   %s\n", p.LastActivity)
	}
	if p.Evaluation != "" {
		_, _ = fmt.Fprintf(r.out, "evaluation: %s\n", p.Evaluation)
	}
	if len(p.Drops) > 0 || len(p.Inventory) > 0 {
		_, _ = fmt.Fprintf(r.out, "drops:      %d (inventory %d)\n", len(p.Drops), len(p.Inventory))
	}
	evs := p.Events
	if *events >= 0 && len(evs) > *events {
		evs = evs[len(evs)-*events:]
	}
	for _, ev := range evs {
		_, _ = fmt.Fprintf(r.out, "  %s %-13s %s\n", ev.At.Local().Format(time.TimeOnly), ev.Category, ev.Text)
	}
	return 0
}

func (r *Runner) runWorld(ctx context.Context, args []string) int {
	fs := r.newFlagSet("world")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	resp, err := r.client.World(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(resp)
	}
	if resp.WorldID == "" {
		_, _ = fmt.Fprintf(r.out, "world: unknown, players=%d\n", resp.Players)
		return 0
	}
	_, _ = fmt.Fprintf(r.out, "world: %s instance=%s players=%d\n", resp.WorldID, orDash(resp.InstanceID), resp.Players)
	if resp.StartedAt != nil {
		_, _ = fmt.Fprintf(r.out, "since: %s\n", resp.StartedAt.Local().Format(time.DateTime))
	}
	if len(resp.SeenAvatars) > 0 {
		_, _ = fmt.Fprintf(r.out, "avatars seen: %s\n", strings.Join(resp.SeenAvatars, ", "))
	}
	return 0
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := r.newFlagSet("watch")
	jsonOut := fs.Bool("json", false, "output JSON lines")
	once := fs.Bool("once", false, "print the snapshot and exit")
	ws := fs.Bool("ws", false, "use the websocket stream")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	enc := json.NewEncoder(r.out)
	onLine := func(line api.WatchLine) error {
		if *jsonOut {
			return enc.Encode(line)
		}
		r.printWatchLine(line)
		return nil
	}

	var err error
	switch {
	case *ws:
		err = r.client.Stream(ctx, onLine)
	default:
		err = r.client.WatchLoop(ctx, appclient.WatchLoopOptions{Once: *once}, onLine)
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return 0
	}
	return r.handleErr(err)
}

func (r *Runner) printWatchLine(line api.WatchLine) {
	at := line.EmittedAt.Local().Format(time.TimeOnly)
	if line.Type == api.WatchTypeSnapshot {
		_, _ = fmt.Fprintf(r.out, "%s snapshot %d players\n", at, len(line.Items))
		for _, p := range line.Items {
			_, _ = fmt.Fprintf(r.out, "  %-3s %s\n", r.watchCode(p), p.DisplayName)
		}
		return
	}
	if line.Player == nil {
		_, _ = fmt.Fprintf(r.out, "%s %s\n", at, line.Change)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s %-9s %-3s %s\n", at, line.Change, r.watchCode(*line.Player), line.Player.DisplayName)
}

func (r *Runner) watchCode(p api.PlayerItem) string {
	if p.WatchCode == "" {
		return r.styles.muted.Render("-")
	}
	return r.styles.watched.Render(p.WatchCode)
}

func networkID(id int) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", id)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func (r *Runner) runDoctor(ctx context.Context, args []string) int {
	fs := r.newFlagSet("doctor")
	jsonOut := fs.Bool("json", false, "output JSON")
	cfgPath := fs.String("config", defaultConfigPath(), "config file to check")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	result, err := doctor.Run(ctx, doctor.Options{
		ConfigPath: *cfgPath,
		Probe: func(ctx context.Context) error {
			_, err := r.client.Health(ctx)
			return err
		},
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		if code := r.writeJSON(result); code != 0 {
			return code
		}
	} else {
		for _, c := range result.Checks {
			status := strings.ToUpper(c.Status)
			if c.Status != doctor.StatusPass {
				status = r.styles.watched.Render(status)
			}
			line := fmt.Sprintf("%-4s %-10s %s", status, c.Name, c.Message)
			if c.Path != "" {
				line += " " + r.styles.muted.Render("("+c.Path+")")
			}
			_, _ = fmt.Fprintln(r.out, line)
		}
	}
	if !result.OK {
		return 1
	}
	return 0
}

func defaultConfigPath() string {
	if path := os.Getenv("LOBBYWATCH_CONFIG"); path != "" {
		return path
	}
	return config.DefaultConfigPath()
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) usageErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 2
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: lobbywatch [--socket <path>] <health|list|show|world|watch|doctor> ...")
}
