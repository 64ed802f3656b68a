// deadside - multi-tenant Deadside server statistics
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/deadside-tracker/internal/api"
	"github.com/ernie/deadside-tracker/internal/app"
	"github.com/ernie/deadside-tracker/internal/auth"
	"github.com/ernie/deadside-tracker/internal/config"
	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/isolation"
	"github.com/ernie/deadside-tracker/internal/registry"
	"github.com/ernie/deadside-tracker/internal/storage"
)

var version = "dev"

const defaultConfigPath = "/etc/deadside/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "server":
		cmdServer(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "login":
		cmdLogin(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "leaderboard":
		cmdLeaderboard(os.Args[2:])
	case "player":
		cmdPlayer(os.Args[2:])
	case "backfill", "reconcile", "reset":
		cmdAdminAction(os.Args[1], os.Args[2:])
	case "version":
		fmt.Printf("deadside %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: deadside <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the tracker")
	fmt.Println("  server list [--tenant T]            Show registered game servers")
	fmt.Println("  server add <tenant> <server> --death-log-dir DIR [flags]")
	fmt.Println("                                      Register a game server")
	fmt.Println("  server remove <tenant> <server>     Remove a server and all of its stats")
	fmt.Println("  user add [--admin] <username>       Add a user (prompts for password)")
	fmt.Println("  user remove <username>              Remove a user")
	fmt.Println("  user list                           List all users")
	fmt.Println("  login <username>                    Print an admin token (prompts for password)")
	fmt.Println("  status <tenant>                     Show a tenant's servers")
	fmt.Println("  leaderboard <tenant> <server> [--category C] [--top N]")
	fmt.Println("                                      Show a server leaderboard")
	fmt.Println("  player <tenant> <server> <player-id>")
	fmt.Println("                                      Show one player's stats")
	fmt.Println("  backfill <tenant> <server> [--reset]")
	fmt.Println("                                      Replay every death log of a server")
	fmt.Println("  reconcile [<tenant> <server>]       Recompute kill counters")
	fmt.Println("  reset <tenant> <server>             Delete a server's stats and cursor")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/deadside/config.yml)")
	fmt.Println("  --url <url>        Base URL of the tracker (default: derived from config)")
	fmt.Println("  --token <token>    Admin token (default: $DEADSIDE_TOKEN)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  deadside serve --config /etc/deadside/config.yml")
	fmt.Println("  deadside server add guild eu-1 --host 10.0.0.5 --username steam --key-file ~/.ssh/id_ed25519 \\")
	fmt.Println("      --death-log-dir /Deadside/Saved/actual1/deathlogs --event-log /Deadside/Saved/Logs/Deadside.log")
	fmt.Println("  deadside leaderboard guild eu-1 --category kd --top 10")
	fmt.Println("  export DEADSIDE_TOKEN=$(deadside login admin)")
	fmt.Println("  deadside backfill guild eu-1 --reset")
}

// cmdServe starts the tracker and blocks until SIGINT or SIGTERM
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		}
	}

	fmt.Fprintf(os.Stderr, "deadside %s starting\n", version)
	app.New(cfgPath).Run()
}

// CLI helper variables
var (
	baseURL    = "http://localhost:8080"
	adminToken string
)

type cliFlags struct {
	configPath *string
	url        *string
	token      *string
}

func addCLIFlags(fs *flag.FlagSet) cliFlags {
	return cliFlags{
		configPath: fs.String("config", defaultConfigPath, "path to configuration file"),
		url:        fs.String("url", "", "base URL of the tracker"),
		token:      fs.String("token", "", "admin token (default $DEADSIDE_TOKEN)"),
	}
}

// load reads the config and derives the base URL, allowing --url to override.
// A missing config file is tolerated for HTTP-only commands.
func (f cliFlags) load() *config.Config {
	adminToken = *f.token
	if adminToken == "" {
		adminToken = os.Getenv("DEADSIDE_TOKEN")
	}

	cfg, err := config.Load(*f.configPath)
	if err != nil {
		if *f.url != "" {
			baseURL = *f.url
		}
		return nil
	}
	if *f.url != "" {
		baseURL = *f.url
	} else {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
	}
	return cfg
}

// openStore opens the database named in the config for direct edits
func openStore(cfg *config.Config) (*storage.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("a readable config file is required")
	}
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	return storage.New(cfg.Database.Path, isolation.NewGuard(log), log)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// cmdServer handles server subcommands
func cmdServer(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("server subcommand required: add, remove, list"))
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("server "+subCmd, flag.ExitOnError)
	cli := addCLIFlags(fs)
	tenant := fs.String("tenant", "", "only list servers of this tenant")
	name := fs.String("name", "", "display name")
	transport := fs.String("transport", domain.TransportSFTP, "sftp or local")
	host := fs.String("host", "", "sftp host")
	port := fs.Int("port", 22, "sftp port")
	username := fs.String("username", "", "sftp username")
	keyFile := fs.String("key-file", "", "sftp private key")
	deathLogDir := fs.String("death-log-dir", "", "directory holding death-log files")
	eventLog := fs.String("event-log", "", "path of the server event log")
	askPassword := fs.Bool("password", false, "prompt for an sftp password")
	fs.Parse(args[1:])

	cfg := cli.load()
	store, err := openStore(cfg)
	if err != nil {
		fatal(fmt.Errorf("failed to open database: %w", err))
	}
	defer store.Close()

	ctx := context.Background()
	reg := registry.New(store, zerolog.Nop())
	remaining := fs.Args()

	switch subCmd {
	case "list":
		err = cmdServerList(ctx, reg, *tenant)
	case "add":
		if len(remaining) < 2 {
			fatal(fmt.Errorf("usage: deadside server add <tenant> <server> --death-log-dir DIR [flags]"))
		}
		srv := &domain.GameServer{
			Scope:        domain.NewScope(remaining[0], remaining[1]),
			Name:         *name,
			Transport:    *transport,
			Host:         *host,
			Port:         *port,
			Username:     *username,
			KeyFile:      *keyFile,
			DeathLogDir:  *deathLogDir,
			EventLogPath: *eventLog,
			Enabled:      true,
		}
		if *askPassword {
			pw, perr := promptPassword("SFTP password: ")
			if perr != nil {
				fatal(perr)
			}
			srv.Password = pw
		}
		if err = reg.Register(ctx, srv); err == nil {
			fmt.Printf("Server %s registered\n", srv.Scope)
		}
	case "remove":
		if len(remaining) < 2 {
			fatal(fmt.Errorf("usage: deadside server remove <tenant> <server>"))
		}
		scope := domain.NewScope(remaining[0], remaining[1])
		if err = reg.Remove(ctx, scope); err == nil {
			fmt.Printf("Server %s removed\n", scope)
		}
	default:
		err = fmt.Errorf("unknown server command: %s (use: add, remove, list)", subCmd)
	}
	if err != nil {
		fatal(err)
	}
}

func cmdServerList(ctx context.Context, reg *registry.Registry, tenant string) error {
	servers, err := reg.List(ctx, tenant)
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	if len(servers) == 0 {
		fmt.Println("No servers registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tSERVER\tTRANSPORT\tHOST\tENABLED\tDEATH LOG")
	fmt.Fprintln(w, "------\t------\t---------\t----\t-------\t---------")
	for _, srv := range servers {
		host := "-"
		if srv.Host != "" {
			host = fmt.Sprintf("%s:%d", srv.Host, srv.Port)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", srv.Scope.TenantID, srv.Scope.ServerID,
			srv.Transport, host, srv.Enabled, cursorSummary(srv.Cursor))
	}
	return w.Flush()
}

func cursorSummary(c domain.Cursor) string {
	if c.DeathLogFile == "" {
		return "not started"
	}
	return fmt.Sprintf("%s:%d", c.DeathLogFile, c.DeathLogLine)
}

// cmdUser handles user subcommands
func cmdUser(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("user subcommand required: add, remove, list"))
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("user "+subCmd, flag.ExitOnError)
	cli := addCLIFlags(fs)
	isAdmin := fs.Bool("admin", false, "create as admin user")
	fs.Parse(args[1:])

	store, err := openStore(cli.load())
	if err != nil {
		fatal(fmt.Errorf("failed to open database: %w", err))
	}
	defer store.Close()

	ctx := context.Background()
	remaining := fs.Args()

	switch subCmd {
	case "add":
		err = cmdUserAdd(ctx, store, remaining, *isAdmin)
	case "remove":
		err = cmdUserRemove(ctx, store, remaining)
	case "list":
		err = cmdUserList(ctx, store)
	default:
		err = fmt.Errorf("unknown user command: %s (use: add, remove, list)", subCmd)
	}
	if err != nil {
		fatal(err)
	}
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string, isAdmin bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: deadside user add [--admin] <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	password, err := promptPassword("Enter password: ")
	if err != nil {
		return err
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.CreateUser(ctx, username, hash, isAdmin); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	roleStr := "user"
	if isAdmin {
		roleStr = "admin"
	}
	fmt.Printf("User '%s' created successfully (role: %s)\n", username, roleStr)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: deadside user remove <username>")
	}
	username := args[0]
	if err := store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}
	fmt.Printf("User '%s' removed\n", username)
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t----------")
	for _, user := range users {
		role := "user"
		if user.IsAdmin {
			role = "admin"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", user.Username, role, lastLogin)
	}
	return w.Flush()
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

// cmdLogin prints a token for use with --token or DEADSIDE_TOKEN
func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	cli := addCLIFlags(fs)
	fs.Parse(args)
	cli.load()

	if fs.NArg() < 1 {
		fatal(fmt.Errorf("usage: deadside login <username>"))
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		fatal(err)
	}

	var resp api.LoginResponse
	if err := doJSON(http.MethodPost, "/api/auth/login", api.LoginRequest{Username: fs.Arg(0), Password: password}, &resp); err != nil {
		fatal(err)
	}
	fmt.Println(resp.Token)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cli := addCLIFlags(fs)
	fs.Parse(args)
	cli.load()

	if fs.NArg() < 1 {
		fatal(fmt.Errorf("usage: deadside status <tenant>"))
	}

	var statuses []domain.ServerStatus
	if err := getJSON("/api/tenants/"+url.PathEscape(fs.Arg(0))+"/servers", &statuses); err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tENABLED\tPLAYERS\tONLINE\tQUEUED\tDEATH LOG\tLAST POLL\tERROR")
	fmt.Fprintln(w, "------\t-------\t-------\t------\t------\t---------\t---------\t-----")
	for _, st := range statuses {
		lastPoll := "never"
		if !st.LastPoll.IsZero() {
			lastPoll = time.Since(st.LastPoll).Round(time.Second).String() + " ago"
		}
		errStr := "-"
		if st.LastError != "" {
			errStr = st.LastError
		}
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%s\t%s\t%s\n", st.Scope.ServerID, st.Enabled, st.PlayerCount,
			len(st.Online), len(st.Queued), cursorSummary(st.Cursor), lastPoll, errStr)
	}
	w.Flush()
}

func cmdLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	cli := addCLIFlags(fs)
	category := fs.String("category", storage.CategoryKills, "ranking category")
	limit := fs.Int("top", 20, "number of top players to show")
	fs.Parse(args)
	cli.load()

	if fs.NArg() < 2 {
		fatal(fmt.Errorf("usage: deadside leaderboard <tenant> <server> [--category C] [--top N]"))
	}

	var response struct {
		Entries []domain.LeaderboardEntry `json:"entries"`
	}
	path := fmt.Sprintf("%s/leaderboard/%s?limit=%d", serverPath(fs.Arg(0), fs.Arg(1)), url.PathEscape(*category), *limit)
	if err := getJSON(path, &response); err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPLAYER\tVALUE\tKILLS\tDEATHS\tDETAIL")
	fmt.Fprintln(w, "----\t------\t-----\t-----\t------\t------")
	for _, e := range response.Entries {
		detail := "-"
		if e.Detail != "" {
			detail = e.Detail
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%d\t%d\t%s\n", e.Rank, e.Name, e.Value, e.Kills, e.Deaths, detail)
	}
	w.Flush()
}

func cmdPlayer(args []string) {
	fs := flag.NewFlagSet("player", flag.ExitOnError)
	cli := addCLIFlags(fs)
	fs.Parse(args)
	cli.load()

	if fs.NArg() < 3 {
		fatal(fmt.Errorf("usage: deadside player <tenant> <server> <player-id>"))
	}

	var p api.PlayerResponse
	if err := getJSON(serverPath(fs.Arg(0), fs.Arg(1))+"/players/"+url.PathEscape(fs.Arg(2)), &p); err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", p.Name)
	fmt.Fprintf(w, "Kills:\t%d\n", p.Kills)
	fmt.Fprintf(w, "Deaths:\t%d\n", p.Deaths)
	fmt.Fprintf(w, "Suicides:\t%d\n", p.Suicides)
	fmt.Fprintf(w, "K/D:\t%.2f\n", p.KDRatio)
	fmt.Fprintf(w, "Best streak:\t%d\n", p.LongestStreak)
	fmt.Fprintf(w, "Longest kill:\t%.0fm\n", p.LongestKillDistance)
	if p.FavoriteWeapon != "" {
		fmt.Fprintf(w, "Favorite weapon:\t%s\n", p.FavoriteWeapon)
	}
	w.Flush()
}

// cmdAdminAction runs backfill, reconcile or reset through the admin API
func cmdAdminAction(action string, args []string) {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	cli := addCLIFlags(fs)
	reset := fs.Bool("reset", false, "reset the server before backfilling")
	fs.Parse(args)
	cli.load()

	if adminToken == "" {
		fatal(fmt.Errorf("an admin token is required (deadside login, then --token or DEADSIDE_TOKEN)"))
	}

	var path string
	switch {
	case action == "reconcile" && fs.NArg() == 0:
		path = "/api/admin/reconcile?wait=true"
	case fs.NArg() < 2:
		fatal(fmt.Errorf("usage: deadside %s <tenant> <server>", action))
	default:
		path = "/api/admin" + strings.TrimPrefix(serverPath(fs.Arg(0), fs.Arg(1)), "/api") + "/" + action
		if action != "reset" {
			path += "?wait=true"
			if *reset {
				path += "&reset=true"
			}
		}
	}

	var result json.RawMessage
	if err := doJSON(http.MethodPost, path, nil, &result); err != nil {
		fatal(err)
	}
	var out bytes.Buffer
	json.Indent(&out, result, "", "  ")
	fmt.Println(out.String())
}

func serverPath(tenant, server string) string {
	return "/api/tenants/" + url.PathEscape(tenant) + "/servers/" + url.PathEscape(server)
}

func getJSON(path string, target interface{}) error {
	return doJSON(http.MethodGet, path, nil, target)
}

func doJSON(method, path string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
