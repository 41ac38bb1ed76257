// Package cmd wires up the CLI flags and dispatches to the remote and
// tunnel packages.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"sshlink/config"
	ncerr "sshlink/internal/errors"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sshlink/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// DefaultProfilesPath is read when --profile is given without
// --profiles.
const DefaultProfilesPath = "~/.config/sshlink/profiles.yaml"

// ExitError carries a remote command's non-zero exit status up to main.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("remote command exited with status %d", e.Code) }

// Execute parses args and runs the requested command.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("sshlink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	// Flags end at the command name so that "rm -r" reaches the command.
	fs.SetInterspersed(false)

	// ── server ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.ServerSpec, "server", "s", cfg.ServerSpec, "Server as [user@]host[:port]")
	fs.StringVarP(&cfg.ProfileName, "profile", "P", cfg.ProfileName, "Server profile name")
	fs.StringVar(&cfg.ProfilesPath, "profiles", cfg.ProfilesPath, "Profile file (default "+DefaultProfilesPath+")")
	fs.StringVarP(&cfg.Server.KeyPath, "key", "i", cfg.Server.KeyPath, "Private key file (enables key auth)")
	fs.BoolVar(&cfg.Server.UseAgent, "agent", cfg.Server.UseAgent, "Offer keys from the SSH agent")
	fs.BoolVar(&cfg.Server.StrictHostKey, "strict-hostkey", cfg.Server.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.Server.KnownHosts, "known-hosts", cfg.Server.KnownHosts, "Custom known_hosts path")

	var prompt, noPrompt bool
	fs.BoolVar(&prompt, "prompt", false, "Ask for missing passwords on the terminal")
	fs.BoolVar(&noPrompt, "no-prompt", false, "Never ask for passwords")

	// ── secrets ──────────────────────────────────────────────────
	fs.StringVar(&cfg.SecretsPath, "secrets", cfg.SecretsPath, "YAML secret file")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the secret store")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")

	// ── timeouts and limits ──────────────────────────────────────
	fs.DurationVar(&cfg.ConnTimeout, "conn-timeout", cfg.ConnTimeout, "Dial and handshake timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Reconnect sessions idle this long (0 disables)")
	fs.DurationVar(&cfg.OpTimeout, "op-timeout", cfg.OpTimeout, "Per-operation timeout")
	fs.IntVar(&cfg.RetryAttempts, "retries", cfg.RetryAttempts, "Tries per operation when the session drops")
	fs.IntVar(&cfg.MaxConnsPerServer, "max-conns", cfg.MaxConnsPerServer, "Concurrent connections per server")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "Tunnel health check period")

	// ── output ───────────────────────────────────────────────────
	var verbose int
	var quiet bool
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&quiet, "quiet", "q", false, "Only print errors")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /metrics and /healthz on this address")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Resolve and validate the configuration, then exit")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "sshlink %s\n", version)
		return nil
	}

	cfg.Verbose += verbose
	if quiet {
		cfg.Verbose = 0
	}
	if fs.Changed("key") {
		cfg.Server.UsesKeyAuth = true
	}
	switch {
	case noPrompt:
		cfg.Interactive = false
	case prompt:
		cfg.Interactive = true
	default:
		cfg.Interactive = term.IsTerminal(int(os.Stdin.Fd()))
	}

	// ── server and validation ────────────────────────────────────
	if err := resolveServer(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rest := fs.Args()
	if dryRun {
		printConfig(stdout, cfg)
		if len(rest) > 0 {
			_, err := lookupCommand(rest[0])
			return err
		}
		return nil
	}
	if len(rest) == 0 {
		return fmt.Errorf("command required (use --help for usage)")
	}
	command, err := lookupCommand(rest[0])
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	defer a.close()

	return command.run(ctx, a, rest[1:])
}

// resolveServer fills cfg.Server from the profile file or --server.
// Connection flags given on the command line are layered on top of a
// profile.
func resolveServer(cfg *config.Config) error {
	overrides := cfg.Server

	switch {
	case cfg.ProfileName != "":
		path := cfg.ProfilesPath
		if path == "" {
			path = DefaultProfilesPath
		}
		pf, err := config.LoadProfiles(path)
		if err != nil {
			return err
		}
		p, err := pf.Find(cfg.ProfileName)
		if err != nil {
			return &ncerr.ConfigError{Field: "profile", Value: cfg.ProfileName, Message: err.Error()}
		}
		cfg.Server = p

	case cfg.ServerSpec != "":
		user, host, port, err := config.ParseServerSpec(cfg.ServerSpec)
		if err != nil {
			return &ncerr.ConfigError{Field: "server", Value: cfg.ServerSpec, Message: err.Error()}
		}
		if user == "" {
			user = os.Getenv("USER")
		}
		cfg.Server.User = user
		cfg.Server.Host = host
		cfg.Server.Port = port

	default:
		return &ncerr.ConfigError{Field: "server", Message: "required", Hint: "use --server user@host[:port] or --profile NAME"}
	}

	if overrides.UsesKeyAuth {
		cfg.Server.UsesKeyAuth = true
		cfg.Server.KeyPath = overrides.KeyPath
	}
	if cfg.Server.UsesKeyAuth && cfg.Server.KeyPath == "" {
		cfg.Server.KeyPath = config.DefaultKeyPath
	}
	cfg.Server.UseAgent = cfg.Server.UseAgent || overrides.UseAgent
	cfg.Server.StrictHostKey = cfg.Server.StrictHostKey || overrides.StrictHostKey
	if overrides.KnownHosts != "" {
		cfg.Server.KnownHosts = overrides.KnownHosts
	}
	return nil
}

func printConfig(w io.Writer, cfg *config.Config) {
	p := cfg.Server
	fmt.Fprintf(w, "server:       %s\n", p.Key())
	if p.Name != "" {
		fmt.Fprintf(w, "profile:      %s\n", p.Name)
	}
	auth := "password"
	if p.UsesKeyAuth {
		auth = "key " + p.KeyPath
	}
	if p.UseAgent {
		auth += " +agent"
	}
	fmt.Fprintf(w, "auth:         %s\n", auth)
	fmt.Fprintf(w, "strict keys:  %v\n", p.StrictHostKey)
	fmt.Fprintf(w, "tunnels:      %d\n", len(p.Tunnels))
	fmt.Fprintf(w, "timeouts:     conn=%s idle=%s op=%s\n",
		cfg.ConnTimeout, cfg.IdleTimeout, cfg.OpTimeout)
	fmt.Fprintf(w, "retries:      %d every %s\n", cfg.RetryAttempts, cfg.RetryDelay.Truncate(time.Millisecond))
	fmt.Fprintf(w, "max conns:    %d\n", cfg.MaxConnsPerServer)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `sshlink - SSH file access and port forwarding v%s

Usage:
  sshlink [options] <command> [args]

Commands:
  tunnel [[local:]host:port ...]   Forward local ports (profile tunnels if none given)
  ls <path>                        List a directory
  mkdir <path>                     Create a directory
  rm [-r] <path>                   Remove a file, or a tree with -r
  mv <old> <new>                   Rename
  stat <path>                      Show attributes
  get <remote> <local>             Download a file
  put <local> <remote>             Upload a file
  exec <command...>                Run a shell command
  du <path>                        Disk usage in bytes

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  sshlink -s media@seedbox ls /downloads
  sshlink -P seedbox tunnel 9091:127.0.0.1:9091
  sshlink -s media@seedbox:2222 -i ~/.ssh/id_ed25519 get /dl/a.mkv a.mkv
  SSHLINK_SERVER=media@seedbox sshlink exec 'df -h'
`)
}
