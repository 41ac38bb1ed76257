package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"sshlink/config"
	"sshlink/remote"
	"sshlink/tunnel"
)

type command struct {
	name    string
	usage   string
	minArgs int
	maxArgs int // -1 = unbounded
	fn      func(ctx context.Context, a *app, args []string) error
}

func (c *command) run(ctx context.Context, a *app, args []string) error {
	if len(args) < c.minArgs || (c.maxArgs >= 0 && len(args) > c.maxArgs) {
		return fmt.Errorf("usage: sshlink %s %s", c.name, c.usage)
	}
	return c.fn(ctx, a, args)
}

var commands = map[string]*command{ //nolint:gochecknoglobals
	"tunnel": {name: "tunnel", usage: "[[local:]host:port ...]", maxArgs: -1, fn: runTunnel},
	"ls":     {name: "ls", usage: "<path>", minArgs: 1, maxArgs: 1, fn: runList},
	"mkdir":  {name: "mkdir", usage: "<path>", minArgs: 1, maxArgs: 1, fn: runMkdir},
	"rm":     {name: "rm", usage: "[-r] <path>", minArgs: 1, maxArgs: 2, fn: runRemove},
	"mv":     {name: "mv", usage: "<old> <new>", minArgs: 2, maxArgs: 2, fn: runRename},
	"stat":   {name: "stat", usage: "<path>", minArgs: 1, maxArgs: 1, fn: runStat},
	"get":    {name: "get", usage: "<remote> <local>", minArgs: 2, maxArgs: 2, fn: runGet},
	"put":    {name: "put", usage: "<local> <remote>", minArgs: 2, maxArgs: 2, fn: runPut},
	"exec":   {name: "exec", usage: "<command...>", minArgs: 1, maxArgs: -1, fn: runExec},
	"du":     {name: "du", usage: "<path>", minArgs: 1, maxArgs: 1, fn: runDiskUsage},
}

func lookupCommand(name string) (*command, error) {
	c, ok := commands[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q (use --help for usage)", name)
	}
	return c, nil
}

// ── filesystem ───────────────────────────────────────────────────────

func runList(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		entries, err := h.ListDirectory(ctx, args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		for _, e := range entries {
			name := e.Name
			if e.IsDir {
				name += "/"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Mode, e.Size, e.ModTime.Format("2006-01-02 15:04"), name)
		}
		return tw.Flush()
	})
}

func runMkdir(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		return h.CreateDirectory(ctx, args[0])
	})
}

func runRemove(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	recursive := fs.BoolP("recursive", "r", false, "Remove directories and their contents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sshlink rm [-r] <path>")
	}
	target := fs.Arg(0)

	return a.withHandle(ctx, func(h *remote.Handle) error {
		if *recursive {
			return h.RemoveAll(ctx, target)
		}
		attrs, err := h.Stat(ctx, target)
		if err != nil {
			return err
		}
		if attrs.IsDir {
			return h.RemoveDirectory(ctx, target)
		}
		return h.Remove(ctx, target)
	})
}

func runRename(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		return h.Rename(ctx, args[0], args[1])
	})
}

func runStat(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		attrs, err := h.Stat(ctx, args[0])
		if err != nil {
			return err
		}
		kind := "file"
		if attrs.IsDir {
			kind = "directory"
		}
		fmt.Fprintf(a.out, "path:     %s\n", args[0])
		fmt.Fprintf(a.out, "type:     %s\n", kind)
		fmt.Fprintf(a.out, "size:     %d\n", attrs.Size)
		fmt.Fprintf(a.out, "mode:     %s\n", attrs.Mode)
		fmt.Fprintf(a.out, "modified: %s\n", attrs.ModTime.Format(time.RFC3339))
		fmt.Fprintf(a.out, "owner:    %d:%d\n", attrs.UID, attrs.GID)
		return nil
	})
}

// ── transfers ────────────────────────────────────────────────────────

// progressLogger logs every tenth of a transfer at verbose level.
func (a *app) progressLogger(label string) remote.Progress {
	log := a.log.Named("transfer")
	next := 0.1
	return func(f float64) bool {
		if f >= next || f == 1 {
			log.Verbose("%s %3.0f%%", label, f*100)
			for next <= f {
				next += 0.1
			}
		}
		return true
	}
}

func runGet(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		return h.DownloadFile(ctx, args[0], args[1], a.progressLogger(args[0]))
	})
}

func runPut(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		return h.UploadFile(ctx, args[0], args[1], a.progressLogger(args[0]))
	})
}

// ── commands ─────────────────────────────────────────────────────────

func runExec(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		code, out, err := h.ExecuteCommand(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprint(a.out, out)
		if code != 0 {
			return &ExitError{Code: code}
		}
		return nil
	})
}

func runDiskUsage(ctx context.Context, a *app, args []string) error {
	return a.withHandle(ctx, func(h *remote.Handle) error {
		n, err := h.DiskUsage(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%d\t%s\n", n, args[0])
		return nil
	})
}

// ── tunnels ──────────────────────────────────────────────────────────

// runTunnel opens the given forwards, or the profile's tunnels when none
// are given, and keeps them healthy until ctx is done.
func runTunnel(ctx context.Context, a *app, args []string) error {
	specs := make([]config.TunnelSpec, 0, len(args))
	for _, arg := range args {
		spec, err := config.ParseForwardSpec(arg)
		if err != nil {
			return err
		}
		spec.Name = arg
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		specs = append(specs, a.cfg.Server.Tunnels...)
	}
	if len(specs) == 0 {
		return fmt.Errorf("no forwards given and the server profile has no tunnels")
	}

	reg := tunnel.NewRegistry(tunnel.RegistryOptions{
		Profile: a.cfg.Server,
		Remote:  a.remoteOptions(),
		Tunnel: tunnel.Options{
			Logger:        a.log,
			Metrics:       a.metrics,
			MaxPending:    a.cfg.MaxPending,
			RecreateDelay: a.cfg.RecreateDelay,
		},
		Connections: a.conns,
	})
	a.tunnels.Store(reg)
	defer reg.TeardownAll()

	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("tunnel-%d", i+1)
		}
		t, err := reg.Open(ctx, name, spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "forwarding %s:%d -> %s\n", config.DefaultLocalAddress, t.LocalPort(), spec.RemoteAddr())
	}

	reg.Monitor(ctx, a.cfg.HealthInterval)
	return nil
}
