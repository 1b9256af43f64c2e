package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-vfs/config"
	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/fusefs"
	"github.com/wippyai/wasm-vfs/memory"
	"github.com/wippyai/wasm-vfs/shell"
	"github.com/wippyai/wasm-vfs/snapshot"
	"github.com/wippyai/wasm-vfs/socket"
	"github.com/wippyai/wasm-vfs/vfs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		command     string
		snapshotArg string
		mountpoint  string
		logLevel    string
		interactive bool
	)
	flags := pflag.NewFlagSet("vfsh", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "f", "", "configuration file (default: $VFS_CONFIG)")
	flags.StringVarP(&command, "command", "c", "", "run one command and exit")
	flags.StringVar(&snapshotArg, "snapshot", "", "snapshot file backing the root mount")
	flags.StringVar(&mountpoint, "mount", "", "export the filesystem at this host directory through FUSE")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVarP(&interactive, "interactive", "i", false, "interactive mode with TUI")
	flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flags)
			return nil
		}
		return err
	}
	if help, _ := flags.GetBool("help"); help {
		printHelp(flags)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if snapshotArg != "" {
		cfg.Snapshot.Path = snapshotArg
	}
	if mountpoint != "" {
		cfg.FUSE.Mountpoint = mountpoint
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	setLoggers(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs, target, err := openFS(ctx, cfg)
	if err != nil {
		return err
	}
	defer fs.CloseAll()

	lock := &sync.Mutex{}
	if cfg.FUSE.Mountpoint != "" {
		server, err := fusefs.Mount(fs, fusefs.Options{
			Mountpoint: cfg.FUSE.Mountpoint,
			AllowOther: cfg.FUSE.AllowOther,
			Lock:       lock,
		})
		if err != nil {
			return err
		}
		defer server.Unmount()
	}

	sh := shell.New(fs, os.Stdout, shell.WithLock(lock), shell.WithEnv(cfg.Environment()))
	defer sh.Close()

	switch {
	case command != "":
		err = sh.Exec(ctx, command)
	case interactive || term.IsTerminal(int(os.Stdin.Fd())):
		err = runInteractive(ctx, sh)
	default:
		err = sh.Run(ctx, os.Stdin)
		if err == nil && cfg.FUSE.Mountpoint != "" {
			logger.Info("serving until interrupted", zap.String("mountpoint", cfg.FUSE.Mountpoint))
			<-ctx.Done()
		}
	}

	if target != nil {
		lock.Lock()
		serr := fs.SyncFS(context.Background(), false)
		lock.Unlock()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("persisting snapshot: %w", serr))
		}
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openFS builds the filesystem and, when a snapshot is configured, loads
// it into the root mount.
func openFS(ctx context.Context, cfg *config.Config) (*vfs.FS, *snapshot.Target, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	opts.Stdio = device.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	fs, err := vfs.New(opts)
	if err != nil {
		return nil, nil, err
	}

	target, err := cfg.SnapshotTarget()
	if err != nil {
		fs.CloseAll()
		return nil, nil, err
	}
	if target != nil {
		fs.RootMount().SetSyncer(target)
		if err := fs.SyncFS(ctx, true); err != nil {
			fs.CloseAll()
			return nil, nil, fmt.Errorf("loading snapshot: %w", err)
		}
	}
	return fs, target, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func setLoggers(l *zap.Logger) {
	vfs.SetLogger(l.Named("vfs"))
	device.SetLogger(l.Named("device"))
	socket.SetLogger(l.Named("socket"))
	snapshot.SetLogger(l.Named("snapshot"))
	fusefs.SetLogger(l.Named("fusefs"))
	shell.SetLogger(l.Named("shell"))
	memory.SetLogger(l.Named("memory"))
}

func printHelp(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `vfsh runs file commands against an in-memory filesystem.

Commands are read from -c, from an interactive TUI when stdin is a
terminal, or line by line from stdin. With --snapshot the root mount is
loaded from the file at start and written back on exit.

Usage:
  vfsh [flags]

Flags:
%s`, flags.FlagUsages())
}
