package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/roboverse/go2webrtc-rc/internal/bridge"
	"github.com/roboverse/go2webrtc-rc/internal/config"
	"github.com/roboverse/go2webrtc-rc/internal/httpserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const (
	exitOK         = 0
	exitTerminated = 1
	exitConfig     = 2
)

const longHelp = `go2webrtc-rc connects to a Unitree Go2 over WebRTC and relays its camera
and microphone streams to local UDP ports, reconnecting when the robot goes
away.`

func main() {
	// Existing environment variables win over .env entries.
	_ = godotenv.Load()
	os.Exit(execute(os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr))
}

func execute(args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	commit, built := resolveBuildInfo(buildCommit, buildTime)

	cmd := &cobra.Command{
		Use:           "go2webrtc-rc",
		Short:         "Relay a Go2 robot's WebRTC media to UDP",
		Long:          longHelp,
		Version:       versionString(commit, built),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Args = func(cmd *cobra.Command, args []string) error {
		if err := cobra.NoArgs(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		return nil
	}
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	})

	flags, err := config.RegisterFlags(cmd.Flags(), lookup)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	fullHelp := cmd.Flags().Bool("fullhelp", false, "Print help including every environment variable")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if *fullHelp {
			printFullHelp(cmd)
			return nil
		}
		cfg, err := flags.Config()
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(cfg)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		slog.SetDefault(logger)
		logStartupWarnings(logger, cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := bridge.New(cfg, bridge.Options{
			Logger: logger,
			Build:  httpserver.BuildInfo{Commit: commit, BuildTime: built},
		})
		if err != nil {
			return err
		}
		if err := b.Run(ctx); err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "go2webrtc-rc: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalidConfig):
		return exitConfig
	default:
		return exitTerminated
	}
}

func printFullHelp(cmd *cobra.Command) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s\n\nUsage:\n  %s\n\nFlags:\n%s\n", cmd.Long, cmd.UseLine(), cmd.Flags().FlagUsages())
	fmt.Fprintln(w, "Environment:")
	for _, e := range []struct{ name, help string }{
		{config.EnvRobotAddress, "robot IP address, default for --robot"},
		{config.EnvToken, "robot access token, default for --token"},
		{config.EnvVideoPort, "default for --video"},
		{config.EnvAudioPort, "default for --audio"},
		{config.EnvDebug, "default for --debug"},
	} {
		fmt.Fprintf(w, "  %-16s %s\n", e.name, e.help)
	}
	fmt.Fprintln(w, "\nThe remaining flags name their variable in the flag list above. A .env")
	fmt.Fprintln(w, "file in the working directory is loaded first; variables already set in")
	fmt.Fprintln(w, "the environment take precedence.")
	fmt.Fprintln(w, "\nExit codes: 0 clean shutdown, 1 reconnection gave up, 2 invalid configuration.")
}

func versionString(commit, built string) string {
	var b strings.Builder
	b.WriteString("go2webrtc-rc")
	if commit != "" {
		fmt.Fprintf(&b, " commit %s", commit)
	}
	if built != "" {
		fmt.Fprintf(&b, " built %s", built)
	}
	return b.String()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
