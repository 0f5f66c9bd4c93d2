package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"agent-portal/internal/proxy"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	flagBackendURL  string
	flagAuthToken   string
	flagSessionName string
	flagWorkingDir  string
	flagAgentBinary string
	flagAgentType   string
	flagBufferCap   int
	flagNewSession  bool
	flagDev         bool
	flagLogLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "portal-proxy [flags] [-- agent args...]",
	Short: "Stream a local coding agent session to the portal backend",
	Long: `portal-proxy launches a coding agent on this machine and bridges it to
the portal backend over WebSocket, so the session can be watched and
driven from a browser. It reconnects through network drops and backend
restarts without losing output, and resumes the same agent session when
restarted in the same directory.

Arguments after -- are passed through to the agent binary.`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runProxy,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagBackendURL, "backend-url", envOr("PORTAL_BACKEND_URL", "ws://127.0.0.1:3000"), "backend base URL (ws, wss, http or https)")
	flags.StringVar(&flagAuthToken, "auth-token", os.Getenv("PORTAL_AUTH_TOKEN"), "proxy auth token minted by the portal")
	flags.StringVar(&flagSessionName, "session-name", "", "display name for the session (default hostname-timestamp)")
	flags.StringVar(&flagWorkingDir, "working-directory", "", "directory the agent runs in (default current directory)")
	flags.StringVar(&flagAgentBinary, "agent-binary", envOr("PORTAL_AGENT_BINARY", "claude"), "agent executable to launch")
	flags.StringVar(&flagAgentType, "agent-type", "claude", "agent flavor: claude or codex")
	flags.IntVar(&flagBufferCap, "buffer-capacity", proxy.DefaultBufferCapacity, "outputs held while the backend is unreachable")
	flags.BoolVar(&flagNewSession, "new-session", false, "start a fresh session even if this directory has one")
	flags.BoolVar(&flagDev, "dev", false, "connect without an auth token (backend must run in dev mode)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "portal-proxy: %v\n", err)
		os.Exit(1)
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	log := setupLogging(flagLogLevel)

	if flagAgentType != "claude" && flagAgentType != "codex" {
		return fmt.Errorf("unknown agent type %q", flagAgentType)
	}
	if flagAuthToken == "" && !flagDev {
		return errors.New("an auth token is required; pass --auth-token, set PORTAL_AUTH_TOKEN, or use --dev against a dev backend")
	}

	workingDir := flagWorkingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		workingDir = wd
	}
	workingDir, err := filepath.Abs(workingDir)
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	statePath, err := proxy.DefaultStatePath()
	if err != nil {
		log.Warn("session state disabled", "error", err)
		statePath = ""
	}

	sessionID, sessionName, resuming, err := proxy.ResolveSession(statePath, workingDir, flagSessionName, flagNewSession)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	branch := proxy.GitBranch(workingDir)

	cfg := proxy.Config{
		BackendURL:       flagBackendURL,
		AuthToken:        flagAuthToken,
		SessionID:        sessionID,
		SessionName:      sessionName,
		WorkingDirectory: workingDir,
		AgentBinary:      flagAgentBinary,
		AgentType:        flagAgentType,
		BufferCapacity:   flagBufferCap,
		Resume:           resuming,
		GitBranch:        branch,
		ClientVersion:    version,
		AgentArgs:        args,
		StatePath:        statePath,
	}

	log.Info("starting proxy",
		"backend", cfg.BackendURL,
		"session_id", sessionID,
		"session_name", sessionName,
		"resuming", resuming,
		"working_directory", workingDir,
		"agent", cfg.AgentBinary,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = proxy.NewEngine(cfg, log).Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}

func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
