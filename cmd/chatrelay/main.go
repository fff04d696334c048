// ChatRelay - Discord relay for LLM chat completions
// Based on DotAgent: https://github.com/dotsetgreg/dotagent
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/chatrelay/pkg/agent"
	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/channels"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/health"
	"github.com/dotsetgreg/chatrelay/pkg/imagegen"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/state"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "chatrelay"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("CHATRELAY_CONFIG")); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatrelay", "config.json")
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if file := strings.TrimSpace(cfg.Logging.File); file != "" {
		if err := logger.EnableFileLogging(config.ExpandHome(file)); err != nil {
			return nil, fmt.Errorf("enable file logging: %w", err)
		}
	}
	return cfg, nil
}

func onboard(force bool) error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ %s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your API key to", configPath)
	fmt.Println("     Get one at: https://openrouter.ai/keys")
	fmt.Println("  2. Add your Discord bot token (channels.discord.token)")
	fmt.Println("  3. Try it locally: chatrelay chat -m \"Hello!\"")
	fmt.Println("  4. Run the bot: chatrelay gateway")
	return nil
}

// runtimeDeps are the collaborators shared by chat and gateway.
type runtimeDeps struct {
	provider providers.CompletionProvider
	store    state.Store
	images   agent.ImageGenerator
}

func buildRuntime(ctx context.Context, cfg *config.Config, requireDiscord bool) (*runtimeDeps, error) {
	if err := cfg.Validate(requireDiscord); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		return nil, err
	}

	deps := &runtimeDeps{provider: provider, store: store}
	if strings.TrimSpace(cfg.Images.Replicate.Token) != "" {
		client, err := imagegen.NewClient(cfg.Images.Replicate)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		deps.images = client
	}
	return deps, nil
}

func chatCmd(message string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildRuntime(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer deps.store.Close()

	msgBus := bus.NewMessageBus()
	agentLoop, err := agent.NewAgentLoop(cfg, msgBus, deps.provider, deps.store, deps.images)
	if err != nil {
		return err
	}

	cli := channels.NewCLIChannel(msgBus, os.Stdout)
	manager := channels.NewManager(msgBus)
	manager.RegisterChannel(cli.Name(), cli)
	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	defer manager.StopAll(context.Background())

	logger.InfoCF("agent", "Agent initialized", agentLoop.GetStartupInfo())
	go agentLoop.Run(ctx)

	if message != "" {
		return exchange(ctx, cli, message, replyWait(cfg))
	}
	fmt.Printf("%s interactive mode (Ctrl+C to exit)\n\n", appName)
	interactiveMode(ctx, cli, replyWait(cfg))
	return nil
}

var errNoReply = errors.New("no reply")

// replyWait bounds how long the terminal waits for an answer. Muted
// chats never answer.
func replyWait(cfg *config.Config) time.Duration {
	if cfg.Agent.CompletionTimeoutSeconds > 0 {
		return time.Duration(cfg.Agent.CompletionTimeoutSeconds)*time.Second + 10*time.Second
	}
	return 2 * time.Minute
}

// exchange submits one line and waits for the relay's answer, which the
// CLI channel has already printed.
func exchange(ctx context.Context, cli *channels.CLIChannel, input string, wait time.Duration) error {
	for drained := false; !drained; {
		select {
		case <-cli.Replies():
		default:
			drained = true
		}
	}
	if !cli.Submit(input) {
		return errors.New("message bus is full")
	}
	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	select {
	case <-cli.Replies():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return errNoReply
	}
}

func interactiveMode(ctx context.Context, cli *channels.CLIChannel, wait time.Duration) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".chatrelay_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, cli, wait)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleLine(ctx, cli, line, wait) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, cli *channels.CLIChannel, wait time.Duration) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleLine(ctx, cli, line, wait) {
			return
		}
	}
}

// handleLine returns false when the session should end.
func handleLine(ctx context.Context, cli *channels.CLIChannel, line string, wait time.Duration) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return true
	case "exit", "quit":
		fmt.Println("Goodbye!")
		return false
	}
	if err := exchange(ctx, cli, input, wait); err != nil {
		if errors.Is(err, errNoReply) {
			fmt.Println("(no reply)")
			return true
		}
		fmt.Printf("Error: %v\n", err)
		return ctx.Err() == nil
	}
	return true
}

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer deps.store.Close()

	msgBus := bus.NewMessageBus()
	agentLoop, err := agent.NewAgentLoop(cfg, msgBus, deps.provider, deps.store, deps.images)
	if err != nil {
		return err
	}
	logger.InfoCF("agent", "Agent initialized", agentLoop.GetStartupInfo())

	channelManager, err := channels.NewManagerFromConfig(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
	healthServer.RegisterCheck("channels", func() error {
		if !channelManager.Ready() {
			return errors.New("channels not running")
		}
		return nil
	})
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	fmt.Printf("✓ Health endpoints available at http://%s:%d/health and /ready\n", cfg.Gateway.Host, cfg.Gateway.Port)

	if err := channelManager.StartAll(ctx); err != nil {
		_ = healthServer.Stop(context.Background())
		return fmt.Errorf("start channels: %w", err)
	}
	healthServer.SetReady(true)
	fmt.Printf("✓ Gateway started (channels: %s)\n", strings.Join(channelManager.GetEnabledChannels(), ", "))

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := agentLoop.Run(ctx); err != nil {
			logger.ErrorCF("agent", "Agent loop stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	healthServer.SetReady(false)
	agentLoop.Stop()
	<-loopDone
	_ = channelManager.StopAll(context.Background())
	_ = healthServer.Stop(context.Background())
	fmt.Println("✓ Gateway stopped")
	return nil
}

func statusCmd(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := getConfigPath()

	fmt.Fprintf(w, "%s Status\n", appName)
	fmt.Fprintf(w, "Version: %s\n", formatVersion())
	fmt.Fprintln(w)

	mark := func(ok bool, missing string) string {
		if ok {
			return "✓"
		}
		return missing
	}
	_, statErr := os.Stat(configPath)
	fmt.Fprintln(w, "Config:", configPath, mark(statErr == nil, "✗"))
	fmt.Fprintf(w, "Model: %s\n", cfg.Agent.Model)

	provider, configured, mode, provErr := providers.ProviderCredentialStatus(cfg)
	if provErr != nil {
		fmt.Fprintf(w, "Provider: %v\n", provErr)
	} else if mode != "" {
		fmt.Fprintf(w, "Provider: %s (%s) %s\n", provider, mode, mark(configured, "not set"))
	} else {
		fmt.Fprintf(w, "Provider: %s %s\n", provider, mark(configured, "not set"))
	}

	backend := cfg.State.Backend
	switch backend {
	case "memory":
		fmt.Fprintln(w, "State: memory (not persisted)")
	case "redis":
		fmt.Fprintf(w, "State: redis %s\n", cfg.State.Redis.Addr)
	default:
		_, err := os.Stat(cfg.StatePath())
		fmt.Fprintf(w, "State: %s %s %s\n", backend, cfg.StatePath(), mark(err == nil, "not initialized"))
	}

	discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""
	fmt.Fprintln(w, "Discord token:", mark(discordReady, "not set"))
	fmt.Fprintln(w, "Image generation:", mark(strings.TrimSpace(cfg.Images.Replicate.Token) != "", "not set"))
	if s := strings.TrimSpace(cfg.Digest.Schedule); s != "" {
		fmt.Fprintf(w, "Digest: %s -> %d chat(s)\n", s, len(cfg.Digest.Chats))
	}
	fmt.Fprintln(w, "Gateway ready:", mark(configured && discordReady && cfg.Validate(true) == nil, "no"))
	return nil
}
