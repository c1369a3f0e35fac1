package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/promisekid/CloudArt/internal/comfy"
	"github.com/promisekid/CloudArt/internal/config"
	"github.com/promisekid/CloudArt/internal/logging"
	"github.com/promisekid/CloudArt/internal/orchestrator"
	"github.com/promisekid/CloudArt/internal/storage"
	"github.com/promisekid/CloudArt/internal/tui"
	"github.com/promisekid/CloudArt/internal/workflow"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cloudart",
		Short: "Chat client for a remote generation server",
		Long:  "CloudArt drives a remote generation server through chat: text-to-image, image-to-image, upscaling and image captioning.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newGenerateCommand())
	rootCmd.AddCommand(newUpscaleCommand())
	rootCmd.AddCommand(newCaptionCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newGalleryCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is everything a command needs wired together: config, logger,
// store, protocol client and the orchestrator with its event pump.
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	closer io.Closer
	store  *storage.Storage
	client *comfy.Client
	orch   *orchestrator.Orchestrator
	cancel context.CancelFunc
}

// setup builds the full pipeline. The TUI logs to a file so log lines do
// not tear the alternate screen; one-shot commands log to stderr.
func setup(console bool) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var log zerolog.Logger
	var closer io.Closer
	if console {
		log = logging.ConsoleLogger(cfg.LogLevel)
	} else {
		log, closer, err = logging.FileLogger(cfg.LogPath, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	client := comfy.New(log, cfg.InsecureTLS)
	engine, err := workflow.NewEngine(log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load workflow templates: %w", err)
	}

	orch := orchestrator.New(log, client, engine, store, cfg.ImagesDir)

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx, client.Events())

	return &env{
		cfg:    cfg,
		log:    log,
		closer: closer,
		store:  store,
		client: client,
		orch:   orch,
		cancel: cancel,
	}, nil
}

func (e *env) close() {
	e.cancel()
	e.client.Close()
	e.store.Close()
	if e.closer != nil {
		e.closer.Close()
	}
}

// currentSession reuses the most recent session or creates the first one.
func currentSession(store *storage.Storage) (int64, string, error) {
	sessions, err := store.ListSessions()
	if err != nil {
		return 0, "", err
	}
	if len(sessions) > 0 {
		return sessions[0].ID, sessions[0].Title, nil
	}
	id, err := store.CreateSession("New Chat")
	if err != nil {
		return 0, "", err
	}
	return id, "New Chat", nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := setup(false)
	if err != nil {
		return err
	}
	defer e.close()

	// The TUI starts either way; a failed dial just shows as offline.
	if err := e.client.Connect(e.cfg.ServerAddress); err != nil {
		e.log.Warn().Err(err).Str("address", e.cfg.ServerAddress).Msg("initial connect failed")
	}

	sessionID, title, err := currentSession(e.store)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	app := tui.NewApp(e.orch, e.store, sessionID, title, e.cfg.DefaultWidth, e.cfg.DefaultHeight)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// runJob drives one intent to completion for the one-shot commands:
// connect, wait for the push channel, submit, then block on the update
// stream until the job resolves either way.
func runJob(e *env, intent orchestrator.Intent) error {
	if err := e.client.Connect(e.cfg.ServerAddress); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", e.cfg.ServerAddress, err)
	}

	if err := waitConnected(e.orch.Updates(), 10*time.Second); err != nil {
		return err
	}

	sessionID, _, err := currentSession(e.store)
	if err != nil {
		return err
	}
	intent.SessionID = sessionID

	if _, err := e.orch.Generate(intent); err != nil {
		return err
	}

	deadline := time.After(10 * time.Minute)
	lastStream := ""
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for the job to finish")
		case u := <-e.orch.Updates():
			switch u := u.(type) {
			case orchestrator.JobStream:
				// Print only the delta so the caption streams like on the UI.
				fmt.Print(u.Text[len(lastStream):])
				lastStream = u.Text
			case orchestrator.JobText:
				if lastStream != "" {
					fmt.Println()
				} else {
					fmt.Println(u.Text)
				}
				return nil
			case orchestrator.JobImage:
				fmt.Println(u.Path)
				return nil
			case orchestrator.JobFailed:
				return fmt.Errorf("job failed: %s", u.Message)
			case orchestrator.ConnState:
				if !u.Connected {
					return fmt.Errorf("connection lost before the job finished")
				}
			}
		}
	}
}

func waitConnected(updates <-chan orchestrator.Update, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for the push channel")
		case u := <-updates:
			if cs, ok := u.(orchestrator.ConnState); ok && cs.Connected {
				return nil
			}
		}
	}
}

func newGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate an image from a text prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			width, _ := cmd.Flags().GetInt("width")
			height, _ := cmd.Flags().GetInt("height")
			seed, _ := cmd.Flags().GetInt64("seed")

			e, err := setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			if width == 0 {
				width = e.cfg.DefaultWidth
			}
			if height == 0 {
				height = e.cfg.DefaultHeight
			}

			intent := orchestrator.Intent{
				Workflow: workflow.TextToImage,
				Prompt:   args[0],
				Width:    width,
				Height:   height,
			}
			if seed >= 0 {
				intent.Seed = &seed
			}
			return runJob(e, intent)
		},
	}

	cmd.Flags().Int("width", 0, "Image width (default from config)")
	cmd.Flags().Int("height", 0, "Image height (default from config)")
	cmd.Flags().Int64("seed", -1, "Sampler seed (random when unset)")
	return cmd
}

func newUpscaleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upscale <image-path>",
		Short: "Upscale a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			return runJob(e, orchestrator.Intent{
				Workflow:   workflow.Upscale,
				LocalImage: args[0],
			})
		},
	}
}

func newCaptionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "caption <image-path>",
		Short: "Describe a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			return runJob(e, orchestrator.Intent{
				Workflow:   workflow.VisionCaption,
				LocalImage: args[0],
			})
		},
	}
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			sessions, err := e.store.ListSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("#%d %s (%s)\n", s.ID, s.Title, s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newGalleryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gallery",
		Short: "List generated images, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			paths, err := e.store.ListGeneratedImages()
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				fmt.Println("No generated images yet.")
				return nil
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
}
