package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"HealthChat/internal/bridge"
	"HealthChat/internal/chatbot"
	"HealthChat/internal/config"

	"github.com/urfave/cli/v2"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start an interactive conversation in the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "persona", Usage: "Persona for this session"},
			&cli.StringFlag{Name: "empathy", Usage: "Empathy level for this session"},
			&cli.BoolFlag{Name: "poc", Usage: "Use the proof-of-concept endpoint"},
			&cli.BoolFlag{Name: "no-persist", Usage: "Do not save messages"},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()

	m, err := rt.newManager()
	if err != nil {
		return fmt.Errorf("failed to initialize assistant: %w", err)
	}

	opts := rt.turnOptions()
	if v := c.String("persona"); v != "" {
		opts.Persona = v
	}
	if v := c.String("empathy"); v != "" {
		opts.EmpathyLevel = v
	}
	if c.Bool("poc") {
		opts.UseAlternate = true
	}
	if c.Bool("no-persist") {
		opts.Persist = false
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := chatbot.NewConsole(m, rt.history(), opts, os.Stdin, os.Stdout, rt.logger)

	// Reading stdin cannot be interrupted, so an interrupt returns without
	// waiting for the read loop.
	done := make(chan error, 1)
	go func() { done <- console.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		fmt.Println()
		m.Wait()
		return nil
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve conversations to browser clients over a websocket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (overrides server.addr)"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()

	srv, err := bridge.NewServer(rt.newManager, rt.turnOptions(), rt.logger)
	if err != nil {
		return err
	}

	addr := rt.cfg.Server.Addr
	if v := c.String("addr"); v != "" {
		addr = v
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("bridge listening", "addr", addr)
		fmt.Printf("Listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("failed to shutdown server", "error", err)
	}
	srv.Close()
	rt.logger.Info("bridge stopped")
	return nil
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the stored messages of a conversation",
		ArgsUsage: "<conversation-id>",
		Action:    runHistory,
	}
}

func runHistory(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: healthchat history <conversation-id>")
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	h, closeStore, err := openStoreOnly(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	msgs, err := h.ListMessages(c.Context, c.Args().First())
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	for _, msg := range msgs {
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format(time.DateTime), msg.Role, msg.Content)
	}
	return nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "healthchat.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	if _, err := loadConfig(c); err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	return nil
}
