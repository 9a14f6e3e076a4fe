package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"HealthChat/internal/backend"
	"HealthChat/internal/session"
	"HealthChat/internal/store"
)

// Console is an interactive terminal front end for a Manager
type Console struct {
	manager *Manager
	history store.History
	opts    session.TurnOptions
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger

	mu        sync.Mutex
	printedID string
	printed   int
}

// NewConsole creates a console reading commands from in and writing to out.
// history may be nil when the configured store cannot list messages.
func NewConsole(m *Manager, history store.History, opts session.TurnOptions, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		manager: m,
		history: history,
		opts:    opts,
		in:      in,
		out:     out,
		logger:  logger,
	}
}

// Run starts the read loop and returns when input ends, /quit is entered or
// ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	unsubscribe := c.manager.Subscribe(c.render)
	defer unsubscribe()
	defer c.manager.Wait()

	fmt.Fprintln(c.out, "=== Health Assistant ===")
	fmt.Fprintln(c.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(c.out)

	c.startConversation(ctx)

	scanner := bufio.NewScanner(c.in)
	for {
		if ctx.Err() != nil {
			break
		}
		fmt.Fprint(c.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := c.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
				c.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		c.manager.SendMessage(ctx, input, c.opts)
		fmt.Fprint(c.out, "\n\n")
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	fmt.Fprintln(c.out, "Goodbye!")
	return nil
}

func (c *Console) startConversation(ctx context.Context) {
	c.manager.StartNewConversation(ctx)
	fmt.Fprint(c.out, "\n\n")
	if id := c.manager.Snapshot().ConversationID; id != "" {
		fmt.Fprintf(c.out, "Conversation: %s\n\n", id)
	}
}

// render prints only the new part of the assistant message currently being
// written, so streamed replies appear incrementally.
func (c *Console) render(s session.Snapshot) {
	last, ok := s.Last()
	if !ok || last.Role != session.RoleAssistant {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last.ID != c.printedID {
		c.printedID = last.ID
		c.printed = 0
		fmt.Fprint(c.out, "Bot: ")
	}
	if len(last.Content) > c.printed {
		fmt.Fprint(c.out, last.Content[c.printed:])
		c.printed = len(last.Content)
	}
}

func (c *Console) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		c.startConversation(ctx)
		return false, nil

	case "/persona":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /persona <%s>", strings.Join(backend.Personas(), "|"))
		}
		if !contains(backend.Personas(), parts[1]) {
			return false, fmt.Errorf("unknown persona: %s", parts[1])
		}
		c.opts.Persona = parts[1]
		fmt.Fprintf(c.out, "Persona set to %s\n", parts[1])
		return false, nil

	case "/empathy":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /empathy <%s>", strings.Join(backend.EmpathyLevels(), "|"))
		}
		if !contains(backend.EmpathyLevels(), parts[1]) {
			return false, fmt.Errorf("unknown empathy level: %s", parts[1])
		}
		c.opts.EmpathyLevel = parts[1]
		fmt.Fprintf(c.out, "Empathy level set to %s\n", parts[1])
		return false, nil

	case "/poc":
		on, err := parseSwitch(parts)
		if err != nil {
			return false, err
		}
		c.opts.UseAlternate = on
		fmt.Fprintf(c.out, "Proof-of-concept endpoint %s\n", onOff(on))
		return false, nil

	case "/persist":
		on, err := parseSwitch(parts)
		if err != nil {
			return false, err
		}
		c.opts.Persist = on
		fmt.Fprintf(c.out, "Persistence %s\n", onOff(on))
		return false, nil

	case "/history":
		id := c.manager.Snapshot().ConversationID
		if len(parts) > 1 {
			id = parts[1]
		}
		if c.history == nil || id == "" {
			fmt.Fprintln(c.out, "No stored history available.")
			return false, nil
		}
		c.manager.Wait()
		msgs, err := c.history.ListMessages(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to load history: %w", err)
		}
		fmt.Fprintf(c.out, "\nStored messages for %s:\n", id)
		for i, msg := range msgs {
			fmt.Fprintf(c.out, "%d. [%s] %s: %s\n", i+1, msg.Timestamp.Format("15:04:05"), msg.Role, msg.Content)
		}
		fmt.Fprintln(c.out)
		return false, nil

	case "/status":
		s := c.manager.Snapshot()
		conv := s.ConversationID
		if conv == "" {
			conv = "(not persisted)"
		}
		fmt.Fprintf(c.out, "Conversation: %s\n", conv)
		fmt.Fprintf(c.out, "Messages:     %d\n", len(s.Messages))
		fmt.Fprintf(c.out, "Persona:      %s\n", orDefault(c.opts.Persona, "general"))
		fmt.Fprintf(c.out, "Empathy:      %s\n", orDefault(c.opts.EmpathyLevel, "medium"))
		fmt.Fprintf(c.out, "PoC endpoint: %s\n", onOff(c.opts.UseAlternate))
		fmt.Fprintf(c.out, "Persistence:  %s\n", onOff(c.opts.Persist))
		return false, nil

	case "/help":
		fmt.Fprintln(c.out, "Available commands:")
		fmt.Fprintln(c.out, "  /quit, /exit          - Exit the assistant")
		fmt.Fprintln(c.out, "  /new                  - Start a new conversation")
		fmt.Fprintln(c.out, "  /persona <name>       - Set the persona ("+strings.Join(backend.Personas(), "|")+")")
		fmt.Fprintln(c.out, "  /empathy <level>      - Set the empathy level ("+strings.Join(backend.EmpathyLevels(), "|")+")")
		fmt.Fprintln(c.out, "  /poc on|off           - Use the proof-of-concept endpoint")
		fmt.Fprintln(c.out, "  /persist on|off       - Save messages to the store")
		fmt.Fprintln(c.out, "  /history [id]         - Show stored messages")
		fmt.Fprintln(c.out, "  /status               - Show the current settings")
		fmt.Fprintln(c.out, "  /help                 - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

func parseSwitch(parts []string) (bool, error) {
	if len(parts) < 2 {
		return false, fmt.Errorf("usage: %s on|off", parts[0])
	}
	switch parts[1] {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("usage: %s on|off", parts[0])
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
