package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/eventpipe/internal/adapter"
	"github.com/kandev/eventpipe/internal/chat"
	"github.com/kandev/eventpipe/internal/chat/store"
	"github.com/kandev/eventpipe/internal/common/config"
	"github.com/kandev/eventpipe/internal/common/logger"
	"github.com/kandev/eventpipe/internal/common/stringutil"
	"github.com/kandev/eventpipe/internal/db"
	"github.com/kandev/eventpipe/internal/pipeline"
	"github.com/kandev/eventpipe/internal/streams"
)

const (
	replayBufferSize = 64
	previewMaxLen    = 100
)

var (
	replayProtocol  string
	replayBackend   string
	replaySessionID string
	replayJSON      bool
	replayPersist   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [flags] <transcript.jsonl|->",
	Short: "Run a captured wire transcript through a pipeline",
	Long: `Replay decodes a newline-delimited transcript captured from an agent
backend, feeds it through a fresh pipeline and prints the resulting
conversation tree. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Keep stdout for the transcript.
		if cfg.Logging.OutputPath == "" || cfg.Logging.OutputPath == "stdout" {
			cfg.Logging.OutputPath = "stderr"
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		in, closeIn, err := openTranscript(args[0])
		if err != nil {
			return err
		}
		defer closeIn()

		var chatStore chat.Store
		if replayPersist {
			conn, cleanup, err := db.Provide(cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
			if conn == nil {
				return fmt.Errorf("--persist requires database.driver to be configured")
			}
			sqlStore, err := store.New(conn)
			if err != nil {
				return err
			}
			chatStore = sqlStore
		}

		opts := replayOptions{
			Protocol:  replayProtocol,
			Backend:   replayBackend,
			SessionID: replaySessionID,
			JSON:      replayJSON,
			Store:     chatStore,
		}
		return replay(cmd.Context(), cfg, log, opts, in, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayProtocol, "protocol", "", "Wire protocol: "+strings.Join(adapter.Protocols(), ", ")+" (default: the backend's protocol)")
	replayCmd.Flags().StringVar(&replayBackend, "backend", "", "Backend profile name (default: pipeline.defaultBackend)")
	replayCmd.Flags().StringVar(&replaySessionID, "session-id", "", "Session id to replay into (default: random)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the session snapshot as JSON")
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Save the replayed session to the configured database")
}

type replayOptions struct {
	Protocol  string
	Backend   string
	SessionID string
	JSON      bool
	Store     chat.Store
}

func openTranscript(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open transcript: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// replay decodes in, feeds every event to a fresh session and writes the
// final snapshot to out.
func replay(ctx context.Context, cfg *config.Config, log *logger.Logger, opts replayOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backend := opts.Backend
	if backend == "" {
		backend = cfg.Pipeline.DefaultBackend
	}
	protocol := opts.Protocol
	if protocol == "" {
		protocol = cfg.Backend(backend).Protocol
	}
	if protocol == "" {
		return fmt.Errorf("no protocol configured for backend %q; pass --protocol", backend)
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	decoder, err := adapter.NewDecoder(protocol, sessionID, log)
	if err != nil {
		return err
	}
	manager, err := pipeline.NewManager(pipeline.ManagerOptions{
		Config: cfg,
		Store:  opts.Store,
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer manager.DisposeAll()
	manager.Open(sessionID, backend)

	events := make(chan streams.Event, replayBufferSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return adapter.Pump(gctx, decoder, in, events, log)
	})
	count := 0
	for ev := range events {
		manager.HandleEvent(ctx, sessionID, ev)
		count++
	}
	if err := g.Wait(); err != nil {
		return err
	}
	manager.WaitTitles()

	view, err := manager.Snapshot(sessionID)
	if err != nil {
		return err
	}
	log.Info("transcript replayed",
		zap.String("session_id", sessionID),
		zap.String("protocol", protocol),
		zap.Int("events", count))

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	printView(out, view)
	return nil
}

// printView writes a readable conversation tree: the primary conversation
// first, each subagent conversation indented under the agent that owns it.
func printView(out io.Writer, view pipeline.SessionView) {
	s := view.Session
	fmt.Fprintf(out, "session %s (%s)\n", s.SessionID, s.Backend)
	if s.Title != "" {
		fmt.Fprintf(out, "title:  %s\n", s.Title)
	}
	if s.Status != "" {
		fmt.Fprintf(out, "status: %s\n", s.Status)
	}

	agents := make(map[string]chat.AgentRecord, len(s.Agents))
	for _, a := range s.Agents {
		agents[a.SDKAgentID] = a
	}
	for _, conv := range s.Conversations {
		fmt.Fprintln(out)
		if conv.ParentAgentID == "" {
			fmt.Fprintf(out, "== %s\n", conv.ID)
		} else {
			a := agents[conv.ParentAgentID]
			fmt.Fprintf(out, "== %s [%s %s] %s\n", conv.ID, a.AgentType, a.Status, a.Description)
		}
		for _, e := range conv.Entries {
			fmt.Fprintf(out, "  %s\n", describeEntry(e))
		}
	}

	u := view.Pipeline.Usage
	fmt.Fprintf(out, "\nturns: %d  input: %d  output: %d  cache read: %d  cache write: %d  cost: $%.4f\n",
		view.Pipeline.Turns, u.InputTokens, u.OutputTokens, u.CacheReadInputTokens, u.CacheCreationInputTokens, u.CostUSD)
	if len(s.PendingPermissions) > 0 {
		fmt.Fprintf(out, "pending permissions: %d\n", len(s.PendingPermissions))
	}
}

func describeEntry(e chat.Entry) string {
	switch v := e.(type) {
	case *chat.Text:
		label := string(v.Role)
		if v.Thinking {
			label = "thinking"
		}
		return fmt.Sprintf("%-9s %s", label+":", preview(v.Text))
	case *chat.ToolUse:
		status := "pending"
		switch {
		case v.IsError:
			status = "error"
		case v.HasResult:
			status = "ok"
		}
		title := v.Title
		if title == "" {
			title = v.Name
		}
		return fmt.Sprintf("%-9s %s [%s] %s", "tool:", v.Name, status, preview(title))
	case *chat.ContextSummary:
		return fmt.Sprintf("%-9s %s", "summary:", preview(v.Summary))
	case *chat.SystemNotification:
		return fmt.Sprintf("%-9s %s", string(v.Level)+":", preview(v.Message))
	case *chat.Unknown:
		return fmt.Sprintf("%-9s %s %s", "unknown:", v.TypeTag, v.Reason)
	}
	return string(e.EntryKind())
}

func preview(s string) string {
	return stringutil.TruncateStringWithEllipsis(stringutil.CollapseWhitespace(s), previewMaxLen)
}
