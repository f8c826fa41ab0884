// ============================================================================
// Journal CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for writing, following and receiving journals
//
// Command Structure:
//   journal                        # Root command
//   ├── record                     # Journal entries from a JSON file
//   │   └── --file, -f            # Entry JSON file
//   ├── follow                     # Replay journal files as they appear
//   ├── receive                    # Accept journal files from remote transports
//   ├── lock                       # Ask a locking reader to pause
//   │   ├── --wait                # Wait until the reader accepts
//   │   └── --timeout             # Give up waiting after this long
//   ├── unlock                     # Let a locking reader resume
//   ├── status                     # Show configuration, files and lock state
//   ├── --config, -c               # Config file (default: configs/journal.yaml)
//   └── --version
//
// Configuration:
//   YAML file with four sections:
//   - writer.parameters:  journal writer parameters (journalWriterType,
//                         journalDirectory, sizeLimit, transport.<name>.* ...)
//   - reader.parameters:  journal reader parameters (journalReaderType,
//                         journalDirectory, archiveDirectory, lock files ...)
//   - receiver:           directory and port of the gRPC receiver
//   - metrics:            Prometheus endpoint
//
// record JSON format:
//   [
//     {
//       "method": "ingest",
//       "context": {"clientIdentity": "fedoraAdmin"},
//       "arguments": [
//         {"name": "pid", "type": "string", "value": "demo:1"},
//         {"name": "content", "type": "file", "value": "/tmp/object.xml"}
//       ]
//     }
//   ]
//
// Signal Handling:
//   follow and receive stop on SIGINT or SIGTERM: the reader or receiver is
//   shut down and the metrics server drains.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/fcrepo3/fcrepo-sub017/internal/journaler"
	"github.com/fcrepo3/fcrepo-sub017/internal/metrics"
	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/internal/transport"
	"github.com/fcrepo3/fcrepo-sub017/internal/transport/remote"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Writer struct {
		Parameters map[string]string `yaml:"parameters"`
	} `yaml:"writer"`

	Reader struct {
		Parameters map[string]string `yaml:"parameters"`
	} `yaml:"reader"`

	Receiver struct {
		Directory string `yaml:"directory"`
		Port      int    `yaml:"port"`
	} `yaml:"receiver"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "journal",
		Short: "Journal: record, replicate and replay repository management calls",
		Long: `Journal records every management call of a repository server as an
XML journal entry with:
- size and age based file rotation
- fan-out to crucial and non-crucial transports
- following readers for live replicas
- a file based lock handshake to pause replay`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/journal.yaml", "config file path")

	rootCmd.AddCommand(buildRecordCommand())
	rootCmd.AddCommand(buildFollowCommand())
	rootCmd.AddCommand(buildReceiveCommand())
	rootCmd.AddCommand(buildLockCommand())
	rootCmd.AddCommand(buildUnlockCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRecordCommand() *cobra.Command {
	var entryFile string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Journal entries from a JSON file",
		Long:  "Read entry definitions from a JSON file and write them through the configured journal writer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entryFile == "" {
				return fmt.Errorf("entry file is required (use --file or -f)")
			}
			return recordEntries(entryFile)
		},
	}

	cmd.Flags().StringVarP(&entryFile, "file", "f", "", "JSON file containing entry definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

// entryInput is one element of the record JSON file.
type entryInput struct {
	Method    string            `json:"method"`
	Context   map[string]string `json:"context"`
	Arguments []struct {
		Name  string          `json:"name"`
		Type  types.ArgType   `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"arguments"`
}

func recordEntries(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read entry file: %w", err)
	}

	var inputs []entryInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("failed to parse entry file: %w", err)
	}

	entries := make([]*types.Entry, 0, len(inputs))
	for i, in := range inputs {
		e, err := in.toEntry()
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	j, err := journaler.New(journal.Parameters(cfg.Writer.Parameters), journaler.Options{
		Registry: newRegistry(),
	})
	if err != nil {
		return fmt.Errorf("failed to create journaler: %w", err)
	}

	recorded := 0
	var recordErr error
	for _, e := range entries {
		if recordErr = j.Record(e); recordErr != nil {
			break
		}
		recorded++
	}
	shutdownErr := j.Shutdown()

	log.Printf("Recorded %d/%d entries from %s\n", recorded, len(entries), filePath)
	if recordErr != nil {
		return fmt.Errorf("failed to record entry: %w", recordErr)
	}
	return shutdownErr
}

func (in entryInput) toEntry() (*types.Entry, error) {
	if in.Method == "" {
		return nil, errors.New("method is required")
	}
	e := types.NewEntry(in.Method, in.Context)

	for _, a := range in.Arguments {
		arg, err := decodeArgument(a.Name, a.Type, a.Value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a.Name, err)
		}
		e.Add(arg)
	}
	return e, nil
}

func decodeArgument(name string, t types.ArgType, raw json.RawMessage) (types.Argument, error) {
	if t == types.ArgNull || len(raw) == 0 || string(raw) == "null" {
		return types.Null(name), nil
	}

	var err error
	switch t {
	case types.ArgString:
		var v string
		err = json.Unmarshal(raw, &v)
		return types.String(name, v), err
	case types.ArgInt:
		var v int64
		err = json.Unmarshal(raw, &v)
		return types.Int(name, v), err
	case types.ArgBool:
		var v bool
		err = json.Unmarshal(raw, &v)
		return types.Bool(name, v), err
	case types.ArgDate:
		var v time.Time
		err = json.Unmarshal(raw, &v)
		return types.Date(name, v), err
	case types.ArgStrings:
		var v []string
		err = json.Unmarshal(raw, &v)
		return types.Strings(name, v...), err
	case types.ArgBytes:
		var v []byte
		err = json.Unmarshal(raw, &v)
		return types.Bytes(name, v), err
	case types.ArgFile:
		var v string
		err = json.Unmarshal(raw, &v)
		return types.FileArg(name, v), err
	}
	return types.Argument{}, fmt.Errorf("unknown type %q", t)
}

func buildFollowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Replay journal files as they appear",
		Long:  "Read journal files with the configured reader and log every replayed entry until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return followJournal()
		},
	}
	return cmd
}

func followJournal() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	collector := metricsCollector(cfg)
	r, err := journaler.NewReader(journal.Parameters(cfg.Reader.Parameters), journal.ReaderOptions{Metrics: collector})
	if err != nil {
		return fmt.Errorf("failed to create reader: %w", err)
	}

	f := journaler.NewFollower(r, journaler.DelegateFunc(logEntry), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return f.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return f.Stop()
	})
	serveMetrics(ctx, g, cfg)

	log.Println("Following journal, press Ctrl+C to stop")
	err = g.Wait()
	log.Printf("Replayed %d entries\n", f.Applied())
	return err
}

func logEntry(_ context.Context, e *types.ConsumerEntry) error {
	log.Printf("%s %s (%d arguments)\n", e.Identifier, e.Method, len(e.Arguments))
	return nil
}

func buildReceiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept journal files from remote transports",
		Long:  "Serve the gRPC journal receiver and publish received files into receiver.directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return receiveJournal()
		},
	}
	return cmd
}

func receiveJournal() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	receiver, err := remote.NewReceiver(cfg.Receiver.Directory, nil, metricsCollector(cfg))
	if err != nil {
		return fmt.Errorf("failed to create receiver: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Receiver.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Receiver.Port, err)
	}
	grpcServer := grpc.NewServer()
	remote.RegisterReceiverServer(grpcServer, receiver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("gRPC receiver listening on :%d\n", cfg.Receiver.Port)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		return receiver.Shutdown()
	})
	serveMetrics(ctx, g, cfg)

	err = g.Wait()
	log.Println("Receiver stopped. Goodbye!")
	return err
}

func buildLockCommand() *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Ask a locking reader to pause",
		Long:  "Create the lock request file; with --wait, block until the reader creates the lock accepted file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lockReader(wait, timeout)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the reader to accept the lock")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Maximum time to wait with --wait")

	return cmd
}

func lockReader(wait bool, timeout time.Duration) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	params := journal.Parameters(cfg.Reader.Parameters)
	requested, err := params.Required(journal.ParamLockRequestedFilename)
	if err != nil {
		return err
	}

	if err := journal.RequestLock(requested); err != nil {
		return fmt.Errorf("failed to request lock: %w", err)
	}
	log.Printf("Lock requested: %s\n", requested)
	if !wait {
		return nil
	}

	accepted, err := params.Required(journal.ParamLockAcceptedFilename)
	if err != nil {
		return err
	}
	return waitForAcceptance(accepted, timeout, 100*time.Millisecond)
}

func waitForAcceptance(accepted string, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := journal.LockAccepted(accepted)
		if err != nil {
			return err
		}
		if ok {
			log.Printf("Lock accepted: %s\n", accepted)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock not accepted within %s", timeout)
		}
		time.Sleep(poll)
	}
}

func buildUnlockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Let a locking reader resume",
		Long:  "Remove the lock request file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return unlockReader()
		},
	}
	return cmd
}

func unlockReader() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	requested, err := journal.Parameters(cfg.Reader.Parameters).Required(journal.ParamLockRequestedFilename)
	if err != nil {
		return err
	}
	if err := journal.ReleaseLock(requested); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	log.Printf("Lock released: %s\n", requested)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show journal status",
		Long:  "Display configuration, pending journal files and lock state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	writer := journal.Parameters(cfg.Writer.Parameters)
	reader := journal.Parameters(cfg.Reader.Parameters)

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           Journal Status                                  ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Writer:")
	fmt.Printf("  ├─ Config File:  %s\n", configFile)
	fmt.Printf("  ├─ Type:         %s\n", writer.String(journaler.ParamWriterType, journaler.WriterFile))
	fmt.Printf("  ├─ Size Limit:   %s\n", writer.String(journal.ParamSizeLimit, journal.DefaultSizeLimit))
	fmt.Printf("  └─ Age Limit:    %s\n", writer.String(journal.ParamAgeLimit, journal.DefaultAgeLimit))
	if groups, err := transport.ParseTransportParameters(writer); err == nil {
		names := make([]string, 0, len(groups))
		for name := range groups {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tp := groups[name]
			fmt.Printf("     └─ transport %s: %s (crucial=%s)\n", name, tp[transport.ParamClassname], tp[transport.ParamCrucial])
		}
	}
	fmt.Println()

	fmt.Println("💾 Journal Files:")
	prefix := reader.String(journal.ParamFilenamePrefix, journal.DefaultFilenamePrefix)
	printFiles("Pending", reader.String(journal.ParamJournalDirectory, ""), prefix)
	printFiles("Archived", reader.String(journal.ParamArchiveDirectory, ""), prefix)
	fmt.Println()

	fmt.Println("🔒 Lock:")
	requested := reader.String(journal.ParamLockRequestedFilename, "")
	accepted := reader.String(journal.ParamLockAcceptedFilename, "")
	if requested == "" {
		fmt.Println("  └─ Not configured")
	} else {
		req, _ := journal.LockAccepted(requested)
		acc, _ := journal.LockAccepted(accepted)
		fmt.Printf("  ├─ Requested:  %t (%s)\n", req, requested)
		fmt.Printf("  └─ Accepted:   %t (%s)\n", acc, accepted)
	}
	fmt.Println()

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

func printFiles(label, dir, prefix string) {
	if dir == "" {
		fmt.Printf("  ├─ %-9s not configured\n", label+":")
		return
	}
	names, err := journal.ListJournalFiles(dir, prefix)
	if err != nil {
		fmt.Printf("  ├─ %-9s %v\n", label+":", err)
		return
	}
	fmt.Printf("  ├─ %-9s %d in %s\n", label+":", len(names), dir)
	for _, n := range names {
		fmt.Printf("  │  └─ %s\n", n)
	}
}

func newRegistry() *transport.Registry {
	reg := transport.NewDefaultRegistry()
	remote.Register(reg)
	return reg
}

func metricsCollector(cfg *Config) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.NewCollector(nil)
}

// serveMetrics runs the metrics server in g until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg *Config) {
	if !cfg.Metrics.Enabled {
		return
	}
	srv := metrics.NewServer(cfg.Metrics.Port)
	g.Go(func() error {
		log.Printf("Starting metrics server on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
