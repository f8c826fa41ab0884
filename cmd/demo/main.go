package main

// Demo: record entries through a multicast writer with one crucial and one
// best-effort transport, then replay the crucial copy.
//
//	go run ./cmd/demo

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fcrepo3/fcrepo-sub017/internal/journaler"
	"github.com/fcrepo3/fcrepo-sub017/internal/storage/journal"
	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

func main() {
	root, err := os.MkdirTemp("", "journal-demo-")
	if err != nil {
		log.Fatalf("Failed to create demo directory: %v", err)
	}
	defer os.RemoveAll(root)

	primary := mkdir(root, "primary")
	mirror := mkdir(root, "mirror")
	archive := mkdir(root, "archive")

	j, err := journaler.New(journal.Parameters{
		journaler.ParamWriterType:     journaler.WriterMulticast,
		journal.ParamSizeLimit:        "2K",
		"transport.primary.classname": "local-directory",
		"transport.primary.crucial":   "true",
		"transport.primary.directory": primary,
		"transport.mirror.classname":  "local-directory",
		"transport.mirror.crucial":    "false",
		"transport.mirror.directory":  mirror,
	}, journaler.Options{
		RepositoryHash: func() (string, error) { return "demo-repository", nil },
	})
	if err != nil {
		log.Fatalf("Failed to create journaler: %v", err)
	}

	const total = 40
	for i := 1; i <= total; i++ {
		e := types.NewEntry("modifyObject", map[string]string{"clientIdentity": "fedoraAdmin"}).
			Add(types.String("pid", fmt.Sprintf("demo:%d", i))).
			Add(types.String("label", "Demo object")).
			Add(types.Int("revision", int64(i)))
		if err := j.Record(e); err != nil {
			log.Fatalf("Failed to record entry %d: %v", i, err)
		}
	}
	if err := j.Shutdown(); err != nil {
		log.Fatalf("Failed to shut down journaler: %v", err)
	}

	files, _ := journal.ListJournalFiles(primary, journal.DefaultFilenamePrefix)
	mirrored, _ := journal.ListJournalFiles(mirror, journal.DefaultFilenamePrefix)
	fmt.Printf("✓ Recorded %d entries into %d files (%d mirrored)\n", total, len(files), len(mirrored))

	r, err := journaler.NewReader(journal.Parameters{
		journaler.ParamReaderType:     journaler.ReaderDirectory,
		journal.ParamJournalDirectory: primary,
		journal.ParamArchiveDirectory: archive,
		journal.ParamRepositoryHash:   "demo-repository",
	}, journal.ReaderOptions{RecoveryLog: journal.DiscardRecoveryLog})
	if err != nil {
		log.Fatalf("Failed to create reader: %v", err)
	}

	router := journaler.NewRouter()
	router.Handle("modifyObject", func(_ context.Context, e *types.ConsumerEntry) error {
		pid, err := e.StringArg("pid")
		if err != nil {
			return err
		}
		fmt.Printf("  replay %-10s from %s\n", pid, e.Identifier)
		return nil
	})

	f := journaler.NewFollower(r, router, nil)
	if err := f.Run(context.Background()); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	archived, _ := journal.ListJournalFiles(archive, journal.DefaultFilenamePrefix)
	fmt.Printf("✓ Replayed %d entries, archived %d files\n", f.Applied(), len(archived))
}

func mkdir(root, name string) string {
	dir := filepath.Join(root, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		log.Fatalf("Failed to create %s: %v", dir, err)
	}
	return dir
}
