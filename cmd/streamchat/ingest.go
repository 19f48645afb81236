package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/streamchat/chat/db"
	"github.com/ZanzyTHEbar/streamchat/chat/retrieval"
)

var ingestExts []string

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Chunk, embed and store text files for context retrieval",
	Long: `Walks each path and stores every matching file in the document store used by
the relay when retrieval.enabled is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		conn, err := db.ConnectToDB(ctx, cfg.Retrieval.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open document store: %w", err)
		}
		defer conn.Close()

		store := retrieval.NewLibSQLStore(conn, newEmbedder(cfg))
		return ingestPaths(ctx, store, args, ingestExts, cfg.Retrieval.ChunkWords, cmd.OutOrStdout())
	},
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestExts, "ext", []string{".txt", ".md"}, "file extensions to ingest")
}

type documentAdder interface {
	Add(ctx context.Context, source, text string, chunkWords int) (int, error)
}

// ingestPaths stores every file under paths whose extension is in exts.
// Unreadable files stop the run; empty files are skipped.
func ingestPaths(ctx context.Context, store documentAdder, paths, exts []string, chunkWords int, out io.Writer) error {
	var files, chunks int
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			n, err := store.Add(ctx, path, string(data), chunkWords)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			if n > 0 {
				files++
				chunks += n
				logger.Debug().Str("path", path).Int("chunks", n).Msg("Ingested file")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "ingested %d chunks from %d files\n", chunks, files)
	return err
}
