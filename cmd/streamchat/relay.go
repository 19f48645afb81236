package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/streamchat/chat/config"
	"github.com/ZanzyTHEbar/streamchat/chat/db"
	"github.com/ZanzyTHEbar/streamchat/chat/relay"
	"github.com/ZanzyTHEbar/streamchat/chat/retrieval"
)

var (
	relayAddr     string
	relayUpstream string
	relayModel    string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve /v1/completion in front of an Ollama-compatible upstream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if relayAddr != "" {
			cfg.Relay.ListenAddr = relayAddr
		}
		if relayUpstream != "" {
			cfg.Relay.UpstreamURL = relayUpstream
		}
		if relayModel != "" {
			cfg.Relay.Model = relayModel
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		var opts []relay.Option
		if cfg.Retrieval.Enabled {
			conn, err := db.ConnectToDB(ctx, cfg.Retrieval.Path, logger)
			if err != nil {
				return fmt.Errorf("failed to open document store: %w", err)
			}
			defer conn.Close()
			store := retrieval.NewLibSQLStore(conn, newEmbedder(cfg))
			opts = append(opts, relay.WithAugmenter(retrieval.NewAugmenter(store, cfg.Retrieval.TopK, logger)))
			logger.Info().Str("path", cfg.Retrieval.Path).Int("top_k", cfg.Retrieval.TopK).Msg("Context retrieval enabled")
		}

		srv, err := relay.NewServer(cfg.Relay, logger, opts...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "listen", "", "override relay.listen_addr")
	relayCmd.Flags().StringVar(&relayUpstream, "upstream", "", "override relay.upstream_url")
	relayCmd.Flags().StringVar(&relayModel, "model", "", "override relay.model")
}

// newEmbedder targets retrieval.embed_url, falling back to the relay upstream.
func newEmbedder(c *config.Config) *retrieval.OllamaEmbedder {
	url := c.Retrieval.EmbedURL
	if url == "" {
		url = c.Relay.UpstreamURL
	}
	return retrieval.NewOllamaEmbedder(url, c.Retrieval.EmbedModel, c.Retrieval.Timeout)
}
