package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gazetteer-labs/gazetteer/config"
	"github.com/gazetteer-labs/gazetteer/internal/events"
)

func reingestCMD() *cobra.Command {
	var cfgPath string

	var reingest = &cobra.Command{
		Use:   "reingest [document-id...]",
		Short: "Publish update events so the running service re-ingests documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if cfg.Storage.Redis.Addr == "" {
				return fmt.Errorf("redis not configured (storage.redis.addr)")
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr,
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			defer rdb.Close()

			ctx := context.Background()
			pub := events.NewPublisher(rdb)
			for _, docID := range args {
				id, err := pub.PublishRaw(ctx, cfg.Ingest.EventStream, events.EventDocumentUpdated, events.DocumentEvent{DocumentID: docID})
				if err != nil {
					return fmt.Errorf("publish for %s: %w", docID, err)
				}
				cmd.Printf("queued %s (%s)\n", docID, id)
			}
			return nil
		},
	}
	reingest.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return reingest
}
