package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/handler"
	"github.com/devrev/pairdb/locator/internal/store"
	"github.com/devrev/pairdb/locator/internal/topology"
)

const inspectTimeout = 10 * time.Second

func newRouteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "route <bucket> <key>",
		Short: "Print the active and replica nodes for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			return printRoute(cmd.OutOrStdout(), snap, args[1])
		},
	}
}

func newNodesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes <bucket>",
		Short: "List the nodes of a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), snap)
		},
	}
}

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <file>",
		Short: "Push a bucket config or fixture file to the configured topology source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			snap, err := topology.Decode(data)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), inspectTimeout)
			defer cancel()

			s, err := openStore(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := publishSnapshot(ctx, s, snap); err != nil {
				return err
			}
			a.logger.Info("Published bucket config",
				zap.String("bucket", snap.Bucket()),
				zap.Int64("rev", snap.Rev()),
				zap.String("source", a.cfg.Topology.Source))
			return nil
		},
	}
}

func loadSnapshot(ctx context.Context, a *app, bucket string) (*topology.ConfigSnapshot, error) {
	ctx, cancel := context.WithTimeout(orBackground(ctx), inspectTimeout)
	defer cancel()

	s, err := openStore(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	snap, err := s.Load(ctx, bucket)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.BucketNotFound(bucket)
	}
	return snap, err
}

func printRoute(w io.Writer, snap *topology.ConfigSnapshot, key string) error {
	route, err := snap.Route([]byte(key))
	if err != nil {
		return err
	}
	return printJSON(w, handler.NewRouteResponse(key, route))
}

func printNodes(w io.Writer, snap *topology.ConfigSnapshot) error {
	return printJSON(w, handler.NodesResponse{
		Bucket: snap.Bucket(),
		Rev:    snap.Rev(),
		Nodes:  snap.Nodes(),
	})
}

func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
