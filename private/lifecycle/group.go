// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of items.
package lifecycle

import (
	"context"
	"runtime"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

const shutdownWarnInterval = 15 * time.Second

// Group implements a collection of items that have a start and a shutdown.
type Group struct {
	log   *zap.Logger
	items []Item
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items in the group on the provided errgroup. When the
// context is canceled and an item takes too long to return, the group
// periodically logs a condensed stack dump to aid debugging stuck shutdowns.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	var started []string
	for _, item := range group.items {
		item := item
		started = append(started, item.Name)
		if item.Run == nil {
			continue
		}

		shutdownCtx, shutdownFinished := context.WithCancel(context.Background())
		go func() {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ctx.Done():
			}

			ticker := time.NewTicker(shutdownWarnInterval)
			defer ticker.Stop()

			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-ticker.C:
					buf := make([]byte, 1024*1024)
					n := runtime.Stack(buf, true)
					group.log.Warn("item takes long to shutdown",
						zap.String("name", item.Name),
						zap.String("stack", string(condenseStack(buf[:n]))))
				}
			}
		}()

		g.Go(func() error {
			defer shutdownFinished()

			err := item.Run(ctx)
			if errs2.IsCanceled(err) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected shutdown of a runner",
					zap.String("name", item.Name),
					zap.Error(err))
			}
			return err
		})
	}

	group.log.Debug("started", zap.Strings("items", started))
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}
