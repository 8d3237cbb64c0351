// Copyright 2025 James Ross

// Package receiver implements the DICOM SCP: it terminates inbound
// associations, negotiates presentation contexts, and streams each
// transmitted object to the Object Store and Catalog.
package receiver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/config"
	"github.com/flyingrobots/dicom-gateway/internal/obs"
	"github.com/flyingrobots/dicom-gateway/internal/objectstore"
)

// Receiver accepts inbound associations up to a configured concurrency
// cap, grounded on the teacher's per-goroutine worker loop: one goroutine
// per association rather than one per queue worker.
type Receiver struct {
	cfg   *config.Config
	store *objectstore.Store
	cat   *catalog.Catalog
	log   *zap.Logger

	active int32
}

// New constructs a Receiver over an already-opened Catalog and Object
// Store.
func New(cfg *config.Config, store *objectstore.Store, cat *catalog.Catalog, log *zap.Logger) *Receiver {
	return &Receiver{cfg: cfg, store: store, cat: cat, log: log}
}

// Run listens on cfg.Receiver.Addr until ctx is canceled, accepting one
// goroutine per association up to MaxAssociations concurrently.
func (r *Receiver) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", r.cfg.Receiver.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Receiver.Addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			r.log.Warn("accept failed", zap.Error(err))
			continue
		}

		if atomic.LoadInt32(&r.active) >= int32(r.cfg.Receiver.MaxAssociations) {
			r.log.Warn("rejecting association, at max concurrency",
				zap.Int("max_associations", r.cfg.Receiver.MaxAssociations))
			obs.AssociationsRejected.Inc()
			conn.Close()
			continue
		}

		atomic.AddInt32(&r.active, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer atomic.AddInt32(&r.active, -1)
			h := &associationHandler{
				cfg:   r.cfg,
				store: r.store,
				cat:   r.cat,
				log:   r.log,
				conn:  conn,
			}
			h.run(ctx)
		}()
	}
}

// activeAssociations reports the current in-flight association count, for
// tests and metrics sampling.
func (r *Receiver) activeAssociations() int32 {
	return atomic.LoadInt32(&r.active)
}

func deadlineFor(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
