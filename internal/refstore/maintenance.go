package refstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
	"golang.org/x/sync/errgroup"
)

// PackOptions control Pack.
type PackOptions struct {
	// Auto only compacts segments which violate the geometric sequence instead of compacting
	// everything into a single segment.
	Auto bool
	// AllUnits packs all stacks opened by the store instead of only the current one.
	AllUnits bool
}

// Pack compacts the current worktree's stack, or the main stack when not in a linked worktree,
// and removes segments which are not referenced anymore. Packing does not change the logical state
// of the store.
func (s *Store) Pack(ctx context.Context, opts PackOptions) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "refstore.Pack")
	defer span.Finish()
	span.SetTag("auto", opts.Auto)

	stacks := []*reftable.Stack{s.main}
	if opts.AllUnits {
		stacks = s.stacks()
	} else if s.worktree != nil {
		stacks = []*reftable.Stack{s.worktree}
	}

	group, _ := errgroup.WithContext(ctx)
	for _, stack := range stacks {
		stack := stack
		group.Go(func() error {
			return s.packStack(ctx, stack, opts.Auto)
		})
	}

	return group.Wait()
}

func (s *Store) packStack(ctx context.Context, stack *reftable.Stack, auto bool) error {
	logger := s.logger(ctx).WithField("reftable_dir", stack.Dir())

	task, compact := "compact_all", stack.CompactAll
	if auto {
		task, compact = "auto_compact", stack.AutoCompact
	}

	if err := s.runMaintenance(task, compact); err != nil {
		if errors.Is(err, reftable.ErrLock) {
			return fmt.Errorf("packing %q: %w", stack.Dir(), err)
		}
		return engineError("compaction", err)
	}

	if err := s.runMaintenance("clean", stack.Clean); err != nil {
		if errors.Is(err, reftable.ErrLock) {
			return fmt.Errorf("cleaning %q: %w", stack.Dir(), err)
		}
		return engineError("clean", err)
	}

	stats := stack.Stats()
	logger.WithFields(logrus.Fields{
		"segments":            len(stack.Tables()),
		"compaction_attempts": stats.Attempts,
		"compaction_failures": stats.Failures,
		"compacted_segments":  stats.Compacted,
	}).Info("packed references")

	return nil
}

func (s *Store) runMaintenance(task string, fn func() error) error {
	err := fn()

	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.maintenanceTotal.WithLabelValues(task, result).Inc()

	return err
}
