package catfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/refstore/internal/git"
)

// ErrClosed is returned when using a BatchCheck after it has been closed.
var ErrClosed = errors.New("batch check process closed")

// BatchCheck reads object information via a long-lived `git cat-file --batch-check` process
// such that we do not have to spawn a separate process per object we're about to look up.
type BatchCheck struct {
	sync.Mutex

	hash   git.ObjectHash
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closed bool

	lookupsTotal *prometheus.CounterVec
}

// NewBatchCheck spawns the batch-check process for the repository at gitDir. The process is
// killed when ctx is cancelled. Callers must call Close to reap the process.
func NewBatchCheck(ctx context.Context, gitBinary, gitDir string, hash git.ObjectHash) (*BatchCheck, error) {
	if gitBinary == "" {
		gitBinary = "git"
	}

	cmd := exec.CommandContext(ctx, gitBinary, "--git-dir", gitDir, "cat-file", "--batch-check")
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning cat-file: %w", err)
	}

	return &BatchCheck{
		hash:   hash,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refstore_catfile_lookups_total",
				Help: "Total number of object lookups by object type",
			},
			[]string{"type"},
		),
	}, nil
}

// Info returns the object information of the given revision. Missing objects result in a
// NotFoundError.
func (b *BatchCheck) Info(ctx context.Context, revision git.Revision) (*ObjectInfo, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "catfile.Info")
	span.SetTag("revision", revision.String())
	defer span.Finish()

	if strings.ContainsAny(revision.String(), "\n\x00") {
		return nil, fmt.Errorf("invalid revision %q", revision)
	}

	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	if _, err := fmt.Fprintln(b.stdin, revision.String()); err != nil {
		return nil, fmt.Errorf("requesting object info: %w", err)
	}

	info, err := ParseObjectInfo(b.hash, revision, b.stdout)
	if err != nil {
		if IsNotFound(err) {
			b.lookupsTotal.WithLabelValues("missing").Inc()
		}
		return nil, err
	}

	span.SetTag("type", info.Type)
	b.lookupsTotal.WithLabelValues(info.Type).Inc()

	return info, nil
}

// Close terminates the process. It is safe to call Close multiple times.
func (b *BatchCheck) Close() error {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.stdin.Close(); err != nil {
		return fmt.Errorf("closing stdin: %w", err)
	}

	if err := b.cmd.Wait(); err != nil {
		return fmt.Errorf("waiting for cat-file: %w", err)
	}

	return nil
}

// Describe is used to describe Prometheus metrics.
func (b *BatchCheck) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(b, descs)
}

// Collect is used to collect Prometheus metrics.
func (b *BatchCheck) Collect(metrics chan<- prometheus.Metric) {
	b.lookupsTotal.Collect(metrics)
}
