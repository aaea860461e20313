// Package batch runs one console action over many roster keys in bounded,
// concurrent groups and reports a per-key outcome.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/consolepilot/pkg/actions"
	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/clock"
	"github.com/entrhq/consolepilot/pkg/logging"
	"github.com/entrhq/consolepilot/pkg/notify"
	"github.com/entrhq/consolepilot/pkg/roster"
)

// Defaults.
const (
	DefaultSize  = 3
	DefaultDelay = 2 * time.Second
)

// CompletedID marks the final status update of a run.
const CompletedID = "COMPLETED"

// Leaser hands out execution contexts.
type Leaser interface {
	IsInitialized() bool
	AcquireContext(ctx context.Context) (*browser.ExecutionContext, error)
	ReleaseContext(ec *browser.ExecutionContext)
}

// Resolver maps a submitted key to a roster entry.
type Resolver interface {
	Resolve(key string) (roster.Entry, bool)
}

// Recorder receives per-item and per-group counts.
type Recorder interface {
	ObserveItem(status string)
	ObserveBatch()
}

// Options sizes the groups.
type Options struct {
	Size  int
	Delay time.Duration
	// Channel receives the status updates. Defaults to notify.ChannelTurnOff.
	Channel string
}

// Status of one item.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Outcome is the result for one key.
type Outcome struct {
	Key    string       `json:"key"`
	Entry  roster.Entry `json:"entry"`
	Status Status       `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Batches    int `json:"batches"`
}

// Result is the report of one Run.
type Result struct {
	ID       string    `json:"id"`
	Outcomes []Outcome `json:"results"`
	NotFound []string  `json:"not_found_ids"`
	Summary  Summary   `json:"summary"`
}

// Executor runs batches. Runs may overlap; they share the session's lease ceiling.
type Executor struct {
	leaser    Leaser
	resolver  Resolver
	action    actions.Action
	publisher notify.Publisher
	recorder  Recorder
	opts      Options
	clock     clock.Clock
	logger    *logging.Logger
}

// New creates an Executor. Zero option fields take the defaults.
func New(leaser Leaser, resolver Resolver, action actions.Action, publisher notify.Publisher, opts Options, clk clock.Clock, logger *logging.Logger) *Executor {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Channel == "" {
		opts.Channel = notify.ChannelTurnOff
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		leaser:    leaser,
		resolver:  resolver,
		action:    action,
		publisher: publisher,
		opts:      opts,
		clock:     clk,
		logger:    logger,
	}
}

// SetRecorder reports item and group counts.
func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

// ParseKeys splits a comma separated key list.
func ParseKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Dedupe trims keys, drops empty ones and keeps the first occurrence of each.
func Dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Run executes the action for every known key. It fails only when the
// session is not initialized; item failures are reported as outcomes.
func (e *Executor) Run(ctx context.Context, keys []string) (*Result, error) {
	if !e.leaser.IsInitialized() {
		return nil, browser.ErrNotInitialized
	}

	result := &Result{ID: uuid.NewString(), NotFound: []string{}}
	log := e.logger.With("batch_id", result.ID)

	unique := Dedupe(keys)
	entries := make([]roster.Entry, 0, len(unique))
	for _, k := range unique {
		entry, ok := e.resolver.Resolve(k)
		if !ok {
			result.NotFound = append(result.NotFound, k)
			continue
		}
		entries = append(entries, entry)
	}
	log.Infof("Processing %d unique keys (%d not found)", len(unique), len(result.NotFound))

	if len(result.NotFound) > 0 {
		msg := "Not found: " + strings.Join(result.NotFound, ", ")
		log.Errorf("%s", msg)
		e.publish(ctx, log, notify.StatusUpdate{ID: "0", Message: msg})
	}

	groups := partition(entries, e.opts.Size)
	result.Summary.Batches = len(groups)
	result.Outcomes = make([]Outcome, len(entries))
	log.Infof("Processing %d entries in %d batches of %d", len(entries), len(groups), e.opts.Size)

	offset := 0
	for i, group := range groups {
		out := result.Outcomes[offset : offset+len(group)]
		offset += len(group)

		if err := ctx.Err(); err != nil {
			for j, entry := range group {
				out[j] = e.fail(entry, fmt.Errorf("batch cancelled: %w", err))
			}
			continue
		}

		log.Infof("Processing batch %d/%d with %d entries", i+1, len(groups), len(group))
		e.runGroup(ctx, log, group, out)
		if e.recorder != nil {
			e.recorder.ObserveBatch()
		}

		if i < len(groups)-1 && e.opts.Delay > 0 {
			log.Debugf("Waiting %s before next batch", e.opts.Delay)
			_ = e.clock.Sleep(ctx, e.opts.Delay)
		}
	}

	for _, o := range result.Outcomes {
		if o.Status == StatusSuccess {
			result.Summary.Successful++
		} else {
			result.Summary.Failed++
		}
	}
	result.Summary.Total = len(result.Outcomes)

	log.Infof("Batch processing completed: %d successful, %d failed", result.Summary.Successful, result.Summary.Failed)
	e.publish(ctx, log, notify.StatusUpdate{
		ID:      CompletedID,
		Message: fmt.Sprintf("Batch processing completed: %d successful, %d failed", result.Summary.Successful, result.Summary.Failed),
	})
	return result, nil
}

// runGroup runs every entry concurrently and waits for all of them.
func (e *Executor) runGroup(ctx context.Context, log *logging.Logger, group []roster.Entry, out []Outcome) {
	var wg sync.WaitGroup
	for j, entry := range group {
		wg.Add(1)
		go func(j int, entry roster.Entry) {
			defer wg.Done()
			out[j] = e.runItem(ctx, log, entry)
		}(j, entry)
	}
	wg.Wait()
}

func (e *Executor) runItem(ctx context.Context, log *logging.Logger, entry roster.Entry) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = e.fail(entry, fmt.Errorf("panic: %v", r))
		}
		if e.recorder != nil {
			e.recorder.ObserveItem(string(outcome.Status))
		}
		if outcome.Status == StatusSuccess {
			log.Infof("%s succeeded for %s", e.action.Name(), entry.DisplayName())
			e.publish(ctx, log, notify.StatusUpdate{ID: entry.DisplayName(), Message: "Success: " + entry.Key})
		} else {
			log.Errorf("%s failed for %s: %s", e.action.Name(), entry.DisplayName(), outcome.Error)
			e.publish(ctx, log, notify.StatusUpdate{ID: entry.DisplayName(), Message: outcome.Error})
		}
	}()

	ec, err := e.leaser.AcquireContext(ctx)
	if err != nil {
		return e.fail(entry, fmt.Errorf("failed to acquire execution context: %w", err))
	}
	defer e.leaser.ReleaseContext(ec)

	if err := e.action.Perform(ctx, ec.Page, entry); err != nil {
		return e.fail(entry, err)
	}
	return Outcome{Key: entry.Key, Entry: entry, Status: StatusSuccess}
}

func (e *Executor) fail(entry roster.Entry, err error) Outcome {
	return Outcome{Key: entry.Key, Entry: entry, Status: StatusFailed, Error: err.Error()}
}

func (e *Executor) publish(ctx context.Context, log *logging.Logger, update notify.StatusUpdate) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), e.opts.Channel, notify.EventStatusUpdate, update); err != nil {
		log.Warnf("Failed to publish status update: %v", err)
	}
}

func partition(entries []roster.Entry, size int) [][]roster.Entry {
	var groups [][]roster.Entry
	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		groups = append(groups, entries[start:end])
	}
	return groups
}
