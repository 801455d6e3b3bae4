// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/graph"
)

// Publish reasons recorded on each View.
const (
	ReasonRoots   = "roots"
	ReasonRefresh = "refresh"
	ReasonDepth   = "depth"
	ReasonForce   = "force"
	ReasonRebuild = "rebuild"
)

// DefaultDepth is the display depth used when none is configured.
const DefaultDepth = 2

// RootResolver maps the files open in an editor to root entities.
type RootResolver interface {
	RootsForFiles(ctx context.Context, paths []string) ([]graph.Entity, error)
}

// StatusCache is a version-control status cache that must be dropped
// when files change.
type StatusCache interface {
	Invalidate()
}

// Sink receives every published view. Errors are logged and otherwise
// ignored.
type Sink interface {
	Save(ctx context.Context, rec ViewRecord) error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithID sets the session ID. By default a random UUID is used.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithDepth sets the initial display depth.
func WithDepth(depth int) Option {
	return func(s *Session) {
		if depth >= 0 {
			s.depth = depth
		}
	}
}

// WithThreshold sets the display node count above which views are
// withheld unless forced. Zero disables the threshold.
func WithThreshold(maxNodes int) Option {
	return func(s *Session) {
		if maxNodes >= 0 {
			s.maxNodes = maxNodes
		}
	}
}

// WithRateLimit bounds how often file changes are applied. Changes that
// arrive while the loop waits are folded into the next refresh.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Session) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithStatusCache registers a status cache invalidated before refreshes
// and rebuilds.
func WithStatusCache(c StatusCache) Option {
	return func(s *Session) {
		s.status = c
	}
}

// WithSink adds a sink for published views.
func WithSink(sink Sink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithRoot makes relative file paths resolve against dir.
func WithRoot(dir string) Option {
	return func(s *Session) {
		s.root = dir
	}
}

// WithSubscriberBuffer sets the channel capacity handed to subscribers.
func WithSubscriberBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.subBuffer = n
		}
	}
}

type commandKind int

const (
	cmdSetRoots commandKind = iota
	cmdSetDepth
	cmdSetForce
	cmdRebuild
)

type command struct {
	kind  commandKind
	files []string
	gen   uint64
	depth int
	force bool
	done  chan error
}

// Settings is the externally visible configuration of a session.
type Settings struct {
	ID          string   `json:"id"`
	ActiveFiles []string `json:"active_files"`
	Depth       int      `json:"depth"`
	Force       bool     `json:"force"`
	MaxNodes    int      `json:"max_nodes"`
	DirtyFiles  int      `json:"dirty_files"`
}

// Session is the single writer of a dependency graph.
//
// Description:
//
//	Run executes a loop that owns the reconciler. Commands are applied in
//	submission order, except that a newer SetActiveFiles cancels an older
//	one that is still resolving or reconciling; the older caller gets
//	ErrSuperseded. File changes are collected in a DirtyTracker and
//	applied between commands, no more often than the rate limit allows.
//	Every applied change publishes a View to subscribers and sinks.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use.
type Session struct {
	id         string
	reconciler *graph.Reconciler
	resolver   RootResolver
	logger     *slog.Logger
	limiter    *rate.Limiter
	status     StatusCache
	sinks      []Sink
	dirty      *DirtyTracker
	subBuffer  int
	maxNodes   int
	root       string

	commands chan command
	nudge    chan struct{}
	done     chan struct{}
	running  atomic.Bool

	mu          sync.Mutex
	activeFiles []string
	depth       int
	force       bool
	rootGen     uint64
	cancelRoots context.CancelFunc
	seq         uint64
	latest      *View
	subs        map[int]chan *View
	nextSub     int
}

// New creates a session over reconciler. resolver maps active files to
// roots. Call Run to start processing.
func New(reconciler *graph.Reconciler, resolver RootResolver, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		reconciler:  reconciler,
		resolver:    resolver,
		logger:      slog.Default(),
		limiter:     rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		dirty:       NewDirtyTracker(),
		subBuffer:   8,
		depth:       DefaultDepth,
		activeFiles: make([]string, 0),
		commands:    make(chan command, 16),
		nudge:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		subs:        make(map[int]chan *View),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))
	return s
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Run processes commands until ctx is cancelled. It closes every
// subscriber channel before returning ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.closeSubscribers()
	defer close(s.done)

	s.logger.Info("session started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopped")
			return ctx.Err()
		case cmd := <-s.commands:
			cmd.done <- s.handle(ctx, cmd)
		case <-s.nudge:
			s.refreshDirty(ctx)
		}
	}
}

// SetActiveFiles replaces the files whose declarations are the roots.
//
// Description:
//
//	Blocks until the loop has applied the request and published a view.
//	An in-flight SetActiveFiles is cancelled first. An empty file list
//	clears the graph.
//
// Outputs:
//
//	error - ErrSuperseded when a newer request replaced this one,
//	ErrClosed after Run returned, ctx.Err() when ctx ends first, or the
//	resolver's error. The session state is unchanged on error.
func (s *Session) SetActiveFiles(ctx context.Context, files []string) error {
	files = s.normalize(files)

	s.mu.Lock()
	s.rootGen++
	gen := s.rootGen
	if s.cancelRoots != nil {
		s.cancelRoots()
	}
	s.mu.Unlock()

	return s.submit(ctx, command{kind: cmdSetRoots, files: files, gen: gen})
}

// SetDepth changes the display depth and republishes.
func (s *Session) SetDepth(ctx context.Context, depth int) error {
	if depth < 0 {
		return graph.ErrInvalidDepth
	}
	return s.submit(ctx, command{kind: cmdSetDepth, depth: depth})
}

// SetForce controls whether over-threshold views carry their display
// graph.
func (s *Session) SetForce(ctx context.Context, force bool) error {
	return s.submit(ctx, command{kind: cmdSetForce, force: force})
}

// Rebuild discards the graph and rebuilds it from the current roots.
func (s *Session) Rebuild(ctx context.Context) error {
	return s.submit(ctx, command{kind: cmdRebuild})
}

// RequestRebuild queues a rebuild without waiting for it. It is meant for
// callbacks such as a HEAD watcher and drops the request when the queue
// is full.
func (s *Session) RequestRebuild() {
	cmd := command{kind: cmdRebuild, done: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	default:
		s.logger.Warn("command queue full, dropping rebuild request")
	}
}

// FilesChanged marks paths dirty and wakes the loop.
func (s *Session) FilesChanged(paths []string) {
	for _, p := range s.normalize(paths) {
		s.dirty.Mark(p, SourceManual)
	}
	s.wake()
}

// normalize returns paths cleaned, made absolute against the root when
// one is set, sorted and deduplicated.
func (s *Session) normalize(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if s.root != "" && !filepath.IsAbs(p) {
			p = filepath.Join(s.root, p)
		}
		out = append(out, filepath.Clean(p))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// OnFileChanges is a FileChangeHandler feeding watcher batches into the
// session.
func (s *Session) OnFileChanges(changes []FileChange) {
	s.dirty.MarkChanges(changes)
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Latest returns the most recently published view.
func (s *Session) Latest() (*View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest != nil
}

// Settings returns the current configuration.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Settings{
		ID:          s.id,
		ActiveFiles: slices.Clone(s.activeFiles),
		Depth:       s.depth,
		Force:       s.force,
		MaxNodes:    s.maxNodes,
		DirtyFiles:  s.dirty.Count(),
	}
}

// Subscribe returns a channel receiving every view published from now on
// and a function that ends the subscription. A subscriber that falls
// behind misses views; Latest always has the newest one.
func (s *Session) Subscribe() (<-chan *View, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *View, s.subBuffer)
	id := s.nextSub
	s.nextSub++
	if s.subs == nil {
		close(ch)
		return ch, func() {}
	}
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subs = nil
}

func (s *Session) submit(ctx context.Context, cmd command) error {
	cmd.done = make(chan error, 1)
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdSetRoots:
		return s.setRoots(ctx, cmd)
	case cmdSetDepth:
		s.mu.Lock()
		s.depth = cmd.depth
		s.mu.Unlock()
		return s.publish(ctx, ReasonDepth)
	case cmdSetForce:
		s.mu.Lock()
		s.force = cmd.force
		s.mu.Unlock()
		return s.publish(ctx, ReasonForce)
	case cmdRebuild:
		return s.rebuild(ctx)
	}
	return nil
}

func (s *Session) setRoots(ctx context.Context, cmd command) error {
	s.mu.Lock()
	if cmd.gen != s.rootGen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.cancelRoots = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelRoots = nil
		s.mu.Unlock()
		cancel()
	}()

	roots, err := s.resolver.RootsForFiles(opCtx, cmd.files)
	if err != nil {
		return s.interrupted(cmd.gen, err)
	}
	res, err := s.reconciler.SetRoots(opCtx, roots)
	if err != nil {
		return s.interrupted(cmd.gen, err)
	}

	s.mu.Lock()
	s.activeFiles = cmd.files
	s.mu.Unlock()

	s.logger.Debug("active files applied",
		slog.Int("files", len(cmd.files)),
		slog.Int("roots", len(roots)),
		slog.Bool("changed", res.Changed()),
	)
	return s.publish(ctx, ReasonRoots)
}

// interrupted maps a cancellation caused by a newer root set to
// ErrSuperseded.
func (s *Session) interrupted(gen uint64, err error) error {
	if !errors.Is(err, graph.ErrCancelled) && !errors.Is(err, context.Canceled) {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.rootGen {
		return ErrSuperseded
	}
	return err
}

func (s *Session) rebuild(ctx context.Context) error {
	if len(s.reconciler.Roots()) == 0 {
		return ErrNoRoots
	}
	if s.status != nil {
		s.status.Invalidate()
	}
	res, err := s.reconciler.Rebuild(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("graph rebuilt",
		slog.Int("nodes_added", res.NodesAdded),
		slog.Int("nodes_removed", res.NodesRemoved),
		slog.Duration("duration", res.Duration),
	)
	return s.publish(ctx, ReasonRebuild)
}

// refreshDirty applies the accumulated file changes.
func (s *Session) refreshDirty(ctx context.Context) {
	if s.dirty.Count() == 0 {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	paths := s.dirty.Drain()
	if len(paths) == 0 {
		return
	}
	if s.status != nil {
		s.status.Invalidate()
	}

	if _, err := s.reconciler.Refresh(ctx, paths); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("refresh failed, will retry on next change",
				slog.Int("files", len(paths)),
				slog.String("error", err.Error()))
			for _, p := range paths {
				s.dirty.Mark(p, SourceRetry)
			}
		}
		return
	}

	// Declarations in an active file may have been added or removed.
	s.mu.Lock()
	active := slices.Clone(s.activeFiles)
	s.mu.Unlock()
	if touchesAny(paths, active) {
		roots, err := s.resolver.RootsForFiles(ctx, active)
		if err != nil {
			s.logger.Warn("resolving roots after change", slog.String("error", err.Error()))
		} else if _, err := s.reconciler.SetRoots(ctx, roots); err != nil {
			s.logger.Warn("updating roots after change", slog.String("error", err.Error()))
		}
	}

	if err := s.publish(ctx, ReasonRefresh); err != nil && ctx.Err() == nil {
		s.logger.Warn("publishing view", slog.String("error", err.Error()))
	}
}

func touchesAny(changed, active []string) bool {
	for _, p := range changed {
		if _, ok := slices.BinarySearch(active, p); ok {
			return true
		}
	}
	return false
}

// publish extracts the display graph for the current roots, applies the
// threshold, and delivers the view.
func (s *Session) publish(ctx context.Context, reason string) error {
	snap := s.reconciler.Snapshot()
	rootKeys := s.reconciler.RootKeys()

	s.mu.Lock()
	depth, force := s.depth, s.force
	files := slices.Clone(s.activeFiles)
	s.mu.Unlock()

	dg, err := graph.ExtractDisplaySubgraph(ctx, snap, rootKeys, depth)
	if err != nil {
		return err
	}

	v := &View{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		CreatedAt:   time.Now(),
		Reason:      reason,
		ActiveFiles: files,
		Depth:       depth,
		NodeCount:   dg.NodeCount(),
		EdgeCount:   dg.EdgeCount(),
		GraphNodes:  snap.NodeCount(),
		GraphEdges:  snap.EdgeCount(),
		MaxNodes:    s.maxNodes,
	}
	if deg, err := graph.DisplayDegreeStatistics(dg); err == nil {
		v.Degree = deg
	}
	v.OverThreshold = s.maxNodes > 0 && v.NodeCount > s.maxNodes
	v.Forced = v.OverThreshold && force
	if !v.OverThreshold || force {
		v.Display = dg
	}

	s.mu.Lock()
	s.seq++
	v.Sequence = s.seq
	s.latest = v
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			s.logger.Debug("subscriber behind, dropping view", slog.Uint64("sequence", v.Sequence))
		}
	}
	s.mu.Unlock()

	if v.OverThreshold {
		s.logger.Info("view over threshold",
			slog.Int("nodes", v.NodeCount),
			slog.Int("max_nodes", s.maxNodes),
			slog.Bool("forced", v.Forced))
	}

	if len(s.sinks) > 0 {
		rec := v.Record()
		for _, sink := range s.sinks {
			if err := sink.Save(ctx, rec); err != nil {
				s.logger.Warn("saving view", slog.String("error", err.Error()))
			}
		}
	}
	return nil
}
