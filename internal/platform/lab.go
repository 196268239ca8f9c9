// Package platform hosts live sessions over a shared catalog and a store.
package platform

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"viralsandbox/internal/catalog"
	"viralsandbox/internal/model"
	"viralsandbox/internal/session"
	"viralsandbox/internal/simerr"
	"viralsandbox/internal/storage"
)

type Config struct {
	Store          storage.Store
	Catalog        *catalog.Catalog
	Logger         *log.Logger
	SupportModules []SupportModule
}

// SupportModule is started with the lab and stopped with it, in reverse
// order.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

const tracerName = "viralsandbox/platform"

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

type Lab struct {
	store  storage.Store
	cat    *catalog.Catalog
	logger *log.Logger

	mu             sync.RWMutex
	sessions       map[string]*hosted
	supportModules []SupportModule
	started        bool
	lastStopReason StopReason

	config Config
}

// hosted pairs a session with the lock that orders its commands and their
// persistence.
type hosted struct {
	mu   sync.Mutex
	sess *session.Session
}

var (
	defaultLabMu sync.Mutex
	defaultLab   *Lab
)

func NewLab(cfg Config) *Lab {
	return &Lab{
		store:          cfg.Store,
		cat:            cfg.Catalog,
		logger:         cfg.Logger,
		sessions:       make(map[string]*hosted),
		config:         cfg,
		lastStopReason: StopReasonNormal,
	}
}

func StartDefault(ctx context.Context, cfg Config) (*Lab, error) {
	defaultLabMu.Lock()
	defer defaultLabMu.Unlock()

	if defaultLab != nil && defaultLab.Started() {
		return defaultLab, nil
	}
	l := NewLab(cfg)
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	defaultLab = l
	return defaultLab, nil
}

func Default() (*Lab, bool) {
	defaultLabMu.Lock()
	l := defaultLab
	defaultLabMu.Unlock()

	if l == nil || !l.Started() {
		return nil, false
	}
	return l, true
}

func StopDefault(reason StopReason) error {
	defaultLabMu.Lock()
	l := defaultLab
	defaultLabMu.Unlock()
	if l == nil {
		return nil
	}
	if err := l.StopWithReason(reason); err != nil {
		return err
	}
	defaultLabMu.Lock()
	if defaultLab == l {
		defaultLab = nil
	}
	defaultLabMu.Unlock()
	return nil
}

// Init prepares the store, saves the catalog document and starts support
// modules. Calling Init on a started lab is a no-op.
func (l *Lab) Init(ctx context.Context) error {
	if l.store == nil {
		return fmt.Errorf("store is required")
	}
	if l.cat == nil {
		return fmt.Errorf("catalog is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if err := l.store.Init(ctx); err != nil {
		return err
	}
	if err := l.store.SaveCatalog(ctx, l.cat.Document()); err != nil {
		return fmt.Errorf("save catalog %s: %w", l.cat.Name(), err)
	}

	started := make([]SupportModule, 0, len(l.config.SupportModules))
	seen := make(map[string]struct{}, len(l.config.SupportModules))
	for i, module := range l.config.SupportModules {
		if module == nil {
			stopSupportModules(ctx, started)
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			stopSupportModules(ctx, started)
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if _, dup := seen[name]; dup {
			stopSupportModules(ctx, started)
			return fmt.Errorf("duplicate support module: %s", name)
		}
		if err := module.Start(ctx); err != nil {
			stopSupportModules(ctx, started)
			return fmt.Errorf("start support module %s: %w", name, err)
		}
		seen[name] = struct{}{}
		started = append(started, module)
	}

	l.supportModules = started
	l.started = true
	return nil
}

func (l *Lab) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started
}

func (l *Lab) LastStopReason() StopReason {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastStopReason
}

func (l *Lab) Catalog() *catalog.Catalog { return l.cat }

func (l *Lab) Store() storage.Store { return l.store }

func (l *Lab) Stop() {
	_ = l.StopWithReason(StopReasonNormal)
}

// StopWithReason drops every live session and stops support modules. Stored
// sessions are untouched and can be loaded again after Init.
func (l *Lab) StopWithReason(reason StopReason) error {
	if reason == "" {
		reason = StopReasonNormal
	}
	switch reason {
	case StopReasonNormal, StopReasonShutdown:
	default:
		return fmt.Errorf("unsupported stop reason: %s", reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	stopSupportModules(context.Background(), l.supportModules)
	l.supportModules = nil
	l.sessions = make(map[string]*hosted)
	l.started = false
	l.lastStopReason = reason
	return nil
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}

// Open creates a session and persists it. An empty opts.ID gets a fresh
// uuid; an id already held by the store is rejected.
func (l *Lab) Open(ctx context.Context, opts session.Options) (model.SessionSnapshot, error) {
	if err := l.ready(); err != nil {
		return model.SessionSnapshot{}, err
	}
	if opts.ID != "" {
		if err := l.checkFree(ctx, opts.ID); err != nil {
			return model.SessionSnapshot{}, err
		}
	}
	if opts.Logger == nil {
		opts.Logger = l.logger
	}
	sess, err := session.New(l.cat, opts)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	snap := sess.Snapshot()
	if err := l.persist(ctx, snap); err != nil {
		return model.SessionSnapshot{}, err
	}
	l.mu.Lock()
	l.sessions[sess.ID()] = &hosted{sess: sess}
	l.mu.Unlock()
	l.logf("opened session %s", sess.ID())
	return snap, nil
}

// Import restores an exported snapshot, history included, and persists it
// under its own id. An id already stored or live is rejected.
func (l *Lab) Import(ctx context.Context, snap model.SessionSnapshot) (model.SessionSnapshot, error) {
	if err := l.ready(); err != nil {
		return model.SessionSnapshot{}, err
	}
	if snap.Catalog != "" && snap.Catalog != l.cat.Name() {
		return model.SessionSnapshot{}, simerr.New(simerr.KindInvalidSnapshot, snap.ID, "snapshot catalog %q does not match %q", snap.Catalog, l.cat.Name())
	}
	if snap.ID != "" {
		if err := l.checkFree(ctx, snap.ID); err != nil {
			return model.SessionSnapshot{}, err
		}
	}
	opts := session.OptionsFromRules(snap.ID, snap.Rules)
	opts.Logger = l.logger
	sess, err := session.Restore(l.cat, snap, opts)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	out := sess.Snapshot()
	l.mu.Lock()
	if _, live := l.sessions[sess.ID()]; live {
		l.mu.Unlock()
		return model.SessionSnapshot{}, fmt.Errorf("session already exists: %s", sess.ID())
	}
	l.sessions[sess.ID()] = &hosted{sess: sess}
	l.mu.Unlock()
	if err := l.persist(ctx, out); err != nil {
		l.mu.Lock()
		delete(l.sessions, sess.ID())
		l.mu.Unlock()
		return model.SessionSnapshot{}, err
	}
	l.logf("imported session %s at round %d", sess.ID(), out.Round)
	return out, nil
}

// checkFree fails when id names a live or stored session.
func (l *Lab) checkFree(ctx context.Context, id string) error {
	l.mu.RLock()
	_, live := l.sessions[id]
	l.mu.RUnlock()
	if live {
		return fmt.Errorf("session already exists: %s", id)
	}
	if _, ok, err := l.store.GetSession(ctx, id); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("session already exists: %s", id)
	}
	return nil
}

// Load returns the live session for id, restoring it from the store when it
// is not in memory.
func (l *Lab) Load(ctx context.Context, id string) (*session.Session, error) {
	h, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.sess, nil
}

func (l *Lab) load(ctx context.Context, id string) (*hosted, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	h, ok := l.sessions[id]
	l.mu.RUnlock()
	if ok {
		return h, nil
	}

	snap, ok, err := l.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, simerr.New(simerr.KindUnknownReference, id, "unknown session")
	}
	if snap.Catalog != l.cat.Name() {
		return nil, simerr.New(simerr.KindInvalidSnapshot, id, "session uses catalog %q, lab serves %q", snap.Catalog, l.cat.Name())
	}
	history, _, err := l.store.GetHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.History = history
	opts := session.OptionsFromRules(snap.ID, snap.Rules)
	opts.Logger = l.logger
	sess, err := session.Restore(l.cat, snap, opts)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// A concurrent load may have won the race.
	if existing, ok := l.sessions[id]; ok {
		return existing, nil
	}
	h = &hosted{sess: sess}
	l.sessions[id] = h
	return h, nil
}

// Dispatch runs cmd against session id and persists the result before
// returning it. Commands for one session are applied and stored in call
// order.
func (l *Lab) Dispatch(ctx context.Context, id string, cmd Command) (snap model.SessionSnapshot, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sandbox."+string(cmd.Kind),
		trace.WithAttributes(
			attribute.String("sandbox.session_id", id),
			attribute.String("sandbox.command", string(cmd.Kind)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(simerr.KindOf(err)))
		}
		span.SetAttributes(attribute.Int("sandbox.round", snap.Round))
		span.End()
	}()

	if err := cmd.Validate(); err != nil {
		return model.SessionSnapshot{}, err
	}
	h, err := l.load(ctx, id)
	if err != nil {
		return model.SessionSnapshot{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	snap, changed, err := apply(ctx, h.sess, cmd)
	if changed {
		if perr := l.persist(ctx, snap); perr != nil {
			return snap, perr
		}
	}
	return snap, err
}

// Snapshot returns the current state of session id.
func (l *Lab) Snapshot(ctx context.Context, id string) (model.SessionSnapshot, error) {
	return l.Dispatch(ctx, id, Command{Kind: CommandGetSnapshot})
}

// Close drops session id from memory. The stored copy is kept.
func (l *Lab) Close(_ context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[id]; !ok {
		return false
	}
	delete(l.sessions, id)
	return true
}

// Delete drops session id from memory and from the store.
func (l *Lab) Delete(ctx context.Context, id string) error {
	if err := l.ready(); err != nil {
		return err
	}
	l.Close(ctx, id)
	if err := l.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	l.logf("deleted session %s", id)
	return nil
}

// Sessions lists stored sessions ordered by id.
func (l *Lab) Sessions(ctx context.Context) ([]model.SessionSummary, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.store.ListSessions(ctx)
}

// Live lists the ids of sessions held in memory.
func (l *Lab) Live() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Lab) persist(ctx context.Context, snap model.SessionSnapshot) error {
	if err := l.store.SaveSession(ctx, snap); err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	if err := l.store.SaveHistory(ctx, snap.ID, snap.History); err != nil {
		return fmt.Errorf("save history %s: %w", snap.ID, err)
	}
	return nil
}

func (l *Lab) ready() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.started {
		return fmt.Errorf("lab is not initialized")
	}
	return nil
}

func (l *Lab) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
