// Package toolprovider dispatches tool calls to native handlers and dynamic
// tool providers.
//
// The Registry is shared by every conversation on a worker. Provider
// sessions are reference counted by holder (the conversation ID) and closed
// when the last holder releases them. Completed invocations are remembered
// by invocation ID so a redelivered activity never calls a tool twice.
package toolprovider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
)

// LifecycleState is the state of a provider handle.
type LifecycleState string

const (
	StateStarting LifecycleState = "starting"
	StateReady    LifecycleState = "ready"
	StateFailed   LifecycleState = "failed"
	StateStopped  LifecycleState = "stopped"
)

// Handle describes one dynamic provider.
type Handle struct {
	ProviderID string                   `json:"provider_id"`
	State      LifecycleState           `json:"state"`
	Tools      []catalog.ToolDescriptor `json:"tools,omitempty"`
	Err        string                   `json:"error,omitempty"`
}

// Session is a live connection to a provider. Implementations must be safe
// for concurrent calls.
type Session interface {
	ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Close() error
}

// Connector opens provider sessions.
type Connector interface {
	Connect(ctx context.Context, spec catalog.ProviderSpec) (Session, error)
}

// InvokeRequest is one tool call.
type InvokeRequest struct {
	InvocationID string
	ToolName     string
	Arguments    map[string]any
	Provider     *catalog.ProviderSpec
	Timeout      time.Duration
}

// Result is the output of a tool call.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
	Origin Origin         `json:"origin"`
}

type cached struct {
	result Result
	err    error
}

type provider struct {
	handle  Handle
	session Session
	holders map[string]struct{}

	// stopRequested is set by a forced Stop while the provider is starting.
	stopRequested bool
}

// Config configures a Registry.
type Config struct {
	StartTimeout time.Duration
	CacheSize    int
}

// Registry manages native tools and provider sessions.
type Registry struct {
	connector    Connector
	startTimeout time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	providers map[string]*provider
	natives   map[string]NativeFunc

	starts  singleflight.Group
	invokes singleflight.Group
	results *lru.Cache[string, cached]
}

// NewRegistry creates a registry. A nil connector disables dynamic providers.
func NewRegistry(cfg Config, connector Connector, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	results, err := lru.New[string, cached](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating result cache: %w", err)
	}
	return &Registry{
		connector:    connector,
		startTimeout: cfg.StartTimeout,
		logger:       logger,
		providers:    make(map[string]*provider),
		natives:      make(map[string]NativeFunc),
		results:      results,
	}, nil
}

// RegisterNative installs an in-process tool handler.
func (r *Registry) RegisterNative(name string, fn NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives[name] = fn
}

// EnsureStarted returns a ready handle for spec, starting the provider if
// needed, and records holder as a user of it. Concurrent calls for the same
// provider share one start. A start that fails or exceeds its timeout yields
// a failed handle together with the error.
//
// The holder is recorded before the start begins, so a Stop for the same
// holder that arrives while the provider is starting is honoured: the call
// returns ErrProviderUnavailable and the session is closed if nobody else
// holds it.
func (r *Registry) EnsureStarted(ctx context.Context, spec catalog.ProviderSpec, holder string) (Handle, error) {
	if h, ok := r.acquire(spec.ID, holder); ok {
		return h, nil
	}

	v, err, _ := r.starts.Do(spec.ID, func() (any, error) {
		if h, ok := r.acquire(spec.ID, ""); ok {
			return h, nil
		}
		return r.start(ctx, spec)
	})
	h, _ := v.(Handle)
	if err != nil {
		r.release(spec.ID, holder)
		return h, err
	}
	if ready, ok := r.held(spec.ID, holder); ok {
		return ready, nil
	}
	if err := r.closeIfUnheld(spec.ID); err != nil {
		r.logger.Warn("closing released provider", zap.String("provider_id", spec.ID), zap.Error(err))
	}
	return h, fmt.Errorf("%w: %s released during start", ErrProviderUnavailable, spec.ID)
}

// acquire records holder on a ready provider and returns its handle. On a
// provider that is not ready the holder is registered for the coming start.
func (r *Registry) acquire(id, holder string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		if holder == "" {
			return Handle{}, false
		}
		p = &provider{
			handle:  Handle{ProviderID: id, State: StateStarting},
			holders: make(map[string]struct{}),
		}
		r.providers[id] = p
	}
	if holder != "" {
		p.holders[holder] = struct{}{}
	}
	if p.handle.State != StateReady {
		return Handle{}, false
	}
	return copyHandle(p.handle), true
}

// held returns the handle of a ready provider if holder still holds it.
// An empty holder only requires the provider to be ready.
func (r *Registry) held(id, holder string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok || p.handle.State != StateReady {
		return Handle{}, false
	}
	if holder != "" {
		if _, ok := p.holders[holder]; !ok {
			return Handle{}, false
		}
	}
	return copyHandle(p.handle), true
}

func (r *Registry) release(id, holder string) {
	if holder == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		delete(p.holders, holder)
	}
}

func (r *Registry) start(ctx context.Context, spec catalog.ProviderSpec) (Handle, error) {
	if r.connector == nil {
		return r.fail(spec.ID, fmt.Errorf("%w: no connector configured", ErrProviderUnavailable))
	}

	timeout := spec.StartTimeout
	if timeout <= 0 {
		timeout = r.startTimeout
	}

	// Holders registered for this start are kept.
	r.mu.Lock()
	p, ok := r.providers[spec.ID]
	if !ok {
		p = &provider{holders: make(map[string]struct{})}
		r.providers[spec.ID] = p
	}
	p.handle = Handle{ProviderID: spec.ID, State: StateStarting}
	p.session = nil
	p.stopRequested = false
	r.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := r.connector.Connect(startCtx, spec)
	if err != nil {
		return r.fail(spec.ID, startError(startCtx, spec.ID, timeout, err))
	}
	tools, err := session.ListTools(startCtx)
	if err != nil {
		_ = session.Close()
		return r.fail(spec.ID, startError(startCtx, spec.ID, timeout, err))
	}

	r.mu.Lock()
	if p.stopRequested {
		p.stopRequested = false
		p.handle = Handle{ProviderID: spec.ID, State: StateStopped}
		r.mu.Unlock()
		_ = session.Close()
		r.logger.Info("tool provider stopped during start", zap.String("provider_id", spec.ID))
		return Handle{ProviderID: spec.ID, State: StateStopped},
			fmt.Errorf("%w: %s stopped during start", ErrProviderUnavailable, spec.ID)
	}
	p.session = session
	p.handle.State = StateReady
	p.handle.Tools = tools
	p.handle.Err = ""
	h := copyHandle(p.handle)
	r.mu.Unlock()

	ProviderStarts.WithLabelValues("ready").Inc()
	ProvidersReady.Inc()
	r.logger.Info("tool provider ready",
		zap.String("provider_id", spec.ID),
		zap.Int("tools", len(tools)))
	return h, nil
}

func startError(ctx context.Context, id string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s did not start within %s", ErrProviderUnavailable, id, timeout)
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, id, err)
}

func (r *Registry) fail(id string, err error) (Handle, error) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		p = &provider{holders: make(map[string]struct{})}
		r.providers[id] = p
	}
	p.handle = Handle{ProviderID: id, State: StateFailed, Err: err.Error()}
	h := copyHandle(p.handle)
	r.mu.Unlock()

	ProviderStarts.WithLabelValues("failed").Inc()
	r.logger.Warn("tool provider failed to start",
		zap.String("provider_id", id),
		zap.Error(err))
	return h, err
}

// ListTools returns the tools of a ready provider.
func (r *Registry) ListTools(providerID string) ([]catalog.ToolDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	if !ok || p.handle.State != StateReady {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, providerID)
	}
	return copyHandle(p.handle).Tools, nil
}

// Handle returns the current handle of a provider.
func (r *Registry) Handle(providerID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	if !ok {
		return Handle{}, false
	}
	return copyHandle(p.handle), true
}

// Invoke calls a tool. Native handlers take precedence over provider tools
// of the same name. A completed call is cached by InvocationID and replayed
// on repeat requests; timeouts and unavailable providers are not cached so
// the caller may retry them.
func (r *Registry) Invoke(ctx context.Context, req InvokeRequest) (Result, error) {
	if req.InvocationID != "" {
		if c, ok := r.results.Get(req.InvocationID); ok {
			DedupHits.Inc()
			r.logger.Debug("tool invocation served from cache",
				zap.String("invocation_id", req.InvocationID),
				zap.String("tool", req.ToolName))
			return c.result, c.err
		}
	}

	key := req.InvocationID
	if key == "" {
		return r.invoke(ctx, req)
	}
	v, err, _ := r.invokes.Do(key, func() (any, error) {
		res, err := r.invoke(ctx, req)
		if err == nil || !IsRetryable(err) {
			r.results.Add(key, cached{result: res, err: err})
		}
		return res, err
	})
	res, _ := v.(Result)
	return res, err
}

func (r *Registry) invoke(ctx context.Context, req InvokeRequest) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	r.mu.Lock()
	native, isNative := r.natives[req.ToolName]
	r.mu.Unlock()

	origin := OriginUnknown
	switch {
	case isNative:
		origin = OriginNative
	case req.Provider != nil:
		origin = OriginProvider
	}
	start := time.Now()

	var (
		out map[string]any
		err error
	)
	switch {
	case isNative:
		out, err = native(ctx, maps.Clone(req.Arguments))
	case req.Provider != nil:
		out, err = r.callProvider(ctx, *req.Provider, req.ToolName, req.Arguments)
	default:
		err = &ExecutionError{Tool: req.ToolName, Message: ErrUnknownTool.Error()}
	}
	err = classify(ctx, req.ToolName, err)

	InvocationDuration.WithLabelValues(string(origin)).Observe(time.Since(start).Seconds())
	InvocationsTotal.WithLabelValues(string(origin), outcomeLabel(err)).Inc()

	if err != nil {
		r.logger.Warn("tool invocation failed",
			zap.String("invocation_id", req.InvocationID),
			zap.String("tool", req.ToolName),
			zap.String("origin", string(origin)),
			zap.Error(err))
		return Result{Origin: origin}, err
	}
	return Result{Output: out, Origin: origin}, nil
}

// callProvider calls a provider tool. A provider the worker does not hold
// yet (for example after a restart) is started on demand. A session that
// reports itself unavailable is evicted so the next attempt reconnects.
func (r *Registry) callProvider(ctx context.Context, spec catalog.ProviderSpec, tool string, args map[string]any) (map[string]any, error) {
	r.mu.Lock()
	p, ok := r.providers[spec.ID]
	var session Session
	if ok && p.handle.State == StateReady {
		session = p.session
	}
	r.mu.Unlock()

	if session == nil {
		if _, err := r.EnsureStarted(ctx, spec, ""); err != nil {
			return nil, err
		}
		r.mu.Lock()
		if p, ok := r.providers[spec.ID]; ok {
			session = p.session
		}
		r.mu.Unlock()
		if session == nil {
			return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, spec.ID)
		}
	}

	out, err := session.CallTool(ctx, tool, args)
	if errors.Is(err, ErrProviderUnavailable) {
		r.evict(spec.ID, session, err)
	}
	return out, err
}

// evict marks a provider failed and closes its session, unless the session
// was already replaced. Holders are kept for the restart.
func (r *Registry) evict(id string, session Session, cause error) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok || p.session != session || p.handle.State != StateReady {
		r.mu.Unlock()
		return
	}
	p.session = nil
	p.handle = Handle{ProviderID: id, State: StateFailed, Err: cause.Error()}
	r.mu.Unlock()

	ProvidersReady.Dec()
	r.logger.Warn("tool provider session lost",
		zap.String("provider_id", id),
		zap.Error(cause))
	if err := session.Close(); err != nil {
		r.logger.Debug("closing lost session", zap.String("provider_id", id), zap.Error(err))
	}
}

// classify maps raw call errors onto the registry's error kinds.
func classify(ctx context.Context, tool string, err error) error {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	switch {
	case errors.As(err, &execErr):
		return err
	case errors.Is(err, ErrToolTimeout), errors.Is(err, ErrProviderUnavailable):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrToolTimeout, tool)
	default:
		return &ExecutionError{Tool: tool, Message: err.Error()}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrToolTimeout)
}

// Stop releases holder's use of a provider and closes the session when no
// holders remain. An empty holder forces the stop. A release on a provider
// that is still starting takes effect when the start completes. Stopping an
// unknown, failed or stopped provider only drops the holder.
func (r *Registry) Stop(ctx context.Context, providerID, holder string) error {
	r.mu.Lock()
	p, ok := r.providers[providerID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if holder != "" {
		delete(p.holders, holder)
	} else {
		clear(p.holders)
		if p.handle.State == StateStarting {
			p.stopRequested = true
		}
	}
	if p.handle.State != StateReady || len(p.holders) > 0 {
		r.mu.Unlock()
		return nil
	}
	return r.stopLocked(providerID, p)
}

// closeIfUnheld stops a ready provider nobody holds.
func (r *Registry) closeIfUnheld(providerID string) error {
	r.mu.Lock()
	p, ok := r.providers[providerID]
	if !ok || p.handle.State != StateReady || len(p.holders) > 0 {
		r.mu.Unlock()
		return nil
	}
	return r.stopLocked(providerID, p)
}

// stopLocked closes p's session. It must be called with r.mu held and
// releases it.
func (r *Registry) stopLocked(providerID string, p *provider) error {
	session := p.session
	p.session = nil
	p.handle.State = StateStopped
	p.handle.Tools = nil
	r.mu.Unlock()

	ProvidersReady.Dec()
	r.logger.Info("tool provider stopped", zap.String("provider_id", providerID))
	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("closing provider %s: %w", providerID, err)
	}
	return nil
}

// Close stops every provider. It is called on worker shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Stop(ctx, id, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func copyHandle(h Handle) Handle {
	if h.Tools != nil {
		tools := make([]catalog.ToolDescriptor, len(h.Tools))
		copy(tools, h.Tools)
		h.Tools = tools
	}
	return h
}
