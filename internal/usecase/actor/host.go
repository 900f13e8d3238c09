package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"agentd/internal/domain"
	"agentd/internal/infra/clock"
	"agentd/internal/usecase/provider"
)

// validName limits class and instance names to what is safe in a URL path
// segment and a file name.
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// OpenStore opens the durable store of one actor instance.
type OpenStore func(class, name string) (Store, error)

// StoreExists reports whether an instance has persisted data. It must not
// create anything.
type StoreExists func(class, name string) bool

// HostDeps are shared by every actor of a Host.
type HostDeps struct {
	OpenStore   OpenStore
	// StoreExists lets Lookup load instances that are not live. Without
	// it Lookup only finds live instances.
	StoreExists StoreExists
	Dialer      provider.Dialer
	Authorizers provider.AuthorizerFactory
	Bus         domain.EventBus
	Clock       clock.Clock
	Logger      *slog.Logger
}

type slot struct {
	ready chan struct{}
	actor *Actor
	err   error
}

// Host keeps at most one live instance per (class, name) and loads
// instances on first use.
type Host struct {
	opts Options
	deps HostDeps

	mu      sync.Mutex
	classes map[string]Class
	actors  map[string]*slot
}

// NewHost creates a Host.
func NewHost(opts Options, deps HostDeps) *Host {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Host{
		opts:    opts,
		deps:    deps,
		classes: make(map[string]Class),
		actors:  make(map[string]*slot),
	}
}

// Register adds an actor class.
func (h *Host) Register(c Class) error {
	if !validName.MatchString(c.Name) || c.New == nil {
		return domain.NewDomainError("Host.Register", domain.ErrInvalidInput, fmt.Sprintf("class %q", c.Name))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.classes[c.Name]; ok {
		return domain.NewDomainError("Host.Register", domain.ErrDuplicate, fmt.Sprintf("class %q", c.Name))
	}
	h.classes[c.Name] = c
	return nil
}

// Classes lists the registered class names.
func (h *Host) Classes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.classes))
	for n := range h.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the live instance, loading and starting it if needed.
// Concurrent callers for the same instance share one load.
func (h *Host) Get(ctx context.Context, class, name string) (*Actor, error) {
	if !validName.MatchString(name) {
		return nil, domain.NewDomainError("Host.Get", domain.ErrInvalidInput, fmt.Sprintf("name %q", name))
	}
	key := class + "/" + name

	h.mu.Lock()
	c, ok := h.classes[class]
	if !ok {
		h.mu.Unlock()
		return nil, domain.NewDomainError("Host.Get", domain.ErrNotFound, fmt.Sprintf("class %q", class))
	}
	if s, ok := h.actors[key]; ok {
		h.mu.Unlock()
		select {
		case <-s.ready:
			return s.actor, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s := &slot{ready: make(chan struct{})}
	h.actors[key] = s
	h.mu.Unlock()

	s.actor, s.err = h.load(ctx, c, name)
	if s.err != nil {
		h.mu.Lock()
		delete(h.actors, key)
		h.mu.Unlock()
	}
	close(s.ready)
	return s.actor, s.err
}

// Lookup returns an existing instance: one that is live or, when
// StoreExists is set, one with persisted data. Unlike Get it never creates
// an instance, so it is safe behind unauthenticated routes.
func (h *Host) Lookup(ctx context.Context, class, name string) (*Actor, error) {
	const op = "Host.Lookup"
	if !validName.MatchString(name) {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("name %q", name))
	}
	h.mu.Lock()
	_, registered := h.classes[class]
	_, live := h.actors[class+"/"+name]
	h.mu.Unlock()

	if !registered {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("class %q", class))
	}
	if !live && (h.deps.StoreExists == nil || !h.deps.StoreExists(class, name)) {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, fmt.Sprintf("actor %s/%s", class, name))
	}
	return h.Get(ctx, class, name)
}

func (h *Host) load(ctx context.Context, c Class, name string) (*Actor, error) {
	store, err := h.deps.OpenStore(c.Name, name)
	if err != nil {
		return nil, domain.WrapOp("Host.load", err)
	}
	a := New(c, name, h.opts, Deps{
		Store:       store,
		Dialer:      h.deps.Dialer,
		Authorizers: h.deps.Authorizers,
		Bus:         h.deps.Bus,
		Clock:       h.deps.Clock,
		Logger:      h.deps.Logger,
	})
	key := a.ID()
	a.onDestroy = func() { h.forget(key) }

	if err := a.Start(ctx); err != nil {
		if uerr := a.Unload(); uerr != nil {
			h.deps.Logger.Warn("unload after failed start", "actor", key, "error", uerr)
		}
		return nil, err
	}
	return a, nil
}

// Loaded reports whether an instance is live.
func (h *Host) Loaded(class, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.actors[class+"/"+name]
	return ok
}

// Len reports how many instances are live or loading.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.actors)
}

// Destroy loads an instance if needed and deletes it with all its data.
func (h *Host) Destroy(ctx context.Context, class, name string) error {
	a, err := h.Get(ctx, class, name)
	if err != nil {
		return err
	}
	return a.Destroy(ctx)
}

// Close unloads every live instance.
func (h *Host) Close() error {
	h.mu.Lock()
	slots := make([]*slot, 0, len(h.actors))
	for _, s := range h.actors {
		slots = append(slots, s)
	}
	h.actors = make(map[string]*slot)
	h.mu.Unlock()

	var errs []error
	for _, s := range slots {
		<-s.ready
		if s.actor == nil {
			continue
		}
		if err := s.actor.Unload(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.actor.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (h *Host) forget(key string) {
	h.mu.Lock()
	delete(h.actors, key)
	h.mu.Unlock()
}
