package entitlement

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"poem-vision-bot/internal/poemapi"
)

const (
	DefaultPoemType   = "free verse"
	DefaultFrame      = "classic"
	DefaultPoemLength = "short"
)

type Checker interface {
	CheckAccess(ctx context.Context, featureType, featureID string) (poemapi.AccessResponse, error)
}

type UpgradePrompt struct {
	Type    FeatureType
	Title   string
	Message string
	URL     string
}

// Decision is the outcome of a selection. Value is what the control must
// show afterwards: the requested id when allowed, the default otherwise.
type Decision struct {
	Requested string
	Value     string
	Allowed   bool
	Prompt    *UpgradePrompt
}

type Options struct {
	Checker    Checker
	Cache      *Cache
	UpgradeURL string
	Defaults   map[FeatureType]string
	Logger     *slog.Logger
}

type Gate struct {
	checker    Checker
	cache      *Cache
	upgradeURL string
	defaults   map[FeatureType]string
	logger     *slog.Logger

	mu      sync.Mutex
	premium bool
}

func NewGate(opts Options) *Gate {
	cache := opts.Cache
	if cache == nil {
		cache = NewCache()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	defaults := map[FeatureType]string{
		PoemType:   DefaultPoemType,
		Frame:      DefaultFrame,
		PoemLength: DefaultPoemLength,
	}
	for k, v := range opts.Defaults {
		if strings.TrimSpace(v) != "" {
			defaults[k] = v
		}
	}

	upgradeURL := strings.TrimSpace(opts.UpgradeURL)
	if upgradeURL == "" {
		upgradeURL = "/upgrade"
	}

	return &Gate{
		checker:    opts.Checker,
		cache:      cache,
		upgradeURL: upgradeURL,
		defaults:   defaults,
		logger:     logger,
	}
}

func (g *Gate) IsPremium() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.premium
}

func (g *Gate) setPremium(v bool) {
	g.mu.Lock()
	g.premium = v
	g.mu.Unlock()
}

func (g *Gate) Default(ft FeatureType) string {
	return g.defaults[ft]
}

// Prime records a freshly fetched catalog: the premium flag it reports and
// one cache entry per descriptor.
func (g *Gate) Prime(ft FeatureType, catalog poemapi.Catalog) {
	g.setPremium(catalog.IsPremium)
	for _, f := range catalog.Features {
		g.cache.Set(ft, f.ID, f.IsFree || catalog.IsPremium)
	}
}

// HasAccess consults the cache and falls back to a blocking server check.
// Failed checks deny access and are not cached.
func (g *Gate) HasAccess(ctx context.Context, ft FeatureType, id string) bool {
	if v, ok := g.cache.Get(ft, id); ok {
		return v
	}
	if g.checker == nil {
		return false
	}

	resp, err := g.checker.CheckAccess(ctx, string(ft), id)
	if err != nil {
		g.logger.Warn("access check failed", "type", ft, "id", id, "err", err)
		return false
	}

	g.cache.Set(ft, id, resp.HasAccess)
	g.setPremium(resp.IsPremium)
	return resp.HasAccess
}

func (g *Gate) Select(ctx context.Context, ft FeatureType, id string) Decision {
	id = strings.TrimSpace(id)
	def := g.defaults[ft]
	if id == "" {
		id = def
	}

	if id == def || g.HasAccess(ctx, ft, id) {
		return Decision{Requested: id, Value: id, Allowed: true}
	}

	prompt := g.PromptFor(ft)
	return Decision{Requested: id, Value: def, Allowed: false, Prompt: &prompt}
}

func (g *Gate) PromptFor(ft FeatureType) UpgradePrompt {
	p := UpgradePrompt{Type: ft, URL: g.upgradeURL}
	switch ft {
	case PoemType:
		p.Title = "Premium Poem Type"
		p.Message = "This poem type is only available to Premium members. Upgrade to unlock all poem types!"
	case Frame:
		p.Title = "Premium Frame Style"
		p.Message = "This frame design is only available to Premium members. Upgrade to unlock all frame designs!"
	case PoemLength:
		p.Title = "Premium Poem Length"
		p.Message = "This poem length is only available to Premium members. Upgrade to unlock all poem lengths!"
	default:
		p.Title = "Premium Feature"
		p.Message = "This feature is only available to Premium members. Upgrade to unlock!"
	}
	return p
}
