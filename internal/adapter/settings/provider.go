// Package settings merges runtime settings from the environment, the
// system_settings table and the model registry into one effective view,
// cached with a short TTL so workers do not hammer the store.
package settings

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// Setting keys recognized in the system_settings table.
const (
	KeyQuickModel  = "quick_analysis_model"
	KeyDeepModel   = "deep_analysis_model"
	KeyGlobalCap   = "max_concurrent_tasks"
	KeyPerUserCap  = "max_concurrent_tasks_per_user"
)

// Provider resolves effective settings. Precedence per field: explicit
// environment value, then database row, then registry recommendation or
// config default. Database failures degrade to the last cached view.
type Provider struct {
	repo     domain.SettingsRepository
	registry domain.ModelRegistry
	cfg      config.Config
	log      *slog.Logger

	mu        sync.Mutex
	cached    domain.Settings
	fetchedAt time.Time
	now       func() time.Time
}

// NewProvider builds a settings provider with the configured cache TTL.
func NewProvider(repo domain.SettingsRepository, registry domain.ModelRegistry, cfg config.Config, log *slog.Logger) *Provider {
	return &Provider{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Effective returns the current merged settings.
func (p *Provider) Effective(ctx domain.Context) (domain.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fetchedAt.IsZero() && p.now().Sub(p.fetchedAt) < p.cfg.SettingsCacheTTL {
		return p.cached, nil
	}

	stored, err := p.repo.All(ctx)
	if err != nil {
		if !p.fetchedAt.IsZero() {
			p.log.Warn("settings load failed, serving cached view", slog.Any("err", err))
			return p.cached, nil
		}
		p.log.Warn("settings load failed, serving defaults", slog.Any("err", err))
		stored = nil
	}

	recommendedQuick, recommendedDeep := p.registry.Recommend()
	s := domain.Settings{
		QuickAnalysisModel:   pick(p.cfg.DefaultQuickModel, stored[KeyQuickModel], recommendedQuick),
		DeepAnalysisModel:    pick(p.cfg.DefaultDeepModel, stored[KeyDeepModel], recommendedDeep),
		MaxConcurrentGlobal:  pickInt(stored[KeyGlobalCap], p.cfg.MaxConcurrentTasks),
		MaxConcurrentPerUser: pickInt(stored[KeyPerUserCap], p.cfg.MaxConcurrentTasksPerUser),
	}
	// An inverted pair from the table would deadlock admission; keep the
	// configured values instead.
	if s.MaxConcurrentPerUser > s.MaxConcurrentGlobal {
		p.log.Warn("ignoring inverted concurrency caps from settings",
			slog.Int("global", s.MaxConcurrentGlobal), slog.Int("per_user", s.MaxConcurrentPerUser))
		s.MaxConcurrentGlobal = p.cfg.MaxConcurrentTasks
		s.MaxConcurrentPerUser = p.cfg.MaxConcurrentTasksPerUser
	}

	p.cached = s
	p.fetchedAt = p.now()
	return s, nil
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func pickInt(stored string, fallback int) int {
	if stored != "" {
		if n, err := strconv.Atoi(stored); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

var _ domain.SettingsProvider = (*Provider)(nil)
