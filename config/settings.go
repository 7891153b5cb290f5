package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	StrategySoundex     = "soundex"
	StrategyLevenshtein = "levenshtein"

	LeaseBackendRedis = "redis"
	LeaseBackendDB    = "db"
)

// SyncSettings holds every tunable of the engine. The business values behind the
// tolerance and confidence bands were never pinned down, so all of them are
// configuration with conservative defaults.
type SyncSettings struct {
	DivergenceTolerance     int           `validate:"gte=0"`
	ExactMatchConfidence    float64       `validate:"gt=0,lte=1"`
	PhoneticMatchConfidence float64       `validate:"gt=0,lte=1,ltefield=ExactMatchConfidence"`
	SuggestionStrategy      string        `validate:"oneof=soundex levenshtein"`
	HealthyRatio            float64       `validate:"gt=0,lte=1"`
	DegradedRatio           float64       `validate:"gte=0,ltefield=HealthyRatio"`
	LeaseTTL                time.Duration `validate:"gt=0"`
	ReconcileInterval       time.Duration `validate:"gt=0"`
	LockAttempts            int           `validate:"gte=1"`
	WebhookBudget           time.Duration `validate:"gt=0"`
	BackfillBatchSize       int           `validate:"gte=1,lte=5000"`
	RecentLogLimit          int           `validate:"gte=1,lte=500"`
	PushMaxAttempts         int           `validate:"gte=1"`
	CurrencyExponent        int32         `validate:"gte=0,lte=6"`
	HealthCacheTTL          time.Duration `validate:"gte=0"`
	LeaseBackend            string        `validate:"oneof=redis db"`
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		DivergenceTolerance:     2,
		ExactMatchConfidence:    1.0,
		PhoneticMatchConfidence: 0.6,
		SuggestionStrategy:      StrategySoundex,
		HealthyRatio:            0.9,
		DegradedRatio:           0.6,
		LeaseTTL:                10 * time.Minute,
		ReconcileInterval:       24 * time.Hour,
		LockAttempts:            3,
		WebhookBudget:           2 * time.Second,
		BackfillBatchSize:       200,
		RecentLogLimit:          20,
		PushMaxAttempts:         1,
		CurrencyExponent:        2,
		HealthCacheTTL:          30 * time.Second,
		LeaseBackend:            LeaseBackendRedis,
	}
}

// LoadSyncSettings reads overrides from the environment on top of the defaults.
func LoadSyncSettings() (SyncSettings, error) {
	s := DefaultSyncSettings()
	s.DivergenceTolerance = intFromEnv("DIVERGENCE_TOLERANCE", s.DivergenceTolerance)
	s.ExactMatchConfidence = floatFromEnv("EXACT_MATCH_CONFIDENCE", s.ExactMatchConfidence)
	s.PhoneticMatchConfidence = floatFromEnv("PHONETIC_MATCH_CONFIDENCE", s.PhoneticMatchConfidence)
	s.SuggestionStrategy = stringFromEnv("SUGGESTION_STRATEGY", s.SuggestionStrategy)
	s.HealthyRatio = floatFromEnv("HEALTHY_RATIO", s.HealthyRatio)
	s.DegradedRatio = floatFromEnv("DEGRADED_RATIO", s.DegradedRatio)
	s.LeaseTTL = time.Duration(intFromEnv("RECONCILE_LEASE_TTL_SECONDS", int(s.LeaseTTL/time.Second))) * time.Second
	s.ReconcileInterval = time.Duration(intFromEnv("RECONCILE_INTERVAL_MINUTES", int(s.ReconcileInterval/time.Minute))) * time.Minute
	s.LockAttempts = intFromEnv("RECONCILE_LOCK_ATTEMPTS", s.LockAttempts)
	s.WebhookBudget = time.Duration(intFromEnv("WEBHOOK_BUDGET_MS", int(s.WebhookBudget/time.Millisecond))) * time.Millisecond
	s.BackfillBatchSize = intFromEnv("BACKFILL_BATCH_SIZE", s.BackfillBatchSize)
	s.RecentLogLimit = intFromEnv("RECENT_LOG_LIMIT", s.RecentLogLimit)
	s.PushMaxAttempts = intFromEnv("PUSH_MAX_ATTEMPTS", s.PushMaxAttempts)
	s.CurrencyExponent = int32(intFromEnv("CURRENCY_EXPONENT", int(s.CurrencyExponent)))
	s.HealthCacheTTL = time.Duration(intFromEnv("HEALTH_CACHE_TTL_SECONDS", int(s.HealthCacheTTL/time.Second))) * time.Second
	s.LeaseBackend = stringFromEnv("LEASE_BACKEND", s.LeaseBackend)
	return s, s.Validate()
}

var settingsValidator = validator.New()

func (s SyncSettings) Validate() error {
	return settingsValidator.Struct(s)
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func stringFromEnv(key, def string) string {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(key))); v != "" {
		return v
	}
	return def
}

func EnvBoolDefault(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
