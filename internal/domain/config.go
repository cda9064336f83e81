package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Detection pipeline
	Detectors   DetectorConfig    `json:"detectors"`
	Ensemble    EnsembleConfig    `json:"ensemble"`
	Severity    SeverityConfig    `json:"severity"`
	Impact      ImpactConfig      `json:"impact"`
	Suppression SuppressionConfig `json:"suppression"`
	Escalation  EscalationConfig  `json:"escalation"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// DetectorConfig configures the four detection strategies.
type DetectorConfig struct {
	Boundary       BoundaryConfig       `json:"boundary"`
	Density        DensityConfig        `json:"density"`
	Statistical    StatisticalConfig    `json:"statistical"`
	Reconstruction ReconstructionConfig `json:"reconstruction"`
}

// BoundaryConfig configures the one-class boundary strategy.
type BoundaryConfig struct {
	// Nu bounds the expected fraction of training points outside the
	// boundary (0,1).
	Nu float64 `json:"nu"`

	// Gamma is the RBF kernel width parameter.
	Gamma float64 `json:"gamma"`
}

// DensityConfig configures the density/clustering strategy.
type DensityConfig struct {
	// Epsilon is the neighborhood radius in scaled feature space.
	Epsilon float64 `json:"epsilon"`

	// MinNeighbors is the minimum neighbor count for a dense core point.
	MinNeighbors int `json:"minNeighbors"`
}

// StatisticalMethod selects the per-feature outlier rule.
type StatisticalMethod string

const (
	StatZScore     StatisticalMethod = "zscore"
	StatIQR        StatisticalMethod = "iqr"
	StatPercentile StatisticalMethod = "percentile"
)

// StatisticalConfig configures the distribution-statistics strategy.
type StatisticalConfig struct {
	Method        StatisticalMethod `json:"method"`
	ZThreshold    float64           `json:"zThreshold"`
	IQRMultiplier float64           `json:"iqrMultiplier"`

	// PercentileCut is the symmetric tail fraction for the percentile
	// rule (0.01 = flag outside the 1st..99th percentile band).
	PercentileCut float64 `json:"percentileCut"`
}

// ReconstructionKind selects the active reconstruction sub-strategy.
type ReconstructionKind string

const (
	ReconstructionForest      ReconstructionKind = "forest"
	ReconstructionAutoencoder ReconstructionKind = "autoencoder"
)

// ReconstructionConfig configures the reconstruction/tree strategy.
// Exactly one sub-strategy is active per configuration.
type ReconstructionConfig struct {
	Kind ReconstructionKind `json:"kind"`

	// Isolation forest settings
	Trees         int     `json:"trees"`
	SampleSize    int     `json:"sampleSize"`
	Contamination float64 `json:"contamination"`
	Seed          int64   `json:"seed"`

	// Autoencoder settings
	HiddenUnits     int     `json:"hiddenUnits"`
	Epochs          int     `json:"epochs"`
	LearningRate    float64 `json:"learningRate"`
	ErrorPercentile float64 `json:"errorPercentile"`
}

// EnsembleConfig configures the combiner.
type EnsembleConfig struct {
	VotingMethod VotingMethod `json:"votingMethod"`

	// Weights are per-strategy weights for the weighted voting method,
	// keyed by strategy name. Missing entries default to 1.0.
	Weights map[string]float64 `json:"weights,omitempty"`
}

// SeverityConfig configures the severity classifier.
type SeverityConfig struct {
	Thresholds     SeverityThresholds `json:"thresholds"`
	FeatureWeights SeverityWeights    `json:"featureWeights"`
}

// SeverityThresholds are the ascending severity cut points in [0,1].
type SeverityThresholds struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// SeverityWeights weight the severity score inputs.
type SeverityWeights struct {
	Score     float64 `json:"score"`
	Frequency float64 `json:"frequency"`
	Impact    float64 `json:"impact"`
}

// ImpactConfig weights the business impact dimensions.
type ImpactConfig struct {
	Financial    float64 `json:"financial"`
	Operational  float64 `json:"operational"`
	Reputational float64 `json:"reputational"`
	Regulatory   float64 `json:"regulatory"`
}

// SuppressionConfig configures the false-positive filter.
type SuppressionConfig struct {
	SimilarityThreshold float64       `json:"similarityThreshold"`
	FrequencyThreshold  int64         `json:"frequencyThreshold"`
	FrequencyWindow     time.Duration `json:"frequencyWindow"`
}

// EscalationConfig configures the escalation state machine.
type EscalationConfig struct {
	// TimeoutMinutes per severity name; elapsed time is measured from the
	// alert's original creation timestamp.
	TimeoutMinutes map[string]int `json:"timeoutMinutes"`

	// EscalateTo maps a severity name to the next severity name. A
	// missing entry marks a terminal severity.
	EscalateTo map[string]string `json:"escalateTo"`

	// SweepSchedule is a cron spec for the periodic unhandled-alert sweep.
	SweepSchedule string `json:"sweepSchedule"`

	// StopGracePeriod bounds how long Stop waits for an in-flight sweep.
	StopGracePeriod time.Duration `json:"stopGracePeriod"`
}

// Rules materializes the configured escalation table.
func (c EscalationConfig) Rules() (map[Severity]EscalationRule, error) {
	rules := make(map[Severity]EscalationRule, len(c.TimeoutMinutes))
	for name, minutes := range c.TimeoutMinutes {
		sev, err := ParseSeverity(name)
		if err != nil {
			return nil, err
		}
		rule := EscalationRule{Timeout: time.Duration(minutes) * time.Minute}
		if target, ok := c.EscalateTo[name]; ok && target != "" {
			next, err := ParseSeverity(target)
			if err != nil {
				return nil, err
			}
			if next <= sev {
				return nil, fmt.Errorf("escalation target %s does not increase severity %s", target, name)
			}
			rule.EscalateTo = &next
		}
		rules[sev] = rule
	}
	return rules, nil
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detectors: DetectorConfig{
			Boundary: BoundaryConfig{Nu: 0.1, Gamma: 0.5},
			Density:  DensityConfig{Epsilon: 0.8, MinNeighbors: 4},
			Statistical: StatisticalConfig{
				Method:        StatZScore,
				ZThreshold:    3.0,
				IQRMultiplier: 1.5,
				PercentileCut: 0.01,
			},
			Reconstruction: ReconstructionConfig{
				Kind:            ReconstructionForest,
				Trees:           100,
				SampleSize:      256,
				Contamination:   0.1,
				Seed:            1,
				HiddenUnits:     8,
				Epochs:          200,
				LearningRate:    0.01,
				ErrorPercentile: 0.90,
			},
		},
		Ensemble: EnsembleConfig{
			VotingMethod: VotingMajority,
		},
		Severity: SeverityConfig{
			Thresholds:     SeverityThresholds{Low: 0.3, Medium: 0.6, High: 0.8},
			FeatureWeights: SeverityWeights{Score: 0.4, Frequency: 0.3, Impact: 0.3},
		},
		Impact: ImpactConfig{
			Financial:    0.4,
			Operational:  0.3,
			Reputational: 0.2,
			Regulatory:   0.1,
		},
		Suppression: SuppressionConfig{
			SimilarityThreshold: 0.95,
			FrequencyThreshold:  10,
			FrequencyWindow:     time.Hour,
		},
		Escalation: EscalationConfig{
			TimeoutMinutes: map[string]int{
				"LOW":      60,
				"MEDIUM":   30,
				"HIGH":     15,
				"CRITICAL": 5,
			},
			EscalateTo: map[string]string{
				"LOW":    "MEDIUM",
				"MEDIUM": "HIGH",
				"HIGH":   "CRITICAL",
			},
			SweepSchedule:   "@every 30s",
			StopGracePeriod: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks configuration invariants at construction time.
func (c *Config) Validate() error {
	d := &c.Detectors
	if d.Boundary.Nu <= 0 || d.Boundary.Nu >= 1 {
		return fmt.Errorf("boundary nu must be in (0,1), got %v", d.Boundary.Nu)
	}
	if d.Density.Epsilon <= 0 {
		return fmt.Errorf("density epsilon must be positive, got %v", d.Density.Epsilon)
	}
	if d.Density.MinNeighbors < 1 {
		return fmt.Errorf("density minNeighbors must be >= 1, got %d", d.Density.MinNeighbors)
	}
	switch d.Statistical.Method {
	case StatZScore, StatIQR, StatPercentile:
	default:
		return fmt.Errorf("unknown statistical method: %q", d.Statistical.Method)
	}
	switch d.Reconstruction.Kind {
	case ReconstructionForest:
		if d.Reconstruction.Contamination <= 0 || d.Reconstruction.Contamination >= 0.5 {
			return fmt.Errorf("contamination must be in (0,0.5), got %v", d.Reconstruction.Contamination)
		}
	case ReconstructionAutoencoder:
		if d.Reconstruction.HiddenUnits < 1 {
			return fmt.Errorf("autoencoder hiddenUnits must be >= 1, got %d", d.Reconstruction.HiddenUnits)
		}
	default:
		return fmt.Errorf("unknown reconstruction kind: %q", d.Reconstruction.Kind)
	}
	switch c.Ensemble.VotingMethod {
	case VotingMajority, VotingWeighted, VotingAverage:
	default:
		return fmt.Errorf("unknown voting method: %q", c.Ensemble.VotingMethod)
	}
	t := c.Severity.Thresholds
	if !(t.Low < t.Medium && t.Medium < t.High) {
		return fmt.Errorf("severity thresholds must be ascending: %v < %v < %v", t.Low, t.Medium, t.High)
	}
	if c.Suppression.SimilarityThreshold <= 0 || c.Suppression.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0,1], got %v", c.Suppression.SimilarityThreshold)
	}
	if _, err := c.Escalation.Rules(); err != nil {
		return fmt.Errorf("invalid escalation config: %w", err)
	}
	return nil
}
