package applyfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type ClassificationErrorKind string

const (
	ClassificationTransportFailure ClassificationErrorKind = "transport_failure"
	ClassificationInvalidResponse  ClassificationErrorKind = "invalid_response"
)

var ErrClassification = errors.New("classification failed")

type ClassificationError struct {
	Kind ClassificationErrorKind
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification %s: %v", strings.ReplaceAll(string(e.Kind), "_", " "), e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

func (e *ClassificationError) Is(target error) bool {
	return target == ErrClassification
}

// Extraction is the structured answer of an AI extractor. Category is the
// raw value the service returned and has not been checked yet.
type Extraction struct {
	Category  string  `json:"category"`
	Company   *string `json:"company"`
	Position  *string `json:"position"`
	Date      *string `json:"date"`
	Location  *string `json:"location"`
	Salary    *string `json:"salary"`
	NextSteps *string `json:"nextSteps"`
}

type Extractor interface {
	Extract(ctx context.Context, apiKey string, msg Message) (Extraction, error)
}

type ConfigSource interface {
	ClassificationConfig() ClassificationConfig
}

// StaticConfig serves a fixed classification config.
type StaticConfig ClassificationConfig

func (c StaticConfig) ClassificationConfig() ClassificationConfig {
	return ClassificationConfig(c)
}

type ClassificationSource string

const (
	SourceAI       ClassificationSource = "ai"
	SourceKeywords ClassificationSource = "keywords"
)

type Classification struct {
	Status    Status
	Source    ClassificationSource
	Company   *string
	Position  *string
	Location  *string
	Salary    *string
	NextSteps *string
}

const (
	defaultExtractionAttempts = 3
	defaultExtractionDelay    = time.Second
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = time.Minute
)

type ClassifierOptions struct {
	Extractor   Extractor
	MaxAttempts int
	// RetryDelay is the fixed pause between attempts. Zero means one second,
	// negative means none.
	RetryDelay time.Duration
	// BreakerThreshold is the number of consecutive exhausted extractions
	// that open the breaker. Negative disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

type Classifier struct {
	config      ConfigSource
	extractor   Extractor
	maxAttempts int
	retryDelay  time.Duration
	breaker     *extractorBreaker
	logger      *slog.Logger
	wait        func(ctx context.Context, d time.Duration) error
}

func NewClassifier(config ConfigSource, opts ClassifierOptions) *Classifier {
	if config == nil {
		config = StaticConfig(DefaultSettings().ClassificationConfig())
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultExtractionAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultExtractionDelay
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = defaultBreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Classifier{
		config:      config,
		extractor:   opts.Extractor,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		breaker:     newExtractorBreaker(opts.BreakerThreshold, opts.BreakerCooldown, opts.Now),
		logger:      opts.Logger,
		wait:        waitWithContext,
	}
}

// Classify never fails: when the AI path is unavailable or exhausted the
// keyword rules decide, without any extracted metadata.
func (c *Classifier) Classify(ctx context.Context, msg Message) Classification {
	cfg := c.config.ClassificationConfig()
	if cfg.AIKey != "" && c.extractor != nil {
		if c.breaker.Allow() {
			extraction, err := c.extract(ctx, cfg.AIKey, msg)
			if err == nil {
				c.breaker.RecordSuccess()
				out := classificationFromExtraction(extraction)
				classificationsTotal.WithLabelValues(string(out.Source), string(out.Status)).Inc()
				return out
			}
			c.breaker.RecordFailure()
			c.logger.Warn("ai classification exhausted, using keyword rules",
				slog.String("subject", msg.Subject),
				slog.String("breaker", c.breaker.State().String()),
				slog.Any("error", err),
			)
		} else {
			c.logger.Debug("ai classification skipped while breaker is open", slog.String("subject", msg.Subject))
		}
	}
	status := KeywordStatus(msg.Subject, msg.TextBody, cfg)
	classificationsTotal.WithLabelValues(string(SourceKeywords), string(status)).Inc()
	return Classification{Status: status, Source: SourceKeywords}
}

func (c *Classifier) extract(ctx context.Context, apiKey string, msg Message) (Extraction, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		extraction, err := c.extractor.Extract(ctx, apiKey, msg)
		if err == nil {
			if _, ok := ParseStatus(extraction.Category); !ok {
				err = &ClassificationError{
					Kind: ClassificationInvalidResponse,
					Err:  fmt.Errorf("invalid category %q", extraction.Category),
				}
			}
		}
		if err == nil {
			extractionAttemptsTotal.WithLabelValues("ok").Inc()
			return extraction, nil
		}
		lastErr = err
		extractionAttemptsTotal.WithLabelValues(extractionOutcome(err)).Inc()
		c.logger.Debug("ai extraction attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxAttempts),
			slog.Any("error", err),
		)
		if attempt == c.maxAttempts {
			break
		}
		if waitErr := c.wait(ctx, c.retryDelay); waitErr != nil {
			return Extraction{}, &ClassificationError{Kind: ClassificationTransportFailure, Err: waitErr}
		}
	}
	return Extraction{}, lastErr
}

func extractionOutcome(err error) string {
	var classErr *ClassificationError
	if errors.As(err, &classErr) {
		return string(classErr.Kind)
	}
	return string(ClassificationTransportFailure)
}

func classificationFromExtraction(extraction Extraction) Classification {
	status, _ := ParseStatus(extraction.Category)
	return Classification{
		Status:    status,
		Source:    SourceAI,
		Company:   nonEmpty(extraction.Company),
		Position:  nonEmpty(extraction.Position),
		Location:  nonEmpty(extraction.Location),
		Salary:    nonEmpty(extraction.Salary),
		NextSteps: nonEmpty(extraction.NextSteps),
	}
}

// KeywordStatus is the deterministic fallback: rejection keywords win over
// interview keywords, which win over offer keywords.
func KeywordStatus(subject, body string, cfg ClassificationConfig) Status {
	text := strings.ToLower(subject + " " + body)
	switch {
	case containsAny(text, cfg.RejectionKeywords):
		return StatusRejected
	case containsAny(text, cfg.InterviewKeywords):
		return StatusInterview
	case containsAny(text, cfg.OfferKeywords):
		return StatusOffer
	default:
		return StatusOther
	}
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func nonEmpty(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
