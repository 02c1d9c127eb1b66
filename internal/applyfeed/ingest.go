package applyfeed

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Publisher receives every record an ingest has durably stored.
type Publisher interface {
	PublishRecord(record ApplicationRecord)
}

type MessageClassifier interface {
	Classify(ctx context.Context, msg Message) Classification
}

type noopPublisher struct{}

func (noopPublisher) PublishRecord(ApplicationRecord) {}

type CoordinatorOptions struct {
	Store      RecordStore
	Classifier MessageClassifier
	Publisher  Publisher
	Logger     *slog.Logger
	Now        func() time.Time
}

// Coordinator runs normalize, classify, upsert and publish for one webhook
// body at a time per record set.
type Coordinator struct {
	store      RecordStore
	classifier MessageClassifier
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex

	idMu   sync.Mutex
	lastID int64
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(nil, ClassifierOptions{Logger: opts.Logger})
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:      opts.Store,
		classifier: opts.Classifier,
		publisher:  opts.Publisher,
		logger:     opts.Logger,
		now:        opts.Now,
	}, nil
}

// Ingest stores the record for one raw webhook body and publishes it. A
// parse failure leaves the store and live connections untouched.
func (c *Coordinator) Ingest(ctx context.Context, raw []byte) (ApplicationRecord, error) {
	c.logger.Debug("webhook body received", slog.Int("bytes", len(raw)), slog.String("preview", previewBody(raw)))

	msg, err := NormalizePayload(raw)
	if err != nil {
		ingestTotal.WithLabelValues("parse_error").Inc()
		return ApplicationRecord{}, err
	}

	classification := c.classifier.Classify(ctx, msg)
	record := c.buildRecord(msg, classification)

	replaced, err := c.upsert(ctx, record)
	if err != nil {
		ingestTotal.WithLabelValues("store_error").Inc()
		c.logger.Error("record store failure",
			slog.String("record_id", record.ID),
			slog.Any("error", err),
		)
		return ApplicationRecord{}, err
	}

	c.publisher.PublishRecord(record)
	ingestTotal.WithLabelValues("ok").Inc()
	c.logger.Info("application record stored",
		slog.String("record_id", record.ID),
		slog.String("status", string(record.Status)),
		slog.String("source", string(classification.Source)),
		slog.Bool("replaced", replaced),
	)
	return record, nil
}

// Records returns the stored record list.
func (c *Coordinator) Records(ctx context.Context) ([]ApplicationRecord, error) {
	started := time.Now()
	records, err := c.store.LoadAll(ctx)
	storeDuration.WithLabelValues("load").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, &StoreError{Kind: StoreReadFailure, Err: err}
	}
	return records, nil
}

func (c *Coordinator) upsert(ctx context.Context, record ApplicationRecord) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if locker, ok := c.store.(recordStoreLocker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return false, &StoreError{Kind: StoreWriteFailure, Err: err}
		}
		defer unlock()
	}

	started := time.Now()
	records, err := c.store.LoadAll(ctx)
	storeDuration.WithLabelValues("load").Observe(time.Since(started).Seconds())
	if err != nil {
		return false, &StoreError{Kind: StoreReadFailure, Err: err}
	}
	records, replaced := upsertRecord(records, record)

	started = time.Now()
	err = c.store.SaveAll(ctx, records)
	storeDuration.WithLabelValues("save").Observe(time.Since(started).Seconds())
	if err != nil {
		return false, &StoreError{Kind: StoreWriteFailure, Err: err}
	}
	return replaced, nil
}

func (c *Coordinator) buildRecord(msg Message, classification Classification) ApplicationRecord {
	id := msg.MessageID
	if id == "" {
		id = c.nextID()
	}
	return ApplicationRecord{
		ID:        id,
		From:      msg.From,
		To:        msg.To,
		Subject:   msg.Subject,
		Text:      msg.TextBody,
		HTML:      msg.HtmlBody,
		Date:      msg.Date,
		Status:    classification.Status,
		Company:   classification.Company,
		Position:  classification.Position,
		Location:  classification.Location,
		Salary:    classification.Salary,
		NextSteps: classification.NextSteps,
	}
}

// nextID is the current time in milliseconds, bumped past the previous id so
// two ingests in the same millisecond never collide.
func (c *Coordinator) nextID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return strconv.FormatInt(id, 10)
}
