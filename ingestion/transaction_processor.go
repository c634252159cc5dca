package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sales-forecast-engine/logging"
	"sales-forecast-engine/metrics"
	"sales-forecast-engine/storage"
)

var (
	// ErrValidation marks a transaction rejected before it reaches the buffer
	ErrValidation = errors.New("invalid transaction")
	// ErrNotRunning is returned when ingesting into a stopped processor
	ErrNotRunning = errors.New("transaction processor not running")
)

// TransactionWriter abstracts the ledger the processor flushes into
type TransactionWriter interface {
	AddTransaction(ctx context.Context, tx storage.Transaction) error
}

// ProcessorConfig sizes the buffer and the flush behaviour
type ProcessorConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Workers       int
}

// TransactionProcessor buffers validated sales and writes them to the ledger in batches
type TransactionProcessor struct {
	writer        TransactionWriter
	validator     *TransactionValidator
	logger        logrus.FieldLogger
	metrics       *metrics.Forecast
	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	workers       int

	buffer      []storage.Transaction
	bufferMutex sync.Mutex
	flushMutex  sync.Mutex
	isRunning   bool
	stopChan    chan struct{}
	wg          sync.WaitGroup

	stats struct {
		TotalIngested    int64
		TotalProcessed   int64
		TotalErrors      int64
		BatchesProcessed int64
		mu               sync.RWMutex
	}
}

// Stats is a snapshot of processor counters
type Stats struct {
	TotalIngested    int64 `json:"total_ingested"`
	TotalProcessed   int64 `json:"total_processed"`
	TotalErrors      int64 `json:"total_errors"`
	BatchesProcessed int64 `json:"batches_processed"`
	Buffered         int   `json:"buffered"`
}

// BatchResult reports how a batch submission was split
type BatchResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// NewTransactionProcessor creates a stopped processor; call Start before ingesting
func NewTransactionProcessor(writer TransactionWriter, validator *TransactionValidator, cfg ProcessorConfig, logger logrus.FieldLogger, m *metrics.Forecast) *TransactionProcessor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.BufferSize {
		cfg.BatchSize = cfg.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if validator == nil {
		validator = NewTransactionValidator()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &TransactionProcessor{
		writer:        writer,
		validator:     validator,
		logger:        logger.WithField("component", "ingestion"),
		metrics:       m,
		bufferSize:    cfg.BufferSize,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		workers:       cfg.Workers,
		buffer:        make([]storage.Transaction, 0, cfg.BufferSize),
		stopChan:      make(chan struct{}),
	}
}

// Start begins the periodic flush routine
func (p *TransactionProcessor) Start(ctx context.Context) error {
	p.bufferMutex.Lock()
	if p.isRunning {
		p.bufferMutex.Unlock()
		return fmt.Errorf("transaction processor already running")
	}
	p.isRunning = true
	p.bufferMutex.Unlock()

	p.wg.Add(1)
	go p.flushRoutine(ctx)

	p.logger.WithFields(logrus.Fields{
		"batch_size":     p.batchSize,
		"flush_interval": p.flushInterval,
	}).Info("transaction processor started")
	return nil
}

// Stop halts the flush routine and writes whatever is still buffered
func (p *TransactionProcessor) Stop() {
	p.bufferMutex.Lock()
	if !p.isRunning {
		p.bufferMutex.Unlock()
		return
	}
	p.isRunning = false
	p.bufferMutex.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.Flush(context.Background())
	p.logger.Info("transaction processor stopped")
}

// Ingest validates a transaction and adds it to the buffer
func (p *TransactionProcessor) Ingest(ctx context.Context, tx storage.Transaction) error {
	if err := p.validator.Validate(tx); err != nil {
		p.incrementErrorCount()
		p.metrics.TransactionIngested("rejected")
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}

	p.bufferMutex.Lock()
	if !p.isRunning {
		p.bufferMutex.Unlock()
		return ErrNotRunning
	}
	for len(p.buffer) >= p.bufferSize {
		p.bufferMutex.Unlock()
		p.Flush(ctx)
		p.bufferMutex.Lock()
		// Stop may have run its final flush while this one waited
		if !p.isRunning {
			p.bufferMutex.Unlock()
			return ErrNotRunning
		}
	}
	p.buffer = append(p.buffer, tx)
	full := len(p.buffer) >= p.batchSize
	p.bufferMutex.Unlock()

	p.incrementIngestedCount()
	p.metrics.TransactionIngested("accepted")

	if full {
		p.Flush(ctx)
	}
	return nil
}

// IngestBatch ingests every transaction it can and reports the rejects
func (p *TransactionProcessor) IngestBatch(ctx context.Context, txs []storage.Transaction) (BatchResult, error) {
	var result BatchResult
	for i, tx := range txs {
		if err := p.Ingest(ctx, tx); err != nil {
			if errors.Is(err, ErrNotRunning) {
				return result, err
			}
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("transaction %d: %v", i, err))
			continue
		}
		result.Accepted++
	}
	return result, nil
}

// IngestJSON decodes and ingests a single transaction
func (p *TransactionProcessor) IngestJSON(ctx context.Context, data []byte) error {
	var tx storage.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		p.incrementErrorCount()
		return fmt.Errorf("%w: JSON parsing failed: %w", ErrValidation, err)
	}
	return p.Ingest(ctx, tx)
}

// IngestJSONBatch decodes and ingests an array of transactions
func (p *TransactionProcessor) IngestJSONBatch(ctx context.Context, data []byte) (BatchResult, error) {
	var txs []storage.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		p.incrementErrorCount()
		return BatchResult{}, fmt.Errorf("%w: JSON parsing failed: %w", ErrValidation, err)
	}
	return p.IngestBatch(ctx, txs)
}

func (p *TransactionProcessor) flushRoutine(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush writes the buffered transactions to the ledger
func (p *TransactionProcessor) Flush(ctx context.Context) {
	// one flush at a time keeps batches in arrival order
	p.flushMutex.Lock()
	defer p.flushMutex.Unlock()

	p.bufferMutex.Lock()
	if len(p.buffer) == 0 {
		p.bufferMutex.Unlock()
		return
	}
	batch := make([]storage.Transaction, len(p.buffer))
	copy(batch, p.buffer)
	p.buffer = p.buffer[:0]
	p.bufferMutex.Unlock()

	p.processBatch(ctx, batch)
	p.incrementBatchCount()
}

func (p *TransactionProcessor) processBatch(ctx context.Context, batch []storage.Transaction) {
	// a stopped parent context must not drop the final flush
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, tx := range batch {
		tx := tx
		g.Go(func() error {
			if err := p.writer.AddTransaction(ctx, tx); err != nil {
				p.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("failed to store transaction")
				p.incrementErrorCount()
				p.metrics.TransactionIngested("failed")
				return nil
			}
			p.incrementProcessedCount()
			p.metrics.TransactionIngested("stored")
			return nil
		})
	}
	_ = g.Wait()

	p.logger.WithField("transactions", len(batch)).Debug("flushed transaction batch")
}

func (p *TransactionProcessor) incrementIngestedCount() {
	p.stats.mu.Lock()
	p.stats.TotalIngested++
	p.stats.mu.Unlock()
}

func (p *TransactionProcessor) incrementProcessedCount() {
	p.stats.mu.Lock()
	p.stats.TotalProcessed++
	p.stats.mu.Unlock()
}

func (p *TransactionProcessor) incrementErrorCount() {
	p.stats.mu.Lock()
	p.stats.TotalErrors++
	p.stats.mu.Unlock()
}

func (p *TransactionProcessor) incrementBatchCount() {
	p.stats.mu.Lock()
	p.stats.BatchesProcessed++
	p.stats.mu.Unlock()
}

// GetStats returns current processing statistics
func (p *TransactionProcessor) GetStats() Stats {
	p.stats.mu.RLock()
	s := Stats{
		TotalIngested:    p.stats.TotalIngested,
		TotalProcessed:   p.stats.TotalProcessed,
		TotalErrors:      p.stats.TotalErrors,
		BatchesProcessed: p.stats.BatchesProcessed,
	}
	p.stats.mu.RUnlock()

	s.Buffered = p.GetBufferSize()
	return s
}

// GetBufferSize returns current buffer utilization
func (p *TransactionProcessor) GetBufferSize() int {
	p.bufferMutex.Lock()
	defer p.bufferMutex.Unlock()
	return len(p.buffer)
}

// IsRunning returns whether the processor is active
func (p *TransactionProcessor) IsRunning() bool {
	p.bufferMutex.Lock()
	defer p.bufferMutex.Unlock()
	return p.isRunning
}

// GetValidator returns the validator for configuration
func (p *TransactionProcessor) GetValidator() *TransactionValidator {
	return p.validator
}
