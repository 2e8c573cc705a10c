package store

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/windlass/tradegate/bus"
)

const maxWriteRetries = 3

// writeRetryDelay scales the pause between failed batch writes.
var writeRetryDelay = time.Second

// RecorderConfig parameterizes a Recorder.
type RecorderConfig struct {
	// Enabled turns quote recording on. A disabled Recorder drops all input.
	Enabled bool
	// BufferSize triggers an immediate flush when reached, default 100.
	BufferSize int
	// FlushInterval is the periodic flush cadence, default 5s.
	FlushInterval time.Duration
}

// RecorderStats reports Recorder counters.
type RecorderStats struct {
	Enabled           bool      `json:"enabled"`
	Running           bool      `json:"running"`
	Buffered          int       `json:"buffer_size"`
	Capacity          int       `json:"buffer_capacity"`
	FlushIntervalSecs float64   `json:"flush_interval"`
	Stored            int64     `json:"total_quotes_stored"`
	Flushes           int64     `json:"total_flush_count"`
	LastFlush         time.Time `json:"last_flush_time,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// Recorder buffers published quotes and batch-writes them to quote_history.
// Recording is isolated from the publish path: a failed write never blocks
// or fails quote delivery.
type Recorder struct {
	store *Store
	cfg   RecorderConfig

	mu        sync.Mutex
	buffer    []QuoteRow
	running   bool
	stored    int64
	flushes   int64
	errStreak int
	lastFlush time.Time

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewRecorder builds a Recorder writing to |s|.
func NewRecorder(s *Store, cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Recorder{
		store: s,
		cfg:   cfg,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the background flush loop. It is a no-op when recording
// is disabled.
func (r *Recorder) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		log.Info("quote recorder disabled")
		close(r.done)
		return
	}
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"bufferSize":    r.cfg.BufferSize,
		"flushInterval": r.cfg.FlushInterval,
	}).Info("quote recorder started")

	go r.serve(ctx)
}

func (r *Recorder) serve(ctx context.Context) {
	defer close(r.done)

	var ticker = time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush(ctx)
		case <-r.kick:
			r.flush(ctx)
		case <-ctx.Done():
			r.flush(context.Background())
			return
		case <-r.stop:
			r.flush(ctx)
			return
		}
	}
}

// Stop flushes remaining buffered quotes and halts the loop.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stop)
	<-r.done

	var stats = r.Stats()
	log.WithFields(log.Fields{
		"stored":  stats.Stored,
		"flushes": stats.Flushes,
	}).Info("quote recorder stopped")
}

// Record buffers one quote. It returns whether the quote was accepted.
func (r *Recorder) Record(q bus.Quote) bool {
	if !r.cfg.Enabled {
		return false
	}
	if q.Symbol == "" || q.Code == "" {
		log.WithFields(log.Fields{
			"symbol": q.Symbol,
			"code":   q.Code,
		}).Warn("dropping quote without symbol or code")
		return false
	}

	var at time.Time
	if q.Timestamp > 0 {
		at = time.UnixMilli(q.Timestamp).UTC()
	} else {
		at = time.Now().UTC()
	}
	var row = QuoteRow{
		Symbol:      q.Symbol,
		Code:        q.Code,
		QuoteType:   string(q.Type),
		Close:       q.Close,
		Open:        q.Open,
		High:        q.High,
		Low:         q.Low,
		ChangePrice: q.ChangePrice,
		ChangeRate:  q.ChangeRate,
		Volume:      q.Volume,
		TotalVolume: q.TotalVolume,
		BuyPrice:    q.BuyPrice,
		SellPrice:   q.SellPrice,
		BuyVolume:   q.BuyVolume,
		SellVolume:  q.SellVolume,
		QuoteTime:   at,
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, row)
	var full = len(r.buffer) >= r.cfg.BufferSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default: // A flush is already pending.
		}
	}
	return true
}

// flush drains the buffer and batch-writes it, retrying transient failures.
// A batch that cannot be written after all retries is dropped.
func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	var batch = r.buffer
	r.buffer = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for attempt := 1; attempt <= maxWriteRetries; attempt++ {
		var err = r.store.InsertQuotes(ctx, batch)
		if err == nil {
			r.mu.Lock()
			r.stored += int64(len(batch))
			var stored = r.stored
			quotesStoredCounter.Add(float64(len(batch)))
			r.flushes++
			r.errStreak = 0
			r.lastFlush = time.Now()
			r.mu.Unlock()

			log.WithFields(log.Fields{
				"batch":  len(batch),
				"stored": stored,
			}).Debug("flushed quote batch")
			return
		}

		r.mu.Lock()
		r.errStreak++
		r.mu.Unlock()

		log.WithFields(log.Fields{
			"attempt": attempt,
			"batch":   len(batch),
			"err":     err,
		}).Error("quote batch write failed")

		if attempt < maxWriteRetries {
			time.Sleep(time.Duration(attempt) * writeRetryDelay)
		}
	}
	quotesLostCounter.Add(float64(len(batch)))
	log.WithField("lost", len(batch)).Error("dropping quote batch after retries")
}

// Stats returns a snapshot of Recorder counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{
		Enabled:           r.cfg.Enabled,
		Running:           r.running,
		Buffered:          len(r.buffer),
		Capacity:          r.cfg.BufferSize,
		FlushIntervalSecs: r.cfg.FlushInterval.Seconds(),
		Stored:            r.stored,
		Flushes:           r.flushes,
		LastFlush:         r.lastFlush,
		ConsecutiveErrors: r.errStreak,
	}
}
