package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter buffers security events and writes them in the background so
// the submission path never waits on the database.
type AuditWriter struct {
	store   EventStore
	ch      chan *SecurityEvent
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration
}

func NewAuditWriter(store EventStore, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:   store,
		ch:      make(chan *SecurityEvent, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues an event. A full buffer drops the event rather than block.
func (w *AuditWriter) Log(event *SecurityEvent) {
	select {
	case w.ch <- event:
	default:
		log.Warn().Str("type", event.Type).Msg("audit buffer full, dropping event")
	}
}

// Flush stops the writer after draining queued events, waiting at most timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case event := <-w.ch:
			w.writeWithRetry(event)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case event := <-w.ch:
					w.writeWithRetry(event)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(event *SecurityEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.LogSecurityEvent(ctx, event)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("type", event.Type).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("type", event.Type).
				Msg("audit write failed permanently after retries")
		}
	}
}
