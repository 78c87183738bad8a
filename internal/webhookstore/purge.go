package webhookstore

import (
	"context"
	"log/slog"
	"time"
)

// StartPurge launches the background purge loop. It is a no-op if the loop
// is already running. logger may be nil to use the default logger.
func (s *Store) StartPurge(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.purgeLoop(s.stopCh, logger)
}

// StopPurge stops the background purge loop and waits for it to exit.
// It is a no-op if the loop is not running.
func (s *Store) StopPurge() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	s.wg.Wait()
}

// purgeLoop deletes expired solutions every purge interval until stopped.
func (s *Store) purgeLoop(stop <-chan struct{}, logger *slog.Logger) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deleted, err := s.PurgeOnce(context.Background())
			if err != nil {
				logger.Error("solution purge failed", slog.String("error", err.Error()))
				continue
			}
			if deleted > 0 {
				logger.Info("purged expired solutions", slog.Int64("deleted", deleted))
			}
		}
	}
}
