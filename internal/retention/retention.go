package retention

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

// Store deletes history rows that closed before a cutoff
type Store interface {
	PruneClosedBefore(cutoff time.Time) (int64, error)
}

// Service periodically prunes room history older than the retention window
type Service struct {
	store  Store
	config Config
	log    logrus.FieldLogger
	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(store Store, config Config, log logrus.FieldLogger) *Service {
	return &Service{
		store:  store,
		config: config,
		log:    log.WithField("component", "retention"),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithFields(logrus.Fields{
		"interval":  s.config.Interval,
		"retention": s.config.Retention,
	}).Info("Retention service started")
}

func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.log.Info("Retention service stopped")
	})
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.prune()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Service) prune() {
	if _, err := s.PruneNow(); err != nil {
		s.log.WithError(err).Error("Failed to prune room history")
	}
}

// Deletes everything that closed before now minus the retention window
func (s *Service) PruneNow() (int64, error) {
	cutoff := s.now().Add(-s.config.Retention)
	pruned, err := s.store.PruneClosedBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.log.WithFields(logrus.Fields{
			"pruned": pruned,
			"cutoff": cutoff,
		}).Info("Pruned room history")
	}
	return pruned, nil
}
