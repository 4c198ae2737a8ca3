package gitsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var publishCounter *prometheus.CounterVec

func init() {
	publishCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_analysis_publish_total",
			Help: "Total number of analysis publish attempts by result.",
		},
		[]string{"result"},
	)
	prometheus.MustRegister(publishCounter)
}

// ErrClosed wird nach Close von Sync zurückgegeben.
var ErrClosed = errors.New("publisher closed")

// Remote ist die Schnittstelle des Publishers zum git working tree.
type Remote interface {
	Publish(ctx context.Context, name, previous, message string) error
	Pull(ctx context.Context) error
}

type job struct {
	name     string
	previous string
}

// Publisher veröffentlicht Analyse-Verzeichnisse im Hintergrund. Fehler werden
// protokolliert und gezählt, aber nie an den Aufrufer gemeldet.
type Publisher struct {
	remote  Remote
	logger  *zap.Logger
	workers int
	queue   chan job

	mu      sync.Mutex
	pending map[string]bool
	closed  bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewPublisher erstellt einen Publisher mit workers Goroutinen und einer Warteschlange der Länge size.
func NewPublisher(remote Remote, workers, size int, logger *zap.Logger) *Publisher {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &Publisher{
		remote:  remote,
		logger:  logger,
		workers: workers,
		queue:   make(chan job, size),
		pending: map[string]bool{},
	}
}

// Start startet die Worker. Sie laufen, bis ctx endet oder Close aufgerufen wird.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
}

// Publish reiht name ein. Ist name schon eingereiht, wird der Auftrag zusammengelegt;
// ist die Warteschlange voll, wird er verworfen und beim nächsten Edit nachgeholt.
func (p *Publisher) Publish(name, previous string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.logger.With(zap.String("dataset", name))
	if p.closed {
		log.Warn("Publisher closed, analysis not published")
		publishCounter.WithLabelValues("dropped").Inc()
		return
	}
	if p.pending[name] && previous == "" {
		log.Debug("Publish already queued")
		publishCounter.WithLabelValues("coalesced").Inc()
		return
	}

	select {
	case p.queue <- job{name: name, previous: previous}:
		p.pending[name] = true
	default:
		log.Warn("Publish queue full, dropping job")
		publishCounter.WithLabelValues("dropped").Inc()
	}
}

func (p *Publisher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.mu.Lock()
			delete(p.pending, j.name)
			p.mu.Unlock()
			p.run(ctx, j)
		}
	}
}

func (p *Publisher) run(ctx context.Context, j job) {
	log := p.logger.With(zap.String("dataset", j.name))
	if j.previous != "" {
		log = log.With(zap.String("previous", j.previous))
	}

	message := fmt.Sprintf("Add analysis for %s", j.name)
	if err := p.remote.Publish(ctx, j.name, j.previous, message); err != nil {
		log.Error("Failed to push analysis to git", zap.Error(err))
		publishCounter.WithLabelValues("error").Inc()
		return
	}
	log.Info("Analysis pushed to git")
	publishCounter.WithLabelValues("ok").Inc()
}

// Sync holt den Remote-Stand synchron.
func (p *Publisher) Sync(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := p.remote.Pull(ctx); err != nil {
		p.logger.Error("Git sync failed", zap.Error(err))
		return err
	}
	p.logger.Info("Git sync done")
	return nil
}

// Close nimmt keine Aufträge mehr an, arbeitet die Warteschlange ab und wartet auf die Worker.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if p.group == nil {
		return nil
	}
	err := p.group.Wait()
	p.cancel()
	return err
}
