package zone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediazones/internal/command"
	"mediazones/internal/engine"
)

// speechQueueMax bounds pending narration. Enqueue past the bound fails
// fast rather than building unbounded backlog.
const speechQueueMax = 32

// speechMaxWait caps how long one clip may take before the runner gives up
// and moves on.
const speechMaxWait = 5 * time.Minute

// speechItem is one queued narration clip. done receives the final
// outcome exactly once.
type speechItem struct {
	cmd    command.Command
	path   string
	volume int
	done   chan command.Outcome
}

// speechRunner plays narration clips strictly FIFO on a dedicated engine
// session, registering a duck trigger for the clip's lifetime. Duck
// mutations are handed back to the owning controller so the zone's
// single-owner discipline holds.
type speechRunner struct {
	zone    string
	session *engine.Session
	logger  *zap.Logger

	// beginDuck and endDuck run on the controller's command loop.
	beginDuck func(triggerID string)
	endDuck   func(triggerID string)

	queue chan speechItem
	ended chan string // end-file reasons from the speech session

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

func newSpeechRunner(zone string, session *engine.Session, beginDuck, endDuck func(string), logger *zap.Logger) *speechRunner {
	r := &speechRunner{
		zone:      zone,
		session:   session,
		logger:    logger.Named("speech"),
		beginDuck: beginDuck,
		endDuck:   endDuck,
		queue:     make(chan speechItem, speechQueueMax),
		ended:     make(chan string, 4),
		shutdown:  make(chan struct{}),
	}
	session.OnEvent(func(ev engine.Event) {
		if ev.Kind == engine.EventEndFile {
			select {
			case r.ended <- ev.Reason:
			default:
			}
		}
	})
	r.wg.Add(1)
	go r.run()
	return r
}

// enqueue adds one clip. The returned channel yields the clip's final
// outcome once playback finishes or errors.
func (r *speechRunner) enqueue(cmd command.Command, path string, volume int) (<-chan command.Outcome, error) {
	item := speechItem{cmd: cmd, path: path, volume: volume, done: make(chan command.Outcome, 1)}
	select {
	case r.queue <- item:
		return item.done, nil
	case <-r.shutdown:
		return nil, fmt.Errorf("speech: zone shutting down")
	default:
		return nil, fmt.Errorf("speech: queue full (%d pending)", speechQueueMax)
	}
}

func (r *speechRunner) pending() int { return len(r.queue) }

func (r *speechRunner) stop() {
	r.once.Do(func() { close(r.shutdown) })
	r.wg.Wait()
}

func (r *speechRunner) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.shutdown:
			r.drainReject()
			return
		case item := <-r.queue:
			item.done <- r.play(item)
		}
	}
}

// drainReject fails any items still queued at shutdown so their waiters
// are released.
func (r *speechRunner) drainReject() {
	for {
		select {
		case item := <-r.queue:
			item.done <- command.Failedf(item.cmd, command.ErrorCodeSubsystemUnavailable, "zone shut down before speech played")
		default:
			return
		}
	}
}

func (r *speechRunner) play(item speechItem) command.Outcome {
	triggerID := "speech-" + uuid.NewString()
	r.beginDuck(triggerID)
	defer r.endDuck(triggerID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Drop any stale end notification from a previous clip.
	select {
	case <-r.ended:
	default:
	}

	if err := r.session.SetVolume(ctx, item.volume); err != nil {
		r.logger.Warn("Setting speech volume failed", zap.Error(err))
	}
	if err := r.session.LoadMedia(ctx, item.path, engine.LoadOptions{}); err != nil {
		r.logger.Error("Speech load failed", zap.String("path", item.path), zap.Error(err))
		return command.Failedf(item.cmd, mapEngineError(err), "loading speech %s: %v", item.path, err)
	}

	r.logger.Info("Speech playing", zap.String("path", item.path), zap.Int("volume", item.volume))

	select {
	case reason := <-r.ended:
		if reason == engine.EndReasonError {
			return command.Failedf(item.cmd, command.ErrorCodePlayError, "speech playback error for %s", item.path)
		}
		return command.Success(item.cmd)
	case <-time.After(speechMaxWait):
		r.session.Stop(context.Background())
		return command.Failedf(item.cmd, command.ErrorCodeTimeout, "speech never finished: %s", item.path)
	case <-r.shutdown:
		r.session.Stop(context.Background())
		return command.Failedf(item.cmd, command.ErrorCodeSubsystemUnavailable, "zone shut down during speech")
	}
}
