package notify

import (
	"context"

	"github.com/dsrlabs/bastion/pkg/events"
)

// alertTypes are the broker events worth waking an operator for
var alertTypes = map[events.EventType]bool{
	events.EventBreakerOpened:      true,
	events.EventPoolWarning:        true,
	events.EventBackupFailed:       true,
	events.EventFailoverStarted:    true,
	events.EventFailoverFailed:     true,
	events.EventFailoverRolledBack: true,
	events.EventDisasterDetected:   true,
	events.EventObjectiveBreach:    true,
}

// Forwarder turns alert-worthy broker events into notifications
type Forwarder struct {
	broker   *events.Broker
	notifier Notifier

	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewForwarder creates a forwarder; Start subscribes it
func NewForwarder(broker *events.Broker, notifier Notifier) *Forwarder {
	return &Forwarder{
		broker:   broker,
		notifier: notifier,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins forwarding events
func (f *Forwarder) Start() {
	f.sub = f.broker.Subscribe()
	go f.run()
}

// Stop terminates forwarding
func (f *Forwarder) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

func (f *Forwarder) run() {
	defer close(f.doneCh)
	for {
		select {
		case event, ok := <-f.sub:
			if !ok {
				return
			}
			if !alertTypes[event.Type] {
				continue
			}
			f.notifier.Notify(context.Background(), string(event.Type), event.Message, event.Metadata)
		case <-f.stopCh:
			return
		}
	}
}
