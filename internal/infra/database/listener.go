package database

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"medication_dose_tracker/internal/live"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// notificationSource is the part of *pq.Listener the bridge depends on.
type notificationSource interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// ChangeListener forwards NOTIFY messages from the table triggers into a live.Hub, so that
// writes made through other connections refresh subscriptions too.
type ChangeListener struct {
	source notificationSource
	hub    *live.Hub
	log    *logrus.Entry
}

// NewChangeListener connects a pq.Listener to dsn and subscribes it to ChangeChannel.
func NewChangeListener(dsn string, hub *live.Hub, log *logrus.Entry) (*ChangeListener, error) {
	l := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("Change listener connection event.")
		}
	})
	if err := l.Listen(ChangeChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}
	return newChangeListener(l, hub, log), nil
}

func newChangeListener(source notificationSource, hub *live.Hub, log *logrus.Entry) *ChangeListener {
	return &ChangeListener{source: source, hub: hub, log: log}
}

// Run forwards notifications until ctx is done, then closes the listener.
func (c *ChangeListener) Run(ctx context.Context) error {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	notifications := c.source.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			if err := c.source.Close(); err != nil {
				return fmt.Errorf("failed to close change listener: %w", err)
			}
			return nil
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			c.forward(n)
		case <-ticker.C:
			if err := c.source.Ping(); err != nil {
				c.log.WithError(err).Warn("Change listener ping failed.")
			}
		}
	}
}

func (c *ChangeListener) forward(n *pq.Notification) {
	// pq delivers nil after a reconnect; anything may have changed while we were away.
	if n == nil {
		c.log.Info("Change listener reconnected, refreshing all subscriptions.")
		c.hub.Publish(live.AllTables...)
		return
	}

	table := live.Table(n.Extra)
	switch table {
	case live.TableTreatments, live.TableDoses:
		c.hub.Publish(table)
	default:
		c.log.WithField("payload", n.Extra).Debug("Ignoring notification for unknown table.")
	}
}
