package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/patchverify/patchverify/pkg/types"
)

// DefaultSubject is the NATS subject reports are published on.
const DefaultSubject = "patchverify.scans"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes the report JSON on a subject.
type NATSNotifier struct {
	conn    publisher
	nc      *nats.Conn
	Subject string
}

// NewNATSNotifier connects to url.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("patchverify"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats: disconnected: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{conn: nc, nc: nc, Subject: subject}, nil
}

func (n *NATSNotifier) Notify(_ context.Context, report *types.ScanReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", n.Subject, err)
	}
	log.Debugf("nats: published scan %s on %s", report.ScanID, n.Subject)
	return nil
}

// Close flushes pending publishes and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
