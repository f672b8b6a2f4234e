package nats

import (
	"log/slog"
	"os"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ConnectOptions configure the client connection of an EventStore.
type ConnectOptions struct {
	URL  string
	Name string // Name is reported to the server and shows up in its monitoring
	// MaxReconnects bounds reconnect attempts after a disconnect. Zero keeps
	// the nats.go default, a negative value retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Log           *slog.Logger
}

func (o ConnectOptions) natsOptions() []natsgo.Option {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}

	opts := []natsgo.Option{
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info("nats reconnected", slog.String("server", nc.ConnectedUrlRedacted()))
		}),
	}
	if o.Name != "" {
		opts = append(opts, natsgo.Name(o.Name))
	}
	if o.MaxReconnects != 0 {
		opts = append(opts, natsgo.MaxReconnects(o.MaxReconnects))
	}
	if o.ReconnectWait > 0 {
		opts = append(opts, natsgo.ReconnectWait(o.ReconnectWait))
	}
	return opts
}

func Connect(o ConnectOptions) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(o.URL, o.natsOptions()...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

func ConnectURL(natsURL string) Connector {
	return Connect(ConnectOptions{URL: natsURL, MaxReconnects: 3})
}

func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
