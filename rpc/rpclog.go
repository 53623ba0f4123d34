package rpc

import (
	"github.com/rs/zerolog"

	capnp "github.com/tunnelwire/capnp/capnp"
)

// LogTransport wraps a Transport and logs every outbound message at debug
// level, following cloudflared's tunnelrpc logtransport decorator: rather
// than a text-encoding pretty-printer (which needs a compiled schema this
// module doesn't have), it logs the message's tag and segment count.
type LogTransport struct {
	Transport
	log *zerolog.Logger
}

// NewLogTransport decorates t so every message it sends is logged through
// log at debug level.
func NewLogTransport(log *zerolog.Logger, t Transport) *LogTransport {
	return &LogTransport{Transport: t, log: log}
}

func (t *LogTransport) SendMessage(msg *capnp.Message) error {
	env, err := ParseEnvelope(msg)
	if err != nil {
		t.log.Debug().Err(err).Msg("rpc: tx unparseable message")
	} else {
		t.log.Debug().Str("tag", env.Tag().String()).Int("segments", msg.NumSegments()).Msg("rpc: tx")
	}
	return t.Transport.SendMessage(msg)
}

// logInbound is called by Peer.Deliver before dispatch, since inbound
// messages arrive through the Peer rather than through a Transport method
// this decorator can wrap.
func logInbound(log *zerolog.Logger, env *Envelope) {
	if log == nil {
		return
	}
	log.Debug().Str("tag", env.Tag().String()).Msg("rpc: rx")
}
