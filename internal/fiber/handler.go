package fiber

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danmuck/homelink/internal/connmgr"
	"github.com/danmuck/homelink/internal/protocol/frame"
	"github.com/danmuck/homelink/internal/protocol/schema"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/rs/zerolog"
)

var ErrUnexpectedMessage = errors.New("fiber: unexpected message kind")

const (
	HeaderPluginID = "X-Plugin-Id"
	HeaderAPIKey   = "X-Api-Key"
)

// Credentials supplies the identity from the last successful tunnel
// handshake. ok is false until one has completed.
type Credentials interface {
	FiberAuth() (pluginID, apiKey string, ok bool)
}

// Handler serves the fiber connection for a connmgr.Manager.
type Handler struct {
	client *Client
	creds  Credentials
	limits frame.Limits
	log    zerolog.Logger
}

func NewHandler(client *Client, creds Credentials, limits frame.Limits, log zerolog.Logger) *Handler {
	if limits.MaxFrameBytes == 0 {
		limits = frame.DefaultLimits()
	}
	return &Handler{client: client, creds: creds, limits: limits, log: log}
}

func (h *Handler) Header() http.Header {
	pluginID, apiKey, ok := h.creds.FiberAuth()
	if !ok {
		return nil
	}
	return http.Header{
		HeaderPluginID: {pluginID},
		HeaderAPIKey:   {apiKey},
	}
}

// Serve attaches the client to link and feeds it inbound frames until the
// connection ends. The client is reset on the way out.
func (h *Handler) Serve(ctx context.Context, ctl *connmgr.Controller, link connmgr.Link) error {
	h.client.Attach(link)
	defer h.client.Reset()
	ctl.MarkHealthy()
	h.log.Info().Msgf("fiber.Handler connected session=%d", ctl.SessionID())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-link.Done():
			return link.Err()
		case buf := <-link.Recv():
			msg, err := wire.Decode(buf, h.limits)
			if err != nil {
				return err
			}
			if msg.Kind != schema.KindSageStream {
				return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind)
			}
			if err := h.client.HandleMessage(msg.Sage); err != nil {
				return err
			}
		}
	}
}
