package session

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wagate/internal/types"
)

// Gateway performs outbound operations on Ready connections. It never retries.
type Gateway struct {
	registry *Registry
	norm     Normalizer
}

func NewGateway(registry *Registry, norm Normalizer) *Gateway {
	return &Gateway{registry: registry, norm: norm}
}

// SendText sends body to every target concurrently. It fails with a *types.PartialDispatchError
// naming the targets whose send failed; successful sends are left as they are.
func (g *Gateway) SendText(ctx context.Context, deviceID string, targets []string, body string) error {
	if strings.TrimSpace(body) == "" {
		return types.Err(types.ErrInvalidRequest, nil, "message is required")
	}
	h, err := g.ready(deviceID, targets)
	if err != nil {
		return err
	}
	return g.fanOut(ctx, h, targets, func(ctx context.Context, target string) error {
		return h.client.SendText(ctx, target, body)
	})
}

// SendMedia sends one attachment with an optional caption to every target concurrently.
func (g *Gateway) SendMedia(ctx context.Context, deviceID string, targets []string, media types.Media, caption string) error {
	if len(media.Data) == 0 {
		return types.Err(types.ErrInvalidRequest, nil, "no file uploaded")
	}
	if media.MimeType == "" {
		media.MimeType = "application/octet-stream"
	}
	h, err := g.ready(deviceID, targets)
	if err != nil {
		return err
	}
	return g.fanOut(ctx, h, targets, func(ctx context.Context, target string) error {
		return h.client.SendMedia(ctx, target, media, caption)
	})
}

// ListGroupChats returns the device's group conversations.
func (g *Gateway) ListGroupChats(ctx context.Context, deviceID string) ([]types.Chat, error) {
	h, err := g.resolve(deviceID)
	if err != nil {
		return nil, err
	}
	chats, err := h.client.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]types.Chat, 0, len(chats))
	for _, c := range chats {
		if c.IsGroup {
			groups = append(groups, c)
		}
	}
	return groups, nil
}

func (g *Gateway) ready(deviceID string, targets []string) (*Handle, error) {
	if len(targets) == 0 {
		return nil, types.Err(types.ErrInvalidRequest, nil, "target is required")
	}
	for _, t := range targets {
		if strings.TrimSpace(t) == "" {
			return nil, types.Err(types.ErrInvalidRequest, nil, "target must not be empty")
		}
	}
	return g.resolve(deviceID)
}

// resolve returns the device's handle if and only if it is Ready.
func (g *Gateway) resolve(deviceID string) (*Handle, error) {
	h, ok := g.registry.Get(deviceID)
	if !ok {
		return nil, &types.NotReadyError{DeviceID: deviceID, State: g.registry.State(deviceID)}
	}
	if s := h.State(); s != types.StateReady {
		return nil, &types.NotReadyError{DeviceID: deviceID, State: s}
	}
	return h, nil
}

func (g *Gateway) fanOut(ctx context.Context, h *Handle, targets []string, send func(ctx context.Context, target string) error) error {
	normalized := g.norm.NormalizeAll(targets)
	errs := make([]error, len(normalized))

	var eg errgroup.Group
	for i, target := range normalized {
		eg.Go(func() error {
			errs[i] = send(ctx, target)
			return nil
		})
	}
	_ = eg.Wait()

	var failed []types.TargetError
	for i, err := range errs {
		if err != nil {
			failed = append(failed, types.TargetError{Target: normalized[i], Err: err})
		}
	}
	if len(failed) == 0 {
		return nil
	}
	perr := &types.PartialDispatchError{DeviceID: h.id, Total: len(normalized), Failed: failed}
	log.WithError(perr).WithField("deviceID", h.id).Warn("dispatch partially failed")
	return perr
}
