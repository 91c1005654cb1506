package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/channel-warden/host"
)

var _ host.Host = (*Hub)(nil)

// request calls method with the default timeout and maps the extension's
// not_found code to host.ErrNotFound.
func (h *Hub) request(ctx context.Context, method string, params, out any) error {
	err := h.call(ctx, method, params, out, h.opts.RequestTimeout)
	var re *RemoteError
	if errors.As(err, &re) && re.Code == CodeNotFound {
		return fmt.Errorf("%s: %w", re.Message, host.ErrNotFound)
	}
	return err
}

type tabParams struct {
	TabID int `json:"tabId"`
}

func (h *Hub) Open(ctx context.Context, req host.OpenRequest) (host.Artifact, error) {
	var a host.Artifact
	if err := h.request(ctx, MethodOpen, req, &a); err != nil {
		return host.Artifact{}, err
	}
	return a, nil
}

func (h *Hub) Exists(ctx context.Context, a host.Artifact) (bool, error) {
	var res struct {
		Exists bool `json:"exists"`
	}
	if err := h.request(ctx, MethodExists, a, &res); err != nil {
		if errors.Is(err, host.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return res.Exists, nil
}

func (h *Hub) Remove(ctx context.Context, a host.Artifact) error {
	return h.request(ctx, MethodRemove, a, nil)
}

func (h *Hub) List(ctx context.Context, kind host.Kind) ([]int, error) {
	var res struct {
		IDs []int `json:"ids"`
	}
	if err := h.request(ctx, MethodList, map[string]host.Kind{"kind": kind}, &res); err != nil {
		return nil, err
	}
	return res.IDs, nil
}

func (h *Hub) Mute(ctx context.Context, tabID int) error {
	return h.request(ctx, MethodMute, tabParams{TabID: tabID}, nil)
}

func (h *Hub) SetWindowState(ctx context.Context, windowID int, state host.WindowState) error {
	params := struct {
		WindowID int              `json:"windowId"`
		State    host.WindowState `json:"state"`
	}{windowID, state}
	return h.request(ctx, MethodSetWindowState, params, nil)
}

func (h *Hub) GetTab(ctx context.Context, tabID int) (host.Tab, error) {
	var t host.Tab
	if err := h.request(ctx, MethodGetTab, tabParams{TabID: tabID}, &t); err != nil {
		return host.Tab{}, err
	}
	return t, nil
}

func (h *Hub) QueryTabs(ctx context.Context, pattern string) ([]host.Tab, error) {
	var res struct {
		Tabs []host.Tab `json:"tabs"`
	}
	if err := h.request(ctx, MethodQueryTabs, map[string]string{"url": pattern}, &res); err != nil {
		return nil, err
	}
	return res.Tabs, nil
}

func (h *Hub) SendToTab(ctx context.Context, tabID int, msg any) error {
	params := struct {
		TabID   int `json:"tabId"`
		Message any `json:"message"`
	}{tabID, msg}
	return h.request(ctx, MethodSendToTab, params, nil)
}

// Authorize runs the extension's web auth flow for authURL and returns the
// redirect URL. Only ctx bounds the wait since the user may take minutes.
func (h *Hub) Authorize(ctx context.Context, authURL string) (string, error) {
	params := struct {
		URL         string `json:"url"`
		Interactive bool   `json:"interactive"`
	}{authURL, true}
	var res struct {
		RedirectURL string `json:"redirectUrl"`
	}
	if err := h.call(ctx, MethodLaunchWebAuthFlow, params, &res, 0); err != nil {
		return "", err
	}
	if res.RedirectURL == "" {
		return "", errors.New("bridge: auth flow returned no redirect")
	}
	return res.RedirectURL, nil
}
