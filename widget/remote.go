// Package widget provides the built-in component kinds hosted by modhost.
//
// A remote widget renders whatever JSON its backend returns for a path
// taken from the module's UI settings:
//
//	ui:
//	  title: Open tasks
//	  path: /tasks?state=open
//
// A static widget renders its UI settings and never calls a backend.
package widget

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/apiclient"
	"github.com/GoCodeAlone/modhost/manifest"
)

// Kind names used in module manifests.
const (
	KindRemote = "remote"
	KindStatic = "static"
)

// Setting keys read from the module UI map.
const (
	SettingTitle = "title"
	SettingPath  = "path"
)

// ValueGrants is the InitContext value holding the granted permissions as
// a []string.
const ValueGrants = "grants"

var (
	// ErrNoClient is returned when a remote widget has no API client.
	ErrNoClient = errors.New("widget has no api client")

	// ErrPermissionDenied is returned by Init when a required permission
	// is not granted.
	ErrPermissionDenied = errors.New("permission denied")
)

// Content is the rendered output of a widget.
type Content struct {
	ModuleID  string         `json:"moduleId"`
	Title     string         `json:"title"`
	Data      any            `json:"data,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	Cached    bool           `json:"cached"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// Remote is the component behind "remote" manifest modules.
//
// Render serves the last snapshot taken by Refresh when there is one and
// fetches through the module client otherwise, so cached responses are
// reused between refreshes.
type Remote struct {
	id       string
	path     string
	required []string

	mu       sync.RWMutex
	snapshot *Content
}

var (
	_ modhost.Initializer = (*Remote)(nil)
	_ modhost.Refresher   = (*Remote)(nil)
	_ modhost.Cleaner     = (*Remote)(nil)
)

// NewRemote builds a remote widget for cfg.
func NewRemote(cfg modhost.ModuleConfig) (modhost.Component, error) {
	if !cfg.HasEndpoints() {
		return nil, fmt.Errorf("remote widget %s: %w", cfg.ID, apiclient.ErrPrimaryEndpointRequired)
	}
	return &Remote{
		id:       cfg.ID,
		path:     path(cfg.UI, "/"),
		required: slices.Clone(cfg.Permissions.Required),
	}, nil
}

// Init checks that every required permission is granted. Without a grants
// value every permission is assumed granted.
func (w *Remote) Init(_ context.Context, ictx modhost.InitContext) error {
	raw, ok := ictx.Values[ValueGrants]
	if !ok {
		return nil
	}
	grants, ok := raw.([]string)
	if !ok {
		return fmt.Errorf("init context value %q must be []string, got %T", ValueGrants, raw)
	}
	var missing []string
	for _, p := range w.required {
		if !slices.Contains(grants, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, w.id, strings.Join(missing, ", "))
	}
	return nil
}

// Render returns the widget content. A path override in the props
// bypasses the snapshot.
func (w *Remote) Render(ctx context.Context, props modhost.Props) (any, error) {
	target := path(props.Settings, w.path)

	w.mu.RLock()
	snap := w.snapshot
	w.mu.RUnlock()

	var content Content
	if snap != nil && target == w.path {
		content = *snap
	} else {
		var err error
		if content, err = w.fetch(ctx, props.Client, target, false); err != nil {
			return nil, err
		}
	}
	content.Title = title(props)
	content.Settings = props.Settings
	return content, nil
}

// Refresh takes a fresh snapshot of the configured path, bypassing the
// response cache.
func (w *Remote) Refresh(ctx context.Context, client *apiclient.Client) error {
	content, err := w.fetch(ctx, client, w.path, true)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.snapshot = &content
	w.mu.Unlock()
	return nil
}

// Snapshot returns the content taken by the last Refresh.
func (w *Remote) Snapshot() (Content, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.snapshot == nil {
		return Content{}, false
	}
	return *w.snapshot, true
}

// Cleanup drops the snapshot.
func (w *Remote) Cleanup(context.Context) error {
	w.mu.Lock()
	w.snapshot = nil
	w.mu.Unlock()
	return nil
}

func (w *Remote) fetch(ctx context.Context, client *apiclient.Client, target string, noCache bool) (Content, error) {
	if client == nil {
		return Content{}, fmt.Errorf("remote widget %s: %w", w.id, ErrNoClient)
	}
	endpoint, query := splitPath(target)
	res, err := client.Request(ctx, endpoint, apiclient.RequestOptions{Query: query, NoCache: noCache}, 0)
	if err != nil {
		return Content{}, err
	}
	var data any
	if err := res.Decode(&data); err != nil {
		return Content{}, fmt.Errorf("remote widget %s: decode response: %w", w.id, err)
	}
	return Content{
		ModuleID:  w.id,
		Data:      data,
		Cached:    res.Metadata.Cached,
		FetchedAt: res.Timestamp,
	}, nil
}

// NewStatic builds a widget that renders its settings only.
func NewStatic(cfg modhost.ModuleConfig) (modhost.Component, error) {
	id := cfg.ID
	return modhost.ComponentFunc(func(_ context.Context, props modhost.Props) (any, error) {
		return Content{ModuleID: id, Title: title(props), Settings: props.Settings}, nil
	}), nil
}

// Kinds returns the built-in component constructors keyed by kind.
func Kinds() manifest.Kinds {
	return manifest.Kinds{
		KindRemote: NewRemote,
		KindStatic: NewStatic,
	}
}

func title(props modhost.Props) string {
	if t, ok := props.Settings[SettingTitle].(string); ok && t != "" {
		return t
	}
	return props.Config.ID
}

func path(settings map[string]any, fallback string) string {
	if p, ok := settings[SettingPath].(string); ok && p != "" {
		return p
	}
	return fallback
}

func splitPath(target string) (string, url.Values) {
	endpoint, rawQuery, found := strings.Cut(target, "?")
	if !found {
		return endpoint, nil
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return endpoint, nil
	}
	return endpoint, query
}
