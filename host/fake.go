package host

import (
	"context"
	"sort"
	"sync"
)

// Fake is an in-memory Host used by tests. Every opened window gets one tab.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	tabs    map[int]*Tab
	windows map[int]bool
	muted   map[int]bool
	states  map[int]WindowState
	sent    map[int][]any

	// OpenErr, RemoveErr and SendErr inject failures.
	OpenErr   error
	RemoveErr error
	SendErr   func(tabID int, attempt int) error
	attempts  map[int]int

	Opened  []OpenRequest
	Removed []Artifact
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		nextID:   100,
		tabs:     make(map[int]*Tab),
		windows:  make(map[int]bool),
		muted:    make(map[int]bool),
		states:   make(map[int]WindowState),
		sent:     make(map[int][]any),
		attempts: make(map[int]int),
	}
}

func (f *Fake) id() int {
	f.nextID++
	return f.nextID
}

func (f *Fake) Open(_ context.Context, req OpenRequest) (Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return Artifact{}, f.OpenErr
	}
	f.Opened = append(f.Opened, req)
	if req.Kind == KindWindow {
		wid := f.id()
		f.windows[wid] = true
		tid := f.id()
		f.tabs[tid] = &Tab{ID: tid, WindowID: wid, URL: req.URL, Complete: true}
		return Artifact{Kind: KindWindow, ID: wid, TabID: tid}, nil
	}
	tid := f.id()
	f.tabs[tid] = &Tab{ID: tid, WindowID: 1, URL: req.URL, Complete: true}
	return Artifact{Kind: KindTab, ID: tid, TabID: tid}, nil
}

func (f *Fake) Exists(_ context.Context, a Artifact) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.Kind == KindWindow {
		return f.windows[a.ID], nil
	}
	_, ok := f.tabs[a.ID]
	return ok, nil
}

func (f *Fake) Remove(_ context.Context, a Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if a.Kind == KindWindow {
		if !f.windows[a.ID] {
			return ErrNotFound
		}
		delete(f.windows, a.ID)
		for id, t := range f.tabs {
			if t.WindowID == a.ID {
				delete(f.tabs, id)
			}
		}
	} else {
		if _, ok := f.tabs[a.ID]; !ok {
			return ErrNotFound
		}
		delete(f.tabs, a.ID)
	}
	f.Removed = append(f.Removed, a)
	return nil
}

// CloseExternally removes an artifact without recording it, as a user would.
func (f *Fake) CloseExternally(a Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.Kind == KindWindow {
		delete(f.windows, a.ID)
		return
	}
	delete(f.tabs, a.ID)
}

func (f *Fake) List(_ context.Context, kind Kind) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	if kind == KindWindow {
		for id := range f.windows {
			ids = append(ids, id)
		}
	} else {
		for id := range f.tabs {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (f *Fake) Mute(_ context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[tabID] = true
	return nil
}

// Muted reports whether Mute was called for tabID.
func (f *Fake) Muted(tabID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted[tabID]
}

func (f *Fake) SetWindowState(_ context.Context, windowID int, state WindowState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[windowID] = state
	return nil
}

// WindowState returns the last state set for windowID.
func (f *Fake) WindowState(windowID int) WindowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[windowID]
}

func (f *Fake) GetTab(_ context.Context, tabID int) (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[tabID]
	if !ok {
		return Tab{}, ErrNotFound
	}
	return *t, nil
}

// AddTab inserts a tab that was not opened through the Host.
func (f *Fake) AddTab(url string) Tab {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &Tab{ID: f.id(), WindowID: 1, URL: url, Complete: true}
	f.tabs[t.ID] = t
	return *t
}

func (f *Fake) QueryTabs(_ context.Context, pattern string) ([]Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Tab
	for _, t := range f.tabs {
		if MatchURLPattern(pattern, t.URL) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) SendToTab(_ context.Context, tabID int, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[tabID]++
	if f.SendErr != nil {
		if err := f.SendErr(tabID, f.attempts[tabID]); err != nil {
			return err
		}
	}
	f.sent[tabID] = append(f.sent[tabID], msg)
	return nil
}

// Sent returns the messages delivered to tabID.
func (f *Fake) Sent(tabID int) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent[tabID]...)
}

// Attempts returns how many times SendToTab was called for tabID.
func (f *Fake) Attempts(tabID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[tabID]
}
