package relay

import (
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
)

type tabState int

const (
	stateNone tabState = iota
	stateAttached
	stateFrozen
)

// Target is one extension-owned tab (spec.md §3 "Target"). Only the
// TargetManager mutates a Target's fields after construction.
type Target struct {
	ID    target.ID
	TabID string

	mu       sync.Mutex
	URL      string
	Title    string
	Attached bool
	state    tabState
}

func (t *Target) info() TargetInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TargetInfo{
		TargetID:         string(t.ID),
		Type:             "page",
		Title:            t.Title,
		URL:              t.URL,
		Attached:         t.Attached,
		BrowserContextID: "default",
	}
}

// TargetInfo is the wire shape synthesized for Target.targetCreated,
// Target.attachedToTarget and Target.getTargets (spec.md §6).
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId"`
	CanAccessOpener  bool   `json:"canAccessOpener"`
}

type attachedToTargetEvent struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

// TargetEventKind names a Target lifecycle transition the manager reports
// to the Router (spec.md §4.D "(3) Target lifecycle injection").
type TargetEventKind int

const (
	TargetEventCreated TargetEventKind = iota
	TargetEventInfoChanged
	TargetEventFrozenOrDropped
)

type TargetEvent struct {
	Kind   TargetEventKind
	Target *Target
}

// TargetManager is the source of truth for "what tabs exist and what state
// each is in" (spec.md §4.D). It owns the tabId<->targetId mapping and the
// none->attached->frozen->none state machine; it never touches Session
// records, which belong to the Router.
type TargetManager struct {
	mu          sync.Mutex
	byTab       map[string]*Target
	byTargetID  map[target.ID]*Target
	frozenTimer map[string]*time.Timer

	frozenTimeout time.Duration
	onEvent       func(TargetEvent)

	log *log.Logger
}

func NewTargetManager(frozenTimeout time.Duration, onEvent func(TargetEvent)) *TargetManager {
	return &TargetManager{
		byTab:         make(map[string]*Target),
		byTargetID:    make(map[target.ID]*Target),
		frozenTimer:   make(map[string]*time.Timer),
		frozenTimeout: frozenTimeout,
		onEvent:       onEvent,
		log:           log.New(log.Writer(), "cdp-relay[target]: ", log.LstdFlags),
	}
}

func mintTargetID() target.ID {
	return target.ID("T-" + uuid.New().String()[:8])
}

// TabAttached handles the extension's tab-attach signal (spec.md §4.D). If
// the tab was frozen under the same tabId, its existing targetId is
// reused; otherwise a fresh targetId is minted.
func (m *TargetManager) TabAttached(tabID, url, title string) *Target {
	m.mu.Lock()
	t, existed := m.byTab[tabID]
	if existed {
		if timer, ok := m.frozenTimer[tabID]; ok {
			timer.Stop()
			delete(m.frozenTimer, tabID)
		}
		t.mu.Lock()
		t.state = stateAttached
		t.Attached = true
		t.URL = url
		t.Title = title
		t.mu.Unlock()
	} else {
		t = &Target{ID: mintTargetID(), TabID: tabID, URL: url, Title: title, Attached: true, state: stateAttached}
		m.byTab[tabID] = t
		m.byTargetID[t.ID] = t
	}
	m.mu.Unlock()

	if m.onEvent != nil {
		m.onEvent(TargetEvent{Kind: TargetEventCreated, Target: t})
	}
	return t
}

// TabDetached handles a tab being closed while the extension stays
// connected (spec.md §4.D "tab closed": detach then destroy).
func (m *TargetManager) TabDetached(tabID, reason string) {
	m.mu.Lock()
	t, ok := m.byTab[tabID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byTab, tabID)
	delete(m.byTargetID, t.ID)
	m.mu.Unlock()

	t.mu.Lock()
	t.state = stateNone
	t.Attached = false
	t.mu.Unlock()

	m.log.Printf("tab %s detached (%s)", tabID, reason)
	if m.onEvent != nil {
		m.onEvent(TargetEvent{Kind: TargetEventFrozenOrDropped, Target: t})
	}
}

// TabNavigated updates a tab's URL/title in place (spec.md §8 "tab
// navigation preserves targetId").
func (m *TargetManager) TabNavigated(tabID, url, title string) {
	m.mu.Lock()
	t, ok := m.byTab[tabID]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.URL = url
	t.Title = title
	t.mu.Unlock()
	if m.onEvent != nil {
		m.onEvent(TargetEvent{Kind: TargetEventInfoChanged, Target: t})
	}
}

// ExtensionDisconnected freezes every currently attached tab (spec.md
// §4.D "extension disconnect": attached -> frozen). Each freeze is
// reported to the Router as an immediate detach+destroy, matching what a
// Playwright client actually observes; the frozen bookkeeping below only
// reserves the targetId in case the same tab reattaches within the grace
// window.
func (m *TargetManager) ExtensionDisconnected() {
	m.mu.Lock()
	tabs := make([]string, 0, len(m.byTab))
	for tabID := range m.byTab {
		tabs = append(tabs, tabID)
	}
	m.mu.Unlock()

	for _, tabID := range tabs {
		m.freeze(tabID)
	}
}

func (m *TargetManager) freeze(tabID string) {
	m.mu.Lock()
	t, ok := m.byTab[tabID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.mu.Lock()
	t.state = stateFrozen
	t.Attached = false
	t.mu.Unlock()

	timer := time.AfterFunc(m.frozenTimeout, func() { m.dropFrozen(tabID) })
	m.frozenTimer[tabID] = timer
	m.mu.Unlock()

	if m.onEvent != nil {
		m.onEvent(TargetEvent{Kind: TargetEventFrozenOrDropped, Target: t})
	}
}

// dropFrozen discards a targetId reservation once its 30s grace window
// elapses with no reattachment. Clients were already told the target was
// destroyed when it froze, so no further event fires here.
func (m *TargetManager) dropFrozen(tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTab[tabID]
	if !ok {
		return
	}
	t.mu.Lock()
	stillFrozen := t.state == stateFrozen
	t.mu.Unlock()
	if !stillFrozen {
		return
	}
	delete(m.byTab, tabID)
	delete(m.byTargetID, t.ID)
	delete(m.frozenTimer, tabID)
}

func (m *TargetManager) Lookup(id target.ID) (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTargetID[id]
	return t, ok
}

func (m *TargetManager) LookupByTab(tabID string) (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTab[tabID]
	return t, ok
}

func (m *TargetManager) Snapshot() []*Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Target, 0, len(m.byTargetID))
	for _, t := range m.byTargetID {
		out = append(out, t)
	}
	return out
}

// FirstTabID returns an arbitrary currently-attached tab, used by the
// recording manager's "no tabId given" fallback (spec.md §4.G).
func (m *TargetManager) FirstTabID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tabID, t := range m.byTab {
		t.mu.Lock()
		attached := t.state == stateAttached
		t.mu.Unlock()
		if attached {
			return tabID
		}
	}
	return ""
}
