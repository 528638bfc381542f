// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package cache

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/kv"
	"github.com/streamsentry/streamsentry/internal/models"
)

func newTestCache(t *testing.T) *ActiveSessions {
	t.Helper()
	store, err := kv.Open(kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open kv store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := DefaultConfig()
	cfg.ReadBatchSize = 2 // force chunked reads even in small tests
	return New(store.DB(), cfg)
}

func testSession(id, serverID, userID string) models.Session {
	return models.Session{
		ID:         id,
		ServerID:   serverID,
		UserID:     userID,
		SessionKey: "key-" + id,
		State:      models.StatePlaying,
		StartedAt:  time.Now().UTC(),
	}
}

func sessionIDs(sessions []models.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestActiveSessions_AddReadRemove(t *testing.T) {
	c := newTestCache(t)

	sess := testSession("s1", "srv1", "u1")
	if err := c.Add(&sess); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, found, err := c.ByID("s1")
	if err != nil || !found {
		t.Fatalf("ByID = (%v, %v, %v)", got, found, err)
	}
	if got.SessionKey != "key-s1" || got.ServerID != "srv1" {
		t.Errorf("cached session = %+v", got)
	}

	if err := c.Remove("s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, found, err = c.ByID("s1")
	if err != nil || found {
		t.Fatalf("ByID after remove = (found=%v, %v), want missing", found, err)
	}

	// Removing an absent id is not an error.
	if err := c.Remove("s1"); err != nil {
		t.Fatalf("double remove: %v", err)
	}

	all, err := c.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("all = %v after remove, want empty", sessionIDs(all))
	}
}

func TestActiveSessions_NetEffectReads(t *testing.T) {
	c := newTestCache(t)

	// A mixed sequence of adds, updates and removes must read back as its
	// net effect: no duplicates, no ghosts.
	for i := 0; i < 5; i++ {
		s := testSession(fmt.Sprintf("s%d", i), "srv1", "u1")
		if err := c.Add(&s); err != nil {
			t.Fatalf("add s%d: %v", i, err)
		}
	}
	updated := testSession("s2", "srv1", "u1")
	updated.ProgressMs = 12345
	if err := c.Update(&updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := c.Remove("s0"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.Remove("s4"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	all, err := c.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	want := []string{"s1", "s2", "s3"}
	got := sessionIDs(all)
	if len(got) != len(want) {
		t.Fatalf("all = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("all = %v, want %v", got, want)
		}
	}

	for _, s := range all {
		if s.ID == "s2" && s.ProgressMs != 12345 {
			t.Errorf("update not reflected: progressMs = %d", s.ProgressMs)
		}
	}
}

func TestActiveSessions_ServerAndUserIndexes(t *testing.T) {
	c := newTestCache(t)

	for _, s := range []models.Session{
		testSession("a1", "srv1", "u1"),
		testSession("a2", "srv1", "u2"),
		testSession("b1", "srv2", "u1"),
	} {
		sess := s
		if err := c.Add(&sess); err != nil {
			t.Fatalf("add %s: %v", s.ID, err)
		}
	}

	forServer, err := c.ForServer("srv1")
	if err != nil {
		t.Fatalf("forServer: %v", err)
	}
	if got := sessionIDs(forServer); len(got) != 2 || got[0] != "a1" || got[1] != "a2" {
		t.Errorf("forServer(srv1) = %v, want [a1 a2]", got)
	}

	forUser, err := c.ForUser("u1")
	if err != nil {
		t.Fatalf("forUser: %v", err)
	}
	if got := sessionIDs(forUser); len(got) != 2 || got[0] != "a1" || got[1] != "b1" {
		t.Errorf("forUser(u1) = %v, want [a1 b1]", got)
	}

	// Removal cleans the indexes too.
	if err := c.Remove("a1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	forServer, _ = c.ForServer("srv1")
	if got := sessionIDs(forServer); len(got) != 1 || got[0] != "a2" {
		t.Errorf("forServer(srv1) after remove = %v, want [a2]", got)
	}
}

func TestActiveSessions_Sync(t *testing.T) {
	c := newTestCache(t)

	for _, id := range []string{"old1", "old2"} {
		s := testSession(id, "srv1", "u1")
		if err := c.Add(&s); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	other := testSession("other", "srv2", "u1")
	if err := c.Add(&other); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := c.Sync("srv1", []models.Session{
		testSession("new1", "srv1", "u1"),
		testSession("old2", "srv1", "u1"),
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	forServer, err := c.ForServer("srv1")
	if err != nil {
		t.Fatalf("forServer: %v", err)
	}
	if got := sessionIDs(forServer); len(got) != 2 || got[0] != "new1" || got[1] != "old2" {
		t.Errorf("forServer(srv1) = %v, want [new1 old2]", got)
	}

	// Other servers untouched.
	forOther, _ := c.ForServer("srv2")
	if got := sessionIDs(forOther); len(got) != 1 || got[0] != "other" {
		t.Errorf("forServer(srv2) = %v, want [other]", got)
	}
}

func TestActiveSessions_ApplyDelta(t *testing.T) {
	c := newTestCache(t)

	keep := testSession("keep", "srv1", "u1")
	gone := testSession("gone", "srv1", "u1")
	for _, s := range []models.Session{keep, gone} {
		sess := s
		if err := c.Add(&sess); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	keep.ProgressMs = 999
	added := testSession("fresh", "srv1", "u2")
	if err := c.ApplyDelta(
		[]models.Session{added},
		[]models.Session{keep},
		[]string{"gone"},
	); err != nil {
		t.Fatalf("applyDelta: %v", err)
	}

	all, err := c.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if got := sessionIDs(all); len(got) != 2 || got[0] != "fresh" || got[1] != "keep" {
		t.Fatalf("all = %v, want [fresh keep]", got)
	}
	for _, s := range all {
		if s.ID == "keep" && s.ProgressMs != 999 {
			t.Errorf("updated session not reflected: %+v", s)
		}
	}
}

func TestActiveSessions_KeyMap(t *testing.T) {
	c := newTestCache(t)

	s := testSession("s1", "srv1", "u1")
	if err := c.Add(&s); err != nil {
		t.Fatalf("add: %v", err)
	}

	m, err := c.KeyMap("srv1")
	if err != nil {
		t.Fatalf("keyMap: %v", err)
	}
	got, ok := m["key-s1"]
	if !ok || got.ID != "s1" {
		t.Fatalf("keyMap = %v, want key-s1 -> s1", m)
	}
}

func TestActiveSessions_StatsInvalidatedByMutation(t *testing.T) {
	c := newTestCache(t)

	if err := c.SetStat("summary", map[string]int{"active": 3}); err != nil {
		t.Fatalf("setStat: %v", err)
	}
	var out map[string]int
	found, err := c.GetStat("summary", &out)
	if err != nil || !found {
		t.Fatalf("getStat = (%v, %v), want hit", found, err)
	}

	s := testSession("s1", "srv1", "u1")
	if err := c.Add(&s); err != nil {
		t.Fatalf("add: %v", err)
	}

	found, err = c.GetStat("summary", &out)
	if err != nil {
		t.Fatalf("getStat: %v", err)
	}
	if found {
		t.Fatal("stat survived a session mutation")
	}
}

func TestActiveSessions_ServerHealth(t *testing.T) {
	c := newTestCache(t)

	_, known, err := c.ServerHealth("srv1")
	if err != nil || known {
		t.Fatalf("fresh health = (known=%v, %v), want unknown", known, err)
	}

	if err := c.SetServerHealth("srv1", true); err != nil {
		t.Fatalf("setServerHealth: %v", err)
	}
	healthy, known, err := c.ServerHealth("srv1")
	if err != nil || !known || !healthy {
		t.Fatalf("health = (%v, %v, %v), want healthy", healthy, known, err)
	}

	if err := c.SetServerHealth("srv1", false); err != nil {
		t.Fatalf("setServerHealth: %v", err)
	}
	healthy, known, _ = c.ServerHealth("srv1")
	if !known || healthy {
		t.Fatalf("health = (%v, %v), want unhealthy", healthy, known)
	}
}

func TestActiveSessions_Snapshot(t *testing.T) {
	c := newTestCache(t)

	type progress struct {
		Percent int `json:"percent"`
	}
	if err := c.PutSnapshot("import:j1", progress{Percent: 40}); err != nil {
		t.Fatalf("putSnapshot: %v", err)
	}
	var out progress
	found, err := c.GetSnapshot("import:j1", &out)
	if err != nil || !found || out.Percent != 40 {
		t.Fatalf("getSnapshot = (%+v, %v, %v)", out, found, err)
	}
}

func TestActiveSessions_InvalidateByPrefix(t *testing.T) {
	c := newTestCache(t)

	if err := c.InvalidateByPrefix(""); err == nil {
		t.Fatal("empty prefix accepted")
	}
	if err := c.SetStat("a:1", 1); err != nil {
		t.Fatalf("setStat: %v", err)
	}
	if err := c.SetStat("b:1", 2); err != nil {
		t.Fatalf("setStat: %v", err)
	}
	if err := c.InvalidateByPrefix(prefixStats + "a:"); err != nil {
		t.Fatalf("invalidateByPrefix: %v", err)
	}

	var out int
	if found, _ := c.GetStat("a:1", &out); found {
		t.Error("a:1 survived prefix invalidation")
	}
	if found, _ := c.GetStat("b:1", &out); !found {
		t.Error("b:1 wrongly invalidated")
	}
}
