package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "executor.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadCredential(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.LoadCredential(); err != nil || ok {
		t.Fatalf("expected no credential initially, got ok=%v err=%v", ok, err)
	}

	cred := Credential{ExecutorID: "exec-1", APIKey: "ak", SecretKey: "sk"}
	if err := s.SaveCredential(cred); err != nil {
		t.Fatalf("save credential: %v", err)
	}

	got, ok, err := s.LoadCredential()
	if err != nil || !ok {
		t.Fatalf("expected credential, got ok=%v err=%v", ok, err)
	}
	if got != cred {
		t.Fatalf("expected %+v, got %+v", cred, got)
	}

	// Re-save overwrites rather than duplicating the single row.
	cred2 := Credential{ExecutorID: "exec-1", APIKey: "ak2", SecretKey: "sk2"}
	if err := s.SaveCredential(cred2); err != nil {
		t.Fatalf("re-save credential: %v", err)
	}
	got2, _, _ := s.LoadCredential()
	if got2 != cred2 {
		t.Fatalf("expected updated credential %+v, got %+v", cred2, got2)
	}
}

func TestSaveReloadAndDeleteStrategy(t *testing.T) {
	s := newTestStore(t)

	strat := types.Strategy{ID: "s1", Version: 1, Symbols: []string{"EURUSD"}, Timeframe: types.TimeframeM1}
	if err := s.SaveStrategy(strat); err != nil {
		t.Fatalf("save strategy: %v", err)
	}

	strat.Version = 2
	if err := s.SaveStrategy(strat); err != nil {
		t.Fatalf("re-save strategy: %v", err)
	}

	loaded, err := s.LoadStrategies()
	if err != nil {
		t.Fatalf("load strategies: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Version != 2 {
		t.Fatalf("expected exactly one strategy at version 2, got %+v", loaded)
	}

	if err := s.DeleteStrategy("s1"); err != nil {
		t.Fatalf("delete strategy: %v", err)
	}
	loaded, err = s.LoadStrategies()
	if err != nil {
		t.Fatalf("load strategies after delete: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no strategies after delete, got %+v", loaded)
	}
}

func TestJournalEntriesCappedAtLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < journalCap+10; i++ {
		err := s.AppendJournalEntry(types.Result{
			CommandID:   "cmd",
			Status:      types.StatusCompleted,
			CompletedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("append journal entry %d: %v", i, err)
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM command_journal`).Scan(&count); err != nil {
		t.Fatalf("count journal rows: %v", err)
	}
	if count != journalCap {
		t.Fatalf("expected journal capped at %d, got %d", journalCap, count)
	}
}

func TestRecentJournalReturnsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		id := "cmd-" + string(rune('0'+i))
		if err := s.AppendJournalEntry(types.Result{CommandID: id, Status: types.StatusCompleted, CompletedAt: time.Now()}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := s.RecentJournal(2)
	if err != nil {
		t.Fatalf("recent journal: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].CommandID != "cmd-4" {
		t.Fatalf("expected newest entry cmd-4 first, got %s", recent[0].CommandID)
	}
}

func TestKillSwitchStatePersists(t *testing.T) {
	s := newTestStore(t)

	active, reason, err := s.LoadKillSwitchState()
	if err != nil || active || reason != "" {
		t.Fatalf("expected inactive initial state, got active=%v reason=%q err=%v", active, reason, err)
	}

	if err := s.SaveKillSwitchState(true, "daily loss breach"); err != nil {
		t.Fatalf("save kill-switch state: %v", err)
	}
	active, reason, err = s.LoadKillSwitchState()
	if err != nil || !active || reason != "daily loss breach" {
		t.Fatalf("expected active state with reason, got active=%v reason=%q err=%v", active, reason, err)
	}
}

func TestCheckpointSucceeds(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendJournalEntry(types.Result{CommandID: "cmd-1", Status: types.StatusCompleted, CompletedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
}
