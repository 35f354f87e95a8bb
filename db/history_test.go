package db

import (
	"context"
	"testing"
	"time"

	"archrender/credits"
)

func TestHistoryRepository_SyncInsertAndRecent(t *testing.T) {
	database := openTestDB(t)
	repo := NewHistoryRepository(database, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, tool := range []credits.Tool{credits.ToolRender, credits.ToolInpaint, credits.ToolPoster} {
		err := repo.AddToHistory(ctx, credits.HistoryEntry{
			UserID:         "u1",
			Tool:           tool,
			Prompt:         "p",
			ResultImageURL: "file:///r.png",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AddToHistory() error = %v", err)
		}
	}
	if err := repo.AddToHistory(ctx, credits.HistoryEntry{UserID: "u2", Tool: credits.ToolRender, ResultImageURL: "x"}); err != nil {
		t.Fatal(err)
	}

	records, err := repo.Recent(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Recent() returned %d records, want 2", len(records))
	}
	if records[0].Tool != string(credits.ToolPoster) || records[1].Tool != string(credits.ToolInpaint) {
		t.Errorf("order = %s, %s", records[0].Tool, records[1].Tool)
	}
	if !records[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("CreatedAt = %v", records[0].CreatedAt)
	}
	if records[0].SourceImageURL != "" {
		t.Errorf("SourceImageURL = %q, want empty", records[0].SourceImageURL)
	}

	all, err := repo.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("Recent(all) = %d, want 4", len(all))
	}
}

func TestHistoryRepository_AsyncInsert(t *testing.T) {
	database := openTestDB(t)
	repo := NewHistoryRepository(database, nil)
	writer := NewAsyncWriter(repo.WriteHandler(), DefaultAsyncWriterConfig(), nil)
	repo = NewHistoryRepository(database, writer)
	writer.Start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := repo.AddToHistory(ctx, credits.HistoryEntry{Tool: credits.ToolRender, ResultImageURL: "u"}); err != nil {
			t.Fatalf("AddToHistory() error = %v", err)
		}
	}
	writer.Stop()

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("Count() = %d, want 5", n)
	}
}

func TestHistoryRepository_FallsBackToSyncAfterStop(t *testing.T) {
	database := openTestDB(t)
	base := NewHistoryRepository(database, nil)
	writer := NewAsyncWriter(base.WriteHandler(), DefaultAsyncWriterConfig(), nil)
	writer.Start()
	writer.Stop()

	repo := NewHistoryRepository(database, writer)
	if err := repo.AddToHistory(context.Background(), credits.HistoryEntry{Tool: credits.ToolRender, ResultImageURL: "u"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := repo.Count(context.Background()); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestCleanup_DeletesOldHistoryOnly(t *testing.T) {
	database := openTestDB(t)
	repo := NewHistoryRepository(database, nil)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -100)
	if err := repo.AddToHistory(ctx, credits.HistoryEntry{Tool: credits.ToolRender, ResultImageURL: "old", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := repo.AddToHistory(ctx, credits.HistoryEntry{Tool: credits.ToolRender, ResultImageURL: "new"}); err != nil {
		t.Fatal(err)
	}
	ledger := NewSQLLedger(database)
	if _, err := ledger.Grant(ctx, "u1", 5, "welcome"); err != nil {
		t.Fatal(err)
	}

	result, err := database.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.HistoryDeleted != 1 {
		t.Errorf("HistoryDeleted = %d, want 1", result.HistoryDeleted)
	}
	if bal, _ := ledger.Balance(ctx, "u1"); bal != 5 {
		t.Errorf("ledger touched by cleanup, balance = %d", bal)
	}
	if _, err := database.Cleanup(ctx, -1); err == nil {
		t.Error("expected error for negative retention")
	}
}
