package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

var now = time.UnixMilli(1_700_000_000_000)

func TestAggregateClipsToRange(t *testing.T) {
	from := now.Add(-24 * time.Hour)
	spans := []*storage.SessionSpan{
		// started before the range: only the last hour counts
		{PlayerID: 1, PlayerName: "Alice", StartTime: from.Add(-2 * time.Hour), EndTime: from.Add(time.Hour)},
		{PlayerID: 1, PlayerName: "Alice", StartTime: now.Add(-30 * time.Minute), EndTime: now},
		{PlayerID: 2, PlayerName: "Bob", StartTime: now.Add(-3 * time.Hour), EndTime: now.Add(-time.Hour)},
		// a single ping has no duration
		{PlayerID: 3, PlayerName: "Carl", StartTime: now.Add(-time.Hour), EndTime: now.Add(-time.Hour)},
	}

	got := Aggregate(spans, from, now, 10)
	if len(got) != 2 {
		t.Fatalf("Expected 2 players, got %+v", got)
	}
	if got[0].Name != "Bob" || got[0].Total != 2*time.Hour {
		t.Errorf("Expected Bob with 2h first, got %+v", got[0])
	}
	if got[1].Name != "Alice" || got[1].Total != 90*time.Minute {
		t.Errorf("Expected Alice with 1h30m second, got %+v", got[1])
	}
}

func TestAggregateLimitAndTies(t *testing.T) {
	from := now.Add(-time.Hour)
	spans := []*storage.SessionSpan{
		{PlayerID: 1, PlayerName: "Zoe", StartTime: from, EndTime: from.Add(10 * time.Minute)},
		{PlayerID: 2, PlayerName: "Adam", StartTime: from, EndTime: from.Add(10 * time.Minute)},
		{PlayerID: 3, PlayerName: "Mia", StartTime: from, EndTime: from.Add(5 * time.Minute)},
	}

	got := Aggregate(spans, from, now, 2)
	if len(got) != 2 {
		t.Fatalf("Expected limit of 2, got %d", len(got))
	}
	if got[0].Name != "Adam" || got[1].Name != "Zoe" {
		t.Errorf("Expected ties ordered by name, got %s, %s", got[0].Name, got[1].Name)
	}
}

func TestFormatPlaytime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0m"},
		{45 * time.Minute, "45m"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{24 * time.Hour, "1d 0h 0m"},
		{50*time.Hour + 30*time.Second, "2d 2h 1m"},
	}
	for _, tt := range tests {
		if got := FormatPlaytime(tt.d); got != tt.want {
			t.Errorf("FormatPlaytime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTopPlayersReport(t *testing.T) {
	ctx := context.Background()
	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	srv, _ := repo.CreateServer(ctx, "mc.example.net", now.Add(-60*24*time.Hour))
	err = repo.WithSessionTx(ctx, func(tx *storage.SessionTx) error {
		alice, err := tx.UpsertPlayer(ctx, "a", "Alice", now)
		if err != nil {
			return err
		}
		// three days ago, two hours long
		id, err := tx.OpenSession(ctx, srv.ID, alice, now.Add(-72*time.Hour))
		if err != nil {
			return err
		}
		return tx.ExtendSession(ctx, id, now.Add(-70*time.Hour))
	})
	if err != nil {
		t.Fatalf("Failed to seed sessions: %v", err)
	}

	reports, err := TopPlayers(ctx, repo, srv.ID, now)
	if err != nil {
		t.Fatalf("TopPlayers failed: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("Expected 3 ranges, got %d", len(reports))
	}
	if len(reports[0].Players) != 0 {
		t.Errorf("Expected no activity in the last 24 hours, got %+v", reports[0].Players)
	}
	if len(reports[1].Players) != 1 || reports[1].Players[0].Total != 2*time.Hour {
		t.Errorf("Expected Alice with 2h in the last 7 days, got %+v", reports[1].Players)
	}

	want := "Top players for `mc.example.net`:\n\n" +
		"Last 24 hours:\nNo activity\n\n" +
		"Last 7 days:\n1. Alice ~ 2h 0m\n\n" +
		"Last 30 days:\n1. Alice ~ 2h 0m"
	if got := FormatReport(srv.Address, reports); got != want {
		t.Errorf("FormatReport() =\n%q\nwant\n%q", got, want)
	}
}
