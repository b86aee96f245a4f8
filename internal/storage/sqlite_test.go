package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMigrations(t *testing.T) {
	store := openTestStore(t)

	versions, err := store.AppliedMigrations()
	if err != nil {
		t.Fatalf("reading applied migrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("no migrations applied")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migration versions not strictly ascending: %v", versions)
		}
	}

	// Running migrate again must be a no-op.
	if err := store.migrate(); err != nil {
		t.Fatalf("re-running migrations: %v", err)
	}
	again, err := store.AppliedMigrations()
	if err != nil {
		t.Fatalf("re-reading applied migrations: %v", err)
	}
	if len(again) != len(versions) {
		t.Errorf("migrations applied twice: %v vs %v", versions, again)
	}
}

func TestAppendAndGetInteraction(t *testing.T) {
	store := openTestStore(t)

	in := validInteraction()
	in.ProjectID = "proj-a"
	in.SourceAgent = "planner"
	in.TargetAgent = "coder"
	in.FullResultJSON = `{"overall_score":75}`

	id, err := store.AppendInteraction(in)
	if err != nil {
		t.Fatalf("appending: %v", err)
	}
	if id <= 0 {
		t.Fatalf("assigned id = %d, want positive", id)
	}

	got, err := store.GetInteraction(id)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.ID != id {
		t.Errorf("id = %d, want %d", got.ID, id)
	}
	if got.OriginalPrompt != in.OriginalPrompt {
		t.Errorf("original prompt = %q, want %q", got.OriginalPrompt, in.OriginalPrompt)
	}
	if got.ProjectID != "proj-a" || got.SourceAgent != "planner" || got.TargetAgent != "coder" {
		t.Errorf("attribution = %q/%q/%q", got.ProjectID, got.SourceAgent, got.TargetAgent)
	}
	if got.TokenSavingsPercent != 60 {
		t.Errorf("token savings = %d, want 60 (recomputed from 100 -> 40)", got.TokenSavingsPercent)
	}
	if got.Dimensions.Clarity.Score != 80 {
		t.Errorf("clarity score = %d, want 80", got.Dimensions.Clarity.Score)
	}
	if len(got.Mistakes) != 1 || got.Mistakes[0].Type != "vague_instruction" {
		t.Errorf("mistakes = %+v", got.Mistakes)
	}
	if got.RewriteUsed != ChoiceUnset {
		t.Errorf("rewrite choice = %v, want unset", got.RewriteUsed)
	}
	if got.FullResultJSON != in.FullResultJSON {
		t.Errorf("full result = %q, want %q", got.FullResultJSON, in.FullResultJSON)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not assigned")
	}
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	store := openTestStore(t)

	var last int64
	for n := 0; n < 5; n++ {
		id, err := store.AppendInteraction(validInteraction())
		if err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	store := openTestStore(t)

	in := validInteraction()
	in.OriginalPrompt = ""
	if _, err := store.AppendInteraction(in); !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestGetInteractionNotFound(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetInteraction(9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateRewriteChoice(t *testing.T) {
	store := openTestStore(t)

	id, err := store.AppendInteraction(validInteraction())
	if err != nil {
		t.Fatalf("appending: %v", err)
	}

	if err := store.UpdateRewriteChoice(id, true); err != nil {
		t.Fatalf("recording accept: %v", err)
	}
	got, err := store.GetInteraction(id)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.RewriteUsed != ChoiceAccepted {
		t.Errorf("choice = %v, want accepted", got.RewriteUsed)
	}

	// Last write wins.
	if err := store.UpdateRewriteChoice(id, false); err != nil {
		t.Fatalf("recording reject: %v", err)
	}
	got, err = store.GetInteraction(id)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.RewriteUsed != ChoiceRejected {
		t.Errorf("choice = %v, want rejected", got.RewriteUsed)
	}

	if err := store.UpdateRewriteChoice(9999, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestListInteractionsOrderAndPagination(t *testing.T) {
	store := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for n := 0; n < 45; n++ {
		in := validInteraction()
		in.CreatedAt = base.Add(time.Duration(n) * time.Minute)
		in.OriginalPrompt = fmt.Sprintf("prompt %d", n)
		if _, err := store.AppendInteraction(in); err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
	}

	page, total, err := store.ListInteractions(ListFilter{Limit: 20})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if total != 45 {
		t.Errorf("total = %d, want 45", total)
	}
	if len(page) != 20 {
		t.Fatalf("page size = %d, want 20", len(page))
	}
	if page[0].OriginalPrompt != "prompt 44" {
		t.Errorf("first row = %q, want newest", page[0].OriginalPrompt)
	}
	for i := 1; i < len(page); i++ {
		if page[i].CreatedAt.After(page[i-1].CreatedAt) {
			t.Errorf("rows not in descending time order at %d", i)
		}
	}

	tail, total, err := store.ListInteractions(ListFilter{Limit: 20, Offset: 40})
	if err != nil {
		t.Fatalf("listing tail: %v", err)
	}
	if total != 45 {
		t.Errorf("tail total = %d, want 45", total)
	}
	if len(tail) != 5 {
		t.Errorf("tail size = %d, want 5", len(tail))
	}
}

func TestListInteractionsTieBreakByID(t *testing.T) {
	store := openTestStore(t)

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var ids []int64
	for n := 0; n < 3; n++ {
		in := validInteraction()
		in.CreatedAt = at
		id, err := store.AppendInteraction(in)
		if err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
		ids = append(ids, id)
	}

	page, _, err := store.ListInteractions(ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page size = %d, want 3", len(page))
	}
	// Same timestamp: higher id (appended later) comes first.
	if page[0].ID != ids[2] || page[2].ID != ids[0] {
		t.Errorf("tie order = [%d %d %d], want [%d %d %d]",
			page[0].ID, page[1].ID, page[2].ID, ids[2], ids[1], ids[0])
	}
}

func TestListInteractionsProjectFilter(t *testing.T) {
	store := openTestStore(t)

	for n := 0; n < 3; n++ {
		in := validInteraction()
		in.ProjectID = "proj-a"
		if _, err := store.AppendInteraction(in); err != nil {
			t.Fatal(err)
		}
	}
	in := validInteraction()
	in.ProjectID = "proj-b"
	if _, err := store.AppendInteraction(in); err != nil {
		t.Fatal(err)
	}

	page, total, err := store.ListInteractions(ListFilter{ProjectID: "proj-a", Limit: 10})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if total != 3 || len(page) != 3 {
		t.Errorf("filtered total = %d, page = %d, want 3/3", total, len(page))
	}
	for _, rec := range page {
		if rec.ProjectID != "proj-a" {
			t.Errorf("record from project %q leaked into filtered page", rec.ProjectID)
		}
	}
}

func TestScanInteractions(t *testing.T) {
	store := openTestStore(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for n := 0; n < 4; n++ {
		in := validInteraction()
		in.CreatedAt = base.Add(time.Duration(n) * time.Hour)
		if n%2 == 0 {
			in.ProjectID = "proj-a"
		}
		if _, err := store.AppendInteraction(in); err != nil {
			t.Fatal(err)
		}
	}

	var all []int64
	err := store.ScanInteractions(ScanFilter{}, func(i Interaction) error {
		all = append(all, i.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("scanning: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("scanned %d records, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i] <= all[i-1] {
			t.Errorf("scan not in insertion order: %v", all)
		}
	}

	var since int
	err = store.ScanInteractions(ScanFilter{Since: base.Add(2 * time.Hour)}, func(i Interaction) error {
		since++
		return nil
	})
	if err != nil {
		t.Fatalf("scanning with since: %v", err)
	}
	if since != 2 {
		t.Errorf("since scan matched %d records, want 2", since)
	}

	var project int
	err = store.ScanInteractions(ScanFilter{ProjectID: "proj-a"}, func(i Interaction) error {
		project++
		return nil
	})
	if err != nil {
		t.Fatalf("scanning with project: %v", err)
	}
	if project != 2 {
		t.Errorf("project scan matched %d records, want 2", project)
	}

	// Callback errors stop the scan and surface to the caller.
	stop := errors.New("stop")
	err = store.ScanInteractions(ScanFilter{}, func(i Interaction) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("callback error not surfaced: %v", err)
	}
}
