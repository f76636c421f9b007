package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"galleryindex/pkg/common"
)

func openLibrary(t *testing.T) *Library {
	t.Helper()
	lib, err := OpenLibrary(filepath.Join(t.TempDir(), "data", "library.db"))
	if err != nil {
		t.Fatalf("open library: %v", err)
	}
	t.Cleanup(func() { lib.Close() })
	return lib
}

func TestInsertQueryDelete(t *testing.T) {
	lib := openLibrary(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	items := []Item{
		{Kind: KindFavorite, Source: "hitomi", ItemID: 1011, CreatedAt: base},
		{Kind: KindFavorite, Source: "hitomi", ItemID: 2022, CreatedAt: base.Add(time.Minute)},
		{Kind: KindFavorite, Source: "local", ItemID: 7, CreatedAt: base.Add(2 * time.Minute)},
		{Kind: KindHistory, Source: "hitomi", ItemID: 1011, CreatedAt: base},
	}
	if err := lib.BatchInsert(ctx, items); err != nil {
		t.Fatalf("batch insert: %v", err)
	}

	got, err := lib.QueryBySource(ctx, KindFavorite, "hitomi", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ItemID != 2022 || got[1].ItemID != 1011 {
		t.Fatalf("expected newest first [2022 1011], got %+v", got)
	}
	if !got[0].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("created_at = %v", got[0].CreatedAt)
	}

	all, err := lib.QueryBySource(ctx, KindFavorite, "", 2)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 2 || all[0].Source != "local" {
		t.Errorf("expected the local item first under limit 2, got %+v", all)
	}

	if err := lib.Delete(ctx, KindFavorite, "hitomi", 1011); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := lib.Delete(ctx, KindFavorite, "hitomi", 1011); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	n, err := lib.Count(ctx, KindFavorite)
	if err != nil || n != 2 {
		t.Errorf("count = %d, %v; want 2", n, err)
	}
}

func TestReinsertRefreshesTimestamp(t *testing.T) {
	lib := openLibrary(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []int64{1, 2, 3} {
		if err := lib.Insert(ctx, Item{Kind: KindHistory, Source: "hitomi", ItemID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := lib.Insert(ctx, Item{Kind: KindHistory, Source: "hitomi", ItemID: 1, CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	got, err := lib.QueryBySource(ctx, KindHistory, "hitomi", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ItemID != 1 {
		t.Errorf("expected revisited item first without duplicates, got %+v", got)
	}
}

func TestCounts(t *testing.T) {
	lib := openLibrary(t)
	ctx := context.Background()

	f, h, d, err := lib.Counts(ctx)
	if err != nil || f != 0 || h != 0 || d != 0 {
		t.Fatalf("empty counts = %d %d %d, %v", f, h, d, err)
	}

	var items []Item
	for i := int64(0); i < 4; i++ {
		items = append(items, Item{Kind: KindFavorite, Source: "hitomi", ItemID: i})
	}
	for i := int64(0); i < 2; i++ {
		items = append(items, Item{Kind: KindDownload, Source: "hitomi", ItemID: i})
	}
	items = append(items, Item{Kind: KindHistory, Source: "hitomi", ItemID: 9})
	if err := lib.BatchInsert(ctx, items); err != nil {
		t.Fatal(err)
	}

	f, h, d, err = lib.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f != 4 || h != 1 || d != 2 {
		t.Errorf("counts = %d %d %d, want 4 1 2", f, h, d)
	}

	if err := lib.Truncate(ctx, KindFavorite); err != nil {
		t.Fatal(err)
	}
	if n, _ := lib.Count(ctx, KindFavorite); n != 0 {
		t.Errorf("favorites after truncate = %d", n)
	}
}

func TestRejectsUnknownKind(t *testing.T) {
	lib := openLibrary(t)
	if err := lib.Insert(context.Background(), Item{Kind: "wishlist", ItemID: 1}); err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	lib, err := OpenLibrary(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := lib.Insert(context.Background(), Item{Kind: KindDownload, Source: "hitomi", ItemID: 5}); err != nil {
		t.Fatal(err)
	}
	lib.Close()

	lib, err = OpenLibrary(path)
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()
	if n, err := lib.Count(context.Background(), KindDownload); err != nil || n != 1 {
		t.Errorf("count after reopen = %d, %v", n, err)
	}
}
