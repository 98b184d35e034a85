package planner

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
)

var (
	t1 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
)

func source(pairs map[string]time.Time) snapshot.Source {
	s := snapshot.Source{}
	for k, ts := range pairs {
		s[k] = snapshot.FileRecord{AbsolutePath: "/base/" + k, ModifiedAt: ts}
	}
	return s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		src        snapshot.Source
		meta       snapshot.Metadata
		blobs      snapshot.Blob
		tolerance  time.Duration
		wantAdd    []string
		wantDelete []string
		wantUpdate []string
	}{
		{
			name:       "new file only at source",
			src:        source(map[string]time.Time{"a.txt": t1}),
			meta:       snapshot.Metadata{},
			blobs:      snapshot.NewBlob(),
			wantAdd:    []string{"a.txt"},
			wantDelete: []string{},
			wantUpdate: []string{},
		},
		{
			name:       "tracked file with missing blob is re-uploaded",
			src:        source(map[string]time.Time{"a.txt": t1}),
			meta:       snapshot.Metadata{"a.txt": t1},
			blobs:      snapshot.NewBlob(),
			wantAdd:    []string{},
			wantDelete: []string{},
			wantUpdate: []string{"a.txt"},
		},
		{
			name:       "file replaced at source",
			src:        source(map[string]time.Time{"a.txt": t1}),
			meta:       snapshot.Metadata{"b.txt": t2},
			blobs:      snapshot.NewBlob("b.txt"),
			wantAdd:    []string{"a.txt"},
			wantDelete: []string{"b.txt"},
			wantUpdate: []string{},
		},
		{
			name:       "in sync",
			src:        source(map[string]time.Time{"a.txt": t1}),
			meta:       snapshot.Metadata{"a.txt": t1},
			blobs:      snapshot.NewBlob("a.txt"),
			wantAdd:    []string{},
			wantDelete: []string{},
			wantUpdate: []string{},
		},
		{
			name:       "timestamp changed",
			src:        source(map[string]time.Time{"a.txt": t2}),
			meta:       snapshot.Metadata{"a.txt": t1},
			blobs:      snapshot.NewBlob("a.txt"),
			wantAdd:    []string{},
			wantDelete: []string{},
			wantUpdate: []string{"a.txt"},
		},
		{
			name:       "drift below tolerance",
			src:        source(map[string]time.Time{"a.txt": t1.Add(2 * time.Second)}),
			meta:       snapshot.Metadata{"a.txt": t1},
			blobs:      snapshot.NewBlob("a.txt"),
			tolerance:  5 * time.Second,
			wantAdd:    []string{},
			wantDelete: []string{},
			wantUpdate: []string{},
		},
		{
			name:       "drift equal to tolerance",
			src:        source(map[string]time.Time{"a.txt": t1}),
			meta:       snapshot.Metadata{"a.txt": t1.Add(5 * time.Second)},
			blobs:      snapshot.NewBlob("a.txt"),
			tolerance:  5 * time.Second,
			wantAdd:    []string{},
			wantDelete: []string{},
			wantUpdate: []string{"a.txt"},
		},
		{
			name:       "orphan blob",
			src:        source(map[string]time.Time{"a.txt": t1}),
			meta:       snapshot.Metadata{"a.txt": t1},
			blobs:      snapshot.NewBlob("a.txt", "stale.txt"),
			wantAdd:    []string{},
			wantDelete: []string{"stale.txt"},
			wantUpdate: []string{},
		},
		{
			name:       "blob present but untracked is an add",
			src:        source(map[string]time.Time{"a.txt": t1}),
			meta:       snapshot.Metadata{},
			blobs:      snapshot.NewBlob("a.txt"),
			wantAdd:    []string{"a.txt"},
			wantDelete: []string{},
			wantUpdate: []string{},
		},
		{
			name:       "changed and missing blob counted once",
			src:        source(map[string]time.Time{"a.txt": t2}),
			meta:       snapshot.Metadata{"a.txt": t1},
			blobs:      snapshot.NewBlob(),
			wantAdd:    []string{},
			wantDelete: []string{},
			wantUpdate: []string{"a.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.src, tt.meta, tt.blobs, tt.tolerance)

			if !reflect.DeepEqual(got.ToAdd, tt.wantAdd) {
				t.Errorf("ToAdd = %v, want %v", got.ToAdd, tt.wantAdd)
			}
			if !reflect.DeepEqual(got.ToDelete, tt.wantDelete) {
				t.Errorf("ToDelete = %v, want %v", got.ToDelete, tt.wantDelete)
			}
			if !reflect.DeepEqual(got.ToUpdate, tt.wantUpdate) {
				t.Errorf("ToUpdate = %v, want %v", got.ToUpdate, tt.wantUpdate)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestClassifyReasons(t *testing.T) {
	src := source(map[string]time.Time{"new.txt": t1, "changed.txt": t2, "lost.txt": t1})
	meta := snapshot.Metadata{"changed.txt": t1, "lost.txt": t1, "gone.txt": t1}
	blobs := snapshot.NewBlob("changed.txt", "gone.txt", "orphan.txt")

	got := Classify(src, meta, blobs, 0)

	want := map[string]string{
		"new.txt":    ReasonNewFile,
		"lost.txt":   ReasonBlobMissing,
		"gone.txt":   ReasonDeletedAtSource,
		"orphan.txt": ReasonOrphanBlob,
	}
	for key, reason := range want {
		if got.Reasons[key] != reason {
			t.Errorf("Reasons[%q] = %q, want %q", key, got.Reasons[key], reason)
		}
	}
	if !strings.HasPrefix(got.Reasons["changed.txt"], ReasonTimestampDiffers) {
		t.Errorf("Reasons[changed.txt] = %q", got.Reasons["changed.txt"])
	}
	if !reflect.DeepEqual(got.OrphanBlobs, []string{"orphan.txt"}) {
		t.Errorf("OrphanBlobs = %v", got.OrphanBlobs)
	}
	if !reflect.DeepEqual(got.BlobMissing, []string{"lost.txt"}) {
		t.Errorf("BlobMissing = %v", got.BlobMissing)
	}
}

// TestClassifyPartition checks on random snapshots that every source or
// metadata key lands in exactly one of add, delete, update and untouched,
// and that classification is deterministic.
func TestClassifyPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		src := snapshot.Source{}
		meta := snapshot.Metadata{}
		blobs := snapshot.Blob{}

		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("k%02d", i)
			ts := t1.Add(time.Duration(rng.Intn(3)) * time.Second)
			if rng.Intn(2) == 0 {
				src[key] = snapshot.FileRecord{AbsolutePath: "/base/" + key, ModifiedAt: ts}
			}
			if rng.Intn(2) == 0 {
				meta[key] = t1.Add(time.Duration(rng.Intn(3)) * time.Second)
			}
			if rng.Intn(2) == 0 {
				blobs[key] = struct{}{}
			}
		}

		tolerance := time.Duration(rng.Intn(3)) * time.Second
		got := Classify(src, meta, blobs, tolerance)

		if err := got.Validate(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}

		counts := map[string]int{}
		for _, set := range [][]string{got.ToAdd, got.ToDelete, got.ToUpdate, got.Untouched} {
			for _, k := range set {
				counts[k]++
			}
		}
		for k := range src {
			if counts[k] != 1 {
				t.Fatalf("round %d: source key %s appears %d times", round, k, counts[k])
			}
		}
		for k := range meta {
			if counts[k] != 1 {
				t.Fatalf("round %d: metadata key %s appears %d times", round, k, counts[k])
			}
		}

		again := Classify(src, meta, blobs, tolerance)
		if !reflect.DeepEqual(got, again) {
			t.Fatalf("round %d: classification is not deterministic", round)
		}
	}
}

func TestDiffers(t *testing.T) {
	tests := []struct {
		name      string
		a, b      time.Time
		tolerance time.Duration
		want      bool
	}{
		{"equal with zero tolerance", t1, t1, 0, false},
		{"one second with zero tolerance", t1, t1.Add(time.Second), 0, true},
		{"sub-second with zero tolerance", t1, t1.Add(400 * time.Millisecond), 0, false},
		{"same instant in another zone", t1, t1.In(time.FixedZone("JST", 9*3600)), 0, false},
		{"equal with tolerance", t1, t1, time.Second, false},
		{"below tolerance", t1.Add(time.Second), t1, 2 * time.Second, false},
		{"at tolerance", t1, t1.Add(2 * time.Second), 2 * time.Second, true},
		{"above tolerance, reversed", t1.Add(3 * time.Second), t1, 2 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Differs(tt.a, tt.b, tt.tolerance); got != tt.want {
				t.Errorf("Differs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInconsistencies(t *testing.T) {
	meta := snapshot.Metadata{"a": t1, "b": t1}
	blobs := snapshot.NewBlob("b", "c", "d")

	blobOnly, metaOnly := Inconsistencies(meta, blobs)
	if !reflect.DeepEqual(blobOnly, []string{"c", "d"}) {
		t.Errorf("blobOnly = %v", blobOnly)
	}
	if !reflect.DeepEqual(metaOnly, []string{"a"}) {
		t.Errorf("metaOnly = %v", metaOnly)
	}
}

func TestItemsOrderAndPaths(t *testing.T) {
	src := source(map[string]time.Time{"add.txt": t1, "upd.txt": t2})
	meta := snapshot.Metadata{"upd.txt": t1, "del.txt": t1}
	set := Classify(src, meta, snapshot.NewBlob("upd.txt", "del.txt"), 0)

	items := set.Items(src)
	var got []string
	for _, it := range items {
		got = append(got, string(it.Action)+":"+it.Key)
	}
	want := []string{"delete:del.txt", "add:add.txt", "update:upd.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Items() = %v, want %v", got, want)
	}
	if items[0].LocalPath != "" || items[1].LocalPath != "/base/add.txt" {
		t.Errorf("unexpected local paths: %+v", items)
	}
	if set.Counts() != (Counts{Add: 1, Delete: 1, Update: 1}) {
		t.Errorf("Counts() = %+v", set.Counts())
	}
	if set.Empty() {
		t.Error("Empty() = true")
	}
}

func TestValidateRejectsOverlap(t *testing.T) {
	set := ActionSet{ToAdd: []string{"a"}, ToDelete: []string{"a"}}
	if err := set.Validate(); err == nil {
		t.Error("expected overlap error")
	}

	set = ActionSet{ToUpdate: []string{"a", "a"}}
	if err := set.Validate(); err == nil {
		t.Error("expected duplicate error")
	}
}

func TestClassifyEmptySnapshots(t *testing.T) {
	got := Classify(snapshot.Source{}, snapshot.Metadata{}, snapshot.NewBlob(), 0)
	if !got.Empty() {
		t.Errorf("expected empty action set, got %+v", got.Counts())
	}
}
