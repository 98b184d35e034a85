// Package planner classifies every FileKey seen in the source tree, the
// metadata table and the blob store into the add, delete and update sets.
// Everything here is a pure function of the three snapshots.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/timestamp"
)

// Classify diffs the three snapshots.
//
//	to_add    = S - M
//	to_delete = (M - S) + ((B - M) - S)
//	to_update = {k in S ∩ M : timestamps differ by tolerance} + ((M - B) ∩ S)
//
// A zero tolerance updates on any difference.
func Classify(src snapshot.Source, meta snapshot.Metadata, blobs snapshot.Blob, tolerance time.Duration) ActionSet {
	set := ActionSet{
		ToAdd:       []string{},
		ToDelete:    []string{},
		ToUpdate:    []string{},
		Untouched:   []string{},
		OrphanBlobs: []string{},
		BlobMissing: []string{},
		Reasons:     map[string]string{},
	}

	for key, rec := range src {
		metaTime, tracked := meta[key]
		if !tracked {
			set.ToAdd = append(set.ToAdd, key)
			set.Reasons[key] = ReasonNewFile
			continue
		}

		switch {
		case Differs(rec.ModifiedAt, metaTime, tolerance):
			set.ToUpdate = append(set.ToUpdate, key)
			set.Reasons[key] = fmt.Sprintf("%s (source %s, metadata %s)",
				ReasonTimestampDiffers, rec.ModifiedAt.Format(time.DateTime), metaTime.Format(time.DateTime))
			if !blobs.Has(key) {
				set.BlobMissing = append(set.BlobMissing, key)
			}
		case !blobs.Has(key):
			set.ToUpdate = append(set.ToUpdate, key)
			set.BlobMissing = append(set.BlobMissing, key)
			set.Reasons[key] = ReasonBlobMissing
		default:
			set.Untouched = append(set.Untouched, key)
		}
	}

	for key := range meta {
		if _, ok := src[key]; !ok {
			set.ToDelete = append(set.ToDelete, key)
			set.Reasons[key] = ReasonDeletedAtSource
		}
	}

	for key := range blobs {
		if _, ok := meta[key]; ok {
			continue
		}
		if _, ok := src[key]; ok {
			continue
		}
		set.ToDelete = append(set.ToDelete, key)
		set.OrphanBlobs = append(set.OrphanBlobs, key)
		set.Reasons[key] = ReasonOrphanBlob
	}

	sortActionSet(&set)
	return set
}

// Differs reports whether two timestamps are far enough apart to warrant an
// update under tolerance. Timestamps equal after normalization never differ.
func Differs(a, b time.Time, tolerance time.Duration) bool {
	if timestamp.Equal(a, b) {
		return false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d >= tolerance
}

// Inconsistencies returns the keys on which the metadata table and the blob
// store disagree, before any source information is taken into account.
func Inconsistencies(meta snapshot.Metadata, blobs snapshot.Blob) (blobOnly, metaOnly []string) {
	blobOnly = []string{}
	metaOnly = []string{}
	for key := range blobs {
		if _, ok := meta[key]; !ok {
			blobOnly = append(blobOnly, key)
		}
	}
	for key := range meta {
		if !blobs.Has(key) {
			metaOnly = append(metaOnly, key)
		}
	}
	sort.Strings(blobOnly)
	sort.Strings(metaOnly)
	return blobOnly, metaOnly
}

// Empty reports whether there is nothing to do.
func (a ActionSet) Empty() bool {
	return len(a.ToAdd) == 0 && len(a.ToDelete) == 0 && len(a.ToUpdate) == 0
}

// Counts returns the size of each action set.
func (a ActionSet) Counts() Counts {
	return Counts{Add: len(a.ToAdd), Delete: len(a.ToDelete), Update: len(a.ToUpdate)}
}

// Items flattens the action set into plan items in execution order:
// deletes, then adds, then updates. Local paths come from src.
func (a ActionSet) Items(src snapshot.Source) []Item {
	items := make([]Item, 0, len(a.ToDelete)+len(a.ToAdd)+len(a.ToUpdate))

	for _, key := range a.ToDelete {
		items = append(items, Item{Action: ActionDelete, Key: key, Reason: a.Reasons[key]})
	}
	for _, key := range a.ToAdd {
		items = append(items, Item{Action: ActionAdd, Key: key, LocalPath: src[key].AbsolutePath, Reason: a.Reasons[key]})
	}
	for _, key := range a.ToUpdate {
		items = append(items, Item{Action: ActionUpdate, Key: key, LocalPath: src[key].AbsolutePath, Reason: a.Reasons[key]})
	}

	return items
}

// Validate checks that no key appears twice within a set and that no key
// is both deleted and added or updated.
func (a ActionSet) Validate() error {
	seen := make(map[string]Action, len(a.ToAdd)+len(a.ToDelete)+len(a.ToUpdate))
	check := func(action Action, keys []string) error {
		for _, key := range keys {
			if prev, ok := seen[key]; ok {
				return fmt.Errorf("key %q classified as both %s and %s", key, prev, action)
			}
			seen[key] = action
		}
		return nil
	}

	if err := check(ActionDelete, a.ToDelete); err != nil {
		return err
	}
	if err := check(ActionAdd, a.ToAdd); err != nil {
		return err
	}
	return check(ActionUpdate, a.ToUpdate)
}

func sortActionSet(set *ActionSet) {
	sort.Strings(set.ToAdd)
	sort.Strings(set.ToDelete)
	sort.Strings(set.ToUpdate)
	sort.Strings(set.Untouched)
	sort.Strings(set.OrphanBlobs)
	sort.Strings(set.BlobMissing)
}
