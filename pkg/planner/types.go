package planner

type Action string

const (
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
	ActionUpdate Action = "update"
)

// Reasons attached to classified keys.
const (
	ReasonNewFile          = "new file"
	ReasonDeletedAtSource  = "deleted at source"
	ReasonOrphanBlob       = "orphan blob"
	ReasonTimestampDiffers = "timestamp differs"
	ReasonBlobMissing      = "missing from blob store"
)

// ActionSet is the output of Classify. Every slice is sorted and free of
// duplicates.
type ActionSet struct {
	ToAdd    []string `json:"to_add" yaml:"to_add"`
	ToDelete []string `json:"to_delete" yaml:"to_delete"`
	ToUpdate []string `json:"to_update" yaml:"to_update"`

	// Untouched holds the common keys that need no action.
	Untouched []string `json:"-" yaml:"-"`

	// OrphanBlobs is the part of ToDelete known only to the blob store.
	OrphanBlobs []string `json:"orphan_blobs,omitempty" yaml:"orphan_blobs,omitempty"`

	// BlobMissing is the part of ToUpdate whose blob has gone missing.
	BlobMissing []string `json:"blob_missing,omitempty" yaml:"blob_missing,omitempty"`

	// Reasons maps every key in ToAdd, ToDelete and ToUpdate to why it is there.
	Reasons map[string]string `json:"-" yaml:"-"`
}

// Counts is the size of each action set.
type Counts struct {
	Add    int `json:"add" yaml:"add"`
	Delete int `json:"delete" yaml:"delete"`
	Update int `json:"update" yaml:"update"`
}

// Item is one planned action, as written to a plan file.
type Item struct {
	Action    Action `json:"action" yaml:"action"`
	Key       string `json:"key" yaml:"key"`
	LocalPath string `json:"local_path,omitempty" yaml:"local_path,omitempty"`
	Reason    string `json:"reason" yaml:"reason"`
}
