package blobstore

import (
	"fmt"
	"path"
	"strings"
)

// Location is a parsed bucket URI.
type Location struct {
	Scheme string // "s3" or "gs"
	Bucket string
	Prefix string // cleaned, no leading or trailing slash
}

// ParseURI parses s3://bucket/prefix or gs://bucket/prefix.
func ParseURI(uri string) (Location, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return Location{}, fmt.Errorf("invalid bucket URI %q: missing scheme", uri)
	}
	switch scheme {
	case "s3", "gs":
	default:
		return Location{}, fmt.Errorf("invalid bucket URI %q: unsupported scheme %q", uri, scheme)
	}

	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("invalid bucket URI %q: missing bucket name", uri)
	}
	return Location{Scheme: scheme, Bucket: bucket, Prefix: CleanPrefix(prefix)}, nil
}

// CleanPrefix normalizes an object prefix: forward slashes, no leading or
// trailing slash, "" for the bucket root.
func CleanPrefix(prefix string) string {
	p := strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// objectName maps a FileKey to the object name under prefix.
func objectName(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// listPrefix is the object-name prefix to list under.
func listPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// trimKeyPrefix maps an object name back to its FileKey. Names that are not
// under prefix+"/" are returned unchanged.
func trimKeyPrefix(name, prefix string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, prefix+"/")
}
