package vectorstore

import (
	"fmt"
	"regexp"
	"strings"
)

// CollectionPrefix marks every collection owned by this layer.
const CollectionPrefix = "doc_chunks__"

// slugPattern matches runs of characters outside the collection alphabet.
var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// collectionNamePattern validates collection names:
// lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// BuildCollectionName maps an embedding model name onto its collection name.
// Pure function: lowercase, non-alphanumeric runs collapsed to "_", trimmed,
// prefixed. Distinct model names that slugify identically collide; that is a
// configuration hazard, deliberately not handled here — changing the
// normalization would orphan persisted collections.
func BuildCollectionName(embedModel string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(embedModel), "_")
	return CollectionPrefix + strings.Trim(slug, "_")
}

// ValidateCollectionName validates a collection name against naming rules.
// Rejects uppercase, special chars, and spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}
