package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCollectionName(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"bge-large-zh-v1.5", "doc_chunks__bge_large_zh_v1_5"},
		{"text-embedding-3-small", "doc_chunks__text_embedding_3_small"},
		{"BGE Large", "doc_chunks__bge_large"},
		{"model--with..runs", "doc_chunks__model_with_runs"},
		{"_leading_trailing_", "doc_chunks__leading_trailing"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BuildCollectionName(tt.model), "model %q", tt.model)
	}
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("doc_chunks__bge_large"))
	assert.Error(t, ValidateCollectionName(""))
	assert.Error(t, ValidateCollectionName("Has-Caps"))
	assert.Error(t, ValidateCollectionName("spaces here"))
}

func TestChunkMetadataFields(t *testing.T) {
	meta := ChunkMetadata{
		DocID:      "doc-1",
		Filename:   "report.pdf",
		FileType:   "pdf",
		ChunkIndex: 3,
		DocHash:    "abc123",
	}
	fields := meta.Fields()
	assert.Equal(t, "doc-1", fields["doc_id"])
	assert.Equal(t, "3", fields["chunk_index"])
	assert.NotContains(t, fields, "section", "empty section omitted")

	meta.Section = "intro"
	assert.Equal(t, "intro", meta.Fields()["section"])
}
