package core

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_UnmarshalJSON(t *testing.T) {
	var permit struct {
		Operations []Operation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"operations":["create","read","update","delete","list","clear"]}`), &permit))
	assert.Len(t, permit.Operations, 6)
	assert.Equal(t, OperationClear, permit.Operations[5])

	err := json.Unmarshal([]byte(`{"operations":["reed"]}`), &permit)
	assert.Error(t, err)
}

func TestOperation_Valid(t *testing.T) {
	assert.True(t, OperationList.Valid())
	assert.False(t, Operation("").Valid())
	assert.False(t, Operation("LIST").Valid())
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "books", Plural("book"))
	assert.Equal(t, "categories", Plural("category"))
	assert.Equal(t, "keys", Plural("key"))
	assert.Equal(t, "settings", Plural("settings"))
}

func TestExposedHeaders(t *testing.T) {
	assert.Contains(t, ExposedHeaders, HeaderPaginationNextCursor)
	assert.Contains(t, ExposedHeaders, HeaderEtag)
}
