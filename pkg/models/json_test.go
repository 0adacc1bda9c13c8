package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMap_RoundTrip(t *testing.T) {
	m := JSONMap{"last_table": "ANALYTICS.SALES.REVENUE", "warehouse": "COMPUTE_WH"}

	v, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, "ANALYTICS.SALES.REVENUE", out["last_table"])
	assert.Equal(t, "COMPUTE_WH", out["warehouse"])
}

func TestJSONMap_NilValue(t *testing.T) {
	var m JSONMap
	v, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	var out JSONMap
	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
}

func TestJSONTableRefs_Scan(t *testing.T) {
	var refs JSONTableRefs
	err := refs.Scan(`[{"table_name":"A.B.C","columns":["x","y"],"verification_status":"VERIFIED"}]`)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "A.B.C", refs[0].Name)
	assert.Equal(t, []string{"x", "y"}, refs[0].Columns)
}

func TestJSONMap_BadColumnType(t *testing.T) {
	var m JSONMap
	assert.Error(t, m.Scan(42))
}
