package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements_SkipsComments(t *testing.T) {
	stmts := Statements("-- header\nCREATE TABLE a (id INT);\n\n-- only a comment\n;\nCREATE INDEX i ON a (id);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INT)", stmts[0])
	assert.Equal(t, "CREATE INDEX i ON a (id)", stmts[1])
}

func TestEmbeddedSchema(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)

	content, err := Read(names[0])
	require.NoError(t, err)
	stmts := Statements(content)
	require.Len(t, stmts, 5)
	assert.True(t, strings.Contains(stmts[0], "UNIQUE (project_id, reference_number, role)"))
	assert.True(t, strings.Contains(stmts[2], "UNIQUE (project_id, match_key)"))
}
