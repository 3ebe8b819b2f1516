package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScripts(t *testing.T) {
	scripts, err := Scripts()
	require.NoError(t, err)
	require.NotEmpty(t, scripts)
	assert.Contains(t, scripts[0], "CREATE TABLE IF NOT EXISTS users")
	assert.Contains(t, scripts[0], "CREATE TABLE IF NOT EXISTS trades")
}
