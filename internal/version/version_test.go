package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	Version, Commit, BuildDate = "1.2.3", "abc123", "2025-01-01"
	t.Cleanup(func() { Version, Commit, BuildDate = "dev", "unknown", "unknown" })

	assert.Equal(t, "version: 1.2.3\ncommit: abc123\nbuilt: 2025-01-01", String())
	assert.Equal(t, "dexwatch/1.2.3", UserAgent())
}
