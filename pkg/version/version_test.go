package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullCarriesAppNameAndCommit(t *testing.T) {
	assert.Equal(t, AppName+"/"+GitCommit, Full())
	assert.NotEmpty(t, GitCommit)
}

func TestShortHashTruncatesLongRevisions(t *testing.T) {
	assert.Equal(t, "a3f8c2d1", shortHash("a3f8c2d1e9b40017"))
	assert.Equal(t, "dev", shortHash("dev"))
}
