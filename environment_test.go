package raven

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticTags(t *testing.T) {
	tags := StaticTags()

	assert.Equal(t, runtime.GOOS, tags["os"])
	assert.Equal(t, runtime.GOARCH, tags["arch"])
	assert.Equal(t, runtime.Version(), tags["go version"])
	assert.NotEmpty(t, tags["cpus"])
}

func TestDefaultServerName(t *testing.T) {
	assert.NotEmpty(t, defaultServerName())
}
