package memory

import (
	"testing"

	"authkit/adapter/adaptertest"
)

func TestStore(t *testing.T) {
	adaptertest.Run(t, func(*testing.T) adaptertest.Store { return New() })
}
