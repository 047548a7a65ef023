package paralleltask_test

import (
	"os"
	"testing"

	"github.com/go-digitaltwin/go-testbackend/paralleltask"
)

func TestMain(m *testing.M) {
	// Worker processes spawned by the tests below re-execute this binary.
	paralleltask.Main()
	os.Exit(m.Run())
}
