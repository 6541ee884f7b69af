package deploy

import (
	"os"
	"testing"

	"github.com/standardbeagle/mcplab/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunStubIfRequested()
	os.Exit(m.Run())
}
