package cmd

import (
	"fmt"
	"github.com/cortex-realm/cortex/cortex"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := cortex.Version
	originalCommitSHA := cortex.CommitSHA
	originalBuildTime := cortex.BuildTime

	t.Cleanup(
		func() {
			cortex.Version = originalVersion
			cortex.CommitSHA = originalCommitSHA
			cortex.BuildTime = originalBuildTime
		},
	)

	cortex.Version = "1.0.0"
	cortex.CommitSHA = "abc123"
	cortex.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		cortex.Version,
		cortex.CommitSHA,
		cortex.BuildTime,
	)
	assert.Equal(t, expected, output)
}
