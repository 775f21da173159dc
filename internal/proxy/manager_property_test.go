package proxy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMirrorKey_InjectiveAndPrefixed checks that mirrorKey never collapses
// two distinct run IDs onto the same mirror key, and that every key carries
// the "proxy:live:" prefix Sweep and the cache mirror both rely on.
func TestMirrorKey_InjectiveAndPrefixed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	runIDAlphabet := gen.Identifier()

	properties.Property("distinct run IDs map to distinct mirror keys", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return mirrorKey(a) != mirrorKey(b)
		},
		runIDAlphabet, runIDAlphabet,
	))

	properties.Property("mirror key always carries the proxy:live: prefix", prop.ForAll(
		func(runID string) bool {
			key := mirrorKey(runID)
			return len(key) > len("proxy:live:") && key[:len("proxy:live:")] == "proxy:live:"
		},
		runIDAlphabet,
	))

	properties.TestingRun(t)
}

// TestSplitTab_RoundTrip checks that splitting a docker ps-style
// "id\trunID" line with splitTab recovers exactly the two fields that were
// joined with a tab, for any run ID and container ID drawn from the
// alphabet docker actually produces (hex IDs, alphanumeric run IDs).
func TestSplitTab_RoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	fieldAlphabet := gen.Identifier()

	properties.Property("splitTab recovers both fields of a tab-joined line", prop.ForAll(
		func(containerID, runID string) bool {
			line := containerID + "\t" + runID
			cols := splitTab(line)
			return len(cols) == 2 && cols[0] == containerID && cols[1] == runID
		},
		fieldAlphabet, fieldAlphabet,
	))

	properties.TestingRun(t)
}
