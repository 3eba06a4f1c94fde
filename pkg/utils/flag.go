package utils

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

// SetTestFlag sets a flag to a specific value for the duration of the test.
func SetTestFlag(tb testing.TB, name, value string) {
	tb.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(tb, flagHolder, "Flag %s not found", name)
	if flagHolder != nil { // Revert the flag value back to its original when the test is done.
		prevValue := flagHolder.Value.String()
		tb.Cleanup(func() { require.NoError(tb, flag.Set(name, prevValue)) })
	}
	require.NoError(tb, flag.Set(name, value))
}
