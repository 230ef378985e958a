package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoolWord(t *testing.T) {
	require.Equal(t, "complete", boolWord(true, "complete", "incomplete"))
	require.Equal(t, "incomplete", boolWord(false, "complete", "incomplete"))
}
