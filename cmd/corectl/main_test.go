package main

import (
	"testing"

	"github.com/coreforge/coreforge/pkg/servicemgr"
	"github.com/stretchr/testify/require"
)

func TestExitCodeForUnitNotFound(t *testing.T) {
	resp := servicemgr.Response{Type: "error", Message: `unknown unit "web"`}
	require.Equal(t, exitUnitNotFound, exitCodeFor(resp))
}

func TestExitCodeForCycle(t *testing.T) {
	resp := servicemgr.Response{Type: "error", Message: "start: cycle: web -> db -> web"}
	require.Equal(t, exitConflict, exitCodeFor(resp))
}

func TestExitCodeForDependency(t *testing.T) {
	resp := servicemgr.Response{Type: "error", Message: "start: dependency unmet: db"}
	require.Equal(t, exitDependencyUnmet, exitCodeFor(resp))
}

func TestExitCodeForGenericFailure(t *testing.T) {
	resp := servicemgr.Response{Type: "error", Message: "spawn: io-error: exec: no such file"}
	require.Equal(t, exitGenericFailure, exitCodeFor(resp))
}
