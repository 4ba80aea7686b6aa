//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package shell

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh is not available on windows")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	tl := NewTool()

	out, err := tl.Call(context.Background(), []byte(`{"command":"echo hello"}`))
	require.NoError(t, err)

	rsp := out.(execResponse)
	assert.Equal(t, "hello\n", rsp.Output)
	assert.Equal(t, 0, rsp.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	tl := NewTool()

	out, err := tl.Call(context.Background(), []byte(`{"command":"exit 3"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, out.(execResponse).ExitCode)
}

func TestRunCapturesStderr(t *testing.T) {
	skipOnWindows(t)
	tl := NewTool()

	out, err := tl.Call(context.Background(), []byte(`{"command":"echo oops 1>&2"}`))
	require.NoError(t, err)
	assert.Contains(t, out.(execResponse).Output, "oops")
}

func TestRunEmptyCommand(t *testing.T) {
	tl := NewTool()
	_, err := tl.Call(context.Background(), []byte(`{"command":"   "}`))
	require.Error(t, err)
}

func TestRunTimeout(t *testing.T) {
	skipOnWindows(t)
	tl := NewTool(WithTimeout(50 * time.Millisecond))

	_, err := tl.Call(context.Background(), []byte(`{"command":"sleep 5"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunWorkDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	tl := NewTool(WithWorkDir(dir))

	out, err := tl.Call(context.Background(), []byte(`{"command":"pwd"}`))
	require.NoError(t, err)
	assert.Contains(t, out.(execResponse).Output, dir)
}

func TestRunTruncatesOutput(t *testing.T) {
	skipOnWindows(t)
	tl := NewTool(WithMaxOutput(16))

	out, err := tl.Call(context.Background(),
		[]byte(`{"command":"printf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'"}`))
	require.NoError(t, err)
	assert.Contains(t, out.(execResponse).Output, "[TRUNCATED]")
}
