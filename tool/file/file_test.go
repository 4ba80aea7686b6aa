//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToolSet(t *testing.T) (readTool, writeTool interface {
	Call(ctx context.Context, jsonArgs []byte) (any, error)
}, dir string) {
	t.Helper()
	dir = t.TempDir()
	r, w, err := NewToolSet(WithBaseDir(dir))
	require.NoError(t, err)
	return r, w, dir
}

func TestWriteThenRead(t *testing.T) {
	r, w, _ := newToolSet(t)

	out, err := w.Call(context.Background(),
		[]byte(`{"file_name":"notes/hello.txt","contents":"hi there"}`))
	require.NoError(t, err)
	assert.Contains(t, out.(writeFileResponse).Message, "Wrote 8 bytes")

	out, err = r.Call(context.Background(), []byte(`{"file_name":"notes/hello.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.(readFileResponse).Contents)
}

func TestOverwriteRequiresFlag(t *testing.T) {
	_, w, _ := newToolSet(t)

	_, err := w.Call(context.Background(),
		[]byte(`{"file_name":"a.txt","contents":"one"}`))
	require.NoError(t, err)

	_, err = w.Call(context.Background(),
		[]byte(`{"file_name":"a.txt","contents":"two"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = w.Call(context.Background(),
		[]byte(`{"file_name":"a.txt","contents":"two","overwrite":true}`))
	require.NoError(t, err)
}

func TestPathEscapeRejected(t *testing.T) {
	r, w, dir := newToolSet(t)

	outside := filepath.Join(filepath.Dir(dir), "victim.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	_, err := r.Call(context.Background(), []byte(`{"file_name":"../victim.txt"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	_, err = w.Call(context.Background(),
		[]byte(`{"file_name":"../victim.txt","contents":"pwn","overwrite":true}`))
	require.Error(t, err)

	_, err = r.Call(context.Background(), []byte(`{"file_name":"/etc/passwd"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute paths")
}

func TestReadRejectsBinaryAndOversized(t *testing.T) {
	dir := t.TempDir()
	r, _, err := NewToolSet(WithBaseDir(dir), WithMaxFileSize(8))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin.dat"), []byte{0xff, 0x00, 0x80}, 0o644))
	_, err = r.Call(context.Background(), []byte(`{"file_name":"bin.dat"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UTF-8")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte("0123456789"), 0o644))
	_, err = r.Call(context.Background(), []byte(`{"file_name":"big.txt"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestReadMissingFile(t *testing.T) {
	r, _, _ := newToolSet(t)
	_, err := r.Call(context.Background(), []byte(`{"file_name":"nope.txt"}`))
	require.Error(t, err)
}
