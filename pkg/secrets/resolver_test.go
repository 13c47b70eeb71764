// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	vault "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOPService struct {
	values map[string]string
}

func (f *fakeOPService) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := f.values[ref]
	if !ok {
		return "", fmt.Errorf("no such secret: %s", ref)
	}
	return v, nil
}

type fakeVault struct {
	values map[string]map[string]any
}

func (f *fakeVault) ReadWithContext(_ context.Context, path string) (*vault.Secret, error) {
	data, ok := f.values[path]
	if !ok {
		return nil, nil
	}
	return &vault.Secret{Data: map[string]any{"data": data}}, nil
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("MXCP_TEST_SECRET", "s3cret")

	r := NewResolver()
	v, err := r.Resolve(context.Background(), "${MXCP_TEST_SECRET}")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)
}

func TestResolveEnvMissing(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(context.Background(), "${MXCP_DEFINITELY_UNSET_VAR}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not set")
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  file-value\n"), 0o600))

	r := NewResolver()
	v, err := r.Resolve(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "file-value", v)
}

func TestResolveLiteralPassthrough(t *testing.T) {
	r := NewResolver()
	v, err := r.Resolve(context.Background(), "plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", v)
}

func TestResolveOnePassword(t *testing.T) {
	svc := &fakeOPService{values: map[string]string{
		"op://vault/item/field": "op-value",
	}}

	r := NewResolver(WithOnePassword(svc))
	v, err := r.Resolve(context.Background(), "op://vault/item/field")
	require.NoError(t, err)
	assert.Equal(t, "op-value", v)
}

func TestResolveVault(t *testing.T) {
	fv := &fakeVault{values: map[string]map[string]any{
		"secret/data/mxcp": {"db_password": "v-value"},
	}}

	r := NewResolver(WithVault(fv))
	v, err := r.Resolve(context.Background(), "vault://secret/data/mxcp#db_password")
	require.NoError(t, err)
	assert.Equal(t, "v-value", v)

	_, err = r.Resolve(context.Background(), "vault://secret/data/mxcp#missing")
	require.Error(t, err)

	_, err = r.Resolve(context.Background(), "vault://badref")
	require.Error(t, err)
}

func TestResolveMapFailsFast(t *testing.T) {
	t.Setenv("MXCP_MAP_A", "a")

	r := NewResolver()
	_, err := r.ResolveMap(context.Background(), map[string]string{
		"a": "${MXCP_MAP_A}",
		"b": "${MXCP_MAP_UNSET}",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `secret "b"`)
}

func TestResolveCaches(t *testing.T) {
	calls := 0
	svc := &fakeOPService{values: map[string]string{"op://v/i/f": "x"}}
	counting := opCounter{inner: svc, calls: &calls}

	r := NewResolver(WithOnePassword(counting))
	for i := 0; i < 3; i++ {
		v, err := r.Resolve(context.Background(), "op://v/i/f")
		require.NoError(t, err)
		assert.Equal(t, "x", v)
	}
	assert.Equal(t, 1, calls)
}

type opCounter struct {
	inner OPSecretsService
	calls *int
}

func (c opCounter) Resolve(ctx context.Context, ref string) (string, error) {
	*c.calls++
	return c.inner.Resolve(ctx, ref)
}
