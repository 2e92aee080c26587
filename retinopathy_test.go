// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIndex(t *testing.T, dataDir string, source Source, csvContent string) {
	t.Helper()
	sourceDir := path.Join(dataDir, source.String())
	require.NoError(t, os.MkdirAll(sourceDir, 0777))
	require.NoError(t, os.WriteFile(path.Join(sourceDir, "train.csv"), []byte(csvContent), 0666))
}

func TestLoadIndex(t *testing.T) {
	dataDir := t.TempDir()
	writeIndex(t, dataDir, Aptos2019, "id_code,diagnosis\nabc123,0\ndef456,4\n")

	samples, err := LoadIndex(dataDir, Aptos2019)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "abc123", samples[0].ID)
	assert.Equal(t, int32(0), samples[0].Grade)
	assert.Equal(t, Aptos2019, samples[0].Source)
	assert.Equal(t, path.Join(dataDir, "aptos2019", "train_images", "def456.png"), samples[1].Path)
	assert.Equal(t, int32(4), samples[1].Grade)
}

func TestLoadIndexErrors(t *testing.T) {
	dataDir := t.TempDir()

	_, err := LoadIndex(dataDir, Aptos2019)
	assert.Error(t, err, "missing index file")

	writeIndex(t, dataDir, Aptos2019, "id_code,diagnosis\nabc123,7\n")
	_, err = LoadIndex(dataDir, Aptos2019)
	assert.ErrorContains(t, err, "invalid diagnosis", "grade out of range")

	writeIndex(t, dataDir, Idrid, "id_code,diagnosis\nabc123,0,extra\n")
	_, err = LoadIndex(dataDir, Idrid)
	assert.ErrorContains(t, err, "malformed", "wrong number of columns")

	writeIndex(t, dataDir, Messidor, "id_code,diagnosis\n")
	_, err = LoadIndex(dataDir, Messidor)
	assert.ErrorContains(t, err, "no samples", "header-only index")
}