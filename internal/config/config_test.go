package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppy/elastic-indexer/internal/errs"
)

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	BindFlags(cmd)
	return cmd
}

func TestLoad_RequiresSchemaTag(t *testing.T) {
	// Given: a command with no --schema-tag supplied
	cmd := newTestCmd()

	// When: loading settings
	_, err := Load(cmd)

	// Then: it fails with MissingSchema
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.MissingSchema))
}

func TestLoad_SucceedsWithSchemaTag(t *testing.T) {
	// Given: a command with --schema-tag set
	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("schema-tag", "v7"))

	// When: loading settings
	s, err := Load(cmd)

	// Then: it succeeds and carries the flag defaults
	require.NoError(t, err)
	assert.Equal(t, "v7", s.SchemaTag)
	assert.Equal(t, 10000, s.BatchSize)
	assert.Equal(t, 4, s.QueueCapacity)
	assert.Equal(t, "scores", s.AliasPrefix)
	assert.Nil(t, s.ResumeFrom)
}

func TestLoad_ResumeFromUnsetSentinel(t *testing.T) {
	// Given: --resume-from left at its -1 "unset" default
	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("schema-tag", "v7"))

	s, err := Load(cmd)
	require.NoError(t, err)

	// Then: ResumeFrom stays nil rather than pointing at -1
	assert.Nil(t, s.ResumeFrom)

	// Given: an explicit non-negative --resume-from
	cmd2 := newTestCmd()
	require.NoError(t, cmd2.Flags().Set("schema-tag", "v7"))
	require.NoError(t, cmd2.Flags().Set("resume-from", "42"))

	s2, err := Load(cmd2)
	require.NoError(t, err)
	require.NotNil(t, s2.ResumeFrom)
	assert.Equal(t, int64(42), *s2.ResumeFrom)
}

func TestLoadRaw_SkipsSchemaTagValidation(t *testing.T) {
	// Given: a command with no --schema-tag, used by admin subcommands
	cmd := newTestCmd()

	// When: loading raw settings
	s, err := LoadRaw(cmd)

	// Then: it succeeds despite the empty schema tag
	require.NoError(t, err)
	assert.Equal(t, "", s.SchemaTag)
}

func TestValidate_RejectsNonPositiveBatchSizeAndQueueCapacity(t *testing.T) {
	s := Settings{SchemaTag: "v7", BatchSize: 0, QueueCapacity: 1}
	assert.Error(t, s.Validate())

	s = Settings{SchemaTag: "v7", BatchSize: 1, QueueCapacity: 0}
	assert.Error(t, s.Validate())

	s = Settings{SchemaTag: "v7", BatchSize: 1, QueueCapacity: 1}
	assert.NoError(t, s.Validate())
}
