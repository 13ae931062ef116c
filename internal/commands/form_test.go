package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnswers(t *testing.T) {
	answers, err := parseAnswers(nil)
	require.NoError(t, err)
	assert.Nil(t, answers)

	answers, err = parseAnswers([]string{"depth = 3m", "ph=7.1", "notes="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"depth": "3m", "ph": "7.1", "notes": ""}, answers)

	_, err = parseAnswers([]string{"missing-separator"})
	assert.Error(t, err)

	_, err = parseAnswers([]string{"=value"})
	assert.Error(t, err)
}
