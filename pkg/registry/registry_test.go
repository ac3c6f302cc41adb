// pkg/registry/registry_test.go
package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `{
  "version": "1.0.0",
  "lastUpdated": "2026-08-10T00:00:00Z",
  "activities": [
    {
      "id": "generate-review-assignments",
      "displayName": "Generate Review Assignments",
      "description": "test",
      "taskType": "generate-review-assignments",
      "inputSchema": {
        "type": "object",
        "properties": {
          "applicationId": { "type": "integer", "minimum": 1 },
          "isRegeneration": { "type": "boolean" }
        },
        "required": ["applicationId"]
      },
      "errorCodes": ["QUERY_EXECUTION_FAILED"],
      "timeout": "30s",
      "retries": 3
    },
    {
      "id": "no-schema",
      "displayName": "No Schema",
      "description": "test",
      "taskType": "no-schema",
      "errorCodes": [],
      "timeout": "10s",
      "retries": 0
    }
  ]
}`

func writeTestRegistry(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0644))
	return path
}

func TestLoadRegistry(t *testing.T) {
	reg, err := LoadRegistry(writeTestRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", reg.Version)
	require.Len(t, reg.Activities, 2)
	assert.Equal(t, "generate-review-assignments", reg.Activities[0].TaskType)
	assert.Equal(t, 3, reg.Activities[0].Retries)
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	reg, err := LoadRegistry(writeTestRegistry(t))
	require.NoError(t, err)

	activity, ok := reg.Find("generate-review-assignments")
	require.True(t, ok)
	assert.Equal(t, "Generate Review Assignments", activity.DisplayName)

	_, ok = reg.Find("unknown-task")
	assert.False(t, ok)
}

func TestValidateInput(t *testing.T) {
	reg, err := LoadRegistry(writeTestRegistry(t))
	require.NoError(t, err)

	activity, ok := reg.Find("generate-review-assignments")
	require.True(t, ok)

	tests := []struct {
		name      string
		variables map[string]interface{}
		wantErr   bool
	}{
		{
			name:      "valid input",
			variables: map[string]interface{}{"applicationId": 4001, "isRegeneration": true},
			wantErr:   false,
		},
		{
			name:      "missing required field",
			variables: map[string]interface{}{"isRegeneration": true},
			wantErr:   true,
		},
		{
			name:      "wrong type",
			variables: map[string]interface{}{"applicationId": "4001"},
			wantErr:   true,
		},
		{
			name:      "below minimum",
			variables: map[string]interface{}{"applicationId": 0},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := activity.ValidateInput(tt.variables)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateInput_NoSchemaAcceptsAnything(t *testing.T) {
	reg, err := LoadRegistry(writeTestRegistry(t))
	require.NoError(t, err)

	activity, ok := reg.Find("no-schema")
	require.True(t, ok)

	assert.NoError(t, activity.ValidateInput(map[string]interface{}{"anything": "goes"}))
}
