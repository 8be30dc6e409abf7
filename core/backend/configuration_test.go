package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfiguration(t *testing.T) {
	permits, err := parseConfiguration(DefaultConfiguration())
	require.NoError(t, err)
	for _, resource := range requiredResources {
		assert.Contains(t, permits, resource)
	}
	assert.Empty(t, permits["order"], "only administrators manage all orders")
}

func TestParseConfiguration_Errors(t *testing.T) {
	tests := []struct {
		name, config, want string
	}{
		{"syntax", `{"resources":`, "parse error"},
		{"twice", `{"resources":[{"resource":"book"},{"resource":"book"}]}`, "configured twice"},
		{"selector", `{"resources":[{"resource":"book","permits":[{"role":"customer","operations":["read"],"selectors":["account"]}]}]}`,
			"selector account is not part of the resource"},
		{"missing", `{"resources":[{"resource":"book"}]}`, "is not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfiguration(tt.config)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}
