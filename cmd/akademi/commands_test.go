package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	_ "github.com/odyssey-erp/akademi/internal/testing/testmode"
)

func TestRunCommandDispatch(t *testing.T) {
	assert.Equal(t, 2, runCommand("migrate", nil))
	assert.Equal(t, 2, runCommand("catalog", nil))
	assert.Equal(t, 0, runCommand("catalog", []string{"validate", "-file", ""}))
	assert.Equal(t, 0, runCommand("catalog", []string{"explain", "-role", "admin", "-type", "page", "-key", "/admin/users"}))
	assert.Equal(t, 10, runCommand("catalog", []string{"explain", "-role", "parent", "-type", "page", "-key", "/admin/users"}))
}
