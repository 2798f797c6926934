package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/akademi/internal/app"
	_ "github.com/odyssey-erp/akademi/internal/testing/testmode"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
