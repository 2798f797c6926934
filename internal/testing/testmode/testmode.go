// Package testmode flips AKADEMI_TEST_MODE on for any test binary that
// imports it, so commands skip connecting to PostgreSQL and Redis.
package testmode

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AKADEMI_TEST_MODE") == "" {
			_ = os.Setenv("AKADEMI_TEST_MODE", "1")
		}
	})
}
