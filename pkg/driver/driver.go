// Package driver re-exports the session driver contract so external driver
// implementations can be built without importing internal packages.
package driver

import (
	"github.com/wa-session-console/backend/internal/driver"
)

// Re-export types from internal/driver for external use
type (
	SessionDriver = driver.SessionDriver
	Handle        = driver.Handle
	Event         = driver.Event
	EventType     = driver.EventType
)

const (
	EventPairing       = driver.EventPairing
	EventAuthenticated = driver.EventAuthenticated
	EventReady         = driver.EventReady
	EventAuthFailure   = driver.EventAuthFailure
	EventDisconnected  = driver.EventDisconnected
)

// NewScriptedDriver creates the built-in scripted driver, suitable for dev
// deployments without a real automation backend.
func NewScriptedDriver(stateDir string, autoScript bool) *driver.ScriptedDriver {
	return driver.NewScriptedDriver(stateDir, autoScript)
}
