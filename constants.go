package main

// Application constants
// Centralizing magic numbers for maintainability and clarity

const (
	// Security
	BcryptCost       = 12 // bcrypt hashing cost (12 is recommended)
	APIKeyLength     = 32 // bytes for generated API keys
	MaxAuthAttempts  = 5  // failed attempts before lockout
	LockoutMinutes   = 15 // lockout duration in minutes
	AttemptPurgeHour = 1  // how often to purge stale lockouts

	// Preview rendering
	PreviewMaxEdge     = 512 // pixels (longest edge of the preview sample)
	PreviewJPEGQuality = 85

	// Request limits
	MaxJSONBodyBytes   = 64 * 1024 // 64KB for JSON request bodies
	SmallJSONBodyBytes = 1024      // 1KB for simple JSON (enabled toggles, auto values)
	MaxReleaseIDLength = 128       // characters
)
