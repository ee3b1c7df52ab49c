package version

// Version is the current chirper release.
const Version = "0.4.0"

// BuildVersion returns the version string printed by `chirper version`.
func BuildVersion() string {
	return "chirper version " + Version
}

// APIVersion is reported by /health.
func APIVersion() string {
	return Version
}
