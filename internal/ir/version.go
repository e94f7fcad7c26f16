package ir

// Version constants for manifests and the runtime.
const (
	// ManifestVersion is the manifest schema version.
	ManifestVersion = "1"

	// EngineVersion is the statekit runtime version.
	EngineVersion = "0.1.0"
)
