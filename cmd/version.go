package cmd

// These are set at build time via -ldflags, e.g.
// -ldflags "-X github.com/aws-greengrass/client-device-auth/cmd.BuildID=$(git rev-parse HEAD)"
var (
	BuildID   string
	BuildTime string
	BuildHost string
)

// GetBuildID identifies what build is running.
func GetBuildID() (retID string) {
	retID = BuildID
	if retID == "" {
		retID = "Unspecified"
	}
	return
}

// GetBuildTime identifies when this build was made
func GetBuildTime() (retID string) {
	retID = BuildTime
	if retID == "" {
		retID = "Unspecified"
	}
	return
}

// GetBuildHost identifies the building host
func GetBuildHost() (retID string) {
	retID = BuildHost
	if retID == "" {
		retID = "Unspecified"
	}
	return
}
