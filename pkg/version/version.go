package version

// Version is set at link time with
// -ldflags "-X github.com/solo-io/dbgmux/pkg/version.Version=..."
var Version = "dev"
