package version

// Version is the release version, overridden at build time with
// -ldflags "-X github.com/spachava753/vidpixie/internal/version.Version=...".
var Version = "dev"
