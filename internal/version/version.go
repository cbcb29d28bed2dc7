package version

// Version is set at build time with -ldflags "-X .../internal/version.Version=x.y.z".
var Version = "dev"
