package version

// Build holds the build identifier, injected via
// -ldflags "-X frpc-authproxy/pkg/version.Build=<id>". Default "dev".
var Build = "dev"
