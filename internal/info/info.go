package info

// Version is stamped at build time via -ldflags.
var Version = "dev"

func GetVersion() string {
	return Version
}
