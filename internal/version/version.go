package version

// Version is the current image-weaver release.
const Version = "0.3.0"
