package common

// PackageName is used as the default service tag and tracer name.
const PackageName = "leasestore"

// Version is set at build time with
// -ldflags "-X github.com/ruteri/leasestore/common.Version=v1.2.3".
var Version = "dev"
