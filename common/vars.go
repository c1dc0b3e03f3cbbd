package common

// Version is overridden at build time with -ldflags "-X ...common.Version=v1.2.3".
var Version = "dev"

const PackageName = "github.com/ruteri/keyset-restore"

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "keyset_restore"
