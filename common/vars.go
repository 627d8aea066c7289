package common

// Version is set at build time with -ldflags "-X github.com/ruteri/wallet-kms/common.Version=...".
var Version = "dev"

// PackageName tags logs and user agents.
const PackageName = "wallet-kms"
