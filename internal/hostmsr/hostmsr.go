// Package hostmsr reads and writes the host processor's model specific
// registers for MSRs a VM passes through.
package hostmsr

import "errors"

var ErrUnsupported = errors.New("hostmsr: host MSR access is not supported on this platform")
