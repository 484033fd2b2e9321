package cvm

import "github.com/sirupsen/logrus"

var (
	vcpuLog      = logrus.WithField("source", "cvm/vcpu")
	stateLog     = logrus.WithField("source", "cvm/statecache")
	switchLog    = logrus.WithField("source", "cvm/worldswitch")
	exitLog      = logrus.WithField("source", "cvm/exit")
	hypercallLog = logrus.WithField("source", "cvm/hypercall")
	schedLog     = logrus.WithField("source", "cvm/scheduler")
	vmLog        = logrus.WithField("source", "cvm/vm")
)

// SetLogger redirects this package's subsystem loggers to logger's output
// while preserving the "source" field each one carries, mirroring the
// teacher's SetHypervisorLogger. The pkg/npt and pkg/rmt loggers are not
// affected.
func SetLogger(logger *logrus.Entry) {
	rebind := func(e *logrus.Entry) *logrus.Entry {
		return logger.WithFields(e.Data)
	}
	vcpuLog = rebind(vcpuLog)
	stateLog = rebind(stateLog)
	switchLog = rebind(switchLog)
	exitLog = rebind(exitLog)
	hypercallLog = rebind(hypercallLog)
	schedLog = rebind(schedLog)
	vmLog = rebind(vmLog)
}
