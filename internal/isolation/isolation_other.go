//go:build !linux

package isolation

import "fmt"

const (
	cloneNewNS  = 0
	cloneNewPID = 0
	cloneNewUTS = 0
	cloneNewNET = 0
)

var errUnsupported = fmt.Errorf("isolation: unsupported on this platform")

func Setup(c Controls) error {
	if !c.IsolateProcess {
		return nil
	}
	return errUnsupported
}

func IsolateProcess(c Controls, cellName string) error {
	if !c.IsolateProcess {
		return nil
	}
	return errUnsupported
}

func IsolateNetwork(c Controls) error {
	if !c.IsolateNetwork {
		return nil
	}
	return errUnsupported
}
