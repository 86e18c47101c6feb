package util

import "fmt"

// ExitError carries a process exit code out of a cobra RunE function so
// cmd.Execute can set os.Exit appropriately without every subcommand
// calling os.Exit itself.
type ExitError struct {
	ExitCode int
	Err      error
}

func (ee ExitError) Error() string {
	return fmt.Sprintf("exit with code %d: %v", ee.ExitCode, ee.Err)
}

func (ee ExitError) Unwrap() error {
	return ee.Err
}
